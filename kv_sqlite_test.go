package signalq

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteKV_GetSet(t *testing.T) {
	kv := NewSQLiteKV(filepath.Join(t.TempDir(), "nested", "queue.db"))
	defer kv.Close()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, DefaultQueueKey, []byte(`[1]`)))
	require.NoError(t, kv.Set(ctx, DefaultQueueKey, []byte(`[1,2]`)))

	v, ok, err := kv.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2]`, string(v))
}

func TestSQLiteKV_InMemory(t *testing.T) {
	kv := NewSQLiteKV(":memory:")
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", []byte("1")))
	v, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
}

func TestSQLiteKV_BacksNode(t *testing.T) {
	kv := NewSQLiteKV(filepath.Join(t.TempDir(), "queue.db"))
	defer kv.Close()
	ctx := context.Background()

	repo := newMockRepo()
	conn := newMockConn(false)
	node := NewNode(NewQueueStore(kv, ""), repo, conn, DefaultNodeOptions())

	node.Enqueue(ctx, SendMessage{ThreadID: "t1", SenderID: "u1", Body: "see you at 5"})
	node.Enqueue(ctx, SendMessage{ThreadID: "t1", SenderID: "u1", Body: "see you at 5"})
	node.Wait()

	pending, err := node.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	conn.online.Store(true)
	report := node.AttemptSync(ctx)
	assert.Equal(t, 1, report.Succeeded)

	pending, err = node.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteKV_CloseUnopened(t *testing.T) {
	assert.NoError(t, NewSQLiteKV(filepath.Join(t.TempDir(), "never.db")).Close())
}
