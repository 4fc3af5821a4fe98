package signalq

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerKV_InMemory(t *testing.T) {
	kv, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.False(t, ok, "absent key should report ok=false")

	require.NoError(t, kv.Set(ctx, DefaultQueueKey, []byte(`[]`)))
	require.NoError(t, kv.Set(ctx, DefaultQueueKey, []byte(`[{"id":"a"}]`)))

	v, ok, err := kv.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"a"}]`, string(v))
}

func TestBadgerKV_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queue")
	cfg := DefaultBadgerConfig(dir)
	cfg.Logger = slog.Default()
	ctx := context.Background()

	kv, err := OpenBadger(cfg)
	require.NoError(t, err)
	store := NewQueueStore(kv, "")
	require.NoError(t, store.Save(ctx, []Signal{{ID: "a", Method: MethodUpdateReputation, Params: []byte(`["u1",1]`)}}))
	require.NoError(t, kv.Close())

	kv, err = OpenBadger(cfg)
	require.NoError(t, err)
	defer kv.Close()

	signals, err := NewQueueStore(kv, "").Load(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "a", signals[0].ID)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerKV_CancelledContext(t *testing.T) {
	kv, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, kv.Set(ctx, "k", []byte("v")), context.Canceled)
}
