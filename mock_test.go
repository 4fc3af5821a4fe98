package signalq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// mockKV is a thread-safe in-memory KV for unit tests.
type mockKV struct {
	mu   sync.Mutex
	data map[string][]byte

	getErr error
	setErr error

	setCalls int
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string][]byte)}
}

func (m *mockKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *mockKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *mockKV) failGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

func (m *mockKV) failSets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

type repoCall struct {
	Method string
	Args   []any
	Key    string
}

type loggedEvent struct {
	Name       string
	Properties map[string]any
	DeviceInfo map[string]any
}

// mockRepo records every call and fails on demand.
type mockRepo struct {
	mu     sync.Mutex
	calls  []repoCall
	events []loggedEvent

	// err is returned by every mutation when set.
	err error
	// errByMethod fails only the named method.
	errByMethod map[string]error
	// failFirst makes the next N mutations fail.
	failFirst int
	// panicOn makes the named method panic.
	panicOn string
	// block, when set, holds every mutation until it is closed.
	block chan struct{}
	// started receives a value when a mutation begins.
	started chan struct{}

	eventErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{errByMethod: make(map[string]error)}
}

func (m *mockRepo) UpdateProfile(ctx context.Context, userID string, patch map[string]any) error {
	return m.mutate(ctx, MethodUpdateProfile, userID, patch)
}

func (m *mockRepo) UpdateReputation(ctx context.Context, userID string, delta int) error {
	return m.mutate(ctx, MethodUpdateReputation, userID, delta)
}

func (m *mockRepo) SendMessage(ctx context.Context, threadID, senderID, body string) error {
	return m.mutate(ctx, MethodSendMessage, threadID, senderID, body)
}

func (m *mockRepo) LogEvent(_ context.Context, name string, properties, deviceInfo map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, loggedEvent{Name: name, Properties: properties, DeviceInfo: deviceInfo})
	return m.eventErr
}

func (m *mockRepo) mutate(ctx context.Context, method string, args ...any) error {
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, repoCall{Method: method, Args: args, Key: IdempotencyKeyFrom(ctx)})
	if method == m.panicOn {
		panic("repository exploded")
	}
	if m.failFirst > 0 {
		m.failFirst--
		return &RemoteError{Message: "network request failed", Code: "unavailable"}
	}
	if err := m.errByMethod[method]; err != nil {
		return err
	}
	return m.err
}

func (m *mockRepo) recorded() []repoCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]repoCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

func (m *mockRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockConn is a settable Connectivity.
type mockConn struct {
	online atomic.Bool
}

func newMockConn(online bool) *mockConn {
	c := &mockConn{}
	c.online.Store(online)
	return c
}

func (c *mockConn) Online(context.Context) bool { return c.online.Load() }

type droppedSignal struct {
	Signal Signal
	Err    error
}

// mockDrops records evicted signals.
type mockDrops struct {
	mu      sync.Mutex
	dropped []droppedSignal
}

func (m *mockDrops) SignalDropped(_ context.Context, s Signal, lastErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, droppedSignal{Signal: s, Err: lastErr})
}

func (m *mockDrops) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dropped)
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// seedQueue writes signals straight into the store behind a node.
func seedQueue(t *testing.T, kv KV, signals ...Signal) {
	t.Helper()
	if err := NewQueueStore(kv, "").Save(context.Background(), signals); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
}

// Verify interfaces at compile time.
var _ KV = (*mockKV)(nil)
var _ Repository = (*mockRepo)(nil)
var _ Connectivity = (*mockConn)(nil)
var _ DropSink = (*mockDrops)(nil)
var _ NATSPublisher = (*mockNATS)(nil)
