package signalq

import (
	"context"
	"encoding/json"
)

// KV is the durable key-value store the queue is persisted in.
// Concrete implementations are *BadgerKV and *SQLiteKV.
type KV interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Store reads and writes the entire queue. The concrete implementation is
// *QueueStore.
type Store interface {
	Load(ctx context.Context) ([]Signal, error)
	Save(ctx context.Context, signals []Signal) error
}

// Repository is the remote data layer. Every mutation returns nil on success
// or an error (usually *RemoteError) on failure. Implementations read the
// idempotency key of a replay with IdempotencyKeyFrom.
type Repository interface {
	UpdateProfile(ctx context.Context, userID string, patch map[string]any) error
	UpdateReputation(ctx context.Context, userID string, delta int) error
	SendMessage(ctx context.Context, threadID, senderID, body string) error
	LogEvent(ctx context.Context, name string, properties, deviceInfo map[string]any) error
}

// Connectivity reports whether the remote side is currently reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// DropSink is told about signals evicted after exhausting their retries.
type DropSink interface {
	SignalDropped(ctx context.Context, s Signal, lastErr error)
}

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// RawEnqueuer accepts a method name and a JSON params array from clients
// that do not hold a typed Op.
type RawEnqueuer interface {
	EnqueueRaw(ctx context.Context, method string, params json.RawMessage) error
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the idempotency key of a replayed signal.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey, or "".
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
