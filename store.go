package signalq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// QueueStore persists the whole queue as a single JSON array under one key.
type QueueStore struct {
	kv  KV
	key string
}

// NewQueueStore creates a queue store over kv. An empty key selects
// DefaultQueueKey.
func NewQueueStore(kv KV, key string) *QueueStore {
	if key == "" {
		key = DefaultQueueKey
	}
	return &QueueStore{kv: kv, key: key}
}

// Load returns the persisted queue in insertion order. An absent or corrupt
// blob is an empty queue; only a failing KV read is an error.
func (s *QueueStore) Load(ctx context.Context) ([]Signal, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if !ok || len(data) == 0 {
		return []Signal{}, nil
	}

	var signals []Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		slog.Warn("signalq store: corrupt queue blob, treating as empty",
			"key", s.key,
			"bytes", len(data),
			"error", err,
		)
		return []Signal{}, nil
	}
	if signals == nil {
		signals = []Signal{}
	}
	return signals, nil
}

// Save replaces the persisted queue with signals.
func (s *QueueStore) Save(ctx context.Context, signals []Signal) error {
	if signals == nil {
		signals = []Signal{}
	}
	data, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// Stats summarizes the pending queue.
type Stats struct {
	Pending    int            `json:"pending"`
	ByMethod   map[string]int `json:"by_method"`
	MaxRetries int            `json:"max_retries"`
	Retrying   int            `json:"retrying"`
}

func statsOf(signals []Signal) *Stats {
	st := &Stats{ByMethod: make(map[string]int)}
	for _, s := range signals {
		st.Pending++
		st.ByMethod[s.Method]++
		if s.Retries > 0 {
			st.Retrying++
		}
		if s.Retries > st.MaxRetries {
			st.MaxRetries = s.Retries
		}
	}
	return st
}
