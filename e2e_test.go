package signalq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/DarlingtonDeveloper/signalq/leakguard"
)

// TestE2E_OfflineLifecycle walks a mutation through the whole stack:
// 1. Client call fails while offline → signal persisted in Badger
// 2. A duplicate call does not grow the queue
// 3. Connectivity returns → queue flushed exactly once
// 4. The admin API reflects the empty queue
func TestE2E_OfflineLifecycle(t *testing.T) {
	kv, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer kv.Close()

	ctx := context.Background()
	repo := newMockRepo()
	repo.err = &RemoteError{Message: "network request failed"}
	observer := NewObserver(false)
	node := NewNode(NewQueueStore(kv, ""), repo, observer, DefaultNodeOptions())
	node.Watch(observer)

	guard, err := leakguard.NewDefault(repo, leakguard.Options{})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	client := NewClient(repo, node, guard)

	// --- Step 1: call fails and is queued ---
	op := UpdateProfile{UserID: "user-1", Patch: map[string]any{"xp": 1500}}
	if err := client.Do(ctx, op); !errors.Is(err, ErrQueued) {
		t.Fatalf("step 1: expected ErrQueued, got %v", err)
	}
	node.Wait()

	// --- Step 2: same call again ---
	_ = client.Do(ctx, op)
	node.Wait()

	signals, err := node.Pending(ctx)
	if err != nil {
		t.Fatalf("step 2: pending: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("step 2: expected 1 queued signal, got %d", len(signals))
	}

	// --- Step 3: back online, remote healthy ---
	repo.mu.Lock()
	repo.err = nil
	repo.calls = nil
	repo.mu.Unlock()

	observer.Set(true)
	node.Wait()

	calls := repo.recorded()
	if len(calls) != 1 || calls[0].Method != MethodUpdateProfile {
		t.Fatalf("step 3: expected one replayed updateProfile, got %+v", calls)
	}
	if calls[0].Key != signals[0].IdempotencyKey {
		t.Errorf("step 3: expected idempotency key %s, got %s", signals[0].IdempotencyKey, calls[0].Key)
	}

	// --- Step 4: admin API ---
	r := chi.NewRouter()
	r.Mount("/queue", NewHandler(node, guard).Routes())
	w := doRequest(r, "GET", "/queue/stats", "")
	var stats Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("step 4: decode: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("step 4: expected empty queue, got %d", stats.Pending)
	}
}

// TestE2E_BlockedMessageAudited checks that a blocked message is neither
// sent nor queued and that the audit event reaches the repository.
func TestE2E_BlockedMessageAudited(t *testing.T) {
	ctx := context.Background()
	repo := newMockRepo()
	node := NewNode(NewQueueStore(newMockKV(), ""), repo, nil, DefaultNodeOptions())
	guard, err := leakguard.NewDefault(repo, leakguard.Options{DeviceInfo: map[string]any{"platform": "android"}})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	client := NewClient(repo, node, guard)

	err = client.Do(ctx, SendMessage{ThreadID: "booking-9", SenderID: "u7", Body: "pay me on venmo instead"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	guard.Wait()
	node.Wait()

	if repo.callCount() != 0 {
		t.Errorf("expected no message sent, got %d calls", repo.callCount())
	}
	repo.mu.Lock()
	events := repo.events
	repo.mu.Unlock()
	if len(events) != 1 || events[0].Name != leakguard.EventName {
		t.Fatalf("expected one audit event, got %+v", events)
	}
	if events[0].Properties["context_id"] != "booking-9" || events[0].DeviceInfo["platform"] != "android" {
		t.Errorf("unexpected audit payload %+v", events[0])
	}
}

// TestE2E_ExhaustedSignalPublished checks that an evicted signal is
// announced on NATS.
func TestE2E_ExhaustedSignalPublished(t *testing.T) {
	ctx := context.Background()
	repo := newMockRepo()
	repo.err = &RemoteError{Message: "permission denied", Code: "42501"}
	nc := newMockNATS()
	conn := newMockConn(false)

	opts := DefaultNodeOptions()
	opts.MaxRetries = 2
	opts.Drops = NewPublisher(nc, "e2e")
	node := NewNode(NewQueueStore(newMockKV(), ""), repo, conn, opts)

	node.Enqueue(ctx, UpdateReputation{UserID: "u1", Delta: -5})
	node.Wait()
	conn.online.Store(true)

	node.AttemptSync(ctx)
	if report := node.AttemptSync(ctx); report.Dropped != 1 {
		t.Fatalf("expected drop on second attempt, got %+v", report)
	}

	msgs := nc.published()
	if len(msgs) != 1 || msgs[0].Subject != SubjectSignalDropped {
		t.Fatalf("expected one drop event, got %+v", msgs)
	}
	var ev DroppedEvent
	if err := json.Unmarshal(msgs[0].Data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Signal.Method != MethodUpdateReputation || ev.LastError != "remote error 42501: permission denied" {
		t.Errorf("unexpected drop event %+v", ev)
	}

	r := chi.NewRouter()
	r.Mount("/queue", NewHandler(node, nil).Routes())
	if w := doRequest(r, "GET", "/queue/", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
