package signalq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestObserver_NotifiesOnTransitionOnly(t *testing.T) {
	o := NewObserver(false)
	var mu sync.Mutex
	var seen []bool
	o.OnChange(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	})

	o.Set(false)
	o.Set(true)
	o.Set(true)
	o.Set(false)

	if len(seen) != 2 || seen[0] != true || seen[1] != false {
		t.Errorf("expected [true false], got %v", seen)
	}
	if o.Online(context.Background()) {
		t.Error("expected observer offline")
	}
}

// natsHandlers applies opts to a bare nats.Options so the callbacks can be
// fired without a server.
func natsHandlers(t *testing.T, opts []nats.Option) nats.Options {
	t.Helper()
	var o nats.Options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			t.Fatalf("apply option: %v", err)
		}
	}
	return o
}

func TestNATSOptions(t *testing.T) {
	o := NewObserver(false)
	h := natsHandlers(t, NATSOptions(o))
	ctx := context.Background()

	h.DisconnectedErrCB(nil, errors.New("connection reset"))
	if o.Online(ctx) {
		t.Error("expected offline after disconnect")
	}

	h.ReconnectedCB(nil)
	if !o.Online(ctx) {
		t.Error("expected online after reconnect")
	}

	h.ClosedCB(nil)
	if o.Online(ctx) {
		t.Error("expected offline after close")
	}
}

func TestNATSOptions_DelayedFirstConnectGoesOnline(t *testing.T) {
	o := NewObserver(false)
	h := natsHandlers(t, NATSOptions(o))

	var flips []bool
	o.OnChange(func(online bool) { flips = append(flips, online) })

	// With RetryOnFailedConnect the client reports the first successful
	// connect through ConnectedCB, never ReconnectedCB.
	if h.ConnectedCB == nil {
		t.Fatal("expected a connected handler")
	}
	h.ConnectedCB(nil)

	if !o.Online(context.Background()) {
		t.Fatal("expected online after the first connect")
	}
	if len(flips) != 1 || !flips[0] {
		t.Errorf("expected one transition to online, got %v", flips)
	}
}

func TestNATSOptions_DelayedFirstConnectFlushesQueue(t *testing.T) {
	f := newNodeFixture(t)
	f.enqueueOffline(t, UpdateReputation{UserID: "user-1", Delta: 3})

	o := NewObserver(false)
	h := natsHandlers(t, NATSOptions(o))
	node := NewNode(NewQueueStore(f.kv, ""), f.repo, o, DefaultNodeOptions())
	node.Watch(o)

	h.ConnectedCB(nil)
	node.Wait()

	if n := f.repo.callCount(); n != 1 {
		t.Fatalf("expected the queued signal to be replayed once, got %d calls", n)
	}
	signals, err := node.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("expected empty queue, got %d", len(signals))
	}
}

func TestProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	o := NewObserver(false)
	changes := make(chan bool, 4)
	o.OnChange(func(online bool) { changes <- online })

	p := NewProber(o, srv.URL, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-changes:
			if got != want {
				t.Errorf("expected online=%v, got %v", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for online=%v", want)
		}
	}

	expect(true)
	status.Store(http.StatusServiceUnavailable)
	expect(false)
	// A 4xx still means the backend is reachable.
	status.Store(http.StatusNotFound)
	expect(true)

	cancel()
	p.Wait()
}

func TestProber_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(NewObserver(true), url, time.Second, nil)
	if p.probe(context.Background()) {
		t.Error("expected closed server to probe offline")
	}
}
