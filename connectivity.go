package signalq

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Observer holds the current "is connected" state and notifies listeners on
// transitions. It implements Connectivity.
type Observer struct {
	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewObserver creates an observer with the given initial state.
func NewObserver(online bool) *Observer {
	return &Observer{online: online}
}

// Online implements Connectivity.
func (o *Observer) Online(_ context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// OnChange registers fn to be called after every state transition.
func (o *Observer) OnChange(fn func(online bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Set records the current state. Listeners run synchronously, outside the
// lock, only when the state actually changed.
func (o *Observer) Set(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	listeners := make([]func(bool), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	slog.Info("signalq connectivity: state changed", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// NATSOptions returns connect options that drive o from the connection's
// lifecycle. ConnectHandler covers the first connect, which for a connection
// opened with nats.RetryOnFailedConnect may happen long after Connect returns
// and never fires the reconnect handler.
func NATSOptions(o *Observer) []nats.Option {
	return []nats.Option{
		nats.ConnectHandler(func(_ *nats.Conn) {
			o.Set(true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("signalq connectivity: nats disconnected", "error", err)
			o.Set(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			o.Set(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			o.Set(false)
		}),
	}
}

// Prober polls an HTTP health endpoint and feeds the result into an Observer.
// Any response below 500 counts as reachable.
type Prober struct {
	observer *Observer
	url      string
	interval time.Duration
	client   *http.Client
	done     chan struct{}
}

// NewProber creates a health prober. A nil client gets a 5s timeout client.
func NewProber(o *Observer, url string, interval time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{
		observer: o,
		url:      url,
		interval: interval,
		client:   client,
		done:     make(chan struct{}),
	}
}

// Start probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		defer close(p.done)
		p.observer.Set(p.probe(ctx))
		for {
			select {
			case <-ticker.C:
				p.observer.Set(p.probe(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the prober has stopped.
func (p *Prober) Wait() {
	<-p.done
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		slog.Error("signalq prober: bad health url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("signalq prober: probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
