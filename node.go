package signalq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NodeOptions configures a Node.
type NodeOptions struct {
	// MaxRetries is the retry ceiling; a signal whose retry count reaches it
	// is evicted.
	MaxRetries int

	// InvokeTimeout bounds each replayed repository call. Zero disables it.
	InvokeTimeout time.Duration

	// Drops is told about evicted signals. Optional.
	Drops DropSink

	// Now is the clock used for signal timestamps. Defaults to time.Now.
	Now func() time.Time
}

// DefaultNodeOptions returns the production retry policy.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		MaxRetries:    DefaultMaxRetries,
		InvokeTimeout: 30 * time.Second,
	}
}

// SyncReport describes one AttemptSync call.
type SyncReport struct {
	// Ran is false when the call was skipped (offline or another flush in flight).
	Ran       bool `json:"ran"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Retained  int  `json:"retained"`
	Dropped   int  `json:"dropped"`
}

// Node owns the offline queue: it records failed mutations durably and
// replays them against the repository when connectivity allows.
type Node struct {
	store Store
	repo  Repository
	conn  Connectivity
	opts  NodeOptions

	// mu serializes read-modify-write cycles on the stored queue.
	mu sync.Mutex
	// syncing is the single-flight flag; at most one flush pass runs.
	syncing atomic.Bool
	wg      sync.WaitGroup
}

// NewNode creates a persistence node. A nil conn is treated as always online.
func NewNode(store Store, repo Repository, conn Connectivity, opts NodeOptions) *Node {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Node{store: store, repo: repo, conn: conn, opts: opts}
}

// Enqueue durably records op for later replay and triggers a background
// flush. A signal with the same method and structurally equal params that is
// already queued makes this a no-op. Storage failures are logged, never
// returned.
func (n *Node) Enqueue(ctx context.Context, op Op) {
	params, err := EncodeParams(op)
	if err != nil {
		enqueueTotal.WithLabelValues(methodLabel(op.Method()), "invalid").Inc()
		slog.Error("signalq node: cannot encode params",
			"method", op.Method(),
			"error", err,
		)
		return
	}
	n.enqueue(ctx, op.Method(), params)
}

// EnqueueRaw is Enqueue for callers holding a method name and a JSON params
// array. The only error it returns is a method/params validation failure.
func (n *Node) EnqueueRaw(ctx context.Context, method string, params json.RawMessage) error {
	canon, err := canonicalParams(params)
	if err == nil {
		_, err = DecodeOp(method, canon)
	}
	if err != nil {
		enqueueTotal.WithLabelValues(methodLabel(method), "invalid").Inc()
		return err
	}
	n.enqueue(ctx, method, canon)
	return nil
}

func (n *Node) enqueue(ctx context.Context, method string, params json.RawMessage) {
	inserted, depth, err := n.insert(ctx, method, params)
	if err != nil {
		enqueueTotal.WithLabelValues(methodLabel(method), "error").Inc()
		slog.Error("signalq node: enqueue failed",
			"method", method,
			"error", err,
		)
		return
	}
	if !inserted {
		enqueueTotal.WithLabelValues(methodLabel(method), "duplicate").Inc()
		slog.Debug("signalq node: duplicate signal ignored", "method", method)
		return
	}

	enqueueTotal.WithLabelValues(methodLabel(method), "inserted").Inc()
	queueDepth.Set(float64(depth))
	slog.Info("signalq node: signal queued", "method", method, "pending", depth)

	n.syncInBackground(ctx)
}

func (n *Node) insert(ctx context.Context, method string, params json.RawMessage) (bool, int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	signals, err := n.store.Load(ctx)
	if err != nil {
		return false, 0, err
	}

	fp := fingerprintOf(method, params)
	for _, s := range signals {
		if s.Method == method && fingerprintOf(s.Method, s.Params) == fp {
			return false, len(signals), nil
		}
	}

	signals = append(signals, Signal{
		ID:             uuid.NewString(),
		Method:         method,
		Params:         params,
		Timestamp:      n.opts.Now().UTC(),
		Retries:        0,
		IdempotencyKey: newIdempotencyKey(),
	})
	if err := n.store.Save(ctx, signals); err != nil {
		return false, 0, err
	}
	return true, len(signals), nil
}

func newIdempotencyKey() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (n *Node) syncInBackground(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.AttemptSync(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until every background flush started by Enqueue or Watch has
// returned.
func (n *Node) Wait() {
	n.wg.Wait()
}

// AttemptSync replays the queue once, in insertion order, if the remote side
// is reachable and no other pass is running. Succeeded signals are removed,
// failed ones have their retry count incremented and are kept until they hit
// the retry ceiling.
func (n *Node) AttemptSync(ctx context.Context) SyncReport {
	if n.conn != nil && !n.conn.Online(ctx) {
		flushTotal.WithLabelValues("offline").Inc()
		return SyncReport{}
	}
	if !n.syncing.CompareAndSwap(false, true) {
		flushTotal.WithLabelValues("busy").Inc()
		return SyncReport{}
	}
	defer n.syncing.Store(false)

	return n.flush(ctx)
}

func (n *Node) flush(ctx context.Context) SyncReport {
	report := SyncReport{Ran: true}

	n.mu.Lock()
	snapshot, err := n.store.Load(ctx)
	n.mu.Unlock()
	if err != nil {
		flushTotal.WithLabelValues("load_error").Inc()
		slog.Error("signalq node: failed to load queue", "error", err)
		return report
	}
	if len(snapshot) == 0 {
		flushTotal.WithLabelValues("ran").Inc()
		return report
	}

	remaining := make([]Signal, 0, len(snapshot))
	for i, s := range snapshot {
		if ctx.Err() != nil {
			remaining = append(remaining, snapshot[i:]...)
			break
		}

		report.Attempted++
		err := n.replay(ctx, s)
		if err == nil {
			report.Succeeded++
			replayTotal.WithLabelValues(methodLabel(s.Method), "success").Inc()
			continue
		}

		s.Retries++
		if s.Retries >= n.opts.MaxRetries {
			report.Dropped++
			replayTotal.WithLabelValues(methodLabel(s.Method), "dropped").Inc()
			slog.Error("signalq node: retry ceiling reached, dropping signal",
				"signal_id", s.ID,
				"method", s.Method,
				"retries", s.Retries,
				"error", err,
			)
			if n.opts.Drops != nil {
				n.opts.Drops.SignalDropped(ctx, s, err)
			}
			continue
		}

		report.Retained++
		replayTotal.WithLabelValues(methodLabel(s.Method), "retry").Inc()
		slog.Warn("signalq node: replay failed, will retry",
			"signal_id", s.ID,
			"method", s.Method,
			"retries", s.Retries,
			"error", err,
		)
		remaining = append(remaining, s)
	}

	if err := n.commit(context.WithoutCancel(ctx), snapshot, remaining); err != nil {
		flushTotal.WithLabelValues("save_error").Inc()
		slog.Error("signalq node: failed to persist queue after flush", "error", err)
		return report
	}

	flushTotal.WithLabelValues("ran").Inc()
	if report.Succeeded > 0 || report.Dropped > 0 {
		slog.Info("signalq node: flush complete",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"retained", report.Retained,
			"dropped", report.Dropped,
		)
	}
	return report
}

// replay invokes one signal. Signals that no longer decode count as a failed
// attempt, so a renamed method cannot block the queue forever.
func (n *Node) replay(ctx context.Context, s Signal) error {
	op, err := DecodeOp(s.Method, s.Params)
	if err != nil {
		replayTotal.WithLabelValues(methodLabel(s.Method), "unresolved").Inc()
		return err
	}

	ictx := WithIdempotencyKey(ctx, s.IdempotencyKey)
	if n.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ictx, n.opts.InvokeTimeout)
		defer cancel()
	}
	return invokeSafely(ictx, n.repo, op)
}

// commit writes the survivors of a flush pass. Signals discarded while the
// pass ran stay gone; signals enqueued while it ran are appended after the
// survivors.
func (n *Node) commit(ctx context.Context, snapshot, remaining []Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, err := n.store.Load(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(current))
	for _, s := range current {
		present[s.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(snapshot))
	for _, s := range snapshot {
		seen[s.ID] = struct{}{}
	}

	merged := make([]Signal, 0, len(remaining)+len(current))
	for _, s := range remaining {
		if _, ok := present[s.ID]; ok {
			merged = append(merged, s)
		}
	}
	for _, s := range current {
		if _, ok := seen[s.ID]; !ok {
			merged = append(merged, s)
		}
	}

	if err := n.store.Save(ctx, merged); err != nil {
		return err
	}
	queueDepth.Set(float64(len(merged)))
	return nil
}

// Pending returns the queued signals in flush order.
func (n *Node) Pending(ctx context.Context) ([]Signal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Load(ctx)
}

// Stats summarizes the queue.
func (n *Node) Stats(ctx context.Context) (*Stats, error) {
	signals, err := n.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return statsOf(signals), nil
}

// Discard removes a signal without replaying it.
func (n *Node) Discard(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	signals, err := n.store.Load(ctx)
	if err != nil {
		return err
	}
	kept := signals[:0]
	found := false
	for _, s := range signals {
		if s.ID == id {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	if err := n.store.Save(ctx, kept); err != nil {
		return err
	}
	queueDepth.Set(float64(len(kept)))
	slog.Info("signalq node: signal discarded", "signal_id", id)
	return nil
}

// Watch subscribes the node to o: every transition to online starts a
// background flush.
func (n *Node) Watch(o *Observer) {
	o.OnChange(func(online bool) {
		if !online {
			return
		}
		slog.Info("signalq node: connectivity restored, flushing")
		n.syncInBackground(context.Background())
	})
}
