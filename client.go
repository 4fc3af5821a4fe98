package signalq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DarlingtonDeveloper/signalq/leakguard"
)

var (
	// ErrBlocked is wrapped by *BlockedError when the leakage guard rejects
	// a message.
	ErrBlocked = errors.New("message blocked")

	// ErrQueued means the remote call failed and the mutation was saved for
	// replay. Callers typically show "saved locally, will sync later".
	ErrQueued = errors.New("mutation queued for sync")
)

// BlockedError carries the guard verdict for a rejected message.
type BlockedError struct {
	Result leakguard.Result
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("message blocked (%s): %s", e.Result.Reason, e.Result.Warning)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// ContentScanner classifies outgoing text. *leakguard.Guard implements it.
type ContentScanner interface {
	Scan(ctx context.Context, text, userID, contextID string) leakguard.Result
}

// Enqueuer records an operation for later replay. *Node implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, op Op)
}

// Client is the call-site entry point for mutations: message bodies pass
// the guard first, the repository is tried directly, and failures fall back
// to the offline queue.
type Client struct {
	repo  Repository
	queue Enqueuer
	guard ContentScanner
}

// NewClient creates a client. A nil guard disables scanning.
func NewClient(repo Repository, queue Enqueuer, guard ContentScanner) *Client {
	return &Client{repo: repo, queue: queue, guard: guard}
}

// Do performs op. It returns nil on success, a *BlockedError when the guard
// rejects a message, or an error wrapping ErrQueued when the op was saved
// for replay.
func (c *Client) Do(ctx context.Context, op Op) error {
	if msg, ok := op.(SendMessage); ok && c.guard != nil {
		if res := c.guard.Scan(ctx, msg.Body, msg.SenderID, msg.ThreadID); !res.IsSafe {
			return &BlockedError{Result: res}
		}
	}

	err := invokeSafely(ctx, c.repo, op)
	if err == nil {
		return nil
	}

	slog.Warn("signalq client: mutation failed, queueing for sync",
		"method", op.Method(),
		"error", err,
	)
	c.queue.Enqueue(ctx, op)
	return fmt.Errorf("%w: %v", ErrQueued, err)
}
