package signalq

import (
	"context"
	"fmt"
)

// dispatch invokes the repository method that op stands for.
func dispatch(ctx context.Context, repo Repository, op Op) error {
	switch o := op.(type) {
	case UpdateProfile:
		return repo.UpdateProfile(ctx, o.UserID, o.Patch)
	case UpdateReputation:
		return repo.UpdateReputation(ctx, o.UserID, o.Delta)
	case SendMessage:
		return repo.SendMessage(ctx, o.ThreadID, o.SenderID, o.Body)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMethod, op)
	}
}

// invokeSafely runs dispatch and converts a panic into an error so one bad
// signal cannot abort a flush pass.
func invokeSafely(ctx context.Context, repo Repository, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", op.Method(), r)
		}
	}()
	return dispatch(ctx, repo, op)
}
