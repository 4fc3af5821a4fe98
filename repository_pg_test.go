package signalq

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestToRemoteError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key", Detail: "Key (id)=(x) already exists."}
	err := toRemoteError("sendMessage", pgErr)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != "23505" || remote.Details == "" {
		t.Errorf("unexpected mapping %+v", remote)
	}

	already := &RemoteError{Message: "profile u1 not found", Code: "not_found"}
	if got := toRemoteError("updateProfile", already); got != already {
		t.Errorf("expected RemoteError passed through, got %v", got)
	}

	plain := errors.New("conn refused")
	if got := toRemoteError("begin", plain); !errors.Is(got, plain) {
		t.Errorf("expected wrapped error, got %v", got)
	}
}
