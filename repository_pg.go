package signalq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables PGRepository writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS reputation (
	user_id    TEXT PRIMARY KEY,
	score      INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id         UUID PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS security_events (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	properties  JSONB NOT NULL,
	device_info JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS signal_applied (
	idempotency_key TEXT PRIMARY KEY,
	method          TEXT NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGRepository implements Repository on Supabase/Postgres. Replayed
// mutations carrying an idempotency key are applied at most once.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a repository from an existing connection pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Migrate creates the repository tables if they do not exist.
func (r *PGRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// UpdateProfile merges patch into the profile's JSON data.
func (r *PGRepository) UpdateProfile(ctx context.Context, userID string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal profile patch: %w", err)
	}
	return r.apply(ctx, MethodUpdateProfile, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE profiles
			SET data = data || $2::jsonb, updated_at = now()
			WHERE id = $1
		`, userID, patchJSON)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &RemoteError{Message: fmt.Sprintf("profile %s not found", userID), Code: "not_found"}
		}
		return nil
	})
}

// UpdateReputation adds delta to the user's score, creating the row if needed.
func (r *PGRepository) UpdateReputation(ctx context.Context, userID string, delta int) error {
	return r.apply(ctx, MethodUpdateReputation, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reputation (user_id, score) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE
			SET score = reputation.score + EXCLUDED.score, updated_at = now()
		`, userID, delta)
		return err
	})
}

// SendMessage appends a chat message to a thread.
func (r *PGRepository) SendMessage(ctx context.Context, threadID, senderID, body string) error {
	return r.apply(ctx, MethodSendMessage, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, thread_id, sender_id, body)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), threadID, senderID, body)
		return err
	})
}

// LogEvent records an audit event.
func (r *PGRepository) LogEvent(ctx context.Context, name string, properties, deviceInfo map[string]any) error {
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		propsJSON = []byte("{}")
	}
	deviceJSON, err := json.Marshal(deviceInfo)
	if err != nil || deviceInfo == nil {
		deviceJSON = []byte("{}")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO security_events (id, name, properties, device_info)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), name, propsJSON, deviceJSON)
	if err != nil {
		return toRemoteError("log event", err)
	}
	return nil
}

// apply runs fn in a transaction. When ctx carries an idempotency key the
// key is claimed in the same transaction; a key that was already claimed
// means the mutation landed on an earlier attempt, and apply reports success
// without running fn again.
func (r *PGRepository) apply(ctx context.Context, method string, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return toRemoteError("begin "+method, err)
	}
	defer tx.Rollback(ctx)

	if key := IdempotencyKeyFrom(ctx); key != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO signal_applied (idempotency_key, method) VALUES ($1, $2)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, key, method)
		if err != nil {
			return toRemoteError("claim idempotency key", err)
		}
		if tag.RowsAffected() == 0 {
			slog.Info("signalq repository: mutation already applied",
				"method", method,
				"idempotency_key", key,
			)
			return nil
		}
	}

	if err := fn(tx); err != nil {
		return toRemoteError(method, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return toRemoteError("commit "+method, err)
	}
	return nil
}

// toRemoteError maps Postgres errors onto the uniform RemoteError shape.
func toRemoteError(op string, err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RemoteError{Message: pgErr.Message, Code: pgErr.Code, Details: pgErr.Detail}
	}
	return fmt.Errorf("%s: %w", op, err)
}
