package signalq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultRPCPrefix is the subject prefix for repository requests; the method
// name is appended ("signalq.rpc.updateProfile").
const DefaultRPCPrefix = "signalq.rpc"

// HeaderIdempotencyKey carries a replayed signal's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// Response is the uniform reply of the remote data layer. A non-nil Error
// means failure regardless of Data.
type Response struct {
	Data  json.RawMessage `json:"data"`
	Error *RemoteError    `json:"error"`
}

// NATSRequester is the part of *nats.Conn used for request/reply.
type NATSRequester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// NATSRepository implements Repository over NATS request/reply. The request
// body is the JSON array of positional arguments.
type NATSRepository struct {
	nc      NATSRequester
	prefix  string
	timeout time.Duration
}

// NewNATSRepository creates a NATS-backed repository. An empty prefix
// selects DefaultRPCPrefix; a zero timeout leaves deadlines to the caller.
func NewNATSRepository(nc NATSRequester, prefix string, timeout time.Duration) *NATSRepository {
	if prefix == "" {
		prefix = DefaultRPCPrefix
	}
	return &NATSRepository{nc: nc, prefix: prefix, timeout: timeout}
}

func (r *NATSRepository) UpdateProfile(ctx context.Context, userID string, patch map[string]any) error {
	return r.call(ctx, MethodUpdateProfile, userID, patch)
}

func (r *NATSRepository) UpdateReputation(ctx context.Context, userID string, delta int) error {
	return r.call(ctx, MethodUpdateReputation, userID, delta)
}

func (r *NATSRepository) SendMessage(ctx context.Context, threadID, senderID, body string) error {
	return r.call(ctx, MethodSendMessage, threadID, senderID, body)
}

func (r *NATSRepository) LogEvent(ctx context.Context, name string, properties, deviceInfo map[string]any) error {
	return r.call(ctx, "logEvent", name, properties, deviceInfo)
}

func (r *NATSRepository) call(ctx context.Context, method string, args ...any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s args: %w", method, err)
	}

	msg := nats.NewMsg(r.prefix + "." + method)
	msg.Data = body
	if key := IdempotencyKeyFrom(ctx); key != "" {
		msg.Header.Set(HeaderIdempotencyKey, key)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	reply, err := r.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("request %s: %w", msg.Subject, err)
	}

	var resp Response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}
