// Package signalq provides a durable offline mutation queue for clients on
// unreliable networks. Failed remote mutations are recorded as signals,
// persisted as one JSON blob, and replayed in FIFO order whenever
// connectivity returns, until they succeed or exhaust their retry budget.
package signalq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultMaxRetries is the number of failed replays after which a signal is
// evicted from the queue.
const DefaultMaxRetries = 10

// DefaultQueueKey is the single key the whole queue is stored under.
const DefaultQueueKey = "@signal_queue"

// Replayable method names. These are the persisted values of Signal.Method.
const (
	MethodUpdateProfile    = "updateProfile"
	MethodUpdateReputation = "updateReputation"
	MethodSendMessage      = "sendMessage"
)

var (
	// ErrUnknownMethod is returned when a persisted method name has no
	// replayable operation.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrInvalidParams is returned when params no longer match the
	// positional signature of their method.
	ErrInvalidParams = errors.New("invalid params")

	// ErrNotFound is returned when a signal id is not in the queue.
	ErrNotFound = errors.New("signal not found")
)

// Signal is one pending mutation awaiting transmission.
type Signal struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	Timestamp      time.Time       `json:"timestamp"`
	Retries        int             `json:"retries"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Op is a replayable remote operation. The set of implementations is closed:
// every Op has a method name the queue persists and a decoder in DecodeOp.
type Op interface {
	Method() string
	// Args returns the positional arguments, in the order they are persisted.
	Args() []any
	op()
}

// UpdateProfile merges Patch into the profile of UserID.
type UpdateProfile struct {
	UserID string
	Patch  map[string]any
}

func (UpdateProfile) Method() string { return MethodUpdateProfile }
func (o UpdateProfile) Args() []any  { return []any{o.UserID, o.Patch} }
func (UpdateProfile) op()            {}

// UpdateReputation adds Delta to the reputation score of UserID.
type UpdateReputation struct {
	UserID string
	Delta  int
}

func (UpdateReputation) Method() string { return MethodUpdateReputation }
func (o UpdateReputation) Args() []any  { return []any{o.UserID, o.Delta} }
func (UpdateReputation) op()            {}

// SendMessage posts Body to a chat thread on behalf of SenderID.
type SendMessage struct {
	ThreadID string
	SenderID string
	Body     string
}

func (SendMessage) Method() string { return MethodSendMessage }
func (o SendMessage) Args() []any  { return []any{o.ThreadID, o.SenderID, o.Body} }
func (SendMessage) op()            {}

// DecodeOp rebuilds the typed operation for a persisted method and params
// array. A method with no operation yields ErrUnknownMethod; params whose
// arity or types no longer match yield ErrInvalidParams.
func DecodeOp(method string, params json.RawMessage) (Op, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("%w: %s: params is not an array: %v", ErrInvalidParams, method, err)
	}

	switch method {
	case MethodUpdateProfile:
		var o UpdateProfile
		if err := decodeArgs(method, args, &o.UserID, &o.Patch); err != nil {
			return nil, err
		}
		return o, nil
	case MethodUpdateReputation:
		var o UpdateReputation
		if err := decodeArgs(method, args, &o.UserID, &o.Delta); err != nil {
			return nil, err
		}
		return o, nil
	case MethodSendMessage:
		var o SendMessage
		if err := decodeArgs(method, args, &o.ThreadID, &o.SenderID, &o.Body); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

func decodeArgs(method string, args []json.RawMessage, dst ...any) error {
	if len(args) != len(dst) {
		return fmt.Errorf("%w: %s: want %d args, got %d", ErrInvalidParams, method, len(dst), len(args))
	}
	for i := range dst {
		if err := json.Unmarshal(args[i], dst[i]); err != nil {
			return fmt.Errorf("%w: %s: arg %d: %v", ErrInvalidParams, method, i, err)
		}
	}
	return nil
}

// EncodeParams serializes an operation's arguments into the canonical params
// array stored on a Signal.
func EncodeParams(op Op) (json.RawMessage, error) {
	data, err := json.Marshal(op.Args())
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", op.Method(), err)
	}
	return canonicalParams(data)
}

// canonicalParams re-encodes a JSON array so that structurally equal values
// produce identical bytes: object keys sorted, insignificant whitespace gone,
// number literals preserved.
func canonicalParams(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v []any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if v == nil {
		v = []any{}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize params: %w", err)
	}
	return out, nil
}

// comparableParams is canonicalParams with every number replaced by its
// float64 value, so 5, 5.0 and 5e0 encode the same way. Stored params keep
// their literals; only fingerprints use this form.
func comparableParams(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v []any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if v == nil {
		v = []any{}
	}
	out, err := json.Marshal(normalizeNumbers(v))
	if err != nil {
		return nil, fmt.Errorf("normalize params: %w", err)
	}
	return out, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			// Out of float64 range; the literal is the best we have.
			return t
		}
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}

// fingerprintKey is the BLAKE3 key for dedup fingerprints: the ASCII domain
// name zero-padded to 32 bytes. Changing it only affects in-memory lookups.
var fingerprintKey = [32]byte{
	's', 'i', 'g', 'n', 'a', 'l', 'q', '.', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r',
	'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

type fingerprint [32]byte

// fingerprintOf hashes method and value-normalized params. Two signals with
// the same fingerprint are duplicates.
func fingerprintOf(method string, params json.RawMessage) fingerprint {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("signalq: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(method))
	hasher.Write([]byte{0})
	if norm, err := comparableParams(params); err == nil {
		hasher.Write(norm)
	} else {
		hasher.Write(params)
	}
	var fp fingerprint
	copy(fp[:], hasher.Sum(nil))
	return fp
}

// RemoteError is the uniform error shape returned by the remote data layer.
type RemoteError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}
