package signalq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NATS subjects for queue and guard events.
const (
	SubjectSignalDropped  = "signalq.signal.dropped"
	SubjectSecurityPrefix = "signalq.security."
)

// DroppedEvent is published when a signal is evicted after exhausting its
// retries.
type DroppedEvent struct {
	EventID   string    `json:"event_id"`
	Signal    Signal    `json:"signal"`
	LastError string    `json:"last_error"`
	DroppedAt time.Time `json:"dropped_at"`
	Source    string    `json:"source"`
}

// SecurityEvent is published for audit events such as a blocked message.
type SecurityEvent struct {
	EventID    string         `json:"event_id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	Source     string         `json:"source"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// Publisher sends queue and security events to NATS. It implements DropSink
// and the guard's audit interface.
type Publisher struct {
	nc     NATSPublisher
	source string
}

// NewPublisher creates an event publisher. Source identifies this client
// (for example a device or service name).
func NewPublisher(nc NATSPublisher, source string) *Publisher {
	return &Publisher{nc: nc, source: source}
}

// SignalDropped implements DropSink. Publish failures are logged only.
func (p *Publisher) SignalDropped(_ context.Context, s Signal, lastErr error) {
	ev := DroppedEvent{
		EventID:   uuid.New().String(),
		Signal:    s,
		DroppedAt: time.Now().UTC(),
		Source:    p.source,
	}
	if lastErr != nil {
		ev.LastError = lastErr.Error()
	}
	if err := p.publish(SubjectSignalDropped, ev); err != nil {
		slog.Error("signalq publisher: failed to publish drop",
			"signal_id", s.ID,
			"error", err,
		)
	}
}

// LogEvent publishes a security event on SubjectSecurityPrefix + name.
func (p *Publisher) LogEvent(_ context.Context, name string, properties, deviceInfo map[string]any) error {
	ev := SecurityEvent{
		EventID:    uuid.New().String(),
		Name:       name,
		Properties: properties,
		DeviceInfo: deviceInfo,
		Source:     p.source,
		EmittedAt:  time.Now().UTC(),
	}
	return p.publish(SubjectSecurityPrefix+name, ev)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
