package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventDispatchStarted       EventType = "dispatch.started"
	EventDispatchTaskCompleted EventType = "dispatch.task.completed"
	EventDispatchCompleted     EventType = "dispatch.completed"
	EventDispatchAborted       EventType = "dispatch.aborted"

	EventBreakerStateChanged EventType = "breaker.state_changed"

	EventPIIDetected EventType = "security.pii_detected"
)

// Event is the envelope delivered to the observability sink.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	DispatchID string          `json:"dispatch_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. Payloads that fail to
// marshal are dropped rather than failing the caller.
func NewEvent(ctx context.Context, typ EventType, payload any) Event {
	ev := Event{
		Type:       typ,
		Timestamp:  time.Now(),
		DispatchID: DispatchIDFromContext(ctx),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventRecorder is the observability sink collaborator.
type EventRecorder interface {
	Record(ctx context.Context, event Event)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

// Record implements EventRecorder.
func (NoopRecorder) Record(context.Context, Event) {}

// TaskCompletedPayload is the payload of EventDispatchTaskCompleted.
type TaskCompletedPayload struct {
	Index      int    `json:"index"`
	Agent      string `json:"agent"`
	Success    bool   `json:"success"`
	Cached     bool   `json:"cached,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Cost       string `json:"cost"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// DispatchSummaryPayload is the payload of EventDispatchCompleted and
// EventDispatchAborted.
type DispatchSummaryPayload struct {
	Agent      string `json:"agent"`
	Tasks      int    `json:"tasks"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	TotalCost  string `json:"total_cost"`
	DurationMS int64  `json:"duration_ms"`
	Depth      int    `json:"depth"`
	Reason     string `json:"reason,omitempty"`
}

// BreakerState mirrors the circuit breaker state of one endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStatePayload is the payload of EventBreakerStateChanged.
type BreakerStatePayload struct {
	Endpoint string       `json:"endpoint"`
	From     BreakerState `json:"from"`
	To       BreakerState `json:"to"`
}

// PIIDetectedPayload is the payload of EventPIIDetected. It never carries the
// matched text.
type PIIDetectedPayload struct {
	Index      int      `json:"index"`
	Path       string   `json:"path,omitempty"`
	Categories []string `json:"categories"`
}
