// Package ingestor defines the base ingestor capability (spec C7) shared by
// every concrete ingestor (Discord gateway, webhook receivers, HTTP poll):
// lifecycle state machine, ring-buffered event storage with a monotonic ID
// counter that survives buffer clears, and status reporting. The manager
// that creates, merges overrides into, and supervises ingestor instances
// (spec C11) lives in manager.go.
package ingestor

import (
	"time"
)

// IngestedEvent is one buffered event, keyed by a monotonic ID assigned by
// the owning ingestor.
type IngestedEvent struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
	Source     string    `json:"source"` // connection alias
	EventType  string    `json:"eventType"`
	Data       any       `json:"data"`
}

// ItemID satisfies ring.Item.
func (e IngestedEvent) ItemID() int64 { return e.ID }

// State is a lifecycle state in the generic ingestor state machine.
type State string

const (
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Status is a point-in-time snapshot of an ingestor's lifecycle and
// counters, returned by getStatus / ingestor_status.
type Status struct {
	Caller              string    `json:"caller"`
	Connection          string    `json:"connection"`
	State               State     `json:"state"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
	TotalEventsReceived int64     `json:"totalEventsReceived"`
	LastEventAt         time.Time `json:"lastEventAt,omitzero"`
	BufferSize          int       `json:"bufferSize"`
	BufferCapacity      int       `json:"bufferCapacity"`
}

// Capability is the protocol every concrete ingestor implements. Start and
// Stop drive the lifecycle; PushEvent/GetEvents/GetStatus are inherited
// as-is by embedding Base.
type Capability interface {
	Start() error
	Stop()
	PushEvent(eventType string, data any) IngestedEvent
	GetEvents(afterID int64) []IngestedEvent
	GetStatus() Status
	WebhookPath() string // empty for non-webhook ingestors
}
