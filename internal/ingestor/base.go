package ingestor

import (
	"sync"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/ring"
)

// Base implements the shared bookkeeping every concrete ingestor embeds:
// state transitions, the ring buffer, and the monotonic ID counter that
// must keep increasing across ring.Clear() calls. Concrete ingestors
// (Discord, webhook, poll) embed Base and supply their own Start/Stop
// protocol logic, calling PushEvent and SetState as their own events
// dictate.
type Base struct {
	Caller     string
	Connection string

	mu           sync.Mutex
	state        State
	errorMessage string
	buf          *ring.Buffer[IngestedEvent]
	nextID       int64
	total        int64
	lastEventAt  time.Time
	webhookPath  string
	now          func() time.Time
}

// NewBase constructs a Base with the given ring buffer capacity. webhookPath
// is empty for non-webhook ingestors.
func NewBase(caller, connection string, bufferCapacity int, webhookPath string) *Base {
	if bufferCapacity <= 0 {
		bufferCapacity = 200
	}
	return &Base{
		Caller:      caller,
		Connection:  connection,
		state:       StateStopped,
		buf:         ring.New[IngestedEvent](bufferCapacity),
		webhookPath: webhookPath,
		now:         time.Now,
	}
}

// SetClock overrides the time source, for deterministic tests.
func (b *Base) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetState transitions the ingestor's lifecycle state. Transitioning to
// StateError is done with SetError, which also records the message; any
// other state clears the recorded message.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	if s != StateError {
		b.errorMessage = ""
	}
}

// SetError transitions to StateError and records message.
func (b *Base) SetError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateError
	b.errorMessage = message
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WebhookPath satisfies Capability.
func (b *Base) WebhookPath() string { return b.webhookPath }

// PushEvent allocates the next ID, timestamps, appends to the ring buffer,
// and updates counters. Safe for concurrent use.
func (b *Base) PushEvent(eventType string, data any) IngestedEvent {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	now := b.now()
	b.total++
	b.lastEventAt = now
	b.mu.Unlock()

	event := IngestedEvent{
		ID:         id,
		ReceivedAt: now,
		Source:     b.Connection,
		EventType:  eventType,
		Data:       data,
	}
	b.buf.Push(event)
	return event
}

// GetEvents returns the buffered events with id > afterID, oldest first. An
// afterID < 0 returns the full buffer.
func (b *Base) GetEvents(afterID int64) []IngestedEvent {
	if afterID < 0 {
		return b.buf.ToArray()
	}
	return b.buf.Since(afterID)
}

// ClearBuffer drops buffered events without resetting the ID counter —
// subsequent PushEvent calls still assign strictly greater IDs.
func (b *Base) ClearBuffer() {
	b.buf.Clear()
}

// GetStatus returns a point-in-time snapshot.
func (b *Base) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Caller:              b.Caller,
		Connection:          b.Connection,
		State:               b.state,
		ErrorMessage:        b.errorMessage,
		TotalEventsReceived: b.total,
		LastEventAt:         b.lastEventAt,
		BufferSize:          b.buf.Size(),
		BufferCapacity:      b.buf.Capacity(),
	}
}
