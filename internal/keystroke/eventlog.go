package keystroke

// DefaultCapacity is the event log bound used when none is configured.
const DefaultCapacity = 50000

// EventLog is the append-only, capacity-bounded record of one session.
//
// When full, the oldest half is discarded before the next append. It is
// not safe for concurrent use; a Session serializes access.
type EventLog struct {
	events      []Event
	capacity    int
	truncations int
	onTruncate  []func(dropped int)
}

// NewEventLog creates an event log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &EventLog{
		events:   make([]Event, 0, min(capacity, 1024)),
		capacity: capacity,
	}
}

// OnTruncate registers fn to be called with the number of dropped events
// each time the log halves itself.
func (l *EventLog) OnTruncate(fn func(dropped int)) {
	l.onTruncate = append(l.onTruncate, fn)
}

// Append records e, truncating to the newest half first if the log is full.
func (l *EventLog) Append(e Event) {
	if len(l.events) >= l.capacity {
		dropped := len(l.events) - l.capacity/2
		kept := make([]Event, l.capacity/2, l.capacity)
		copy(kept, l.events[dropped:])
		l.events = kept
		l.truncations++
		for _, fn := range l.onTruncate {
			fn(dropped)
		}
	}
	l.events = append(l.events, e)
}

// Count returns the number of events currently held.
func (l *EventLog) Count() int {
	return len(l.events)
}

// Capacity returns the configured bound.
func (l *EventLog) Capacity() int {
	return l.capacity
}

// Truncations returns how many times the log has dropped its oldest half.
func (l *EventLog) Truncations() int {
	return l.truncations
}

// Events returns a copy of the log in append order.
func (l *EventLog) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Clear empties the log. Truncation history is kept.
func (l *EventLog) Clear() {
	l.events = l.events[:0]
}
