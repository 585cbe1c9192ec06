package keystroke

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Observer receives capture notifications from a Session.
type Observer interface {
	EventRecorded(e Event)
	DuplicatePress(id PhysicalKeyID)
	OrphanRelease(id PhysicalKeyID)
	Truncated(dropped int)
}

// Progress is sent to subscribers when an event-count threshold is reached.
type Progress struct {
	Count     int
	Timestamp time.Time
}

// Stats summarizes a session.
type Stats struct {
	Events      int `json:"events"`
	Held        int `json:"held"`
	Pending     int `json:"pending"`
	Duplicates  int `json:"duplicates"`
	Orphans     int `json:"orphans"`
	Truncations int `json:"truncations"`
	Dropped     int `json:"dropped"`
}

type heldKey struct {
	token     KeyToken
	pressedAt Timestamp
}

type listener struct {
	interval int
	ch       chan Progress
	lastSent int
}

// Option configures a Session.
type Option func(*Session)

// WithCapacity sets the event log bound.
func WithCapacity(n int) Option {
	return func(s *Session) { s.capacity = n }
}

// WithScheduler sets the scheduler used to defer release flushes.
func WithScheduler(sched Scheduler) Option {
	return func(s *Session) { s.sched = sched }
}

// WithLogger sets the logger used for capacity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// Session records the keystroke timing of one task attempt.
//
// A Session is owned by a single goroutine (usually a Loop) and is not
// safe for concurrent use. The zero value is unusable: every capture
// method returns ErrNotInitialized.
type Session struct {
	capacity  int
	sched     Scheduler
	logger    *slog.Logger
	observers []Observer
	listeners []*listener

	log      *EventLog
	held     map[PhysicalKeyID]heldKey
	releases *releaseBuffer

	duplicates int
	orphans    int
	dropped    int
	ready      bool
}

// NewSession creates a capture session ready to record.
func NewSession(opts ...Option) *Session {
	s := &Session{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = &TickQueue{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.log = NewEventLog(s.capacity)
	s.log.OnTruncate(s.truncated)
	s.held = make(map[PhysicalKeyID]heldKey)
	s.releases = newReleaseBuffer(s.sched, s.record)
	s.ready = true
	return s
}

func (s *Session) check() error {
	if s == nil || !s.ready {
		return ErrNotInitialized
	}
	return nil
}

// Press records a key press. A press of a key already held is a key
// repeat and is ignored.
func (s *Session) Press(id PhysicalKeyID, label string, isSpaceCode bool, at Timestamp) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, down := s.held[id]; down {
		s.duplicates++
		for _, o := range s.observers {
			o.DuplicatePress(id)
		}
		return nil
	}
	if s.releases.has(id) {
		// Re-pressed before its release was flushed.
		s.releases.drain()
	}
	tok := MapKey(label, isSpaceCode)
	s.record(Event{Direction: Press, Key: tok, Time: at})
	s.held[id] = heldKey{token: tok, pressedAt: at}
	return nil
}

// Release records a key release using the token captured at press time.
// Releases of keys not held are ignored.
func (s *Session) Release(id PhysicalKeyID, at Timestamp) error {
	if err := s.check(); err != nil {
		return err
	}
	hk, down := s.held[id]
	if !down {
		s.orphans++
		for _, o := range s.observers {
			o.OrphanRelease(id)
		}
		return nil
	}
	delete(s.held, id)
	if IsModifier(hk.token) {
		s.record(Event{Direction: Release, Key: hk.token, Time: at})
		return nil
	}
	s.releases.enqueue(id, hk.token, at)
	return nil
}

// Handle validates and applies one key input. A panic while handling is
// returned as an error so later inputs are still recorded.
func (s *Session) Handle(in KeyInput) (err error) {
	if err := s.check(); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keystroke: handle %s %s: %v", in.Type, in.PhysicalKeyID, r)
		}
	}()
	if in.Type == InputPress {
		return s.Press(in.PhysicalKeyID, in.LogicalLabel, in.IsSpaceCode, in.Timestamp)
	}
	return s.Release(in.PhysicalKeyID, in.Timestamp)
}

// HandleBatch applies inputs dispatched in one tick, in order.
func (s *Session) HandleBatch(inputs []KeyInput) error {
	if err := s.check(); err != nil {
		return err
	}
	var errs []error
	for i, in := range inputs {
		if err := s.Handle(in); err != nil {
			errs = append(errs, fmt.Errorf("input %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of logged events, not counting pending releases.
func (s *Session) Count() int {
	if s.check() != nil {
		return 0
	}
	return s.log.Count()
}

// Flush appends pending releases now instead of waiting for the scheduler.
func (s *Session) Flush() error {
	if err := s.check(); err != nil {
		return err
	}
	s.releases.drain()
	return nil
}

// ExportRows flushes pending releases and returns the log in export order.
func (s *Session) ExportRows() ([]Event, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s.log.Events(), nil
}

// ExportText returns the log as delimited text.
func (s *Session) ExportText() (string, error) {
	rows, err := s.ExportRows()
	if err != nil {
		return "", err
	}
	return ToDelimitedText(rows), nil
}

// Clear empties the log and forgets held keys and pending releases.
// A flush scheduled before Clear becomes a no-op.
func (s *Session) Clear() error {
	if err := s.check(); err != nil {
		return err
	}
	s.log.Clear()
	clear(s.held)
	s.releases.reset()
	for _, l := range s.listeners {
		l.lastSent = 0
	}
	return nil
}

// Close discards all state. Further capture calls return ErrNotInitialized.
func (s *Session) Close() error {
	if err := s.check(); err != nil {
		return err
	}
	s.releases.reset()
	clear(s.held)
	for _, l := range s.listeners {
		close(l.ch)
	}
	s.listeners = nil
	s.ready = false
	return nil
}

// Subscribe returns a channel receiving progress every interval events.
// The channel is closed by Close.
func (s *Session) Subscribe(interval int) (<-chan Progress, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if interval < 1 {
		interval = 1
	}
	ch := make(chan Progress, 10)
	s.listeners = append(s.listeners, &listener{
		interval: interval,
		ch:       ch,
		lastSent: s.log.Count(),
	})
	return ch, nil
}

// Stats returns counters for the session.
func (s *Session) Stats() Stats {
	if s.check() != nil {
		return Stats{}
	}
	return Stats{
		Events:      s.log.Count(),
		Held:        len(s.held),
		Pending:     s.releases.len(),
		Duplicates:  s.duplicates,
		Orphans:     s.orphans,
		Truncations: s.log.Truncations(),
		Dropped:     s.dropped,
	}
}

func (s *Session) record(e Event) {
	s.log.Append(e)
	for _, o := range s.observers {
		o.EventRecorded(e)
	}
	count := s.log.Count()
	for _, l := range s.listeners {
		if count-l.lastSent >= l.interval {
			select {
			case l.ch <- Progress{Count: count, Timestamp: time.Now()}:
				l.lastSent = count
			default:
				// Channel full, skip
			}
		}
	}
}

func (s *Session) truncated(dropped int) {
	s.dropped += dropped
	for _, l := range s.listeners {
		l.lastSent = max(0, l.lastSent-dropped)
	}
	s.logger.Warn("event log truncated",
		"dropped", dropped,
		"capacity", s.log.Capacity(),
		"truncations", s.log.Truncations(),
	)
	for _, o := range s.observers {
		o.Truncated(dropped)
	}
}
