// Package keystroke records press/release timing for every physical key
// pressed during a timed text-composition task.
//
// Input arrives as physical key signals (KeyInput). A Session maps each
// press to a canonical KeyToken, suppresses OS key repeat, remembers the
// token captured at press time so the matching release reports the same
// token, and batches same-tick releases so they are logged in timestamp
// order. The resulting EventLog is exported as delimited text:
//
//	Press or Release,Key,Time
//	P,a,100
//	R,a,150
//
// Sessions are single-threaded. Drive one from a Loop, or from a
// TickQueue when the caller owns the tick boundaries.
package keystroke

import "time"

// Clock supplies timestamps in the session clock domain.
type Clock interface {
	Now() Timestamp
}

// MonotonicClock reports milliseconds elapsed since it was created,
// measured on the monotonic clock.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns the elapsed time in fractional milliseconds.
func (c *MonotonicClock) Now() Timestamp {
	return Timestamp(float64(time.Since(c.start).Nanoseconds()) / 1e6)
}

// Started returns the wall-clock time the clock was created.
func (c *MonotonicClock) Started() time.Time {
	return c.start
}
