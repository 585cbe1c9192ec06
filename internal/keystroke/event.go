package keystroke

import (
	"fmt"
	"math"
)

// KeyToken is the canonical name of a logical key as it appears in the export.
type KeyToken string

// PhysicalKeyID identifies a key position on the keyboard, independent of
// the character it currently produces (the DOM KeyboardEvent.code).
type PhysicalKeyID string

// Timestamp is a point in the session clock domain, in milliseconds.
type Timestamp float64

// Direction is the kind of a recorded keystroke event.
type Direction uint8

const (
	Press Direction = iota
	Release
)

// String returns the export column value for the direction.
func (d Direction) String() string {
	switch d {
	case Press:
		return "P"
	case Release:
		return "R"
	default:
		return "?"
	}
}

// Event is one entry of the event log.
type Event struct {
	Direction Direction `json:"direction"`
	Key       KeyToken  `json:"key"`
	Time      Timestamp `json:"time"`
}

// Input types accepted at the boundary.
const (
	InputPress   = "press"
	InputRelease = "release"
)

// KeyInput is a single physical key signal as delivered by the page.
type KeyInput struct {
	Type          string        `json:"type"`
	PhysicalKeyID PhysicalKeyID `json:"physical_key_id"`
	LogicalLabel  string        `json:"logical_label,omitempty"`
	IsSpaceCode   bool          `json:"is_space_code,omitempty"`
	Timestamp     Timestamp     `json:"timestamp"`
}

// Validate checks the input before it reaches the tracker.
func (in KeyInput) Validate() error {
	if in.Type != InputPress && in.Type != InputRelease {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInput, in.Type)
	}
	if in.PhysicalKeyID == "" {
		return fmt.Errorf("%w: empty physical key id", ErrInvalidInput)
	}
	t := float64(in.Timestamp)
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("%w: bad timestamp %v", ErrInvalidInput, t)
	}
	return nil
}
