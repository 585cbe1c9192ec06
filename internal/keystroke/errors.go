package keystroke

import "errors"

var (
	// ErrNotInitialized is returned when capture is attempted on a session
	// that was never constructed or has been closed.
	ErrNotInitialized = errors.New("keystroke: capture session not initialized")

	// ErrInvalidInput is returned for key inputs rejected at the boundary.
	ErrInvalidInput = errors.New("keystroke: invalid key input")

	// ErrLoopStopped is returned when submitting to a loop that has exited.
	ErrLoopStopped = errors.New("keystroke: capture loop stopped")
)
