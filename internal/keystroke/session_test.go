package keystroke

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

func newTestSession(t *testing.T, opts ...Option) (*Session, *TickQueue) {
	t.Helper()
	q := &TickQueue{}
	s := NewSession(append([]Option{WithScheduler(q)}, opts...)...)
	return s, q
}

func press(t *testing.T, s *Session, id, label string, at Timestamp) {
	t.Helper()
	require.NoError(t, s.Press(PhysicalKeyID(id), label, false, at))
}

func release(t *testing.T, s *Session, id string, at Timestamp) {
	t.Helper()
	require.NoError(t, s.Release(PhysicalKeyID(id), at))
}

func exportRows(t *testing.T, s *Session) []Event {
	t.Helper()
	rows, err := s.ExportRows()
	require.NoError(t, err)
	return rows
}

type recordingObserver struct {
	recorded   []Event
	duplicates int
	orphans    int
	dropped    []int
}

func (o *recordingObserver) EventRecorded(e Event) { o.recorded = append(o.recorded, e) }
func (o *recordingObserver) DuplicatePress(PhysicalKeyID) { o.duplicates++ }
func (o *recordingObserver) OrphanRelease(PhysicalKeyID) { o.orphans++ }
func (o *recordingObserver) Truncated(dropped int) { o.dropped = append(o.dropped, dropped) }

// =============================================================================
// Press / release scenarios
// =============================================================================

func TestSession_PressReleaseExport(t *testing.T) {
	s, _ := newTestSession(t)

	press(t, s, "KeyA", "a", 100)
	release(t, s, "KeyA", 150)

	text, err := s.ExportText()
	require.NoError(t, err)
	assert.Equal(t, "Press or Release,Key,Time\nP,a,100\nR,a,150", text)
}

func TestSession_SpaceBarUsesPhysicalCode(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.Press("Space", " ", true, 10))

	rows := exportRows(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, KeySpace, rows[0].Key)
}

func TestSession_KeyRepeatSuppressed(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := newTestSession(t, WithObserver(obs))

	press(t, s, "KeyA", "a", 100)
	press(t, s, "KeyA", "a", 130)
	press(t, s, "KeyA", "a", 160)
	release(t, s, "KeyA", 200)

	rows := exportRows(t, s)
	assert.Equal(t, []Event{
		{Direction: Press, Key: "a", Time: 100},
		{Direction: Release, Key: "a", Time: 200},
	}, rows)
	assert.Equal(t, 2, s.Stats().Duplicates)
	assert.Equal(t, 2, obs.duplicates)
}

func TestSession_ReleaseKeepsPressToken(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.Handle(KeyInput{Type: InputPress, PhysicalKeyID: "ShiftLeft", LogicalLabel: "Shift", Timestamp: 1}))
	require.NoError(t, s.Handle(KeyInput{Type: InputPress, PhysicalKeyID: "KeyA", LogicalLabel: "A", Timestamp: 2}))
	require.NoError(t, s.Handle(KeyInput{Type: InputRelease, PhysicalKeyID: "ShiftLeft", LogicalLabel: "Shift", Timestamp: 3}))
	// With Shift up the page now reports a lower-case label.
	require.NoError(t, s.Handle(KeyInput{Type: InputRelease, PhysicalKeyID: "KeyA", LogicalLabel: "a", Timestamp: 4}))

	rows := exportRows(t, s)
	require.Len(t, rows, 4)
	assert.Equal(t, Event{Direction: Release, Key: "A", Time: 4}, rows[3])
}

func TestSession_OrphanReleaseIgnored(t *testing.T) {
	obs := &recordingObserver{}
	s, q := newTestSession(t, WithObserver(obs))

	release(t, s, "KeyZ", 5)
	q.Drain()

	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 1, s.Stats().Orphans)
	assert.Equal(t, 1, obs.orphans)
}

func TestSession_DoubleReleaseIsOrphan(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 1)
	release(t, s, "KeyA", 2)
	release(t, s, "KeyA", 3)
	q.Drain()

	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 1, s.Stats().Orphans)
}

// =============================================================================
// Release ordering
// =============================================================================

func TestSession_ModifierReleaseIsImmediate(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "ShiftLeft", "Shift", 10)
	release(t, s, "ShiftLeft", 20)

	assert.Equal(t, 2, s.Count(), "modifier release must not wait for a tick")
	assert.Equal(t, 0, q.Len())
}

func TestSession_AllModifiersImmediate(t *testing.T) {
	labels := map[string]string{
		"ShiftLeft":   "Shift",
		"ControlLeft": "Control",
		"AltLeft":     "Alt",
		"MetaLeft":    "Meta",
		"CapsLock":    "CapsLock",
	}
	for id, label := range labels {
		t.Run(label, func(t *testing.T) {
			s, _ := newTestSession(t)
			press(t, s, id, label, 1)
			release(t, s, id, 2)
			assert.Equal(t, 2, s.Count())
		})
	}
}

func TestSession_NonModifierReleaseDeferred(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 10)
	release(t, s, "KeyA", 20)

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 1, s.Stats().Pending)

	q.Tick()
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestSession_SameTickReleasesSortedByTimestamp(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 10)
	press(t, s, "KeyB", "b", 20)
	press(t, s, "KeyC", "c", 30)
	release(t, s, "KeyC", 50)
	release(t, s, "KeyA", 40)
	release(t, s, "KeyB", 45)
	assert.Equal(t, 1, q.Len(), "one flush per tick")
	q.Tick()

	rows := exportRows(t, s)
	assert.Equal(t, []Event{
		{Press, "a", 10},
		{Press, "b", 20},
		{Press, "c", 30},
		{Release, "a", 40},
		{Release, "b", 45},
		{Release, "c", 50},
	}, rows)
}

func TestSession_SameTimestampKeepsArrivalOrder(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 1)
	press(t, s, "KeyB", "b", 2)
	release(t, s, "KeyB", 9)
	release(t, s, "KeyA", 9)
	q.Tick()

	rows := exportRows(t, s)
	require.Len(t, rows, 4)
	assert.Equal(t, KeyToken("b"), rows[2].Key)
	assert.Equal(t, KeyToken("a"), rows[3].Key)
}

func TestSession_PressNotDelayedByPendingRelease(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 10)
	release(t, s, "KeyA", 20)
	press(t, s, "KeyB", "b", 25)
	q.Tick()

	rows := exportRows(t, s)
	assert.Equal(t, []Event{
		{Press, "a", 10},
		{Press, "b", 25},
		{Release, "a", 20},
	}, rows)
}

func TestSession_RapidRepressIsNotRepeat(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 0)
	release(t, s, "KeyA", 10)
	press(t, s, "KeyA", "a", 20)
	release(t, s, "KeyA", 30)
	q.Drain()

	rows := exportRows(t, s)
	assert.Equal(t, []Event{
		{Press, "a", 0},
		{Release, "a", 10},
		{Press, "a", 20},
		{Release, "a", 30},
	}, rows)
	assert.Equal(t, 0, s.Stats().Duplicates)
}

func TestSession_ExportDrainsPendingReleases(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 1)
	release(t, s, "KeyA", 2)
	require.Equal(t, 1, q.Len())

	rows := exportRows(t, s)
	assert.Len(t, rows, 2)

	// The flush scheduled before export must not append again.
	q.Drain()
	assert.Equal(t, 2, s.Count())
}

func TestSession_ExportIdempotent(t *testing.T) {
	s, _ := newTestSession(t)

	press(t, s, "KeyH", "h", 1)
	press(t, s, "KeyI", "i", 2)
	release(t, s, "KeyH", 3)
	release(t, s, "KeyI", 4)

	first, err := s.ExportText()
	require.NoError(t, err)
	second, err := s.ExportText()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// =============================================================================
// Clear / close
// =============================================================================

func TestSession_ClearWithHeldKeys(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 1)
	press(t, s, "KeyB", "b", 2)
	press(t, s, "KeyC", "c", 3)
	require.NoError(t, s.Clear())

	text, err := s.ExportText()
	require.NoError(t, err)
	assert.Equal(t, Header, text)

	// Releases of keys pressed before the clear are now orphans.
	release(t, s, "KeyA", 4)
	q.Drain()
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, s.Stats().Held)
}

func TestSession_StaleFlushAfterClearIsNoop(t *testing.T) {
	s, q := newTestSession(t)

	press(t, s, "KeyA", "a", 1)
	release(t, s, "KeyA", 2)
	require.Equal(t, 1, q.Len())
	require.NoError(t, s.Clear())

	press(t, s, "KeyB", "b", 10)
	q.Tick()
	assert.Equal(t, []Event{{Press, "b", 10}}, exportRows(t, s))

	release(t, s, "KeyB", 11)
	q.Tick()
	assert.Equal(t, []Event{{Press, "b", 10}, {Release, "b", 11}}, exportRows(t, s))
}

func TestSession_ZeroValueNotInitialized(t *testing.T) {
	var s Session

	assert.ErrorIs(t, s.Press("KeyA", "a", false, 1), ErrNotInitialized)
	assert.ErrorIs(t, s.Release("KeyA", 1), ErrNotInitialized)
	_, err := s.ExportRows()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, 0, s.Count())

	var nilSession *Session
	assert.ErrorIs(t, nilSession.Handle(KeyInput{}), ErrNotInitialized)
}

func TestSession_ClosedNotInitialized(t *testing.T) {
	s, q := newTestSession(t)
	ch, err := s.Subscribe(1)
	require.NoError(t, err)

	press(t, s, "KeyA", "a", 1)
	release(t, s, "KeyA", 2)
	require.NoError(t, s.Close())
	q.Drain()

	assert.ErrorIs(t, s.Press("KeyB", "b", false, 3), ErrNotInitialized)
	assert.ErrorIs(t, s.Close(), ErrNotInitialized)

	// Drain buffered progress, then the channel must be closed.
	for range ch {
	}
}

// =============================================================================
// Boundary handling
// =============================================================================

func TestSession_HandleBatchContainsFaults(t *testing.T) {
	s, q := newTestSession(t)

	err := s.HandleBatch([]KeyInput{
		{Type: InputPress, PhysicalKeyID: "KeyA", LogicalLabel: "a", Timestamp: 1},
		{Type: "tap", PhysicalKeyID: "KeyB", Timestamp: 2},
		{Type: InputPress, PhysicalKeyID: "", Timestamp: 3},
		{Type: InputRelease, PhysicalKeyID: "KeyA", Timestamp: 4},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "input 1")
	assert.Contains(t, err.Error(), "input 2")

	q.Tick()
	assert.Equal(t, 2, s.Count())
}

func TestKeyInput_Validate(t *testing.T) {
	tests := []struct {
		name  string
		input KeyInput
		ok    bool
	}{
		{"press", KeyInput{Type: InputPress, PhysicalKeyID: "KeyA", Timestamp: 0}, true},
		{"release", KeyInput{Type: InputRelease, PhysicalKeyID: "KeyA", Timestamp: 12.5}, true},
		{"unknown type", KeyInput{Type: "down", PhysicalKeyID: "KeyA"}, false},
		{"no id", KeyInput{Type: InputPress}, false},
		{"negative time", KeyInput{Type: InputPress, PhysicalKeyID: "KeyA", Timestamp: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidInput)
			}
		})
	}
}

// =============================================================================
// Capacity and notifications
// =============================================================================

func TestSession_TruncationObservable(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	obs := &recordingObserver{}
	s, _ := newTestSession(t, WithCapacity(4), WithLogger(logger), WithObserver(obs))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("Key%d", i)
		press(t, s, id, fmt.Sprint(i), Timestamp(i))
	}

	assert.Equal(t, 3, s.Count())
	st := s.Stats()
	assert.Equal(t, 1, st.Truncations)
	assert.Equal(t, 2, st.Dropped)
	assert.Equal(t, []int{2}, obs.dropped)
	assert.Contains(t, buf.String(), "event log truncated")
}

func TestSession_SubscribeProgress(t *testing.T) {
	s, q := newTestSession(t)
	ch, err := s.Subscribe(2)
	require.NoError(t, err)

	press(t, s, "KeyA", "a", 1)
	press(t, s, "KeyB", "b", 2)
	release(t, s, "KeyA", 3)
	release(t, s, "KeyB", 4)
	q.Tick()

	p := <-ch
	assert.Equal(t, 2, p.Count)
	p = <-ch
	assert.Equal(t, 4, p.Count)
}

// =============================================================================
// Properties
// =============================================================================

func TestSession_PairsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		s, q := newTestSession(t)
		n := 1 + rng.Intn(20)
		held := make([]int, 0, n)
		var clock Timestamp
		next := 0

		for next < n || len(held) > 0 {
			clock += Timestamp(1 + rng.Intn(5))
			if next < n && (len(held) == 0 || rng.Intn(2) == 0) {
				press(t, s, fmt.Sprintf("K%d", next), fmt.Sprintf("k%d", next), clock)
				held = append(held, next)
				next++
			} else {
				i := rng.Intn(len(held))
				k := held[i]
				held = append(held[:i], held[i+1:]...)
				release(t, s, fmt.Sprintf("K%d", k), clock)
			}
			if rng.Intn(3) == 0 {
				q.Tick()
			}
		}

		rows := exportRows(t, s)
		require.Len(t, rows, 2*n)
		pressedAt := map[KeyToken]int{}
		released := map[KeyToken]bool{}
		for i, e := range rows {
			switch e.Direction {
			case Press:
				_, dup := pressedAt[e.Key]
				require.False(t, dup, "round %d: %s pressed twice", round, e.Key)
				pressedAt[e.Key] = i
			case Release:
				p, ok := pressedAt[e.Key]
				require.True(t, ok, "round %d: %s released before press", round, e.Key)
				require.Less(t, p, i)
				require.False(t, released[e.Key])
				released[e.Key] = true
			}
		}
		assert.Len(t, released, n)
	}
}
