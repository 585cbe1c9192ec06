// Package replay runs recorded key input traces through a capture session
// offline and produces the same artifacts a live capture submits.
//
// A trace is JSON lines. Each line is one dispatch tick: either a single
// KeyInput object or an array of inputs dispatched together. Blank lines
// and lines starting with '#' are skipped.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"keylab/internal/keystroke"
	"keylab/internal/schema"
	"keylab/internal/task"
)

// ErrEmptyTrace is returned for a trace without inputs.
var ErrEmptyTrace = errors.New("replay: trace has no inputs")

// maxLine bounds a single trace line.
const maxLine = 1 << 20

// Frame is the inputs dispatched in one tick.
type Frame []keystroke.KeyInput

// ReadTrace parses a JSON-lines trace.
func ReadTrace(r io.Reader) ([]Frame, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var frames []Frame
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var f Frame
		if b[0] == '[' {
			if err := json.Unmarshal(b, &f); err != nil {
				return nil, fmt.Errorf("replay: line %d: %w", line, err)
			}
		} else {
			var in keystroke.KeyInput
			if err := json.Unmarshal(b, &in); err != nil {
				return nil, fmt.Errorf("replay: line %d: %w", line, err)
			}
			f = Frame{in}
		}
		if len(f) > 0 {
			frames = append(frames, f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replay: read trace: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrEmptyTrace
	}
	return frames, nil
}

// Options configures Run.
type Options struct {
	// Capacity bounds the event log. Zero uses keystroke.DefaultCapacity.
	Capacity int

	// Immediate flushes every release as it arrives instead of batching
	// releases per frame.
	Immediate bool

	Logger *slog.Logger
}

// Result is the outcome of a replay.
type Result struct {
	Text  string
	Rows  []keystroke.Event
	Stats keystroke.Stats

	// Span is the time between the first and last input timestamp.
	Span time.Duration

	// Rejected holds the inputs the session refused, by frame.
	Rejected []error
}

// Run feeds frames to a fresh session, one tick per frame.
func Run(frames []Frame, opts Options) (*Result, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyTrace
	}

	q := &keystroke.TickQueue{}
	var sessOpts []keystroke.Option
	if opts.Logger != nil {
		sessOpts = append(sessOpts, keystroke.WithLogger(opts.Logger))
	}
	if opts.Capacity > 0 {
		sessOpts = append(sessOpts, keystroke.WithCapacity(opts.Capacity))
	}
	if opts.Immediate {
		sessOpts = append(sessOpts, keystroke.WithScheduler(keystroke.ImmediateScheduler{}))
	} else {
		sessOpts = append(sessOpts, keystroke.WithScheduler(q))
	}
	sess := keystroke.NewSession(sessOpts...)
	defer sess.Close()

	res := &Result{}
	first, last := -1.0, 0.0
	for i, f := range frames {
		if err := sess.HandleBatch(f); err != nil {
			res.Rejected = append(res.Rejected, fmt.Errorf("frame %d: %w", i, err))
		}
		for _, in := range f {
			t := float64(in.Timestamp)
			if first < 0 || t < first {
				first = t
			}
			last = max(last, t)
		}
		q.Tick()
	}

	rows, err := sess.ExportRows()
	if err != nil {
		return nil, err
	}
	res.Rows = rows
	res.Text = keystroke.ToDelimitedText(rows)
	res.Stats = sess.Stats()
	if first >= 0 {
		res.Span = time.Duration((last - first) * float64(time.Millisecond))
	}
	return res, nil
}

// Task identifies the task a replayed trace belongs to.
type Task struct {
	UserID   string
	Platform task.Platform
	Index    int
	Start    time.Time
}

// Artifact is one named file of a submission.
type Artifact struct {
	Name string
	Data []byte
}

// Artifacts returns the keystroke log, raw text and metadata files for res,
// in upload order. The raw text file is omitted when raw is empty.
func Artifacts(t Task, res *Result, raw string) ([]Artifact, error) {
	names := task.Names(t.Platform, t.UserID, t.Index)
	meta, err := task.NewMetadata(t.UserID, t.Platform, t.Index, t.Start, t.Start.Add(res.Span)).Marshal()
	if err != nil {
		return nil, fmt.Errorf("replay: encode metadata: %w", err)
	}
	if err := schema.ValidateMetadata(meta); err != nil {
		return nil, err
	}

	out := []Artifact{{Name: names.Keystrokes, Data: []byte(res.Text)}}
	if raw != "" {
		out = append(out, Artifact{Name: names.Raw, Data: []byte(raw)})
	}
	return append(out, Artifact{Name: names.Metadata, Data: meta}), nil
}
