// Package task defines the study's task catalog, per-participant
// progression, and the naming of the artifacts each task produces.
package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Platform identifies a simulated social-media site.
type Platform int

const (
	Facebook  Platform = 0
	Instagram Platform = 1
	Twitter   Platform = 2
)

// Name returns the display name of the platform.
func (p Platform) Name() string {
	switch p {
	case Facebook:
		return "Facebook"
	case Instagram:
		return "Instagram"
	case Twitter:
		return "Twitter"
	default:
		return "Unknown"
	}
}

// Prefix returns the single-letter artifact prefix for the platform.
func (p Platform) Prefix() string {
	switch p {
	case Facebook:
		return "f"
	case Instagram:
		return "i"
	case Twitter:
		return "t"
	default:
		return "u"
	}
}

// Task is one step of the study: watch a clip, then post on a platform.
type Task struct {
	Index       int      `json:"index"`
	Platform    Platform `json:"platform_id"`
	Title       string   `json:"title"`
	Video       string   `json:"video"`
	VideoNumber int      `json:"video_number"`
	Round       int      `json:"round"`
}

// PlatformName returns the task's platform display name.
func (t Task) PlatformName() string {
	return t.Platform.Name()
}

type clip struct {
	title string
	video string
}

var clips = []clip{
	{"Watch Coach Carter Movie Clip", "videos/Coach Carter (6_9) Movie CLIP - Our Deepest Fear (2005) HD.mp4"},
	{"Watch The Oscar Slap Clip", "videos/Watch the uncensored moment Will Smith smacks Chris Rock on stage at the Oscars, drops F-bomb.mp4"},
	{"Watch Trump/Vance & Zelenskyy Oval Office Meeting", "videos/TrumpandVancecallZelenskyydisrespectfulinOvalOfficemeeting.mp4"},
}

const rounds = 2

// Catalog returns the study's tasks in order: for each round, each clip
// is posted about on Facebook, Instagram, then Twitter.
func Catalog() []Task {
	tasks := make([]Task, 0, rounds*len(clips)*3)
	for round := 1; round <= rounds; round++ {
		for n, c := range clips {
			for _, p := range []Platform{Facebook, Instagram, Twitter} {
				tasks = append(tasks, Task{
					Index:       len(tasks),
					Platform:    p,
					Title:       c.title,
					Video:       c.video,
					VideoNumber: n + 1,
					Round:       round,
				})
			}
		}
	}
	return tasks
}

// ErrInvalidTask is returned for task indexes outside the catalog.
var ErrInvalidTask = errors.New("task: invalid task index")

// Progress tracks a participant's position in the catalog.
type Progress struct {
	tasks   []Task
	current int
}

// NewProgress restores progress at the saved index, clamped to the catalog.
func NewProgress(tasks []Task, saved int) *Progress {
	if saved < 0 {
		saved = 0
	}
	if saved > len(tasks) {
		saved = len(tasks)
	}
	return &Progress{tasks: tasks, current: saved}
}

// Index returns the index of the current task.
func (p *Progress) Index() int {
	return p.current
}

// Current returns the current task, or false when the study is done.
func (p *Progress) Current() (Task, bool) {
	if p.Done() {
		return Task{}, false
	}
	return p.tasks[p.current], true
}

// Complete marks task index as finished. Completions older than the
// current task are ignored, so a stale redirect cannot move progress back.
func (p *Progress) Complete(index int) error {
	if index < 0 || index >= len(p.tasks) {
		return fmt.Errorf("%w: %d", ErrInvalidTask, index)
	}
	if index >= p.current {
		p.current = index + 1
	}
	return nil
}

// Done reports whether every task has been completed.
func (p *Progress) Done() bool {
	return p.current >= len(p.tasks)
}

// Percent returns progress through the catalog, counting the current task.
func (p *Progress) Percent() float64 {
	if len(p.tasks) == 0 {
		return 100
	}
	return float64(min(p.current+1, len(p.tasks))) / float64(len(p.tasks)) * 100
}

// NewUserID returns a fresh 32-character lowercase hex participant id.
func NewUserID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
