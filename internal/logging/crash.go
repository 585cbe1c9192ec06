package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
)

// MaxCrashDumps is how many crash files a CrashHandler keeps.
const MaxCrashDumps = 20

const crashPrefix = "crash-"

// CrashReport is one recovered panic as written to disk.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	Revision     string         `json:"revision,omitempty"`
	GoVersion    string         `json:"go_version"`
	Platform     string         `json:"platform"`
	NumGoroutine int            `json:"num_goroutine"`
	Where        string         `json:"where"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics in request handlers and capture goroutines
// into an error log entry plus a JSON dump under dir.
type CrashHandler struct {
	logger   *slog.Logger
	dir      string
	version  string
	revision string

	mu      sync.Mutex
	onCrash func(CrashReport)
}

// NewCrashHandler returns a handler writing dumps to dir. An empty dir
// only logs.
func NewCrashHandler(logger *slog.Logger, dir, version string) *CrashHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		os.MkdirAll(dir, 0750)
	}
	h := &CrashHandler{logger: logger, dir: dir, version: version}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				h.revision = s.Value
			}
		}
	}
	return h
}

// OnCrash sets a hook called with every report.
func (h *CrashHandler) OnCrash(fn func(CrashReport)) {
	h.mu.Lock()
	h.onCrash = fn
	h.mu.Unlock()
}

// Recover handles a panic in the calling goroutine. Use it as
// defer h.Recover("capture reader", nil).
func (h *CrashHandler) Recover(where string, ctx map[string]any) {
	if v := recover(); v != nil {
		h.HandlePanic(where, v, ctx)
	}
}

// HandlePanic logs value, writes a dump and runs the OnCrash hook.
func (h *CrashHandler) HandlePanic(where string, value any, ctx map[string]any) CrashReport {
	rep := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Revision:     h.revision,
		GoVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Where:        where,
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Context:      ctx,
	}
	h.logger.Error("panic recovered", "where", where, "panic", rep.PanicValue, "stack", rep.StackTrace)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dir != "" {
		if err := h.dump(rep); err != nil {
			h.logger.Warn("crash dump not written", "error", err)
		}
	}
	if h.onCrash != nil {
		h.onCrash(rep)
	}
	return rep
}

// dump writes rep and removes the oldest dumps beyond MaxCrashDumps.
func (h *CrashHandler) dump(rep CrashReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	name := crashPrefix + rep.Timestamp.Format("20060102-150405.000000") + ".json"
	if err := os.WriteFile(filepath.Join(h.dir, name), data, 0640); err != nil {
		return err
	}
	files := h.files()
	for len(files) > MaxCrashDumps {
		os.Remove(files[0])
		files = files[1:]
	}
	return nil
}

// files lists dump paths oldest first.
func (h *CrashHandler) files() []string {
	files, _ := filepath.Glob(filepath.Join(h.dir, crashPrefix+"*.json"))
	slices.Sort(files)
	return files
}

// Reports loads the stored dumps, newest first. Unreadable files are
// skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.dir == "" {
		return nil, nil
	}
	h.mu.Lock()
	files := h.files()
	h.mu.Unlock()

	var out []CrashReport
	for _, f := range slices.Backward(files) {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var rep CrashReport
		if json.Unmarshal(data, &rep) == nil && strings.TrimSpace(rep.Where) != "" {
			out = append(out, rep)
		}
	}
	return out, nil
}

// Recover logs a panic in the calling goroutine through logger. Use it
// as defer logging.Recover(log, "capture writer").
func Recover(logger *slog.Logger, where string) {
	if v := recover(); v != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("panic recovered", "where", where, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
	}
}
