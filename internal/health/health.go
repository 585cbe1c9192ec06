// Package health aggregates component checks for keylabd's /healthz,
// /livez and /readyz endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Status is the health of a component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const defaultCheckTimeout = 5 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one dependency.
type Check func(ctx context.Context) CheckResult

// Component is a named check. An unhealthy critical component makes the
// process unhealthy; other failures only degrade it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

type slot struct {
	comp *Component
	last CheckResult
}

// Checker holds the registered components and their latest results.
type Checker struct {
	started time.Time

	mu    sync.RWMutex
	slots map[string]*slot
	ready bool
}

// NewChecker returns a checker that reports not ready until SetReady.
func NewChecker() *Checker {
	return &Checker{started: time.Now(), slots: make(map[string]*slot)}
}

// Register adds comp, replacing any component of the same name. Its
// status is unknown until the next Check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = defaultCheckTimeout
	}
	c.mu.Lock()
	c.slots[comp.Name] = &slot{comp: comp, last: CheckResult{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RegisterFunc is Register with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady flips readiness; keylabd sets it once listening and clears it
// on shutdown.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Uptime is the time since NewChecker.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}

// Names lists the registered components, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.slots))
}

// Check runs all components in parallel, stores and returns the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.slots))
	for _, s := range c.slots {
		comps = append(comps, s.comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, comp := range comps {
		wg.Go(func() {
			res := probe(ctx, comp)
			mu.Lock()
			results[comp.Name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		// Skip components replaced while the probe ran.
		if s, ok := c.slots[name]; ok && slices.Contains(comps, s.comp) {
			s.last = res
		}
	}
	c.mu.Unlock()
	return results
}

// probe runs one check under its timeout. A panicking or overdue check
// is unhealthy.
func probe(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	out := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		out <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-out:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus folds the latest results: any unhealthy critical
// component wins, then an unchecked critical one, then any degradation.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, s := range c.slots {
		switch s.last.Status {
		case StatusUnhealthy:
			if s.comp.Critical {
				return StatusUnhealthy
			}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusUnknown:
			if s.comp.Critical {
				overall = StatusUnknown
			}
		}
	}
	return overall
}

// Report is the /healthz body.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Version    string                 `json:"version,omitempty"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and summarizes.
func (c *Checker) Report(ctx context.Context) Report {
	comps := c.Check(ctx)
	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     c.Uptime().Round(time.Second).String(),
		Components: comps,
		Timestamp:  time.Now().UTC(),
	}
}

// LivenessHandler answers 200 whenever the process can serve.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) and while a
// critical component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now().UTC()})
			return
		}
		c.Check(r.Context())
		st := c.OverallStatus()
		code := http.StatusOK
		if st == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": st, "ready": true, "timestamp": time.Now().UTC()})
	})
}

// HealthHandler serves the full Report; degraded still answers 200.
func (c *Checker) HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		rep.Version = version
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// DatabaseCheck is unhealthy when ping fails.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "database connection failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "database connection ok"}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has fewer
// than minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "disk space unavailable", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}
