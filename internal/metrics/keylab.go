package metrics

import (
	"time"

	"keylab/internal/keystroke"
)

// KeylabMetrics holds the capture and backend metrics.
type KeylabMetrics struct {
	registry *Registry
	started  time.Time

	EventsTotal      *Counter
	PressesTotal     *Counter
	ReleasesTotal    *Counter
	DuplicatesTotal  *Counter
	OrphansTotal     *Counter
	TruncationsTotal *Counter
	DroppedTotal     *Counter
	SessionsTotal    *Counter
	SubmissionsTotal *Counter

	UploadsTotal         *Counter
	UploadBytesTotal     *Counter
	UploadsRejected      *Counter
	CompletionsTotal     *Counter
	RateLimitedTotal     *Counter
	RequestsTotal        *Counter
	ServerErrorsTotal    *Counter
	ActiveSessions       *Gauge
	UptimeSeconds        *Gauge
	RequestDuration      *Histogram
	UploadSize           *Histogram
	SessionEventsPerTask *Histogram
}

// NewKeylabMetrics registers all keylab metrics on registry.
func NewKeylabMetrics(registry *Registry) *KeylabMetrics {
	if registry == nil {
		registry = Default()
	}
	return &KeylabMetrics{
		registry: registry,
		started:  time.Now(),

		EventsTotal:      registry.RegisterCounter("capture_events_total", "Press and release events recorded", nil),
		PressesTotal:     registry.RegisterCounter("capture_presses_total", "Press events recorded", nil),
		ReleasesTotal:    registry.RegisterCounter("capture_releases_total", "Release events recorded", nil),
		DuplicatesTotal:  registry.RegisterCounter("capture_duplicate_presses_total", "Key repeat presses suppressed", nil),
		OrphansTotal:     registry.RegisterCounter("capture_orphan_releases_total", "Releases without a held press", nil),
		TruncationsTotal: registry.RegisterCounter("capture_truncations_total", "Event log truncations", nil),
		DroppedTotal:     registry.RegisterCounter("capture_dropped_events_total", "Events dropped by truncation", nil),
		SessionsTotal:    registry.RegisterCounter("capture_sessions_total", "Capture sessions started", nil),
		SubmissionsTotal: registry.RegisterCounter("capture_submissions_total", "Capture sessions submitted", nil),

		UploadsTotal:      registry.RegisterCounter("uploads_total", "Artifacts stored", nil),
		UploadBytesTotal:  registry.RegisterCounter("upload_bytes_total", "Bytes of artifacts stored", nil),
		UploadsRejected:   registry.RegisterCounter("uploads_rejected_total", "Artifacts rejected by validation", nil),
		CompletionsTotal:  registry.RegisterCounter("completions_total", "Completion records stored", nil),
		RateLimitedTotal:  registry.RegisterCounter("rate_limited_total", "Requests refused by the rate limiter", nil),
		RequestsTotal:     registry.RegisterCounter("http_requests_total", "HTTP requests served", nil),
		ServerErrorsTotal: registry.RegisterCounter("http_server_errors_total", "HTTP responses with status 5xx", nil),

		ActiveSessions: registry.RegisterGauge("capture_active_sessions", "Open capture websocket sessions", nil),
		UptimeSeconds:  registry.RegisterGauge("uptime_seconds", "Seconds since start", nil),

		RequestDuration: registry.RegisterHistogram("http_request_duration_seconds", "HTTP request latency", nil, DurationBuckets),
		UploadSize:      registry.RegisterHistogram("upload_size_bytes", "Stored artifact sizes", nil, SizeBuckets),
		SessionEventsPerTask: registry.RegisterHistogram("capture_session_events", "Events per submitted session", nil,
			[]float64{10, 50, 100, 500, 1000, 5000, 10000, 50000}),
	}
}

// Registry returns the underlying registry.
func (m *KeylabMetrics) Registry() *Registry {
	return m.registry
}

// EventRecorded implements keystroke.Observer.
func (m *KeylabMetrics) EventRecorded(e keystroke.Event) {
	m.EventsTotal.Inc()
	if e.Direction == keystroke.Press {
		m.PressesTotal.Inc()
	} else {
		m.ReleasesTotal.Inc()
	}
}

// DuplicatePress implements keystroke.Observer.
func (m *KeylabMetrics) DuplicatePress(keystroke.PhysicalKeyID) {
	m.DuplicatesTotal.Inc()
}

// OrphanRelease implements keystroke.Observer.
func (m *KeylabMetrics) OrphanRelease(keystroke.PhysicalKeyID) {
	m.OrphansTotal.Inc()
}

// Truncated implements keystroke.Observer.
func (m *KeylabMetrics) Truncated(dropped int) {
	m.TruncationsTotal.Inc()
	m.DroppedTotal.Add(uint64(dropped))
}

// SessionStarted records a new capture session.
func (m *KeylabMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a capture session closing.
func (m *KeylabMetrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// SessionSubmitted records a submitted session and its event count.
func (m *KeylabMetrics) SessionSubmitted(events int) {
	m.SubmissionsTotal.Inc()
	m.SessionEventsPerTask.Observe(float64(events))
}

// RecordUpload records a stored artifact.
func (m *KeylabMetrics) RecordUpload(size int) {
	m.UploadsTotal.Inc()
	m.UploadBytesTotal.Add(uint64(size))
	m.UploadSize.Observe(float64(size))
}

// RecordRequest records a served HTTP request.
func (m *KeylabMetrics) RecordRequest(status int, d time.Duration) {
	m.RequestsTotal.Inc()
	if status >= 500 {
		m.ServerErrorsTotal.Inc()
	}
	m.RequestDuration.ObserveDuration(d)
}

// UpdateUptime refreshes the uptime gauge.
func (m *KeylabMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

var _ keystroke.Observer = (*KeylabMetrics)(nil)
