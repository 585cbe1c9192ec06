// Package tracing records request spans for keylabd and propagates W3C
// trace context (the traceparent header) between the study page and the
// backend.
//
// A nil *Tracer is valid and records nothing, so callers never need to
// check whether tracing is enabled.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Header names.
const (
	TraceParentHeader = "traceparent"
	TraceStateHeader  = "tracestate"
)

// ErrInvalidTraceParent is returned for malformed traceparent headers.
var ErrInvalidTraceParent = errors.New("tracing: invalid traceparent")

// TraceID identifies a trace.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether t is non-zero.
func (t TraceID) IsValid() bool { return t != TraceID{} }

// SpanID identifies a span within a trace.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// IsValid reports whether s is non-zero.
func (s SpanID) IsValid() bool { return s != SpanID{} }

// SpanContext is the propagated part of a span.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	Sampled    bool
	TraceState string
	Remote     bool
}

// IsValid reports whether both ids are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// Status is the outcome of a span.
type Status int

const (
	StatusUnset Status = iota
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Span is one timed operation.
type Span struct {
	mu        sync.Mutex
	tracer    *Tracer
	name      string
	sc        SpanContext
	parent    SpanID
	start     time.Time
	end       time.Time
	attrs     map[string]any
	status    Status
	statusMsg string
	ended     atomic.Bool
}

// Context returns the span's propagated context. A span from a nil
// tracer has an invalid context.
func (s *Span) Context() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.sc
}

// SetAttribute records key on the span.
func (s *Span) SetAttribute(key string, value any) {
	if s == nil || s.tracer == nil {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code Status, msg string) {
	if s == nil || s.tracer == nil {
		return
	}
	s.mu.Lock()
	s.status = code
	s.statusMsg = msg
	s.mu.Unlock()
}

// RecordError marks the span failed with err. A nil err is ignored.
func (s *Span) RecordError(err error) {
	if err != nil {
		s.SetStatus(StatusError, err.Error())
	}
}

// End finishes the span and exports it if sampled. Later calls do nothing.
func (s *Span) End() {
	if s == nil || s.tracer == nil || s.ended.Swap(true) {
		return
	}
	s.mu.Lock()
	s.end = s.tracer.now()
	s.mu.Unlock()
	if s.sc.Sampled {
		s.tracer.exporter.ExportSpan(s.Data())
	}
}

// SpanData is a finished span as exported.
type SpanData struct {
	Service    string         `json:"service,omitempty"`
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Start      time.Time      `json:"start_time"`
	End        time.Time      `json:"end_time"`
	DurationMS float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := SpanData{
		Service:    s.tracer.service,
		Name:       s.name,
		TraceID:    s.sc.TraceID.String(),
		SpanID:     s.sc.SpanID.String(),
		Start:      s.start,
		End:        s.end,
		DurationMS: float64(s.end.Sub(s.start)) / float64(time.Millisecond),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: make(map[string]any, len(s.attrs)),
	}
	if s.parent.IsValid() {
		d.ParentID = s.parent.String()
	}
	for k, v := range s.attrs {
		d.Attributes[k] = v
	}
	return d
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	ExportSpan(SpanData)
	Close() error
}

// JSONExporter writes one JSON object per span.
type JSONExporter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewJSONExporter writes spans to w. Close closes w if it is an io.Closer.
func NewJSONExporter(w io.Writer) *JSONExporter {
	return &JSONExporter{w: w, enc: json.NewEncoder(w)}
}

// ExportSpan writes d.
func (e *JSONExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc.Encode(d)
}

// Close closes the underlying writer.
func (e *JSONExporter) Close() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// LogExporter logs spans at debug level.
type LogExporter struct {
	Logger *slog.Logger
}

// ExportSpan logs d.
func (e LogExporter) ExportSpan(d SpanData) {
	e.Logger.Debug("span",
		"name", d.Name,
		"trace_id", d.TraceID,
		"span_id", d.SpanID,
		"parent_id", d.ParentID,
		"duration_ms", d.DurationMS,
		"status", d.Status,
	)
}

// Close does nothing.
func (LogExporter) Close() error { return nil }

// Tracer creates spans.
type Tracer struct {
	service  string
	exporter Exporter
	ratio    float64
	now      func() time.Time
}

// NewTracer returns a tracer sampling ratio of new traces. A nil exporter
// discards spans.
func NewTracer(service string, exporter Exporter, ratio float64) *Tracer {
	if exporter == nil {
		exporter = LogExporter{Logger: slog.New(slog.DiscardHandler)}
	}
	return &Tracer{
		service:  service,
		exporter: exporter,
		ratio:    min(max(ratio, 0), 1),
		now:      time.Now,
	}
}

// Close flushes and closes the exporter.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.exporter.Close()
}

// shouldSample compares the high bits of the trace id with the ratio, so
// every service sampling at the same ratio keeps the same traces.
func (t *Tracer) shouldSample(id TraceID) bool {
	if t.ratio >= 1 {
		return true
	}
	h := binary.BigEndian.Uint64(id[:8])
	return h < uint64(t.ratio*float64(^uint64(0)))
}

// Start begins a span whose parent is the span in ctx, or the remote
// context installed by ContextWithRemote. With a nil tracer it returns ctx
// and a span that records nothing.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	var parent SpanContext
	if p := SpanFromContext(ctx); p != nil {
		parent = p.Context()
	} else if r, ok := ctx.Value(remoteKey{}).(SpanContext); ok {
		parent = r
	}

	sc := SpanContext{TraceState: parent.TraceState}
	if parent.IsValid() {
		sc.TraceID = parent.TraceID
		sc.Sampled = parent.Sampled
	} else {
		rand.Read(sc.TraceID[:])
		sc.Sampled = t.shouldSample(sc.TraceID)
	}
	rand.Read(sc.SpanID[:])

	s := &Span{
		tracer: t,
		name:   name,
		sc:     sc,
		parent: parent.SpanID,
		start:  t.now(),
		attrs:  make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

type (
	spanKey   struct{}
	remoteKey struct{}
)

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithRemote installs a parent received from another process.
func ContextWithRemote(ctx context.Context, sc SpanContext) context.Context {
	if !sc.IsValid() {
		return ctx
	}
	return context.WithValue(ctx, remoteKey{}, sc)
}

// ParseTraceParent parses a version 00 traceparent header:
// 00-<32 hex trace id>-<16 hex span id>-<2 hex flags>.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 || header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, ErrInvalidTraceParent
	}
	if header[:2] != "00" {
		return SpanContext{}, fmt.Errorf("%w: unsupported version %s", ErrInvalidTraceParent, header[:2])
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(header[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: trace id: %v", ErrInvalidTraceParent, err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(header[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: span id: %v", ErrInvalidTraceParent, err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(header[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: flags: %v", ErrInvalidTraceParent, err)
	}
	if !sc.IsValid() {
		return SpanContext{}, fmt.Errorf("%w: zero id", ErrInvalidTraceParent)
	}
	sc.Sampled = flags[0]&0x01 != 0
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent formats sc as a traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return "00-" + sc.TraceID.String() + "-" + sc.SpanID.String() + "-" + flags
}

// Extract reads trace context from request headers. Malformed headers
// are ignored.
func Extract(h http.Header) SpanContext {
	sc, err := ParseTraceParent(h.Get(TraceParentHeader))
	if err != nil {
		return SpanContext{}
	}
	sc.TraceState = h.Get(TraceStateHeader)
	return sc
}

// Inject writes the context of the span in ctx to h.
func Inject(ctx context.Context, h http.Header) {
	sc := SpanFromContext(ctx).Context()
	if !sc.IsValid() {
		return
	}
	h.Set(TraceParentHeader, FormatTraceParent(sc))
	if sc.TraceState != "" {
		h.Set(TraceStateHeader, sc.TraceState)
	}
}
