package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names a study data event.
type AuditEventType string

// Audit event types.
const (
	AuditUploadAccepted     AuditEventType = "upload_accepted"
	AuditUploadRejected     AuditEventType = "upload_rejected"
	AuditCompletionRecorded AuditEventType = "completion_recorded"
	AuditCodeValidated      AuditEventType = "code_validated"
	AuditCaptureSubmitted   AuditEventType = "capture_submitted"
	AuditStartup            AuditEventType = "startup"
	AuditShutdown           AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	SourceIP  string         `json:"source_ip,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSON lines recording what data entered the store
// and who asked for it.
type AuditLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewAuditLogger writes to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{w: w}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// OpenAuditLog opens a rotated audit file at path.
func OpenAuditLog(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: maxSizeMB, MaxBackups: maxBackups, Compress: true})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return NewAuditLogger(r), nil
}

// Log writes event, filling the timestamp and request ID.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying writer when it is closable.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
