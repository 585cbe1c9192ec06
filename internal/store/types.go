// Package store persists uploaded study artifacts, completion records and
// capture session summaries in SQLite.
package store

import "time"

// Artifact is an uploaded file.
type Artifact struct {
	Name        string
	UserID      string
	ContentType string
	Size        int64
	Data        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ArtifactInfo is an Artifact without its content.
type ArtifactInfo struct {
	Name        string    `json:"name"`
	UserID      string    `json:"user_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Completion is a stored completion record keyed by survey code.
type Completion struct {
	SurveyCode   string
	UserID       string
	StudyVersion string
	Status       string
	CompletedAt  time.Time
	ClientIP     string
	UserAgent    string
}

// CaptureSession summarizes one submitted capture session.
type CaptureSession struct {
	ID          string
	UserID      string
	PlatformID  int
	TaskID      int
	StartedAt   time.Time
	EndedAt     time.Time
	Events      int
	Truncations int
	Dropped     int
	Duplicates  int
	Orphans     int
}
