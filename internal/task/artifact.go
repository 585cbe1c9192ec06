package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// FileNames are the artifact names produced by one completed task.
type FileNames struct {
	Keystrokes string `json:"keystrokes"`
	Raw        string `json:"raw"`
	Metadata   string `json:"metadata"`
}

// All returns the names in upload order.
func (f FileNames) All() []string {
	return []string{f.Keystrokes, f.Raw, f.Metadata}
}

// Names returns the artifact names for a task.
func Names(p Platform, userID string, taskIndex int) FileNames {
	base := fmt.Sprintf("%s_%s_%d", p.Prefix(), userID, taskIndex)
	return FileNames{
		Keystrokes: base + ".csv",
		Raw:        base + "_raw.txt",
		Metadata:   base + "_metadata.json",
	}
}

// Study-level artifacts that are not tied to a task.
const (
	Consent      = "consent"
	Demographics = "demographics"
	StartTime    = "start_time"
	Completion   = "completion"
)

// StudyName returns the name of a study-level artifact for userID.
func StudyName(userID, kind, ext string) string {
	return fmt.Sprintf("%s_%s.%s", userID, kind, ext)
}

// Metadata describes one task attempt and accompanies its keystroke log.
type Metadata struct {
	UserID     string    `json:"user_id"`
	PlatformID Platform  `json:"platform_id"`
	TaskID     int       `json:"task_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS int64     `json:"duration_ms"`
	Platform   string    `json:"platform"`
}

// NewMetadata builds the metadata record for a finished task.
func NewMetadata(userID string, p Platform, taskIndex int, start, end time.Time) Metadata {
	return Metadata{
		UserID:     userID,
		PlatformID: p,
		TaskID:     taskIndex,
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		DurationMS: end.Sub(start).Milliseconds(),
		Platform:   p.Name(),
	}
}

// Marshal encodes the metadata as indented JSON.
func (m Metadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
