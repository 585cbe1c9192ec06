package completion

import (
	"fmt"
	"strings"
	"time"
)

// ClientInfo is browser context reported with a completion.
type ClientInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Record is the completion document stored for a finished participant.
type Record struct {
	CompletionTimestamp time.Time  `json:"completion_timestamp"`
	UserID              string     `json:"user_id"`
	StudyVersion        string     `json:"study_version"`
	CompletionStatus    string     `json:"completion_status"`
	SurveyCode          string     `json:"survey_code"`
	ClientInfo          ClientInfo `json:"client_info"`
}

// NewRecord builds a completed record with a normalized code.
func NewRecord(userID, code, studyVersion string, now time.Time, info ClientInfo) Record {
	return Record{
		CompletionTimestamp: now.UTC(),
		UserID:              userID,
		StudyVersion:        studyVersion,
		CompletionStatus:    StatusCompleted,
		SurveyCode:          Normalize(code),
		ClientInfo:          info,
	}
}

// ValidationError is a single invalid field of a Record.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("completion: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the required fields and their formats.
func Validate(r Record) error {
	var errs ValidationErrors
	if r.UserID == "" {
		errs = append(errs, ValidationError{Field: "user_id", Message: "is required"})
	} else if !ValidUserID(r.UserID) {
		errs = append(errs, ValidationError{Field: "user_id", Message: "invalid format (expected 8-32 hex characters)"})
	}
	if r.SurveyCode == "" {
		errs = append(errs, ValidationError{Field: "survey_code", Message: "is required"})
	} else if !ValidCode(r.SurveyCode) {
		errs = append(errs, ValidationError{Field: "survey_code", Message: "invalid format"})
	}
	if r.CompletionTimestamp.IsZero() {
		errs = append(errs, ValidationError{Field: "completion_timestamp", Message: "is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
