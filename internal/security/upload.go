package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultMaxUploadSize is the artifact size limit when none is configured.
const DefaultMaxUploadSize = 10 * 1024 * 1024

const maxNameLength = 255

// Upload validation errors.
var (
	ErrInvalidName    = errors.New("security: invalid file name")
	ErrUnknownOwner   = errors.New("security: file name does not identify a user")
	ErrUnsupportedExt = errors.New("security: unsupported file type")
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

	// {platform}_{user}_{task}..., e.g. f_0a1b2c3d_4.csv
	taskFilePattern = regexp.MustCompile(`^[a-z]_([a-fA-F0-9]{8,32})_`)

	// {user}_{form}.ext, e.g. 0a1b2c3d_consent.json
	formFilePattern = regexp.MustCompile(`^([a-fA-F0-9]{8,32})_(consent|demographics|start_time|completion)\.`)
)

var contentTypes = map[string]string{
	".csv":  "text/csv",
	".json": "application/json",
	".txt":  "text/plain",
}

var suspiciousPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("data:text/html"),
	[]byte("eval("),
	[]byte("document.cookie"),
}

// UploadError is one reason an upload was rejected.
type UploadError struct {
	Field   string
	Message string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("security: %s: %s", e.Field, e.Message)
}

// UploadErrors collects every reason an upload was rejected.
type UploadErrors []UploadError

func (e UploadErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// UploadPolicy holds the limits applied by ValidateUpload.
type UploadPolicy struct {
	MaxSize int64
}

// ContentType returns the MIME type served for name, or "" when the
// extension is not accepted.
func ContentType(name string) string {
	return contentTypes[strings.ToLower(filepath.Ext(name))]
}

// ValidateFilename checks that name is a bare, accepted artifact name.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: only letters, digits, '.', '_' and '-' are allowed", ErrInvalidName)
	case strings.HasPrefix(name, "."), strings.Contains(name, ".."):
		return fmt.Errorf("%w: dot segments are not allowed", ErrInvalidName)
	case ContentType(name) == "":
		return fmt.Errorf("%w: %q", ErrUnsupportedExt, filepath.Ext(name))
	}
	return nil
}

// ValidateUpload checks an artifact before it is stored and returns its
// content type. Every failed check is reported.
func (p UploadPolicy) ValidateUpload(name string, data []byte) (string, error) {
	var errs UploadErrors

	if err := ValidateFilename(name); err != nil {
		errs = append(errs, UploadError{Field: "file_name", Message: err.Error()})
	}

	maxSize := p.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	if len(data) == 0 {
		errs = append(errs, UploadError{Field: "content", Message: "empty file"})
	}
	if int64(len(data)) > maxSize {
		errs = append(errs, UploadError{Field: "content", Message: fmt.Sprintf("size %d exceeds limit %d", len(data), maxSize)})
	}

	ctype := ContentType(name)
	if ctype == "application/json" && len(data) > 0 && !json.Valid(data) {
		errs = append(errs, UploadError{Field: "content", Message: "invalid JSON"})
	}
	if containsSuspicious(data) {
		errs = append(errs, UploadError{Field: "content", Message: "contains suspicious patterns"})
	}

	if len(errs) > 0 {
		return "", errs
	}
	return ctype, nil
}

func containsSuspicious(data []byte) bool {
	lower := bytes.ToLower(data)
	for _, p := range suspiciousPatterns {
		if bytes.Contains(lower, p) {
			return true
		}
	}
	return false
}

// UserIDFromName extracts the participant id encoded in an artifact name.
func UserIDFromName(name string) (string, error) {
	if m := taskFilePattern.FindStringSubmatch(name); m != nil {
		return strings.ToLower(m[1]), nil
	}
	if m := formFilePattern.FindStringSubmatch(name); m != nil {
		return strings.ToLower(m[1]), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownOwner, name)
}
