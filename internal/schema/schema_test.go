package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylab/internal/completion"
	"keylab/internal/task"
)

func TestSchemasCompile(t *testing.T) {
	schemas, err := load()
	require.NoError(t, err)
	assert.Len(t, schemas, 2)
}

func TestValidateMetadata(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	m := task.NewMetadata("0123456789abcdef0123456789abcdef", task.Instagram, 4, start, start.Add(90*time.Second))
	data, err := m.Marshal()
	require.NoError(t, err)

	assert.NoError(t, ValidateMetadata(data))
}

func TestValidateMetadataRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing fields", `{"user_id":"0123456789abcdef"}`},
		{"bad user id", `{"user_id":"zz","platform_id":0,"task_id":0,"start_time":"2025-01-01T00:00:00Z","end_time":"2025-01-01T00:00:01Z","duration_ms":1000}`},
		{"negative task", `{"user_id":"0123456789abcdef","platform_id":0,"task_id":-1,"start_time":"2025-01-01T00:00:00Z","end_time":"2025-01-01T00:00:01Z","duration_ms":1000}`},
		{"bad time", `{"user_id":"0123456789abcdef","platform_id":0,"task_id":0,"start_time":"yesterday","end_time":"2025-01-01T00:00:01Z","duration_ms":1000}`},
		{"array", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetadata([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument))
		})
	}
}

func TestValidateCompletion(t *testing.T) {
	userID := "0123456789abcdef0123456789abcdef"
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	code, err := completion.Generate(userID, now)
	require.NoError(t, err)

	rec := completion.NewRecord(userID, code, "1.0", now, completion.ClientInfo{UserAgent: "test"})
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NoError(t, ValidateCompletion(data))

	// Codes are accepted in any case and may be left to the server.
	assert.NoError(t, ValidateCompletion([]byte(`{"user_id":"abcdef12"}`)))
	assert.NoError(t, ValidateCompletion([]byte(`{"user_id":"abcdef12","survey_code":"task-m5d4ruo0-abc123-wxyz"}`)))
}

func TestValidateCompletionRejects(t *testing.T) {
	for _, doc := range []string{
		`{"survey_code":"TASK-1-ABC123-WXYZ"}`,
		`{"user_id":"abcdef12","survey_code":"NOPE"}`,
		`{"user_id":"abcdef12","survey_code":"TASK-1-ABC123-WXYZ","completion_status":"abandoned"}`,
		`{"user_id":"abcdef12","survey_code":"TASK-1-ABC123-WXYZ","client_info":"x"}`,
	} {
		err := ValidateCompletion([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidDocument, doc)
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	err := Validate("nope.json", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidDocument))
}
