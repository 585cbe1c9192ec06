package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.PutArtifact(context.Background(), &Artifact{Name: "a.csv", UserID: "u", ContentType: "text/csv", Data: []byte("x")}); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.PutArtifact(ctx, &Artifact{Name: "f_abc12345_0.csv", UserID: "abc12345", ContentType: "text/csv", Data: []byte("k")}); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetArtifact(ctx, "f_abc12345_0.csv"); err != nil {
		t.Errorf("artifact lost after reopen: %v", err)
	}
}

func TestPutAndGetArtifact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Artifact{
		Name:        "f_abc12345_0.csv",
		UserID:      "abc12345",
		ContentType: "text/csv",
		Data:        []byte("Press or Release,Key,Time\nP,a,1\n"),
	}
	if err := s.PutArtifact(ctx, a); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}
	if a.Size != int64(len(a.Data)) {
		t.Errorf("size not set: %d", a.Size)
	}

	got, err := s.GetArtifact(ctx, a.Name)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got.UserID != a.UserID || got.ContentType != a.ContentType {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if string(got.Data) != string(a.Data) {
		t.Errorf("data mismatch: %q", got.Data)
	}
	if got.Size != int64(len(a.Data)) {
		t.Errorf("size = %d", got.Size)
	}
}

func TestPutArtifactReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Artifact{Name: "x.json", UserID: "abc12345", ContentType: "application/json", Data: []byte(`{"a":1}`)}
	if err := s.PutArtifact(ctx, first); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}
	created := first.CreatedAt

	time.Sleep(2 * time.Millisecond)
	second := &Artifact{Name: "x.json", UserID: "abc12345", ContentType: "application/json", Data: []byte(`{"a":2,"b":3}`)}
	if err := s.PutArtifact(ctx, second); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}

	got, err := s.GetArtifact(ctx, "x.json")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if string(got.Data) != `{"a":2,"b":3}` {
		t.Errorf("data not replaced: %s", got.Data)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v != %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("updated_at not advanced: %v", got.UpdatedAt)
	}

	list, err := s.ListArtifacts(ctx, "")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(list))
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetArtifact(context.Background(), "missing.csv")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListArtifacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, a := range []*Artifact{
		{Name: "t_aaaa1111_2.csv", UserID: "aaaa1111", ContentType: "text/csv", Data: []byte("1")},
		{Name: "f_aaaa1111_0.csv", UserID: "aaaa1111", ContentType: "text/csv", Data: []byte("22")},
		{Name: "f_bbbb2222_0.csv", UserID: "bbbb2222", ContentType: "text/csv", Data: []byte("333")},
	} {
		if err := s.PutArtifact(ctx, a); err != nil {
			t.Fatalf("PutArtifact %s failed: %v", a.Name, err)
		}
	}

	list, err := s.ListArtifacts(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(list))
	}
	if list[0].Name != "f_aaaa1111_0.csv" || list[1].Name != "t_aaaa1111_2.csv" {
		t.Errorf("unexpected order: %s, %s", list[0].Name, list[1].Name)
	}
	if list[0].Size != 2 {
		t.Errorf("size = %d, want 2", list[0].Size)
	}

	all, err := s.ListArtifacts(ctx, "")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 artifacts, got %d", len(all))
	}

	none, err := s.ListArtifacts(ctx, "cccc3333")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no artifacts, got %d", len(none))
	}
}

func TestPutAndFindCompletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &Completion{
		SurveyCode:   "TASK-M5D4RUO0-ABC123-XYZ9",
		UserID:       "abc12345",
		StudyVersion: "1.0",
		Status:       "completed",
		CompletedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ClientIP:     "192.0.2.1",
		UserAgent:    "test-agent",
	}
	if err := s.PutCompletion(ctx, c); err != nil {
		t.Fatalf("PutCompletion failed: %v", err)
	}

	got, err := s.FindCompletion(ctx, c.SurveyCode)
	if err != nil {
		t.Fatalf("FindCompletion failed: %v", err)
	}
	if got.UserID != c.UserID || got.Status != c.Status || got.StudyVersion != c.StudyVersion {
		t.Errorf("completion mismatch: %+v", got)
	}
	if !got.CompletedAt.Equal(c.CompletedAt) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, c.CompletedAt)
	}
	if got.ClientIP != c.ClientIP || got.UserAgent != c.UserAgent {
		t.Errorf("client info mismatch: %+v", got)
	}
}

func TestPutCompletionResubmit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &Completion{SurveyCode: "TASK-1-AAAAAA-BBBB", UserID: "abc12345", StudyVersion: "1.0", Status: "completed", CompletedAt: time.Now()}
	if err := s.PutCompletion(ctx, c); err != nil {
		t.Fatalf("PutCompletion failed: %v", err)
	}
	c.StudyVersion = "1.1"
	if err := s.PutCompletion(ctx, c); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	got, err := s.FindCompletion(ctx, c.SurveyCode)
	if err != nil {
		t.Fatalf("FindCompletion failed: %v", err)
	}
	if got.StudyVersion != "1.1" {
		t.Errorf("study version = %q, want 1.1", got.StudyVersion)
	}
}

func TestPutCompletionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &Completion{SurveyCode: "TASK-1-AAAAAA-BBBB", UserID: "abc12345", StudyVersion: "1.0", Status: "completed", CompletedAt: time.Now()}
	if err := s.PutCompletion(ctx, c); err != nil {
		t.Fatalf("PutCompletion failed: %v", err)
	}

	other := *c
	other.UserID = "def67890"
	if err := s.PutCompletion(ctx, &other); !errors.Is(err, ErrCodeConflict) {
		t.Errorf("expected ErrCodeConflict, got %v", err)
	}

	got, err := s.FindCompletion(ctx, c.SurveyCode)
	if err != nil {
		t.Fatalf("FindCompletion failed: %v", err)
	}
	if got.UserID != "abc12345" {
		t.Errorf("owner overwritten: %s", got.UserID)
	}
}

func TestFindCompletionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.FindCompletion(context.Background(), "TASK-0-000000-0000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []*CaptureSession{
		{ID: "s2", UserID: "abc12345", PlatformID: 1, TaskID: 1, StartedAt: start.Add(time.Minute), EndedAt: start.Add(2 * time.Minute), Events: 40},
		{ID: "s1", UserID: "abc12345", PlatformID: 0, TaskID: 0, StartedAt: start, EndedAt: start.Add(30 * time.Second), Events: 120, Truncations: 1, Dropped: 2, Duplicates: 3, Orphans: 4},
		{ID: "s3", UserID: "def67890", PlatformID: 2, TaskID: 2, StartedAt: start, EndedAt: start, Events: 0},
	}
	for _, cs := range sessions {
		if err := s.RecordSession(ctx, cs); err != nil {
			t.Fatalf("RecordSession %s failed: %v", cs.ID, err)
		}
	}

	got, err := s.Sessions(ctx, "abc12345")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].ID != "s1" {
		t.Errorf("expected oldest first, got %s", got[0].ID)
	}
	first := got[0]
	if first.Events != 120 || first.Truncations != 1 || first.Dropped != 2 || first.Duplicates != 3 || first.Orphans != 4 {
		t.Errorf("counters mismatch: %+v", first)
	}
	if !first.StartedAt.Equal(start) {
		t.Errorf("started_at = %v", first.StartedAt)
	}

	if err := s.RecordSession(ctx, sessions[0]); err == nil {
		t.Error("duplicate session id should fail")
	}
}

func TestMigrationStatus(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current %d != latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
}

func TestRollbackAndReapply(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := RollbackMigration(s.db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 1 || len(status.Pending) != 1 {
		t.Errorf("unexpected status after rollback: %+v", status)
	}
	if err := s.RecordSession(ctx, &CaptureSession{ID: "x", UserID: "u"}); err == nil {
		t.Error("capture_sessions should be gone after rollback")
	}

	if err := MigrateDB(s.db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := s.RecordSession(ctx, &CaptureSession{ID: "x", UserID: "u"}); err != nil {
		t.Errorf("RecordSession after re-migrate failed: %v", err)
	}
}

func TestRollbackEmpty(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < len(migrations); i++ {
		if err := RollbackMigration(s.db); err != nil {
			t.Fatalf("rollback %d failed: %v", i, err)
		}
	}
	if err := RollbackMigration(s.db); err == nil {
		t.Error("expected error with no migrations left")
	}
}
