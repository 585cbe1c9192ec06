package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store errors.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrCodeConflict = errors.New("store: survey code belongs to another user")
)

// Store is the SQLite-backed study data store. It is safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path with a 5 s busy timeout.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, 5*time.Second)
}

// OpenWithTimeout opens or creates the database at path and applies
// pending migrations.
func OpenWithTimeout(path string, busy time.Duration) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutArtifact stores a, replacing any artifact with the same name.
// Re-uploads keep the original creation time.
func (s *Store) PutArtifact(ctx context.Context, a *Artifact) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Size = int64(len(a.Data))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (name, user_id, content_type, size, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			user_id = excluded.user_id,
			content_type = excluded.content_type,
			size = excluded.size,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		a.Name, a.UserID, a.ContentType, a.Size, a.Data, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.Name, err)
	}
	return nil
}

// GetArtifact returns the named artifact or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, name string) (*Artifact, error) {
	var a Artifact
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, user_id, content_type, size, data, created_at, updated_at
		FROM artifacts WHERE name = ?`, name,
	).Scan(&a.Name, &a.UserID, &a.ContentType, &a.Size, &a.Data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", name, err)
	}
	a.CreatedAt = time.Unix(0, created)
	a.UpdatedAt = time.Unix(0, updated)
	return &a, nil
}

// ListArtifacts lists a user's artifacts by name. An empty userID lists
// every artifact.
func (s *Store) ListArtifacts(ctx context.Context, userID string) ([]ArtifactInfo, error) {
	query := `SELECT name, user_id, content_type, size, updated_at FROM artifacts`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactInfo
	for rows.Next() {
		var info ArtifactInfo
		var updated int64
		if err := rows.Scan(&info.Name, &info.UserID, &info.ContentType, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// PutCompletion stores c. Resubmitting a code for the same user replaces
// the record; a code held by another user yields ErrCodeConflict.
func (s *Store) PutCompletion(ctx context.Context, c *Completion) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (survey_code, user_id, study_version, status, completed_at, client_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(survey_code) DO UPDATE SET
			study_version = excluded.study_version,
			status = excluded.status,
			completed_at = excluded.completed_at,
			client_ip = excluded.client_ip,
			user_agent = excluded.user_agent
		WHERE completions.user_id = excluded.user_id`,
		c.SurveyCode, c.UserID, c.StudyVersion, c.Status, c.CompletedAt.UnixNano(), c.ClientIP, c.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	if n == 0 {
		return ErrCodeConflict
	}
	return nil
}

// FindCompletion returns the completion for code or ErrNotFound.
func (s *Store) FindCompletion(ctx context.Context, code string) (*Completion, error) {
	var c Completion
	var completed int64
	var ip, ua sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT survey_code, user_id, study_version, status, completed_at, client_ip, user_agent
		FROM completions WHERE survey_code = ?`, code,
	).Scan(&c.SurveyCode, &c.UserID, &c.StudyVersion, &c.Status, &completed, &ip, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("completion %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find completion: %w", err)
	}
	c.CompletedAt = time.Unix(0, completed)
	c.ClientIP = ip.String
	c.UserAgent = ua.String
	return &c, nil
}

// RecordSession stores a capture session summary.
func (s *Store) RecordSession(ctx context.Context, cs *CaptureSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_sessions (id, user_id, platform_id, task_id, started_at, ended_at,
			events, truncations, dropped, duplicates, orphans)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.UserID, cs.PlatformID, cs.TaskID, cs.StartedAt.UnixNano(), cs.EndedAt.UnixNano(),
		cs.Events, cs.Truncations, cs.Dropped, cs.Duplicates, cs.Orphans,
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", cs.ID, err)
	}
	return nil
}

// Sessions lists a user's capture sessions, oldest first.
func (s *Store) Sessions(ctx context.Context, userID string) ([]CaptureSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, platform_id, task_id, started_at, ended_at,
			events, truncations, dropped, duplicates, orphans
		FROM capture_sessions WHERE user_id = ? ORDER BY started_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []CaptureSession
	for rows.Next() {
		var cs CaptureSession
		var started, ended int64
		if err := rows.Scan(&cs.ID, &cs.UserID, &cs.PlatformID, &cs.TaskID, &started, &ended,
			&cs.Events, &cs.Truncations, &cs.Dropped, &cs.Duplicates, &cs.Orphans); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		cs.StartedAt = time.Unix(0, started)
		cs.EndedAt = time.Unix(0, ended)
		out = append(out, cs)
	}
	return out, rows.Err()
}
