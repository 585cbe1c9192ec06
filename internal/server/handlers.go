package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"keylab/internal/completion"
	"keylab/internal/logging"
	"keylab/internal/schema"
	"keylab/internal/security"
	"keylab/internal/store"
	"keylab/internal/task"
)

const maxJSONBody = 64 * 1024

// errBadRequest marks failures reported to the client as 400.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// fail maps err to a reply. Internal errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var uploadErrs security.UploadErrors
	switch {
	case errors.As(err, &uploadErrs),
		errors.Is(err, security.ErrInvalidName),
		errors.Is(err, security.ErrUnknownOwner),
		errors.Is(err, schema.ErrInvalidDocument),
		errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrCodeConflict):
		writeError(w, http.StatusConflict, "survey code already recorded for another user")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) artifactURL(name string) string {
	return strings.TrimSuffix(s.settings().publicURL, "/") + "/v1/artifacts/" + name
}

// storeArtifact validates and stores one uploaded artifact.
func (s *Server) storeArtifact(ctx context.Context, name string, data []byte, ip string) (err error) {
	ctx, span := s.tracer.Start(ctx, "store_artifact")
	span.SetAttribute("artifact", name)
	span.SetAttribute("size", len(data))
	defer func() {
		span.RecordError(err)
		span.End()
	}()

	ctype, err := s.settings().policy.ValidateUpload(name, data)
	if err == nil && strings.HasSuffix(name, "_metadata.json") {
		err = schema.ValidateMetadata(data)
	}
	var userID string
	if err == nil {
		userID, err = security.UserIDFromName(name)
	}
	if err != nil {
		s.metrics.UploadsRejected.Inc()
		s.audit.Log(ctx, logging.AuditEvent{
			EventType: logging.AuditUploadRejected,
			Resource:  name,
			Result:    "rejected",
			SourceIP:  ip,
			Error:     err.Error(),
		})
		return err
	}

	a := &store.Artifact{Name: name, UserID: userID, ContentType: ctype, Data: data}
	if err := s.store.PutArtifact(ctx, a); err != nil {
		return err
	}
	s.metrics.RecordUpload(len(data))
	s.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditUploadAccepted,
		UserID:    userID,
		Resource:  name,
		SourceIP:  ip,
		Details:   map[string]any{"size": len(data), "content_type": ctype},
	})
	return nil
}

type uploadReply struct {
	Success  bool   `json:"success"`
	FileName string `json:"file_name"`
	Size     int    `json:"size"`
	URL      string `json:"url"`
}

func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := s.settings().policy.MaxSize
	if limit <= 0 {
		limit = security.DefaultMaxUploadSize
	}
	// One byte over the limit lets ValidateUpload report the size.
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: read body: %v", errBadRequest, err))
		return
	}
	if err := s.storeArtifact(r.Context(), name, data, clientIP(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadReply{
		Success:  true,
		FileName: name,
		Size:     len(data),
		URL:      s.artifactURL(name),
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := security.ValidateFilename(name); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.store.GetArtifact(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Last-Modified", a.UpdatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	userID := strings.ToLower(chi.URLParam(r, "userID"))
	if !completion.ValidUserID(userID) {
		s.fail(w, r, fmt.Errorf("%w: invalid user id", errBadRequest))
		return
	}
	list, err := s.store.ListArtifacts(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []store.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "artifacts": list})
}

type sessionInfo struct {
	ID          string    `json:"id"`
	PlatformID  int       `json:"platform_id"`
	TaskID      int       `json:"task_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Events      int       `json:"events"`
	Truncations int       `json:"truncations"`
	Dropped     int       `json:"dropped"`
	Duplicates  int       `json:"duplicates"`
	Orphans     int       `json:"orphans"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.ToLower(chi.URLParam(r, "userID"))
	if !completion.ValidUserID(userID) {
		s.fail(w, r, fmt.Errorf("%w: invalid user id", errBadRequest))
		return
	}
	sessions, err := s.store.Sessions(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]sessionInfo, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, sessionInfo{
			ID:          cs.ID,
			PlatformID:  cs.PlatformID,
			TaskID:      cs.TaskID,
			StartedAt:   cs.StartedAt.UTC(),
			EndedAt:     cs.EndedAt.UTC(),
			Events:      cs.Events,
			Truncations: cs.Truncations,
			Dropped:     cs.Dropped,
			Duplicates:  cs.Duplicates,
			Orphans:     cs.Orphans,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "sessions": out})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": len(s.tasks), "tasks": s.tasks})
}

type completionRequest struct {
	UserID       string `json:"user_id"`
	SurveyCode   string `json:"survey_code"`
	StudyVersion string `json:"study_version"`
	ClientInfo   struct {
		UserAgent string `json:"user_agent"`
		Language  string `json:"language"`
	} `json:"client_info"`
}

type completionReply struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SurveyCode string `json:"survey_code"`
	UserID     string `json:"user_id"`
	FileName   string `json:"file_name"`
	URL        string `json:"url"`
}

func readJSON(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: request body is required", errBadRequest)
	}
	if len(data) > maxJSONBody {
		return nil, fmt.Errorf("%w: request body too large", errBadRequest)
	}
	return data, nil
}

func (s *Server) handleStoreCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err == nil {
		err = schema.ValidateCompletion(body)
	}
	var req completionRequest
	if err == nil {
		if jerr := json.Unmarshal(body, &req); jerr != nil {
			err = fmt.Errorf("%w: %v", errBadRequest, jerr)
		}
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := s.now()
	userID := strings.ToLower(req.UserID)
	code := req.SurveyCode
	if code == "" {
		if code, err = completion.Generate(userID, now); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	version := req.StudyVersion
	if version == "" {
		version = s.settings().studyVersion
	}
	info := completion.ClientInfo{
		UserAgent: req.ClientInfo.UserAgent,
		IP:        clientIP(r),
		Language:  req.ClientInfo.Language,
	}
	if info.UserAgent == "" {
		info.UserAgent = r.UserAgent()
	}
	if info.Language == "" {
		info.Language = r.Header.Get("Accept-Language")
	}
	rec := completion.NewRecord(userID, code, version, now, info)
	if err := completion.Validate(rec); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	err = s.store.PutCompletion(r.Context(), &store.Completion{
		SurveyCode:   rec.SurveyCode,
		UserID:       rec.UserID,
		StudyVersion: rec.StudyVersion,
		Status:       rec.CompletionStatus,
		CompletedAt:  rec.CompletionTimestamp,
		ClientIP:     info.IP,
		UserAgent:    info.UserAgent,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	name := task.StudyName(rec.UserID, task.Completion, "json")
	doc, _ := json.MarshalIndent(rec, "", "  ")
	if err := s.store.PutArtifact(r.Context(), &store.Artifact{
		Name:        name,
		UserID:      rec.UserID,
		ContentType: "application/json",
		Data:        doc,
	}); err != nil {
		s.fail(w, r, err)
		return
	}

	s.metrics.CompletionsTotal.Inc()
	s.audit.Log(r.Context(), logging.AuditEvent{
		EventType: logging.AuditCompletionRecorded,
		UserID:    rec.UserID,
		Resource:  rec.SurveyCode,
		SourceIP:  info.IP,
	})
	writeJSON(w, http.StatusOK, completionReply{
		Success:    true,
		Message:    "completion data stored",
		SurveyCode: rec.SurveyCode,
		UserID:     rec.UserID,
		FileName:   name,
		URL:        s.artifactURL(name),
	})
}

type validateRequest struct {
	SurveyCode string `json:"survey_code"`
	Code       string `json:"code"`
}

type validateReply struct {
	Valid       bool       `json:"valid"`
	Message     string     `json:"message"`
	UserID      string     `json:"user_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req validateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	code := req.SurveyCode
	if code == "" {
		code = req.Code
	}
	if code == "" {
		s.fail(w, r, fmt.Errorf("%w: survey code is required", errBadRequest))
		return
	}
	code = completion.Normalize(code)

	reply := validateReply{}
	switch c, err := s.lookupCode(r.Context(), code); {
	case errors.Is(err, completion.ErrCodeNotFound):
		reply.Message = "invalid code format"
		if completion.ValidCode(code) {
			reply.Message = "code not found"
		}
	case err != nil:
		s.fail(w, r, err)
		return
	default:
		completed := c.CompletedAt.UTC()
		reply = validateReply{Valid: true, Message: "code is valid", UserID: c.UserID, CompletedAt: &completed}
	}

	result := "invalid"
	if reply.Valid {
		result = "valid"
	}
	s.audit.Log(r.Context(), logging.AuditEvent{
		EventType: logging.AuditCodeValidated,
		UserID:    reply.UserID,
		Resource:  code,
		Result:    result,
		SourceIP:  clientIP(r),
	})
	writeJSON(w, http.StatusOK, reply)
}

// lookupCode finds the completion holding a normalized code. Malformed
// and unknown codes both yield completion.ErrCodeNotFound.
func (s *Server) lookupCode(ctx context.Context, code string) (*store.Completion, error) {
	if !completion.ValidCode(code) {
		return nil, completion.ErrCodeNotFound
	}
	c, err := s.store.FindCompletion(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, completion.ErrCodeNotFound
	}
	return c, err
}
