// Package upload is the HTTP client for keylabd's artifact and completion
// endpoints.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keylab/internal/security"
	"keylab/internal/task"
)

// DefaultTimeout bounds each request when the caller sets none.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upload: server returned %d: %s", e.StatusCode, e.Message)
}

// Is matches security.ErrRateLimited for 429 replies.
func (e *APIError) Is(target error) bool {
	return target == security.ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Client talks to one keylabd instance. Each call is a single attempt.
type Client struct {
	baseURL   string
	http      *http.Client
	limiter   *security.RateLimiter
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimiter paces requests client-side.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upload: invalid base URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		userAgent: "keylabctl",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Result is the reply to an artifact upload.
type Result struct {
	Success  bool   `json:"success"`
	FileName string `json:"file_name"`
	Size     int    `json:"size"`
	URL      string `json:"url"`
}

// PutArtifact uploads one artifact. Re-uploading a name replaces it.
func (c *Client) PutArtifact(ctx context.Context, name string, data []byte) (*Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPut, "/v1/artifacts/"+url.PathEscape(name), security.ContentType(name), data, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetArtifact downloads an artifact.
func (c *Client) GetArtifact(ctx context.Context, name string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+url.PathEscape(name), "", nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompletionRequest asks the backend to record a finished participant.
// An empty SurveyCode lets the backend issue one.
type CompletionRequest struct {
	UserID       string `json:"user_id"`
	SurveyCode   string `json:"survey_code,omitempty"`
	StudyVersion string `json:"study_version,omitempty"`
}

// CompletionResult is the reply to StoreCompletion.
type CompletionResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SurveyCode string `json:"survey_code"`
	UserID     string `json:"user_id"`
	FileName   string `json:"file_name"`
	URL        string `json:"url"`
}

// StoreCompletion records a completion.
func (c *Client) StoreCompletion(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var res CompletionResult
	if err := c.do(ctx, http.MethodPost, "/v1/completions", "application/json", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CodeStatus is the reply to ValidateCode.
type CodeStatus struct {
	Valid       bool       `json:"valid"`
	Message     string     `json:"message"`
	UserID      string     `json:"user_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ValidateCode checks a survey code against stored completions.
func (c *Client) ValidateCode(ctx context.Context, code string) (*CodeStatus, error) {
	body, err := json.Marshal(map[string]string{"survey_code": code})
	if err != nil {
		return nil, err
	}
	var res CodeStatus
	if err := c.do(ctx, http.MethodPost, "/v1/codes/validate", "application/json", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Tasks fetches the study task catalog.
func (c *Client) Tasks(ctx context.Context) ([]task.Task, error) {
	var res struct {
		Tasks []task.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", "", nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// do sends one request. out is a *bytes.Buffer for raw bodies or a value
// decoded from JSON.
func (c *Client) do(ctx context.Context, method, path, ctype string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("upload: read reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if buf, ok := out.(*bytes.Buffer); ok {
		buf.Write(data)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("upload: decode reply: %w", err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &reply) == nil && reply.Error != "" {
		return reply.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// IsRateLimited reports whether err is a 429 reply or a client-side
// rate-limit wait that was cancelled.
func IsRateLimited(err error) bool {
	return errors.Is(err, security.ErrRateLimited)
}
