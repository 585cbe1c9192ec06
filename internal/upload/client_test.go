package upload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylab/internal/completion"
	"keylab/internal/config"
	"keylab/internal/security"
	"keylab/internal/server"
	"keylab/internal/store"
)

const testUser = "0123456789abcdef0123456789abcdef"

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "keylab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRequests = 100
	srv, err := server.New(server.Options{
		Store:  st,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "localhost:8080", "http://"} {
		_, err := New(u, 0)
		assert.Error(t, err, u)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	ts := newBackend(t)
	c, err := New(ts.URL+"/", time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	name := "t_" + testUser + "_5.csv"
	data := []byte("Press or Release,Key,Time\nP,x,1\nR,x,2")
	res, err := c.PutArtifact(ctx, name, data)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, name, res.FileName)
	assert.Equal(t, len(data), res.Size)

	got, err := c.GetArtifact(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutArtifactRejected(t *testing.T) {
	ts := newBackend(t)
	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)

	_, err = c.PutArtifact(context.Background(), "anonymous.csv", []byte("x"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "does not identify a user")
	assert.False(t, IsRateLimited(err))
}

func TestCompletionAndValidate(t *testing.T) {
	ts := newBackend(t)
	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.StoreCompletion(ctx, CompletionRequest{UserID: testUser})
	require.NoError(t, err)
	assert.True(t, completion.MatchesUser(res.SurveyCode, testUser))

	status, err := c.ValidateCode(ctx, res.SurveyCode)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, testUser, status.UserID)
	require.NotNil(t, status.CompletedAt)

	status, err = c.ValidateCode(ctx, "TASK-1-AAAAAA-BBBB")
	require.NoError(t, err)
	assert.False(t, status.Valid)
}

func TestTasks(t *testing.T) {
	ts := newBackend(t)
	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)

	tasks, err := c.Tasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 18)
}

func TestRateLimitedReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"success":false,"error":"rate limit exceeded"}`)
	}))
	defer ts.Close()

	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)
	_, err = c.ValidateCode(context.Background(), "TASK-1-AAAAAA-BBBB")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestClientSideLimiter(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"tasks":[]}`)
	}))
	defer ts.Close()

	c, err := New(ts.URL, time.Second, WithRateLimiter(security.NewRateLimiter(0.001, 1)))
	require.NoError(t, err)

	_, err = c.Tasks(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Tasks(ctx)
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestPlainTextError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, err := New(ts.URL, time.Second, WithUserAgent("test"))
	require.NoError(t, err)
	_, err = c.Tasks(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
