package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylab/internal/keystroke"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test", "")
	c := r.RegisterCounter("hits_total", "hits", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Same(t, c, r.RegisterCounter("hits_total", "hits", nil))
	assert.Same(t, c, r.GetCounter("hits_total"))

	g := r.RegisterGauge("open", "open things", Labels{"kind": "ws"})
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("test", "")
	h := r.RegisterHistogram("size", "sizes", nil, []float64{1, 10})
	h.Observe(1)
	h.Observe(5)
	h.Observe(10)
	h.Observe(100)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `test_size_bucket{le="1"} 1`)
	assert.Contains(t, out, `test_size_bucket{le="10"} 3`)
	assert.Contains(t, out, `test_size_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, "test_size_count 4")
	assert.InDelta(t, 29.0, h.Mean(), 1e-9)
}

func TestWritePrometheusSorted(t *testing.T) {
	r := NewRegistry("k", "")
	r.RegisterCounter("b_total", "b", nil)
	r.RegisterCounter("a_total", "a", nil)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()
	assert.Less(t, strings.Index(out, "k_a_total"), strings.Index(out, "k_b_total"))
}

func TestKeylabMetricsObserver(t *testing.T) {
	m := NewKeylabMetrics(NewRegistry("keylab", ""))

	s := keystroke.NewSession(keystroke.WithCapacity(4), keystroke.WithObserver(m))
	for i, id := range []string{"KeyA", "KeyB", "KeyC", "KeyD", "KeyE"} {
		require.NoError(t, s.Press(keystroke.PhysicalKeyID(id), "x", false, keystroke.Timestamp(i)))
	}
	require.NoError(t, s.Press("KeyA", "x", false, 10))
	require.NoError(t, s.Release("KeyZ", 11))

	assert.Equal(t, uint64(5), m.PressesTotal.Value())
	assert.Equal(t, uint64(1), m.DuplicatesTotal.Value())
	assert.Equal(t, uint64(1), m.OrphansTotal.Value())
	assert.Equal(t, uint64(1), m.TruncationsTotal.Value())
	assert.Equal(t, uint64(2), m.DroppedTotal.Value())

	m.SessionStarted()
	m.SessionSubmitted(42)
	m.SessionEnded()
	assert.Equal(t, int64(0), m.ActiveSessions.Value())
	assert.Equal(t, uint64(1), m.SubmissionsTotal.Value())

	m.RecordUpload(2048)
	m.RecordRequest(503, 10*time.Millisecond)
	assert.Equal(t, uint64(2048), m.UploadBytesTotal.Value())
	assert.Equal(t, uint64(1), m.ServerErrorsTotal.Value())
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("keylab", "")
	NewKeylabMetrics(r).RecordUpload(10)

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keylab_uploads_total 1")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	r.HTTPHandler().ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"keylab_uploads_total"`)
}
