package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/store"
	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type stubSource struct {
	frames   int
	duration float64 // overrides frames/25 when set
	err      error
}

func (s stubSource) Probe(context.Context, string) (types.VideoMeta, error) {
	d := float64(s.frames) / 25
	if s.duration != 0 {
		d = s.duration
	}
	return types.VideoMeta{TotalFrames: s.frames, DurationSeconds: d}, s.err
}

func (s stubSource) Decode(context.Context, string) ([]image.Image, error) {
	frames := make([]image.Image, s.frames)
	for i := range frames {
		frames[i] = imaging.New(16, 16, color.NRGBA{R: uint8(i), A: 255})
	}
	return frames, nil
}

type seqClassifier struct {
	mu    sync.Mutex
	probs []float64
	n     int
}

func (c *seqClassifier) Classify(context.Context, *types.Batch) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.probs[c.n%len(c.probs)]
	c.n++
	return p, nil
}

type stubHistory struct {
	mu    sync.Mutex
	saved map[string]string // id -> sha256
	runs  []store.Run
	err   error
}

func (h *stubHistory) SaveRun(_ context.Context, id, sha256 string, _ *types.RunResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saved == nil {
		h.saved = map[string]string{}
	}
	h.saved[id] = sha256
	return h.err
}

func (h *stubHistory) ListRuns(_ context.Context, limit int) ([]store.Run, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit < len(h.runs) {
		return h.runs[:limit], nil
	}
	return h.runs, nil
}

func (h *stubHistory) GetRun(_ context.Context, id string) (*store.Run, error) {
	for i := range h.runs {
		if h.runs[i].ID == id {
			return &h.runs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func newTestServer(t *testing.T, source stubSource, history History, maxUpload int64) *Server {
	t.Helper()
	cfg := pipeline.Config{FrameSize: 8, WindowSize: 4, WindowStride: 2}
	p, err := pipeline.New(cfg, source, nil, &seqClassifier{probs: []float64{0.1, 0.02, 0.9, 0.4}}, nil)
	require.NoError(t, err)

	return New(Config{
		UploadDir:      t.TempDir(),
		MaxUploadBytes: maxUpload,
		CORSOrigins:    DefaultCORSOrigins(),
	}, p, report.NewPDFRenderer(nil), history, nil, nil)
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func readSSE(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<22)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			lines = append(lines, data)
		}
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestAnalyzeStreamsProgress(t *testing.T) {
	history := &stubHistory{}
	srv := httptest.NewServer(newTestServer(t, stubSource{frames: 10}, history, 1<<20).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "file", "clip.mp4", []byte("abc"))
	resp, err := http.Post(srv.URL+"/analyze/", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := readSSE(t, resp.Body)
	require.Len(t, lines, 4+2*4+1)
	assert.Equal(t, "LOG:Decoding video frames...", lines[0])
	assert.Equal(t, "LOG:  - Analyzing window 1/4", lines[4])

	last := lines[len(lines)-1]
	require.True(t, strings.HasPrefix(last, "RESULT:"), last)

	var result types.RunResult
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(last, "RESULT:")), &result))
	assert.Equal(t, "clip.mp4", result.Filename)
	assert.True(t, result.IsDeepfake)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Equal(t, 4, result.WindowsAnalyzed)

	// The handler saves history after the stream closes; the response body is already drained.
	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return len(history.saved) == 1
	}, timeout, tick)
	for _, sha := range history.saved {
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sha)
	}
}

func TestAnalyzeDecodeFailure(t *testing.T) {
	history := &stubHistory{}
	srv := httptest.NewServer(newTestServer(t, stubSource{err: errors.New("moov atom not found")}, history, 0).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "file", "broken.mp4", []byte("xyz"))
	resp, err := http.Post(srv.URL+"/analyze/", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := readSSE(t, resp.Body)
	require.Len(t, lines, 2)
	assert.Equal(t, "LOG:Decoding video frames...", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ERROR:"), lines[1])
	assert.Contains(t, lines[1], "moov atom not found")
	assert.Empty(t, history.saved)
}

func TestAnalyzeUnencodableResultEndsWithError(t *testing.T) {
	history := &stubHistory{}
	srv := httptest.NewServer(newTestServer(t, stubSource{frames: 10, duration: math.Inf(1)}, history, 0).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "file", "clip.mp4", []byte("abc"))
	resp, err := http.Post(srv.URL+"/analyze/", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := readSSE(t, resp.Body)
	require.Len(t, lines, 4+2*4+1)
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, "ERROR:"), last)
	assert.Contains(t, last, "unsupported value")

	// Give a wrongly scheduled save the chance to happen before asserting it did not.
	time.Sleep(50 * time.Millisecond)
	history.mu.Lock()
	defer history.mu.Unlock()
	assert.Empty(t, history.saved)
}

func TestAnalyzeRejectsBadUploads(t *testing.T) {
	s := newTestServer(t, stubSource{frames: 10}, nil, 512)

	t.Run("missing file field", func(t *testing.T) {
		body, ct := multipartBody(t, "video", "clip.mp4", []byte("abc"))
		req := httptest.NewRequest(http.MethodPost, "/analyze/", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var e ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
		assert.Equal(t, "invalid_request", e.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze/", strings.NewReader("abc"))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "clip.mp4", bytes.Repeat([]byte("a"), 4096))
		req := httptest.NewRequest(http.MethodPost, "/analyze/", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestGenerateReport(t *testing.T) {
	s := newTestServer(t, stubSource{}, nil, 0)

	payload := `{"filename":"clip.mp4","is_deepfake":true,"confidence":0.9,"probabilities":[0.1,0.9],"face_images_b64":[]}`
	req := httptest.NewRequest(http.MethodPost, "/generate-report/", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="deepfake_report.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	req = httptest.NewRequest(http.MethodPost, "/generate-report/", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsEndpoints(t *testing.T) {
	t.Run("history disabled", func(t *testing.T) {
		s := newTestServer(t, stubSource{}, nil, 0)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	history := &stubHistory{runs: []store.Run{
		{ID: "b", SHA256: "h2", RunResult: types.RunResult{Filename: "two.mp4"}},
		{ID: "a", SHA256: "h1", RunResult: types.RunResult{Filename: "one.mp4", Confidence: 0.7}},
	}}
	s := newTestServer(t, stubSource{}, history, 0)

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var runs []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, "b", runs[0]["id"])
		assert.Equal(t, "two.mp4", runs[0]["filename"])
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=-3", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/a", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"confidence":0.7`)

		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/zzz", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, stubSource{}, nil, 0)

	req := httptest.NewRequest(http.MethodOptions, "/analyze/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://preview-42.vercel.app")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://preview-42.vercel.app", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginMatcher(t *testing.T) {
	m := newOriginMatcher([]string{"http://localhost:3000/", "https://*.vercel.app", " "})

	tests := map[string]bool{
		"http://localhost:3000":           true,
		"http://localhost:3001":           false,
		"https://app.vercel.app":          true,
		"https://a.b.vercel.app":          true,
		"http://app.vercel.app":           false,
		"https://vercel.app":              false,
		"https://app.vercel.app.evil.com": false,
		"https://evil.com/x.vercel.app":   false,
		"https://app.vercel.app:8443":     false,
	}
	for origin, want := range tests {
		assert.Equal(t, want, m.match(origin), origin)
	}

	assert.True(t, newOriginMatcher([]string{"*"}).match("https://anything.example"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, stubSource{}, nil, 0)

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `truthlens_http_requests_total{code="200",route="/healthz"}`)
}
