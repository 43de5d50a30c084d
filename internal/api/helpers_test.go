package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sports-movement/analysis-server/internal/config"
	"github.com/sports-movement/analysis-server/internal/metrics"
	"github.com/sports-movement/analysis-server/internal/store"
	"github.com/sports-movement/analysis-server/pkg/types"
)

type fakeAnalyzer struct {
	mu        sync.Mutex
	available bool
	err       error
	preview   image.Image
	calls     []string
	started   chan struct{}
	release   chan struct{}
}

func (f *fakeAnalyzer) ModelAvailable() bool { return f.available }

func (f *fakeAnalyzer) Analyze(ctx context.Context, videoPath, filename string) (*types.AnalysisResult, image.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, videoPath)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, nil, f.err
	}

	kps := make([]types.Keypoint, types.KeypointsPerFrame)
	for i := range kps {
		kps[i] = types.Keypoint{ID: i, Name: "P", X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	return &types.AnalysisResult{
		VideoFilename:     filename,
		ProcessedAt:       "2024-01-01T00:00:00.000000",
		VideoInfo:         types.VideoInfo{FPS: 30, TotalFrames: 2, Width: 64, Height: 48, DurationSeconds: 2.0 / 30},
		KeypointsPerFrame: types.KeypointsPerFrame,
		Frames: []types.FrameData{
			{FrameNumber: 0, Timestamp: 0, Keypoints: []types.Keypoint{}},
			{FrameNumber: 1, Timestamp: 1.0 / 30, Keypoints: kps},
		},
	}, f.preview, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *store.Store
	metrics  *metrics.Metrics
	analyzer *fakeAnalyzer
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(filepath.Join(root, "uploads"), filepath.Join(root, "results"), 64)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	cfg := config.DefaultConfig().Server
	cfg.RateLimitRequests = 0
	if mutate != nil {
		mutate(&cfg)
	}

	fa := &fakeAnalyzer{available: true}
	m := metrics.New()
	srv := NewServer(cfg, Deps{
		Analyzer: fa,
		Store:    st,
		Metrics:  m,
		Backend:  func() any { return map[string]string{"type": "CPU"} },
	})
	return &testEnv{server: srv, handler: srv.Handler(), store: st, metrics: m, analyzer: fa}
}

func uploadRequest(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/analyze-video", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for analyzer")
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func requireDetail(t *testing.T, resp *http.Response, body []byte, status int, detail string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body=%s)", resp.StatusCode, status, body)
	}
	payload := decodeJSONMap(t, body)
	if got := requireString(t, payload["detail"], "detail"); got != detail {
		t.Fatalf("detail = %q, want %q", got, detail)
	}
}
