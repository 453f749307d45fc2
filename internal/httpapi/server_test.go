package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"loraserve/internal/manager"
	"loraserve/pkg/types"
)

type mockService struct {
	mu      sync.Mutex
	health  types.HealthResponse
	status  types.StatusResponse
	ready   bool
	pred    string
	genErr  error
	block   bool
	lastReq types.GenerateRequest
}

func (m *mockService) Health() types.HealthResponse { return m.health }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) Generate(ctx context.Context, req types.GenerateRequest) (string, error) {
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.genErr != nil {
		return "", m.genErr
	}
	return m.pred, nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

type busyErr struct{}

func (busyErr) Error() string { return "queue full" }
func (busyErr) Busy() bool    { return true }

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var er types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("json: %v body=%s", err, w.Body.String())
	}
	return er
}

func TestHealthHandler(t *testing.T) {
	svc := &mockService{health: types.HealthResponse{Status: "ok", Device: "cpu", Model: "Qwen/Qwen3-0.6B", Adapter: "/a/b"}}
	r := NewMux(svc, nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body != svc.health {
		t.Fatalf("body=%+v", body)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff header=%q", got)
	}
}

func TestStatusHandler_IncludesActiveJob(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", MaxQueueDepth: 4}}
	jobs := &mockRetrainer{active: &types.TrainingJob{ID: "j1", Status: "training"}}
	r := NewMux(svc, jobs, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "ready" || body.MaxQueueDepth != 4 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.ActiveJob == nil || body.ActiveJob.ID != "j1" {
		t.Fatalf("active job=%+v", body.ActiveJob)
	}
}

func TestReadyz(t *testing.T) {
	r := NewMux(&mockService{ready: true}, nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}

	r = NewMux(&mockService{}, nil, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestGenerate_OK(t *testing.T) {
	svc := &mockService{pred: "面包，鸡蛋"}
	r := NewMux(svc, nil, nil)
	w := postJSON(t, r, "/v1/generate", `{"prompt":"牛奶","max_new_tokens":64,"do_sample":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Prediction != "面包，鸡蛋" {
		t.Fatalf("prediction=%q", body.Prediction)
	}
	// non-ASCII text is written as is
	if !bytes.Contains(w.Body.Bytes(), []byte("面包")) {
		t.Fatalf("body escaped: %s", w.Body.String())
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.lastReq.Prompt != "牛奶" || svc.lastReq.MaxNewTokens == nil || *svc.lastReq.MaxNewTokens != 64 {
		t.Fatalf("request not forwarded: %+v", svc.lastReq)
	}
	if svc.lastReq.Temperature != nil || svc.lastReq.DoSample == nil || *svc.lastReq.DoSample {
		t.Fatalf("overrides not forwarded: %+v", svc.lastReq)
	}
}

func TestGenerate_RequiresJSONContentType(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerate_InvalidJSON(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	w := postJSON(t, r, "/v1/generate", `{"prompt":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decodeError(t, w); er.Code != http.StatusBadRequest || er.Error != "invalid JSON body" {
		t.Fatalf("error body=%+v", er)
	}
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	r := NewMux(&mockService{pred: "x"}, nil, nil)
	w := postJSON(t, r, "/v1/generate", `{"prompt":"`+strings.Repeat("a", 64)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &manager.ValidationError{Msg: "prompt is required"}, http.StatusBadRequest},
		{"busy", busyErr{}, http.StatusTooManyRequests},
		{"resource", &manager.ResourceError{Op: "infer", Err: errors.New("boom")}, http.StatusInternalServerError},
		{"resource timeout", &manager.ResourceError{Op: "infer", Err: context.DeadlineExceeded}, http.StatusInternalServerError},
		{"not initialized", manager.ErrNotInitialized, http.StatusInternalServerError},
		{"dependency", manager.ErrDependencyUnavailable("no runtime"), http.StatusServiceUnavailable},
		{"custom", mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewMux(&mockService{genErr: tc.err}, nil, nil)
			w := postJSON(t, r, "/v1/generate", `{"prompt":"x"}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
			er := decodeError(t, w)
			if er.Code != tc.want || er.Error != tc.err.Error() {
				t.Fatalf("error body=%+v", er)
			}
		})
	}
}

func TestGenerate_Timeout(t *testing.T) {
	SetGenerateTimeout(20 * time.Millisecond)
	defer SetGenerateTimeout(0)
	r := NewMux(&mockService{block: true}, nil, nil)
	w := postJSON(t, r, "/v1/generate", `{"prompt":"x"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerate_ShutdownCancels(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(context.Background())
	r := NewMux(&mockService{block: true}, nil, nil)
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postJSON(t, r, "/v1/generate", `{"prompt":"x"}`) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case w := <-done:
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status=%d", w.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after shutdown")
	}
}

func TestGenerate_ClientGoneWritesNothing(t *testing.T) {
	r := NewMux(&mockService{block: true}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	r.ServeHTTP(w, req)
	if w.Body.Len() != 0 {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestJobsHandlers(t *testing.T) {
	jobs := &mockRetrainer{jobs: []types.TrainingJob{{ID: "b", Status: "training"}, {ID: "a", Status: "succeeded"}}}
	r := NewMux(&mockService{}, jobs, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/retrain/jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var list types.JobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(list.Jobs) != 2 || list.Jobs[0].ID != "b" {
		t.Fatalf("jobs=%+v", list.Jobs)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/retrain/jobs/a", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var j types.TrainingJob
	if err := json.Unmarshal(w.Body.Bytes(), &j); err != nil {
		t.Fatalf("json: %v", err)
	}
	if j.Status != "succeeded" {
		t.Fatalf("job=%+v", j)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/retrain/jobs/zzz", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestJobsHandlers_NoRetrainer(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/retrain/jobs", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"jobs":[]}` {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestAdaptersHandler(t *testing.T) {
	lister := func() ([]types.Adapter, error) {
		return []types.Adapter{{Path: "/runs/a/final_checkpoint", Active: true}}, nil
	}
	r := NewMux(&mockService{}, nil, lister)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/adapters", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.AdaptersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Adapters) != 1 || !body.Adapters[0].Active {
		t.Fatalf("adapters=%+v", body.Adapters)
	}

	failing := func() ([]types.Adapter, error) { return nil, errors.New("disk gone") }
	r = NewMux(&mockService{}, nil, failing)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/adapters", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	SetCORSOptions(true, []string{"*"})
	defer SetCORSOptions(false, nil)
	r := NewMux(&mockService{}, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/generate", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("credentials must not be allowed with a wildcard origin, got %q", got)
	}
}

func TestCORS_DisabledByDefault(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	r := NewMux(&mockService{}, nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	_, _ = io.Copy(io.Discard, w.Body)
}
