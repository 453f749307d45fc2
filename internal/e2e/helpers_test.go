package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"loraserve/internal/audit"
	"loraserve/internal/httpapi"
	"loraserve/internal/manager"
	"loraserve/internal/registry"
	"loraserve/internal/training"
	"loraserve/pkg/types"
)

// fakeWorker implements the model worker protocol. Generated text names the
// adapter of the session so tests can tell which adapter served a request.
type fakeWorker struct {
	mu       sync.Mutex
	sessions map[string]string
	closed   []string
	next     int

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func newFakeWorker(t *testing.T) (*fakeWorker, *httptest.Server) {
	t.Helper()
	w := &fakeWorker{sessions: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", w.load)
	mux.HandleFunc("POST /v1/sessions/{id}/generate", w.generate)
	mux.HandleFunc("DELETE /v1/sessions/{id}", w.close)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return w, srv
}

func (w *fakeWorker) load(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		AdapterPath string `json:"adapter_path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.mu.Lock()
	w.next++
	id := fmt.Sprintf("s%d", w.next)
	w.sessions[id] = req.AdapterPath
	w.mu.Unlock()
	_ = json.NewEncoder(rw).Encode(map[string]string{"session_id": id})
}

func (w *fakeWorker) generate(rw http.ResponseWriter, r *http.Request) {
	n := w.active.Add(1)
	defer w.active.Add(-1)
	for {
		m := w.maxActive.Load()
		if n <= m || w.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.mu.Lock()
	adapter, ok := w.sessions[r.PathValue("id")]
	w.mu.Unlock()
	if !ok {
		http.Error(rw, "unknown session", http.StatusNotFound)
		return
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	text := "<think>\n</think>\n" + req.Prompt + "→" + filepath.Base(filepath.Dir(adapter)) + "/" + filepath.Base(adapter)
	_ = json.NewEncoder(rw).Encode(map[string]any{"text": text, "finish_reason": "stop"})
}

func (w *fakeWorker) close(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := w.sessions[id]; !ok {
		http.Error(rw, "unknown session", http.StatusNotFound)
		return
	}
	delete(w.sessions, id)
	w.closed = append(w.closed, id)
	rw.WriteHeader(http.StatusNoContent)
}

func (w *fakeWorker) openSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// stack is a fully wired service behind an httptest server.
type stack struct {
	srv      *httptest.Server
	mgr      *manager.Manager
	orch     *training.Orchestrator
	audit    *audit.Log
	worker   *fakeWorker
	pointer  *registry.Pointer
	dir      string
	gate     chan struct{}
	once     sync.Once
	auditLog string
}

type stackOpts struct {
	queueDepth int
	gated      bool
	trainErr   error
}

func newStack(t *testing.T, o stackOpts) *stack {
	t.Helper()
	dir := t.TempDir()
	initial := filepath.Join(dir, "base", "checkpoint-step-5000")
	if err := os.MkdirAll(initial, 0o755); err != nil {
		t.Fatal(err)
	}
	worker, wsrv := newFakeWorker(t)
	s := &stack{worker: worker, dir: dir, auditLog: filepath.Join(dir, "model_logs.json")}
	s.pointer = registry.NewPointer(filepath.Join(dir, "latest_adapter_path.txt"))
	s.audit = audit.New(audit.Options{Enabled: true, Path: s.auditLog})
	s.mgr = manager.NewWithConfig(manager.ManagerConfig{
		BaseModel:     "Qwen/Qwen3-0.6B",
		AdapterPath:   initial,
		Device:        "cpu",
		Runtime:       manager.NewWorkerAdapter(wsrv.URL, 5*time.Second, time.Second),
		Defaults:      manager.GenerationDefaults{MaxNewTokens: 384, Temperature: 0.7, TopP: 0.9, DoSample: true},
		MaxQueueDepth: o.queueDepth,
		Audit:         s.audit,
	})
	if err := s.mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if o.gated {
		s.gate = make(chan struct{})
	}
	trainer := training.TrainerFunc(func(ctx context.Context, spec training.Spec) (string, error) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if o.trainErr != nil {
			return "", o.trainErr
		}
		out := filepath.Join(spec.OutputDir, "final_checkpoint")
		return out, os.MkdirAll(out, 0o755)
	})
	orch, err := training.New(training.Options{
		BaseModel:  "Qwen/Qwen3-0.6B",
		OutputRoot: filepath.Join(dir, "qwen3-retrained-products"),
		TempDir:    filepath.Join(dir, "temp_data"),
		Trainer:    trainer,
		Swapper:    s.mgr,
		Pointer:    s.pointer,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	s.orch = orch
	lister := func() ([]types.Adapter, error) {
		return registry.ListCheckpoints(filepath.Join(dir, "qwen3-retrained-products"), s.mgr.AdapterPath())
	}
	s.srv = httptest.NewServer(httpapi.NewMux(s.mgr, orch, lister))
	t.Cleanup(func() {
		s.srv.Close()
		if s.gate != nil {
			s.release()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Wait(ctx)
		_ = s.mgr.Close(ctx)
		_ = s.audit.Close()
	})
	return s
}

func (s *stack) release() { s.once.Do(func() { close(s.gate) }) }

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// httpRetrain posts the retrain form; an empty filename sends no file part.
func httpRetrain(t *testing.T, url, retrain, filename, content string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("retrain", retrain)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(fw, content)
	}
	_ = mw.Close()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// waitJob polls the job endpoint until the job is terminal.
func waitJob(t *testing.T, base, id string) types.TrainingJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body := httpGet(t, base+"/v1/retrain/jobs/"+id)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("job %s: %d %s", id, resp.StatusCode, body)
		}
		var j types.TrainingJob
		if err := json.Unmarshal(body, &j); err != nil {
			t.Fatalf("job json: %v", err)
		}
		if j.Status == "succeeded" || j.Status == "failed" {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s", id, j.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
