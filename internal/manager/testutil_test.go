package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loraserve/internal/audit"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// adapterDir creates an empty adapter directory named name under a temp dir.
func adapterDir(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return p
}

var errSessionClosed = errors.New("session closed")

// fakeRuntime is an in-memory InferenceAdapter. By default a session answers
// "<think>...</think> <adapter>|<prompt>".
type fakeRuntime struct {
	mu       sync.Mutex
	loadErr  error
	loads    []LoadSpec
	sessions []*fakeSession
	// loadGate, when set, blocks Load until it is closed.
	loadGate chan struct{}
	// gen overrides Generate.
	gen func(ctx context.Context, s *fakeSession, prompt string, p InferParams) (FinalResult, error)
}

func (f *fakeRuntime) Load(ctx context.Context, spec LoadSpec) (InferSession, error) {
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, spec)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	s := &fakeSession{rt: f, adapter: spec.AdapterPath}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeRuntime) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeRuntime) setLoadErr(err error) {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
}

type fakeSession struct {
	rt      *fakeRuntime
	adapter string
	closed  atomic.Bool
	params  atomic.Value // InferParams
}

func (s *fakeSession) Generate(ctx context.Context, prompt string, p InferParams) (FinalResult, error) {
	if s.closed.Load() {
		return FinalResult{}, errSessionClosed
	}
	s.params.Store(p)
	if s.rt.gen != nil {
		return s.rt.gen(ctx, s, prompt, p)
	}
	return FinalResult{Content: "<think>\nreasoning\n</think> " + s.adapter + "|" + prompt, FinishReason: "stop"}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// recordingAudit collects appended records.
type recordingAudit struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recordingAudit) Append(rec audit.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recordingAudit) records() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.recs...)
}

func alwaysGPU() bool { return true }
func neverGPU() bool  { return false }

// newLoaded builds a Manager over rt with an initial adapter and loads it.
func newLoaded(t *testing.T, rt *fakeRuntime, cfg ManagerConfig) (*Manager, string) {
	t.Helper()
	if cfg.AdapterPath == "" {
		cfg.AdapterPath = adapterDir(t, "initial")
	}
	if cfg.BaseModel == "" {
		cfg.BaseModel = "Qwen/Qwen3-0.6B"
	}
	if cfg.DeviceProbe == nil {
		cfg.DeviceProbe = neverGPU
	}
	cfg.Runtime = rt
	m := NewWithConfig(cfg)
	if err := m.Load(testCtx(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, cfg.AdapterPath
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
