package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loraserve/pkg/types"
)

func TestLoad_ReadyAndHealth(t *testing.T) {
	rt := &fakeRuntime{}
	m, adapter := newLoaded(t, rt, ManagerConfig{})
	if !m.Ready() {
		t.Fatalf("expected ready after Load")
	}
	h := m.Health()
	if h.Status != "ok" || h.Device != "cpu" || h.Model != "Qwen/Qwen3-0.6B" || h.Adapter != adapter {
		t.Fatalf("unexpected health: %+v", h)
	}
	if got := m.Status().State; got != string(StateReady) {
		t.Fatalf("state=%s", got)
	}
	// second Load is a no-op
	if err := m.Load(testCtx(t)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rt.loadCount() != 1 {
		t.Fatalf("expected a single runtime load, got %d", rt.loadCount())
	}
}

func TestLoad_PassesResolvedDevice(t *testing.T) {
	rt := &fakeRuntime{}
	_, _ = newLoaded(t, rt, ManagerConfig{Device: "auto", DeviceProbe: alwaysGPU})
	if rt.loads[0].Device != "cuda" {
		t.Fatalf("device=%q want cuda", rt.loads[0].Device)
	}
}

func TestLoad_MissingAdapterIsResourceError(t *testing.T) {
	m := NewWithConfig(ManagerConfig{
		Runtime:     &fakeRuntime{},
		BaseModel:   "m",
		AdapterPath: filepath.Join(t.TempDir(), "nope"),
		DeviceProbe: neverGPU,
	})
	err := m.Load(testCtx(t))
	if !IsResource(err) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if m.Ready() {
		t.Fatalf("must not be ready")
	}
	if st := m.Status(); st.State != string(StateError) || st.LastError == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
	// health still answers
	if m.Health().Status != "ok" {
		t.Fatalf("health must be ok while not loaded")
	}
}

func TestLoad_CUDAWithoutGPU(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Runtime: &fakeRuntime{}, BaseModel: "m", AdapterPath: adapterDir(t, "a"), Device: "cuda", DeviceProbe: neverGPU})
	if err := m.Load(testCtx(t)); !IsResource(err) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestLoad_UnavailableRuntime(t *testing.T) {
	m := NewWithConfig(ManagerConfig{BaseModel: "m", AdapterPath: adapterDir(t, "a"), DeviceProbe: neverGPU})
	err := m.Load(testCtx(t))
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if Kind(err) != KindResource {
		t.Fatalf("kind=%s", Kind(err))
	}
}

func TestGenerate_NotLoaded(t *testing.T) {
	m := New(&fakeRuntime{}, "m", adapterDir(t, "a"), "cpu")
	_, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"})
	if !IsResource(err) || !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized resource error, got %v", err)
	}
}

func TestGenerate_DefaultsCleaningAndAudit(t *testing.T) {
	rt := &fakeRuntime{}
	rec := &recordingAudit{}
	m, adapter := newLoaded(t, rt, ManagerConfig{
		Audit:    rec,
		Defaults: GenerationDefaults{MaxNewTokens: 384, Temperature: 0.7, TopP: 0.9, DoSample: true},
	})
	out, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := adapter + "|hello"; out != want {
		t.Fatalf("prediction=%q want %q", out, want)
	}
	p := rt.sessions[0].params.Load().(InferParams)
	if p != (InferParams{MaxNewTokens: 384, Temperature: 0.7, TopP: 0.9, DoSample: true}) {
		t.Fatalf("params=%+v", p)
	}
	recs := rec.records()
	if len(recs) != 1 {
		t.Fatalf("audit records=%d", len(recs))
	}
	r := recs[0]
	if r.Prompt != "hello" || r.Prediction != out || r.MaxNewTokens != 384 || !r.DoSample || r.Timestamp.IsZero() {
		t.Fatalf("audit record=%+v", r)
	}
}

func TestGenerate_OverridesReachRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	m, _ := newLoaded(t, rt, ManagerConfig{})
	n, temp, top, sample := 16, 1.5, 0.5, false
	if _, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x", MaxNewTokens: &n, Temperature: &temp, TopP: &top, DoSample: &sample}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := rt.sessions[0].params.Load().(InferParams)
	if p != (InferParams{MaxNewTokens: 16, Temperature: 1.5, TopP: 0.5, DoSample: false}) {
		t.Fatalf("params=%+v", p)
	}
}

func TestGenerate_ValidationDoesNotWaitForLock(t *testing.T) {
	m, _ := newLoaded(t, &fakeRuntime{}, ManagerConfig{})
	m.genCh <- struct{}{} // hold the lock
	defer func() { <-m.genCh }()
	done := make(chan error, 1)
	go func() {
		_, err := m.Generate(context.Background(), types.GenerateRequest{})
		done <- err
	}()
	select {
	case err := <-done:
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("validation waited for the inference lock")
	}
}

func TestGenerate_RuntimeFailureIsResourceError(t *testing.T) {
	rt := &fakeRuntime{gen: func(ctx context.Context, s *fakeSession, prompt string, p InferParams) (FinalResult, error) {
		return FinalResult{}, errors.New("cuda oom")
	}}
	rec := &recordingAudit{}
	m, _ := newLoaded(t, rt, ManagerConfig{Audit: rec})
	_, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"})
	if !IsResource(err) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if len(rec.records()) != 0 {
		t.Fatalf("failed generations must not be audited")
	}
	if m.Status().LastError == "" {
		t.Fatalf("last error not recorded")
	}
	// lock released after failure
	if len(m.genCh) != 0 {
		t.Fatalf("inference lock still held")
	}
}

func TestGenerate_SerializedUnderConcurrency(t *testing.T) {
	var active, violations atomic.Int32
	rt := &fakeRuntime{gen: func(ctx context.Context, s *fakeSession, prompt string, p InferParams) (FinalResult, error) {
		if active.Add(1) > 1 {
			violations.Add(1)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return FinalResult{Content: prompt}, nil
	}}
	m, _ := newLoaded(t, rt, ManagerConfig{MaxQueueDepth: 64})
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Generate(context.Background(), types.GenerateRequest{Prompt: "p"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Generate: %v", err)
	}
	if v := violations.Load(); v != 0 {
		t.Fatalf("runtime entered concurrently %d times", v)
	}
}

func TestGenerate_QueueFullIsTooBusy(t *testing.T) {
	m, _ := newLoaded(t, &fakeRuntime{}, ManagerConfig{MaxQueueDepth: 1})
	m.genCh <- struct{}{}
	waiterDone := make(chan error, 1)
	go func() {
		_, err := m.Generate(context.Background(), types.GenerateRequest{Prompt: "first"})
		waiterDone <- err
	}()
	waitFor(t, "waiter queued", func() bool { return m.Status().QueueLen == 1 })

	_, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "second"})
	if !IsTooBusy(err) || Kind(err) != KindBusy {
		t.Fatalf("expected too busy, got %v", err)
	}
	<-m.genCh
	if err := <-waiterDone; err != nil {
		t.Fatalf("queued request failed: %v", err)
	}
}

func TestGenerate_MaxWaitTimeout(t *testing.T) {
	m, _ := newLoaded(t, &fakeRuntime{}, ManagerConfig{MaxWait: 20 * time.Millisecond})
	m.genCh <- struct{}{}
	defer func() { <-m.genCh }()
	_, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"})
	if !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if n := len(m.queueCh); n != 0 {
		t.Fatalf("queue slot leaked: %d", n)
	}
}

func TestGenerate_CancelWhileWaitingLeaksNothing(t *testing.T) {
	m, _ := newLoaded(t, &fakeRuntime{}, ManagerConfig{})
	m.genCh <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Generate(ctx, types.GenerateRequest{Prompt: "x"})
		done <- err
	}()
	waitFor(t, "waiter queued", func() bool { return len(m.queueCh) == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(m.queueCh); n != 0 {
		t.Fatalf("queue slot leaked: %d", n)
	}
	<-m.genCh
	if _, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "after"}); err != nil {
		t.Fatalf("lock unusable after abandoned wait: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	pub := NewMemoryPublisher()
	rt := &fakeRuntime{}
	m, _ := newLoaded(t, rt, ManagerConfig{Publisher: pub})
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !rt.sessions[0].closed.Load() {
		t.Fatalf("session not closed")
	}
	if m.Ready() {
		t.Fatalf("ready after close")
	}
	if _, err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	unloads := 0
	for _, n := range pub.Names() {
		if n == "unload" {
			unloads++
		}
	}
	if unloads != 1 {
		t.Fatalf("unload events=%d, names=%v", unloads, pub.Names())
	}
}

func TestLoad_Events(t *testing.T) {
	pub := NewMemoryPublisher()
	_, _ = newLoaded(t, &fakeRuntime{}, ManagerConfig{Publisher: pub})
	names := pub.Names()
	if len(names) != 2 || names[0] != "load_start" || names[1] != "load_done" {
		t.Fatalf("events=%v", names)
	}
}

type panicPublisher struct{}

func (panicPublisher) Publish(Event) { panic("boom") }

func TestPublish_PanicIsContained(t *testing.T) {
	_, _ = newLoaded(t, &fakeRuntime{}, ManagerConfig{Publisher: panicPublisher{}})
}
