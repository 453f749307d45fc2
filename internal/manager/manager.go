package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loraserve/pkg/types"
)

// State is the lifecycle state of the model resource.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateSwapping State = "swapping"
	StateError    State = "error"
)

// Manager is the inference gateway: it owns the Resource and the inference
// lock. At most one generation or adapter install holds the lock at a time.
type Manager struct {
	res      *Resource
	defaults GenerationDefaults

	// genCh is the single in-flight slot; queueCh bounds the waiters.
	genCh   chan struct{}
	queueCh chan struct{}
	maxWait time.Duration

	audit     AuditSink
	publisher EventPublisher
	log       zerolog.Logger

	mu        sync.RWMutex
	state     State
	lastErr   string
	swaps     uint64
	lastSwap  time.Time
	startTime time.Time
}

// New builds a Manager for baseModel with the given runtime and initial
// adapter, using package defaults for everything else.
func New(runtime InferenceAdapter, baseModel, adapterPath, device string) *Manager {
	return NewWithConfig(ManagerConfig{
		Runtime:     runtime,
		BaseModel:   baseModel,
		AdapterPath: adapterPath,
		Device:      device,
	})
}

// SetEventPublisher replaces the publisher. Call before serving traffic.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

// Load loads the base model and initial adapter. A failure here is fatal for
// the daemon: there is nothing to serve without it.
func (m *Manager) Load(ctx context.Context) error {
	m.setState(StateLoading, "")
	m.publish(Event{Name: "load_start", Adapter: m.res.AdapterPath()})
	start := time.Now()
	if err := m.res.Load(ctx); err != nil {
		m.setState(StateError, err.Error())
		m.publish(Event{Name: "load_error", Adapter: m.res.AdapterPath(), Fields: map[string]any{"error": err.Error()}})
		return err
	}
	m.setState(StateReady, "")
	m.publish(Event{Name: "load_done", Adapter: m.res.AdapterPath(), Fields: map[string]any{
		"device":      m.res.Device(),
		"duration_ms": time.Since(start).Milliseconds(),
	}})
	m.log.Info().Str("model", m.res.BaseModel()).Str("adapter", m.res.AdapterPath()).Str("device", m.res.Device()).Msg("model ready")
	return nil
}

// Ready reports whether the model can serve generations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	return (st == StateReady || st == StateSwapping) && m.res.Loaded()
}

// AdapterPath returns the adapter currently serving generations.
func (m *Manager) AdapterPath() string { return m.res.AdapterPath() }

// Health is the /health payload. It reports "ok" whenever the process is up,
// including before the model finished loading.
func (m *Manager) Health() types.HealthResponse {
	return types.HealthResponse{
		Status:  "ok",
		Device:  m.res.Device(),
		Model:   m.res.BaseModel(),
		Adapter: m.res.AdapterPath(),
	}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:          string(m.state),
		Model:          m.res.BaseModel(),
		Adapter:        m.res.AdapterPath(),
		Device:         m.res.Device(),
		QueueLen:       len(m.queueCh),
		Inflight:       len(m.genCh),
		MaxQueueDepth:  cap(m.queueCh),
		SwapsTotal:     m.swaps,
		LastError:      m.lastErr,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if !m.lastSwap.IsZero() {
		resp.LastSwapUnix = m.lastSwap.Unix()
	}
	return resp
}

func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	m.state = s
	if errMsg != "" {
		m.lastErr = errMsg
	}
	m.mu.Unlock()
}

func (m *Manager) publish(e Event) {
	defer func() { _ = recover() }()
	m.publisher.Publish(e)
}
