package manager

import (
	"time"

	"github.com/rs/zerolog"

	"loraserve/internal/audit"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxNewTokens  = 384
	defaultTemperature   = 0.7
	defaultTopP          = 0.9
)

// AuditSink receives one record per successful generation.
type AuditSink interface {
	Append(audit.Record)
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	BaseModel   string
	AdapterPath string
	// Device selector: auto, cpu, cuda or cuda:N.
	Device string
	// Runtime that loads sessions; nil installs UnavailableAdapter.
	Runtime InferenceAdapter
	// DeviceProbe overrides accelerator detection (tests).
	DeviceProbe DeviceProbe

	Defaults GenerationDefaults

	MaxQueueDepth int
	// MaxWait bounds how long Generate waits for the inference lock.
	// Zero waits until the caller's context ends.
	MaxWait time.Duration

	Audit     AuditSink
	Publisher EventPublisher
	Logger    *zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig. Nothing is loaded
// until Load is called.
func NewWithConfig(cfg ManagerConfig) *Manager {
	res := NewResource(cfg.Runtime, LoadSpec{BaseModel: cfg.BaseModel, AdapterPath: cfg.AdapterPath, Device: cfg.Device})
	res.SetDeviceProbe(cfg.DeviceProbe)

	depth := cfg.MaxQueueDepth
	if depth <= 0 {
		depth = defaultMaxQueueDepth
	}
	d := cfg.Defaults
	if d.MaxNewTokens <= 0 {
		d.MaxNewTokens = defaultMaxNewTokens
	}
	if d.Temperature <= 0 {
		d.Temperature = defaultTemperature
	}
	if d.TopP <= 0 {
		d.TopP = defaultTopP
	}
	m := &Manager{
		res:       res,
		defaults:  d,
		genCh:     make(chan struct{}, 1),
		queueCh:   make(chan struct{}, depth),
		maxWait:   cfg.MaxWait,
		audit:     cfg.Audit,
		publisher: cfg.Publisher,
		state:     StateUnloaded,
		startTime: time.Now(),
	}
	if m.maxWait < 0 {
		m.maxWait = 0
	}
	if m.audit == nil {
		m.audit = discardAudit{}
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		m.log = *cfg.Logger
	} else {
		m.log = zerolog.Nop()
	}
	return m
}

type discardAudit struct{}

func (discardAudit) Append(audit.Record) {}
