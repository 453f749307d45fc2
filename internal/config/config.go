package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror the values the service has always shipped with.
const (
	DefaultBaseModel          = "Qwen/Qwen3-0.6B"
	DefaultAdapterPath        = "qwen3-0.6B-lora-products/checkpoint-step-5000"
	DefaultPointerFile        = "latest_adapter_path.txt"
	DefaultLogFile            = "model_logs.json"
	DefaultTrainingOutputDir  = "./qwen3-retrained-products"
	DefaultTempDir            = "temp_data"
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8000
	DefaultMaxNewTokens       = 384
	DefaultTemperature        = 0.7
	DefaultTopP               = 0.9
	DefaultTrainEpochs        = 3
	DefaultMaxQueueDepth      = 32
	DefaultMaxUploadBytes     = 64 << 20
	DefaultRuntimeTimeoutSec  = 300
	DefaultJanitorSchedule    = "@every 1h"
	DefaultJanitorMaxAgeHours = 24
	DefaultAuditMaxSizeMB     = 100
	DefaultAuditMaxBackups    = 3
)

// envPrefix namespaces every environment variable read by ApplyEnv.
const envPrefix = "LORASERVE_"

// Config holds runtime parameters for the service.
// It is read once at start; the adapter in effect afterwards is tracked by the
// model resource, not here.
type Config struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`

	BaseModel string `json:"base_model" yaml:"base_model" toml:"base_model"`
	// AdapterPath pins the initial adapter. Empty means: recover it from the
	// pointer file, else DefaultAdapter.
	AdapterPath    string `json:"adapter_path" yaml:"adapter_path" toml:"adapter_path"`
	DefaultAdapter string `json:"default_adapter_path" yaml:"default_adapter_path" toml:"default_adapter_path"`
	PointerFile    string `json:"pointer_file" yaml:"pointer_file" toml:"pointer_file"`
	Device         string `json:"device" yaml:"device" toml:"device"`

	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens"`
	Temperature  float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP         float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	DoSample     bool    `json:"do_sample" yaml:"do_sample" toml:"do_sample"`

	EnableLogging bool   `json:"enable_logging" yaml:"enable_logging" toml:"enable_logging"`
	LogFile       string `json:"log_file" yaml:"log_file" toml:"log_file"`
	// Audit file rotation; MaxBackups 0 keeps every rotated file.
	AuditMaxSizeMB  int `json:"audit_max_size_mb" yaml:"audit_max_size_mb" toml:"audit_max_size_mb"`
	AuditMaxBackups int `json:"audit_max_backups" yaml:"audit_max_backups" toml:"audit_max_backups"`

	TrainingOutputDir string   `json:"training_output_dir" yaml:"training_output_dir" toml:"training_output_dir"`
	TempDir           string   `json:"temp_dir" yaml:"temp_dir" toml:"temp_dir"`
	TrainCommand      string   `json:"train_command" yaml:"train_command" toml:"train_command"`
	TrainArgs         []string `json:"train_args" yaml:"train_args" toml:"train_args"`
	TrainEpochs       int      `json:"train_epochs" yaml:"train_epochs" toml:"train_epochs"`
	MaxUploadBytes    int64    `json:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes"`

	RuntimeURL        string `json:"runtime_url" yaml:"runtime_url" toml:"runtime_url"`
	RuntimeTimeoutSec int    `json:"runtime_timeout_sec" yaml:"runtime_timeout_sec" toml:"runtime_timeout_sec"`

	MaxQueueDepth int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	// MaxWaitMS bounds how long a generate request waits for the inference
	// lock. Zero waits until the client goes away.
	MaxWaitMS int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	JanitorSchedule    string `json:"janitor_schedule" yaml:"janitor_schedule" toml:"janitor_schedule"`
	JanitorMaxAgeHours int    `json:"janitor_max_age_hours" yaml:"janitor_max_age_hours" toml:"janitor_max_age_hours"`
}

// Default returns a Config populated with the shipped defaults.
func Default() Config {
	return Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		BaseModel:          DefaultBaseModel,
		DefaultAdapter:     DefaultAdapterPath,
		PointerFile:        DefaultPointerFile,
		Device:             "auto",
		MaxNewTokens:       DefaultMaxNewTokens,
		Temperature:        DefaultTemperature,
		TopP:               DefaultTopP,
		DoSample:           true,
		EnableLogging:      true,
		LogFile:            DefaultLogFile,
		AuditMaxSizeMB:     DefaultAuditMaxSizeMB,
		AuditMaxBackups:    DefaultAuditMaxBackups,
		TrainingOutputDir:  DefaultTrainingOutputDir,
		TempDir:            DefaultTempDir,
		TrainEpochs:        DefaultTrainEpochs,
		MaxUploadBytes:     DefaultMaxUploadBytes,
		RuntimeTimeoutSec:  DefaultRuntimeTimeoutSec,
		MaxQueueDepth:      DefaultMaxQueueDepth,
		CORSEnabled:        true,
		CORSOrigins:        []string{"*"},
		LogLevel:           "info",
		LogFormat:          "console",
		JanitorSchedule:    DefaultJanitorSchedule,
		JanitorMaxAgeHours: DefaultJanitorMaxAgeHours,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MaxWait returns MaxWaitMS as a duration.
func (c Config) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMS) * time.Millisecond
}

// RuntimeTimeout returns RuntimeTimeoutSec as a duration.
func (c Config) RuntimeTimeout() time.Duration {
	return time.Duration(c.RuntimeTimeoutSec) * time.Second
}

// JanitorMaxAge returns JanitorMaxAgeHours as a duration.
func (c Config) JanitorMaxAge() time.Duration {
	return time.Duration(c.JanitorMaxAgeHours) * time.Hour
}

// Validate checks ranges of values that cannot be corrected later.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseModel) == "" {
		return fmt.Errorf("base_model is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("max_new_tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.Temperature <= 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in (0, 2], got %v", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", c.TopP)
	}
	if c.TrainEpochs <= 0 {
		return fmt.Errorf("train_epochs must be positive, got %d", c.TrainEpochs)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxWaitMS < 0 {
		return fmt.Errorf("max_wait_ms must not be negative, got %d", c.MaxWaitMS)
	}
	if c.EnableLogging && strings.TrimSpace(c.LogFile) == "" {
		return fmt.Errorf("log_file is required when enable_logging is set")
	}
	if c.AuditMaxSizeMB < 0 || c.AuditMaxBackups < 0 {
		return fmt.Errorf("audit rotation limits must not be negative")
	}
	if strings.TrimSpace(c.TrainingOutputDir) == "" {
		return fmt.Errorf("training_output_dir is required")
	}
	if c.JanitorSchedule != "" && c.JanitorMaxAgeHours <= 0 {
		return fmt.Errorf("janitor_max_age_hours must be positive when janitor_schedule is set, got %d", c.JanitorMaxAgeHours)
	}
	return nil
}
