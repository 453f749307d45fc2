package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml. Keys absent from the file keep the
// values from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays LORASERVE_* environment variables onto c.
// Malformed numbers are reported rather than silently ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = SplitCSV(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = ParseBool(v)
		}
	}
	var firstErr error
	integer := func(name string, dst *int) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid integer for %s%s: %q", envPrefix, name, v)
			}
			return
		}
		*dst = n
	}
	float := func(name string, dst *float64) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid float for %s%s: %q", envPrefix, name, v)
			}
			return
		}
		*dst = f
	}

	str("HOST", &c.Host)
	integer("PORT", &c.Port)
	str("BASE_MODEL", &c.BaseModel)
	str("ADAPTER_PATH", &c.AdapterPath)
	str("DEFAULT_ADAPTER_PATH", &c.DefaultAdapter)
	str("POINTER_FILE", &c.PointerFile)
	str("DEVICE", &c.Device)
	integer("MAX_NEW_TOKENS", &c.MaxNewTokens)
	float("TEMPERATURE", &c.Temperature)
	float("TOP_P", &c.TopP)
	boolean("DO_SAMPLE", &c.DoSample)
	boolean("ENABLE_LOGGING", &c.EnableLogging)
	str("LOG_FILE", &c.LogFile)
	integer("AUDIT_MAX_SIZE_MB", &c.AuditMaxSizeMB)
	integer("AUDIT_MAX_BACKUPS", &c.AuditMaxBackups)
	str("TRAINING_OUTPUT_DIR", &c.TrainingOutputDir)
	str("TEMP_DIR", &c.TempDir)
	str("TRAIN_COMMAND", &c.TrainCommand)
	list("TRAIN_ARGS", &c.TrainArgs)
	integer("TRAIN_EPOCHS", &c.TrainEpochs)
	if v, ok := lookup(envPrefix + "MAX_UPLOAD_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid integer for %sMAX_UPLOAD_BYTES: %q", envPrefix, v)
		} else if err == nil {
			c.MaxUploadBytes = n
		}
	}
	str("RUNTIME_URL", &c.RuntimeURL)
	integer("RUNTIME_TIMEOUT_SEC", &c.RuntimeTimeoutSec)
	integer("MAX_QUEUE_DEPTH", &c.MaxQueueDepth)
	integer("MAX_WAIT_MS", &c.MaxWaitMS)
	boolean("CORS_ENABLED", &c.CORSEnabled)
	list("CORS_ORIGINS", &c.CORSOrigins)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("JANITOR_SCHEDULE", &c.JanitorSchedule)
	integer("JANITOR_MAX_AGE_HOURS", &c.JanitorMaxAgeHours)
	return firstErr
}

// ParseBool accepts 1/true/yes/y/on (any case) as true; everything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// SplitCSV splits a comma separated list, trimming blanks and dropping empties.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
