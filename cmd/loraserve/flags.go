package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"loraserve/internal/config"
)

// options holds command-line values. Only flags the user actually set
// override the file and environment.
type options struct {
	configPath string

	host        string
	port        int
	baseModel   string
	adapterPath string
	pointerFile string
	device      string
	runtimeURL  string

	trainCommand string
	trainArgs    []string
	outputDir    string
	tempDir      string

	maxQueueDepth int
	maxWaitMS     int
	genTimeout    time.Duration

	enableLogging bool
	logFile       string

	cors        bool
	corsOrigins []string

	logLevel  string
	logFormat string
}

func newRootCmd(lookup config.LookupFunc) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "loraserve",
		Short:         "Serve a LoRA adapted model and retrain it in the background",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts, lookup)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.genTimeout, log)
		},
	}

	bindFlags(root, opts)
	return root
}

func bindFlags(cmd *cobra.Command, opts *options) {
	def := config.Default()
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml, .json or .toml); LORASERVE_CONFIG if unset")
	f.StringVar(&opts.host, "host", def.Host, "Listen host")
	f.IntVarP(&opts.port, "port", "p", def.Port, "Listen port")
	f.StringVar(&opts.baseModel, "base-model", def.BaseModel, "Base model identifier")
	f.StringVar(&opts.adapterPath, "adapter", "", "Initial adapter; empty resolves the pointer file, then the default adapter")
	f.StringVar(&opts.pointerFile, "pointer-file", def.PointerFile, "File recording the latest trained adapter")
	f.StringVar(&opts.device, "device", def.Device, "Device selector: auto, cpu, cuda or cuda:N")
	f.StringVar(&opts.runtimeURL, "runtime-url", "", "Base URL of the model worker")
	f.StringVar(&opts.trainCommand, "train-command", "", "Fine-tuning executable; empty disables retraining")
	f.StringSliceVar(&opts.trainArgs, "train-arg", nil, "Extra argument for the fine-tuning executable (repeatable)")
	f.StringVar(&opts.outputDir, "output-dir", def.TrainingOutputDir, "Prefix of training run directories")
	f.StringVar(&opts.tempDir, "temp-dir", def.TempDir, "Directory for uploads and training data")
	f.IntVar(&opts.maxQueueDepth, "max-queue-depth", def.MaxQueueDepth, "Generate requests allowed to wait for the model")
	f.IntVar(&opts.maxWaitMS, "max-wait-ms", def.MaxWaitMS, "Longest wait for the model in ms (0 waits for the client)")
	f.DurationVar(&opts.genTimeout, "generate-timeout", 0, "End to end generate timeout (0 disables)")
	f.BoolVar(&opts.enableLogging, "audit", def.EnableLogging, "Append each prediction to the audit log")
	f.StringVar(&opts.logFile, "audit-file", def.LogFile, "Audit log path")
	f.BoolVar(&opts.cors, "cors", def.CORSEnabled, "Enable CORS")
	f.StringSliceVar(&opts.corsOrigins, "cors-origin", def.CORSOrigins, "Allowed CORS origin (repeatable)")
	f.StringVar(&opts.logLevel, "log-level", def.LogLevel, "Log level: debug|info|warn|error")
	f.StringVar(&opts.logFormat, "log-format", def.LogFormat, "Log format: console|json")
}

// resolveConfig applies defaults < file < environment < flags.
func resolveConfig(cmd *cobra.Command, opts *options, lookup config.LookupFunc) (config.Config, error) {
	cfg := config.Default()
	path := opts.configPath
	if path == "" {
		if v, ok := lookup("LORASERVE_CONFIG"); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("host", func() { cfg.Host = opts.host })
	set("port", func() { cfg.Port = opts.port })
	set("base-model", func() { cfg.BaseModel = opts.baseModel })
	set("adapter", func() { cfg.AdapterPath = opts.adapterPath })
	set("pointer-file", func() { cfg.PointerFile = opts.pointerFile })
	set("device", func() { cfg.Device = opts.device })
	set("runtime-url", func() { cfg.RuntimeURL = opts.runtimeURL })
	set("train-command", func() { cfg.TrainCommand = opts.trainCommand })
	set("train-arg", func() { cfg.TrainArgs = opts.trainArgs })
	set("output-dir", func() { cfg.TrainingOutputDir = opts.outputDir })
	set("temp-dir", func() { cfg.TempDir = opts.tempDir })
	set("max-queue-depth", func() { cfg.MaxQueueDepth = opts.maxQueueDepth })
	set("max-wait-ms", func() { cfg.MaxWaitMS = opts.maxWaitMS })
	set("audit", func() { cfg.EnableLogging = opts.enableLogging })
	set("audit-file", func() { cfg.LogFile = opts.logFile })
	set("cors", func() { cfg.CORSEnabled = opts.cors })
	set("cors-origin", func() { cfg.CORSOrigins = opts.corsOrigins })
	set("log-level", func() { cfg.LogLevel = opts.logLevel })
	set("log-format", func() { cfg.LogFormat = opts.logFormat })

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
