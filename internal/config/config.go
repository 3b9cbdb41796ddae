// Package config provides configuration types, defaults, and persistence
// for hearth.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/hearth/internal/tracing"
)

// Config holds all configuration options for hearth.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Session  SessionConfig  `mapstructure:"session"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	Watch    WatchConfig    `mapstructure:"watch"`
	LogDir   string         `mapstructure:"log_dir"`
}

// WorkerConfig describes how worker processes are launched.
type WorkerConfig struct {
	// Command is the worker executable. Required.
	Command string `mapstructure:"command"`

	// Args are passed to the command verbatim.
	Args []string `mapstructure:"args"`

	// WorkDir is the working directory workers run in. Required.
	WorkDir string `mapstructure:"work_dir"`

	// RuntimePath is the runtime file or directory the watcher monitors
	// for changes. Empty disables runtime watching regardless of
	// watch.enabled.
	RuntimePath string `mapstructure:"runtime_path"`

	// Env entries are appended to the worker's environment, KEY=VALUE.
	Env []string `mapstructure:"env"`

	// StartupTimeout bounds the wait for the worker's ready signal.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`

	// GracePeriod is how long a worker gets to exit after SIGINT before
	// it is killed.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// StderrTail is how many recent stderr lines are kept per worker
	// for crash reports.
	StderrTail int `mapstructure:"stderr_tail"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	// IdleTimeout evicts sessions quiet for this long. Zero disables
	// idle eviction.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SweepInterval is how often idle sessions are checked.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// MaxSessions caps concurrent warm workers. Zero means unlimited.
	MaxSessions int `mapstructure:"max_sessions"`
}

// DispatchConfig controls per-mode request deadlines and caching.
type DispatchConfig struct {
	ClassifyTimeout  time.Duration `mapstructure:"classify_timeout"`
	PlanTimeout      time.Duration `mapstructure:"plan_timeout"`
	ExecuteTimeout   time.Duration `mapstructure:"execute_timeout"`
	ClassifyCacheTTL time.Duration `mapstructure:"classify_cache_ttl"`

	// DisableClassifyCache forces every classify through the worker.
	DisableClassifyCache bool `mapstructure:"disable_classify_cache"`
}

// WatchConfig controls runtime change detection.
type WatchConfig struct {
	// Enabled turns runtime watching on. Requires worker.runtime_path.
	Enabled bool `mapstructure:"enabled"`

	// Debounce coalesces bursts of file events into one eviction.
	Debounce time.Duration `mapstructure:"debounce"`
}

// Default returns the baseline configuration. Worker.Command and
// Worker.WorkDir have no useful defaults and must come from the user.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			StartupTimeout: 45 * time.Second,
			GracePeriod:    5 * time.Second,
			StderrTail:     50,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			ClassifyTimeout:  30 * time.Second,
			PlanTimeout:      45 * time.Second,
			ExecuteTimeout:   10 * time.Minute,
			ClassifyCacheTTL: 5 * time.Minute,
		},
		Tracing: tracing.DefaultConfig(),
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: time.Second,
		},
		LogDir: DefaultLogDir(),
	}
}

// DefaultLogDir returns ~/.config/hearth/logs, or empty string if the
// home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hearth", "logs")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hearth", "traces", "traces.jsonl")
}

// Validate checks the configuration for errors. Empty optional values
// fall back to defaults elsewhere; this only rejects contradictions.
func (c Config) Validate() error {
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Worker.WorkDir == "" {
		return fmt.Errorf("worker.work_dir is required")
	}
	if c.Worker.StartupTimeout < 0 {
		return fmt.Errorf("worker.startup_timeout must not be negative, got %v", c.Worker.StartupTimeout)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative, got %d", c.Session.MaxSessions)
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative, got %v", c.Session.IdleTimeout)
	}
	if c.Watch.Enabled && c.Worker.RuntimePath != "" && !filepath.IsAbs(c.Worker.RuntimePath) {
		return fmt.Errorf("worker.runtime_path must be an absolute path, got %q", c.Worker.RuntimePath)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}
