package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with yaml tags for writing config files.
// Durations are written as strings ("45s") so the file stays readable.
type fileConfig struct {
	Worker struct {
		Command        string   `yaml:"command"`
		Args           []string `yaml:"args,omitempty"`
		WorkDir        string   `yaml:"work_dir"`
		RuntimePath    string   `yaml:"runtime_path,omitempty"`
		StartupTimeout string   `yaml:"startup_timeout"`
		GracePeriod    string   `yaml:"grace_period"`
		StderrTail     int      `yaml:"stderr_tail"`
	} `yaml:"worker"`
	Session struct {
		IdleTimeout   string `yaml:"idle_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
		MaxSessions   int    `yaml:"max_sessions"`
	} `yaml:"session"`
	Dispatch struct {
		ClassifyTimeout  string `yaml:"classify_timeout"`
		PlanTimeout      string `yaml:"plan_timeout"`
		ExecuteTimeout   string `yaml:"execute_timeout"`
		ClassifyCacheTTL string `yaml:"classify_cache_ttl"`
	} `yaml:"dispatch"`
	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
		FilePath string `yaml:"file_path,omitempty"`
	} `yaml:"tracing"`
	Watch struct {
		Enabled  bool   `yaml:"enabled"`
		Debounce string `yaml:"debounce"`
	} `yaml:"watch"`
}

// WriteDefaultConfig writes a starter config file at path. It refuses
// to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	def := Default()
	var fc fileConfig
	fc.Worker.Command = "python3"
	fc.Worker.Args = []string{"agent.py", "--persistent"}
	fc.Worker.WorkDir = "/opt/agent"
	fc.Worker.StartupTimeout = def.Worker.StartupTimeout.String()
	fc.Worker.GracePeriod = def.Worker.GracePeriod.String()
	fc.Worker.StderrTail = def.Worker.StderrTail
	fc.Session.IdleTimeout = def.Session.IdleTimeout.String()
	fc.Session.SweepInterval = def.Session.SweepInterval.String()
	fc.Session.MaxSessions = def.Session.MaxSessions
	fc.Dispatch.ClassifyTimeout = def.Dispatch.ClassifyTimeout.String()
	fc.Dispatch.PlanTimeout = def.Dispatch.PlanTimeout.String()
	fc.Dispatch.ExecuteTimeout = def.Dispatch.ExecuteTimeout.String()
	fc.Dispatch.ClassifyCacheTTL = def.Dispatch.ClassifyCacheTTL.String()
	fc.Tracing.Enabled = def.Tracing.Enabled
	fc.Tracing.Exporter = def.Tracing.Exporter
	fc.Tracing.FilePath = DefaultTracesFilePath()
	fc.Watch.Enabled = def.Watch.Enabled
	fc.Watch.Debounce = def.Watch.Debounce.String()

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&fc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes data to path via a temp file and rename, so a
// crash mid-write never leaves a truncated config behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".hearth.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
