package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hearth/internal/tracing"
)

func validConfig() Config {
	c := Default()
	c.Worker.Command = "python3"
	c.Worker.WorkDir = "/opt/agent"
	return c
}

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, 45*time.Second, c.Worker.StartupTimeout)
	assert.Equal(t, 5*time.Second, c.Worker.GracePeriod)
	assert.Equal(t, 50, c.Worker.StderrTail)
	assert.Equal(t, 30*time.Minute, c.Session.IdleTimeout)
	assert.Equal(t, 10*time.Minute, c.Dispatch.ExecuteTimeout)
	assert.True(t, c.Watch.Enabled)
	assert.False(t, c.Tracing.Enabled)
}

func TestValidate_Valid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_MissingCommand(t *testing.T) {
	c := validConfig()
	c.Worker.Command = ""
	require.ErrorContains(t, c.Validate(), "worker.command")
}

func TestValidate_MissingWorkDir(t *testing.T) {
	c := validConfig()
	c.Worker.WorkDir = ""
	require.ErrorContains(t, c.Validate(), "worker.work_dir")
}

func TestValidate_NegativeValues(t *testing.T) {
	c := validConfig()
	c.Session.MaxSessions = -1
	require.ErrorContains(t, c.Validate(), "max_sessions")

	c = validConfig()
	c.Session.IdleTimeout = -time.Minute
	require.ErrorContains(t, c.Validate(), "idle_timeout")
}

func TestValidate_RelativeRuntimePath(t *testing.T) {
	c := validConfig()
	c.Worker.RuntimePath = "relative/agent.py"
	require.ErrorContains(t, c.Validate(), "runtime_path")

	c.Worker.RuntimePath = "/abs/agent.py"
	require.NoError(t, c.Validate())

	// Relative path is fine when watching is off.
	c.Worker.RuntimePath = "relative/agent.py"
	c.Watch.Enabled = false
	require.NoError(t, c.Validate())
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(tracing.Config{SampleRate: 0.5, Exporter: "stdout"}))

	err := ValidateTracing(tracing.Config{SampleRate: 1.5})
	require.ErrorContains(t, err, "sample_rate")

	err = ValidateTracing(tracing.Config{Exporter: "jaeger"})
	require.ErrorContains(t, err, "exporter")

	err = ValidateTracing(tracing.Config{Enabled: true, Exporter: "file"})
	require.ErrorContains(t, err, "file_path")

	err = ValidateTracing(tracing.Config{Enabled: true, Exporter: "otlp"})
	require.ErrorContains(t, err, "otlp_endpoint")
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	// The written file loads back through viper into a valid Config.
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var c Config
	require.NoError(t, v.Unmarshal(&c))
	assert.Equal(t, "python3", c.Worker.Command)
	assert.Equal(t, 45*time.Second, c.Worker.StartupTimeout)
	assert.Equal(t, 30*time.Minute, c.Session.IdleTimeout)
	require.NoError(t, c.Validate())
}

func TestWriteDefaultConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: {}\n"), 0644))

	err := WriteDefaultConfig(path)
	require.ErrorContains(t, err, "already exists")
}

func TestWriteDefaultConfig_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "hearth.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
