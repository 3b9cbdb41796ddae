// Package cmd implements the hearth command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/hearth/internal/config"
	"github.com/zjrosen/hearth/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Keep agent workers warm and multiplex requests over them",
	Long: `Hearth manages one long-lived agent worker process per session key,
multiplexing classify, plan, and execute requests over each worker's
stdin/stdout so repeated requests skip process startup entirely.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/hearth/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	defaults := config.Default()
	viper.SetDefault("worker.startup_timeout", defaults.Worker.StartupTimeout)
	viper.SetDefault("worker.grace_period", defaults.Worker.GracePeriod)
	viper.SetDefault("worker.stderr_tail", defaults.Worker.StderrTail)
	viper.SetDefault("session.idle_timeout", defaults.Session.IdleTimeout)
	viper.SetDefault("session.sweep_interval", defaults.Session.SweepInterval)
	viper.SetDefault("dispatch.classify_timeout", defaults.Dispatch.ClassifyTimeout)
	viper.SetDefault("dispatch.plan_timeout", defaults.Dispatch.PlanTimeout)
	viper.SetDefault("dispatch.execute_timeout", defaults.Dispatch.ExecuteTimeout)
	viper.SetDefault("dispatch.classify_cache_ttl", defaults.Dispatch.ClassifyCacheTTL)
	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.debounce", defaults.Watch.Debounce)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("log_dir", defaults.LogDir)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .hearth/config.yaml (current directory)
		// 2. ~/.config/hearth/config.yaml (user config)
		if _, err := os.Stat(".hearth/config.yaml"); err == nil {
			viper.SetConfigFile(".hearth/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "hearth"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".hearth/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging starts the file logger and returns its cleanup. Logging
// failures are not fatal; the process just runs without a log file.
func initLogging() func() {
	dir := cfg.LogDir
	if dir == "" {
		dir = config.DefaultLogDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	cleanup, err := log.Init(filepath.Join(dir, "hearth.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	if !debug && os.Getenv("HEARTH_DEBUG") == "" {
		log.SetMinLevel(log.LevelInfo)
	}
	return cleanup
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
