package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/flostream/internal/cmd/client"
	"github.com/rzbill/flostream/internal/cmd/pipeline"
	serverrun "github.com/rzbill/flostream/internal/cmd/server"
	cfgpkg "github.com/rzbill/flostream/internal/config"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

func main() {
	// CLI output respects FLO_LOG_LEVEL before any config is loaded
	level, err := logpkg.ParseLevel(os.Getenv("FLO_LOG_LEVEL"))
	if err != nil || os.Getenv("FLO_LOG_LEVEL") == "" {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:          "flostream",
		Short:        "flostream runtime CLI",
		Long:         "flostream runs partitioned logs and watermark-driven stream processors. This CLI manages the server and basic operations.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("FLO_CONFIG"), "Config file (.json, .yaml)")
	rootCmd.PersistentFlags().String("backend", "", "Log backend: memory|pebble|kafka")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the flostream server (HTTP gateway and metrics)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			httpAddr, _ := cmd.Flags().GetString("http")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serverrun.Run(ctx, serverrun.Options{Config: cfg, HTTPAddr: httpAddr})
		},
	}
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Duration("fsync-interval", 0, "When --fsync=interval, group-commit window")
	serverCmd.AddCommand(serverStartCmd)

	rootCmd.AddCommand(
		serverCmd,
		clientcmd.NewLogCommand(apiURL),
		clientcmd.NewProcessorCommand(apiURL),
		clientcmd.NewQueueCommand(apiURL),
		pipeline.NewPipelineCommand(loadConfig),
		pipeline.NewTopologyCommand(loadConfig),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the --config file, FLO_* variables and flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)
	str := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("backend", &cfg.Backend)
	str("data-dir", &cfg.DataDir)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("fsync", &cfg.Storage.Fsync)
	if f := cmd.Flags().Lookup("fsync-interval"); f != nil && f.Changed {
		d, _ := cmd.Flags().GetDuration("fsync-interval")
		cfg.Storage.FsyncInterval = cfgpkg.Duration(d)
	}
	return cfg, cfg.Validate()
}

func apiURL() string {
	if v := os.Getenv("FLO_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
