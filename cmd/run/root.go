package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/config"
	"github.com/wippyai/nnbridge/host"
	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/metrics"
	"github.com/wippyai/nnbridge/refgraph"
	"github.com/wippyai/nnbridge/repository"
	"github.com/wippyai/nnbridge/runtime"
)

var rootCmd = &cobra.Command{
	Use:           "run",
	Short:         "Host a wasm engine with async inference and a line console",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "nnbridge.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("target", "", "Deployment target (overrides the config)")
	rootCmd.PersistentFlags().String("query", "", "Engine overrides, e.g. 'model=b18&config=gtp_human5k.cfg'")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides the config)")
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, config.Target, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, config.Target{}, err
	}

	if q, _ := cmd.Flags().GetString("query"); q != "" {
		if err := config.ApplyQuery(cfg, q); err != nil {
			return nil, config.Target{}, err
		}
	}
	if t, _ := cmd.Flags().GetString("target"); t != "" {
		cfg.Target = t
	}
	if l, _ := cmd.Flags().GetString("log-level"); l != "" {
		cfg.Logger.Level = l
	}
	if err := config.Validate(cfg); err != nil {
		return nil, config.Target{}, err
	}

	target, err := cfg.Selected()
	if err != nil {
		return nil, config.Target{}, err
	}
	return cfg, target, nil
}

// installLogger builds the configured logger and hands it to every package.
func installLogger(lc config.LoggerConfig) (*zap.Logger, error) {
	logger, err := lc.Build()
	if err != nil {
		return nil, err
	}
	bridge.SetLogger(logger.Named("bridge"))
	backend.SetLogger(logger.Named("backend"))
	inference.SetLogger(logger.Named("inference"))
	repository.SetLogger(logger.Named("repository"))
	refgraph.SetLogger(logger.Named("refgraph"))
	host.SetLogger(logger.Named("host"))
	runtime.SetLogger(logger.Named("runtime"))
	metrics.SetLogger(logger.Named("metrics"))
	return logger, nil
}
