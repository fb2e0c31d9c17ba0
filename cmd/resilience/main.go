package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dCache/dcache-sub032/pkg/config"
	"github.com/dCache/dcache-sub032/pkg/resilience"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "resilience",
		Short: "Replica resilience controller",
		Long: `Keeps every file in a resilient pool group at its required number of
replicas, spread across pools according to the storage unit's tag constraints.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		adminCmd(),
		namespaceCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var topologyPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the resilience controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if topologyPath != "" {
				cfg.Topology.Path = topologyPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			svc, err := resilience.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := svc.Start(context.Background()); err != nil {
				svc.Stop()
				return fmt.Errorf("failed to start: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			done := make(chan error, 1)
			go func() { done <- svc.Wait() }()

			select {
			case sig := <-sigChan:
				logger.Info("Shutting down resilience controller", zap.Stringer("signal", sig))
				return svc.Stop()
			case err := <-done:
				stopErr := svc.Stop()
				if err != nil {
					return fmt.Errorf("controller stopped: %w", err)
				}
				return stopErr
			}
		},
	}

	cmd.Flags().StringVar(&topologyPath, "topology", "", "topology file (overrides config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("resilience v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
