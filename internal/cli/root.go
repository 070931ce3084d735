// Package cli holds the welfare-gateway commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/config"
	"github.com/HanTheDev/welfare-ai-gateway/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// env is what every subcommand needs once the root has run.
type env struct {
	cfg    *config.Config
	logger *zap.Logger

	logLevel string
}

func NewRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "welfare-gateway",
		Short:         "AI response cache and scan quota service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if e.logLevel != "" {
				cfg.LogLevel = e.logLevel
			}
			logger, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				File:   cfg.LogFile,
			})
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				e.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	root.CompletionOptions.HiddenDefaultCmd = true

	root.AddCommand(newServeCmd(e))
	root.AddCommand(newRollupCmd(e))
	root.AddCommand(newCleanupCmd(e))
	return root
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
