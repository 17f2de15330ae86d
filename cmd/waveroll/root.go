package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/config"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
)

var (
	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "waveroll",
	Short:         "waveroll plays notes and audio files behind one playhead.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logCfg := logger.DefaultConfig()
		logCfg.Level = logger.Level(cfg.LogLevel)
		logCfg.OutputPath = cfg.LogFile
		l, err := logger.New(logCfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		log = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(renderCmd)
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
