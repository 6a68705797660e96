// Package main is the nfvcl command: it serves the blueprint engine, applies
// schema migrations and inspects stored blueprint documents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/config"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nfvcl",
		Short:         "NFV blueprint lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newInspectCommand(os.Stdout))
	return cmd
}

// setup loads the configuration and initializes the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Debug("Configuration loaded",
		zap.Bool("memory_store", cfg.Database.Memory),
		zap.Bool("river", cfg.River.Enabled),
	)
	return cfg, nil
}
