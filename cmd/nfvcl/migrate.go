package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"nfvcl.io/nfvcl/internal/infrastructure"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the blueprint schema and River queue migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Database.Memory {
				return fmt.Errorf("migrate: database.memory is set, nothing to migrate")
			}

			db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}
