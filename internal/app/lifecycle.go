package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// Start starts the River client and the provider health checker. Without
// River each module recovers interrupted work once here; with River the
// periodic recovery job takes over.
func (a *Application) Start(ctx context.Context) error {
	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	} else {
		for _, mod := range a.Modules {
			if mod != nil {
				mod.Recover(ctx)
			}
		}
	}
	if a.Infra.Health != nil {
		a.Infra.Health.Start(ctx)
	}
	return nil
}

// Shutdown stops River, then every module, then the shared infrastructure.
// Errors are logged; shutdown always runs to the end.
func (a *Application) Shutdown() {
	if a == nil {
		return
	}
	shutdownCtx := context.Background()

	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	a.Infra.Close()
}
