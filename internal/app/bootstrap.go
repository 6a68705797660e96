// Package app is the composition root: it wires the blueprint engine, its
// infrastructure and the ops HTTP surface.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"nfvcl.io/nfvcl/internal/api/handlers"
	"nfvcl.io/nfvcl/internal/app/modules"
	"nfvcl.io/nfvcl/internal/config"
	"nfvcl.io/nfvcl/internal/infrastructure"
	"nfvcl.io/nfvcl/internal/jobs"
	"nfvcl.io/nfvcl/internal/manager"
)

// Application holds composed application dependencies.
type Application struct {
	Config     *config.Config
	Router     *gin.Engine
	Infra      *modules.Infrastructure
	Blueprints *modules.BlueprintModule
	Modules    []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	bp, err := modules.NewBlueprintModule(ctx, infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init blueprint module: %w", err)
	}
	allModules := []modules.Module{bp}

	if cfg.River.Enabled && infra.DB != nil {
		workers := river.NewWorkers()
		for _, mod := range allModules {
			mod.RegisterWorkers(workers)
		}
		err := infra.InitRiver(workers,
			infrastructure.WithQueue(jobs.QueueBlueprints, cfg.River.MaxWorkers),
			infrastructure.WithPeriodicJobs(jobs.PeriodicRecovery(jobs.DefaultRecoveryInterval)),
		)
		if err != nil {
			_ = bp.Shutdown(ctx)
			infra.Close()
			return nil, fmt.Errorf("init river workers: %w", err)
		}
	}
	bp.UseDispatcher(infra.RiverClient())

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:     cfg,
		Router:     newRouter(cfg, server),
		Infra:      infra,
		Blueprints: bp,
		Modules:    allModules,
	}, nil
}

// Manager returns the blueprint manager.
func (a *Application) Manager() *manager.Manager {
	return a.Blueprints.Manager
}
