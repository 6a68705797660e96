package modules

import (
	"nfvcl.io/nfvcl/internal/api/handlers"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Health:   infra.Health,
		Gatherer: infra.Registry,
		LogLevel: logger.HTTPHandler(),
	}
	if infra.DB != nil {
		deps.DB = infra.DB
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
