// Package modules contains the dependency units assembled by the composition
// root: shared infrastructure and the blueprint engine built on top of it.
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"nfvcl.io/nfvcl/internal/api/handlers"
)

// Module is a unit the composition root starts, exposes over HTTP and shuts
// down. Modules are started in slice order and shut down in the same order.
type Module interface {
	// Name identifies the module in logs.
	Name() string

	// ContributeServerDeps fills in the handler dependencies the module owns.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers adds the module's River workers. Called only when River
	// is enabled and a database is configured.
	RegisterWorkers(*river.Workers)

	// Recover settles work a previous process left unfinished. Called once on
	// start when no periodic River job does it.
	Recover(context.Context)

	// Shutdown releases module-owned connections.
	Shutdown(context.Context) error
}
