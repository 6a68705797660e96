// Package blueprints collects the blueprint types shipped with NFVCL.
package blueprints

import (
	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/blueprints/composite"
	"nfvcl.io/nfvcl/internal/blueprints/helmapp"
	"nfvcl.io/nfvcl/internal/blueprints/vmchain"
)

// Definitions returns the bundled blueprint types.
func Definitions() []*blueprint.Definition {
	return []*blueprint.Definition{
		vmchain.Definition(),
		helmapp.Definition(),
		composite.Definition(),
	}
}

// Register adds the bundled types to reg.
func Register(reg *blueprint.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
