// Package enginetest builds an in-memory blueprint manager backed by mock
// providers for blueprint type and ops surface tests.
package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/manager"
	"nfvcl.io/nfvcl/internal/pkg/archive"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/repository"
	"nfvcl.io/nfvcl/internal/topology"
)

// Area is the area served by both the mock VIM and the mock cluster.
const Area = 1

// Engine is an in-memory manager backed by mock providers.
type Engine struct {
	Manager *manager.Manager
	Store   *repository.MemoryStore
	Events  *bus.Recorder
	Archive *archive.Memory
	Calls   *provider.CallLog
	// Fail is shared by every mock provider: a method name mapped to the
	// error it returns.
	Fail map[string]error
}

// New builds an Engine with defs registered.
func New(t *testing.T, defs ...*blueprint.Definition) *Engine {
	t.Helper()
	topo, err := topology.NewStatic(
		[]domain.VIM{{Name: "vim-test", Type: domain.VIMTypeMock, Areas: []int{Area}}},
		[]domain.K8sCluster{{Name: "k8s-test", Areas: []int{Area}}},
	)
	require.NoError(t, err)

	e := &Engine{
		Store:   repository.NewMemoryStore(),
		Events:  &bus.Recorder{},
		Archive: archive.NewMemory(),
		Calls:   &provider.CallLog{},
		Fail:    map[string]error{},
	}
	factory := provider.NewFactory()
	require.NoError(t, factory.RegisterVirt(domain.VIMTypeMock, func(_ context.Context, p provider.Params, _ *domain.VIM) (provider.VirtualizationProvider, error) {
		m := provider.NewMockVirtProvider(p.Area, e.Calls)
		m.Fail = e.Fail
		return m, nil
	}))
	factory.SetK8s(func(_ context.Context, p provider.Params, _ *domain.K8sCluster) (provider.KubernetesProvider, error) {
		m := provider.NewMockK8sProvider(p.Area, e.Calls)
		m.Fail = e.Fail
		return m, nil
	})

	reg := blueprint.NewRegistry(nil)
	reg.MustRegister(defs...)
	e.Manager, err = manager.New(manager.Options{
		Env:     &blueprint.Env{Registry: reg, Topology: topo, Factory: factory},
		Store:   e.Store,
		Events:  e.Events,
		Archive: e.Archive,
	})
	require.NoError(t, err)
	return e
}

// Create creates a blueprint and fails the test on error.
func (e *Engine) Create(t *testing.T, typ, body string) string {
	t.Helper()
	id, err := e.Manager.Create(context.Background(), typ, []byte(body))
	require.NoError(t, err)
	return id
}

// Call runs fn on id and fails the test on error.
func (e *Engine) Call(t *testing.T, id, fn, body string) []byte {
	t.Helper()
	out, err := e.Manager.Call(context.Background(), id, fn, []byte(body))
	require.NoError(t, err)
	return out
}

// Document returns the stored document of id.
func (e *Engine) Document(t *testing.T, id string) *blueprint.Document {
	t.Helper()
	doc, err := e.Store.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}
