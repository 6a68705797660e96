package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/pkg/archive"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/lock"
	"nfvcl.io/nfvcl/internal/pkg/worker"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/repository"
	"nfvcl.io/nfvcl/internal/topology"
)

type vmState struct {
	VM      domain.Ref[*domain.VMResource] `json:"vm"`
	Reboots int                            `json:"reboots"`
}

func (s *vmState) References() []domain.Reference { return []domain.Reference{&s.VM} }

type vmConfig struct {
	Area int    `json:"area"`
	Name string `json:"name"`
}

func (c *vmConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func vmDefinition() *blueprint.Definition {
	return blueprint.Spec[vmState, vmConfig]{
		Type: "vm",
		Create: func(ctx context.Context, b *blueprint.Blueprint, state *vmState, cfg *vmConfig) error {
			vm := &domain.VMResource{Name: cfg.Name, Image: "ubuntu-22.04", ManagementNetwork: "mgmt"}
			vm.Area = cfg.Area
			if err := b.RegisterResource(ctx, vm); err != nil {
				return err
			}
			state.VM = domain.RefTo(vm)
			return b.Providers().CreateVM(ctx, vm)
		},
		Update: func(_ context.Context, _ *blueprint.Blueprint, state *vmState, cfg *vmConfig) error {
			state.VM.Get().Name = cfg.Name
			return nil
		},
		Functions: map[string]func(context.Context, *blueprint.Blueprint, *vmState, json.RawMessage) (interface{}, error){
			"reboot": func(ctx context.Context, b *blueprint.Blueprint, state *vmState, _ json.RawMessage) (interface{}, error) {
				if err := b.Providers().RebootVM(ctx, state.VM.Get(), false); err != nil {
					return nil, err
				}
				state.Reboots++
				return map[string]int{"reboots": state.Reboots}, nil
			},
		},
	}.Definition()
}

type parentState struct {
	Children []string `json:"children"`
}

type parentConfig struct {
	Area     int `json:"area"`
	Children int `json:"children"`
}

func parentDefinition() *blueprint.Definition {
	return blueprint.Spec[parentState, parentConfig]{
		Type: "parent",
		Create: func(ctx context.Context, b *blueprint.Blueprint, state *parentState, cfg *parentConfig) error {
			for i := range cfg.Children {
				body := fmt.Sprintf(`{"area":%d,"name":"child-%d"}`, cfg.Area, i)
				id, err := b.CreateChild(ctx, "vm", []byte(body))
				if id != "" {
					state.Children = append(state.Children, id)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
		Functions: map[string]func(context.Context, *blueprint.Blueprint, *parentState, json.RawMessage) (interface{}, error){
			"reboot_first": func(ctx context.Context, b *blueprint.Blueprint, state *parentState, _ json.RawMessage) (interface{}, error) {
				return b.Providers().CallBlueprintFunction(ctx, state.Children[0], "reboot", nil)
			},
		},
	}.Definition()
}

type testEnv struct {
	mgr     *Manager
	store   *repository.MemoryStore
	locks   *lock.Local
	events  *bus.Recorder
	archive *archive.Memory
	log     *provider.CallLog
	fail    map[string]error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	topo, err := topology.NewStatic([]domain.VIM{{Name: "vim-a", Type: domain.VIMTypeMock, Areas: []int{1}}}, nil)
	require.NoError(t, err)

	e := &testEnv{
		store:   repository.NewMemoryStore(),
		locks:   lock.NewLocal(),
		events:  &bus.Recorder{},
		archive: archive.NewMemory(),
		log:     &provider.CallLog{},
		fail:    map[string]error{},
	}
	factory := provider.NewFactory()
	require.NoError(t, factory.RegisterVirt(domain.VIMTypeMock, func(_ context.Context, p provider.Params, _ *domain.VIM) (provider.VirtualizationProvider, error) {
		m := provider.NewMockVirtProvider(p.Area, e.log)
		m.Fail = e.fail
		return m, nil
	}))

	reg := blueprint.NewRegistry(nil)
	reg.MustRegister(vmDefinition(), parentDefinition())

	e.mgr, err = New(Options{
		Env:     &blueprint.Env{Registry: reg, Topology: topo, Factory: factory},
		Store:   e.store,
		Locker:  e.locks,
		Events:  e.events,
		Archive: e.archive,
	})
	require.NoError(t, err)
	return e
}

func TestNew_RequiresEnvAndStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Env: &blueprint.Env{Registry: blueprint.NewRegistry(nil)}})
	require.Error(t, err)
}

func TestCreate_PersistsAndPublishes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)
	require.False(t, e.locks.Held(id))

	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, blueprint.Status{Phase: blueprint.PhaseIdle}, doc.Status)
	require.Len(t, doc.RegisteredResources, 1)
	require.Equal(t, int64(2), doc.Version)

	b, err := e.mgr.Get(ctx, id)
	require.NoError(t, err)
	state, ok := blueprint.StateAs[vmState](b)
	require.True(t, ok)
	require.True(t, state.VM.Bound())
	require.True(t, state.VM.Get().Created)

	require.Equal(t, []string{bus.EventCreated}, e.events.Types())
}

func TestCreate_RejectsBadRequestsWithoutStoring(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1}`))
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = e.mgr.Create(ctx, "nope", nil)
	require.ErrorIs(t, err, apperrors.ErrUnknownBlueprintType)

	all, err := e.mgr.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
	require.Empty(t, e.events.Types())
}

func TestCreate_HookFailureKeepsInstanceWithError(t *testing.T) {
	e := newTestEnv(t)
	e.fail["create_vm"] = errors.New("quota exceeded")
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.Error(t, err)
	require.NotEmpty(t, id)

	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, doc.Status.Error)
	require.Contains(t, doc.Status.Detail, "quota exceeded")
	require.Equal(t, []string{bus.EventCreateFailed}, e.events.Types())
}

func TestUpdate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	require.NoError(t, e.mgr.Update(ctx, id, json.RawMessage(`{"area":1,"name":"renamed"}`)))
	b, err := e.mgr.Get(ctx, id)
	require.NoError(t, err)
	state, _ := blueprint.StateAs[vmState](b)
	require.Equal(t, "renamed", state.VM.Get().Name)
	require.Equal(t, []string{bus.EventCreated, bus.EventUpdated}, e.events.Types())

	err = e.mgr.Update(ctx, id, json.RawMessage(`{"bogus":1}`))
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestCall_ReturnsResultAndPersistsState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	out, err := e.mgr.Call(ctx, id, "reboot", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"reboots":1}`, string(out))

	out, err = e.mgr.Call(ctx, id, "reboot", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"reboots":2}`, string(out))

	_, err = e.mgr.Call(ctx, id, "missing", nil)
	require.ErrorIs(t, err, apperrors.ErrUnknownFunction)
	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, doc.Status.Error)
	require.Equal(t, blueprint.PhaseIdle, doc.Status.Phase)

	_, err = e.mgr.Call(ctx, "nope", "reboot", nil)
	require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)
}

func TestCall_BusyWhileLocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	release, err := e.locks.TryLock(ctx, id)
	require.NoError(t, err)
	_, err = e.mgr.Call(ctx, id, "reboot", nil)
	require.ErrorIs(t, err, apperrors.ErrBlueprintBusy)
	require.ErrorIs(t, e.mgr.Destroy(ctx, id), apperrors.ErrBlueprintBusy)
	require.NoError(t, release(ctx))

	_, err = e.mgr.Call(ctx, id, "reboot", nil)
	require.NoError(t, err)
}

func TestDestroy_ArchivesAndDeletes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	require.NoError(t, e.mgr.Destroy(ctx, id))
	_, err = e.store.Get(ctx, id)
	require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)

	archived, err := e.archive.Fetch(ctx, id)
	require.NoError(t, err)
	require.Contains(t, string(archived), id)
	require.Equal(t, []string{bus.EventCreated, bus.EventDestroyed}, e.events.Types())

	require.ErrorIs(t, e.mgr.Destroy(ctx, id), apperrors.ErrBlueprintNotFound)
}

func TestDestroy_FailureKeepsDocument(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	e.fail["destroy_vm"] = errors.New("vim unreachable")
	require.Error(t, e.mgr.Destroy(ctx, id))

	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, doc.Status.Error)
	require.Equal(t, blueprint.PhaseIdle, doc.Status.Phase)
	require.Equal(t, []string{bus.EventCreated, bus.EventDestroyFailed}, e.events.Types())

	delete(e.fail, "destroy_vm")
	require.NoError(t, e.mgr.Destroy(ctx, id))
}

func TestSetProtected_BlocksDestroy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)

	require.NoError(t, e.mgr.SetProtected(ctx, id, true))
	require.ErrorIs(t, e.mgr.Destroy(ctx, id), apperrors.ErrBlueprintProtected)
	require.ErrorIs(t, e.mgr.DestroyAsync(ctx, id), apperrors.ErrBlueprintProtected)

	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, doc.Protected)
	require.False(t, doc.Status.Error)

	require.NoError(t, e.mgr.SetProtected(ctx, id, false))
	require.NoError(t, e.mgr.Destroy(ctx, id))
}

func TestNested_CreateAndCascadeDestroy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	parentID, err := e.mgr.Create(ctx, "parent", json.RawMessage(`{"area":1,"children":2}`))
	require.NoError(t, err)

	parent, err := e.mgr.Document(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, parent.ChildrenBlueIDs, 2)
	for _, child := range parent.ChildrenBlueIDs {
		doc, err := e.store.Get(ctx, child)
		require.NoError(t, err)
		require.Equal(t, parentID, doc.ParentBlueID)
	}

	out, err := e.mgr.Call(ctx, parentID, "reboot_first", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"reboots":1}`, string(out))

	require.NoError(t, e.mgr.Destroy(ctx, parentID))
	all, err := e.mgr.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
	for _, child := range parent.ChildrenBlueIDs {
		_, err := e.archive.Fetch(ctx, child)
		require.NoError(t, err)
	}
}

func TestNested_FailedChildIsDestroyedWithParent(t *testing.T) {
	e := newTestEnv(t)
	e.fail["create_vm"] = errors.New("no capacity")
	ctx := context.Background()

	parentID, err := e.mgr.Create(ctx, "parent", json.RawMessage(`{"area":1,"children":1}`))
	require.Error(t, err)
	parent, err := e.mgr.Document(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, parent.ChildrenBlueIDs, 1)

	delete(e.fail, "create_vm")
	require.NoError(t, e.mgr.Destroy(ctx, parentID))
	all, err := e.mgr.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
}

// corrupt rewrites the stored state so its reference points nowhere.
func corrupt(t *testing.T, e *testEnv, id string) {
	t.Helper()
	ctx := context.Background()
	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	doc.State = json.RawMessage(`{"vm":"REF=missing","reboots":0}`)
	doc.Version++
	require.NoError(t, e.store.Upsert(ctx, doc))
}

func TestCorrupted_RefusesCallsButDestroys(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)
	corrupt(t, e, id)

	b, err := e.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, b.Corrupted())

	_, err = e.mgr.Call(ctx, id, "reboot", nil)
	require.ErrorIs(t, err, apperrors.ErrBlueprintCorrupted)
	require.ErrorIs(t, e.mgr.Update(ctx, id, json.RawMessage(`{"area":1,"name":"x"}`)), apperrors.ErrBlueprintCorrupted)

	require.NoError(t, e.mgr.Destroy(ctx, id))
	require.Contains(t, e.log.Calls(), "destroy_vm:"+b.Resources(domain.KindVM)[0].ResourceID())
}

func TestForceDelete_LeavesInfrastructure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)
	corrupt(t, e, id)

	require.NoError(t, e.mgr.ForceDelete(ctx, id))
	_, err = e.store.Get(ctx, id)
	require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)
	for _, call := range e.log.Calls() {
		require.NotContains(t, call, "destroy_vm")
	}
	_, err = e.archive.Fetch(ctx, id)
	require.NoError(t, err)
	require.ErrorIs(t, e.mgr.ForceDelete(ctx, id), apperrors.ErrBlueprintNotFound)
}

func TestRecoverInterrupted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	stuck, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)
	inFlight, err := e.mgr.Create(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm2"}`))
	require.NoError(t, err)
	for _, id := range []string{stuck, inFlight} {
		doc, err := e.store.Get(ctx, id)
		require.NoError(t, err)
		doc.Status.Phase = blueprint.PhaseDeploying
		doc.Version++
		require.NoError(t, e.store.Upsert(ctx, doc))
	}
	release, err := e.locks.TryLock(ctx, inFlight)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	n, err := e.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	doc, err := e.store.Get(ctx, stuck)
	require.NoError(t, err)
	require.Equal(t, blueprint.PhaseIdle, doc.Status.Phase)
	require.True(t, doc.Status.Error)

	doc, err = e.store.Get(ctx, inFlight)
	require.NoError(t, err)
	require.Equal(t, blueprint.PhaseDeploying, doc.Status.Phase)
}

func TestCreate_PhaseIsStoredBeforeHookRuns(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var during *blueprint.Document
	e.mgr.Registry().MustRegister(blueprint.Spec[vmState, vmConfig]{
		Type: "watched",
		Create: func(ctx context.Context, b *blueprint.Blueprint, _ *vmState, _ *vmConfig) error {
			doc, err := e.store.Get(ctx, b.ID())
			if err != nil {
				return err
			}
			during = doc
			return nil
		},
	}.Definition())

	id, err := e.mgr.Create(ctx, "watched", json.RawMessage(`{"name":"w"}`))
	require.NoError(t, err)
	require.NotNil(t, during)
	require.Equal(t, blueprint.PhaseDeploying, during.Status.Phase)

	// a process dying inside the hook leaves the checkpointed document behind
	current, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, blueprint.PhaseIdle, current.Status.Phase)
	during.Version = current.Version + 1
	require.NoError(t, e.store.Upsert(ctx, during))

	n, err := e.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	doc, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, blueprint.PhaseIdle, doc.Status.Phase)
	require.True(t, doc.Status.Error)
}

func TestAsync_WithoutDispatcher(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.mgr.CreateAsync(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.ErrorIs(t, err, ErrNoDispatcher)
	all, err := e.mgr.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestAsync_PoolDispatcher(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	pools, err := worker.NewPools(ctx, worker.PoolConfig{LifecyclePoolSize: 2, ProviderPoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	e.mgr.SetDispatcher(NewPoolDispatcher(pools, e.mgr))

	id, err := e.mgr.CreateAsync(ctx, "vm", json.RawMessage(`{"area":1,"name":"vm1"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		doc, err := e.store.Get(ctx, id)
		return err == nil && len(doc.RegisteredResources) == 1 && !e.locks.Held(id)
	}, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, e.mgr.CallAsync(ctx, id, "missing", nil), apperrors.ErrUnknownFunction)
	require.NoError(t, e.mgr.CallAsync(ctx, id, "reboot", nil))
	require.Eventually(t, func() bool {
		for _, c := range e.log.Calls() {
			if c == "reboot_vm:"+firstVM(t, e, id) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !e.locks.Held(id) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.mgr.DestroyAsync(ctx, id))
	require.Eventually(t, func() bool {
		_, err := e.store.Get(ctx, id)
		return errors.Is(err, apperrors.ErrBlueprintNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, e.mgr.DestroyAsync(ctx, id), apperrors.ErrBlueprintNotFound)
}

func firstVM(t *testing.T, e *testEnv, id string) string {
	t.Helper()
	doc, err := e.store.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	for rid := range doc.RegisteredResources {
		return rid
	}
	return ""
}

func TestExecute_UnknownOperation(t *testing.T) {
	e := newTestEnv(t)
	require.Error(t, e.mgr.Execute(context.Background(), Task{Operation: "explode", BlueprintID: "x"}))
}
