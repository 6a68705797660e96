package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/telemetry"
	"nfvcl.io/nfvcl/internal/pkg/worker"
	"nfvcl.io/nfvcl/internal/topology"
)

type fixture struct {
	factory *Factory
	topo    *topology.Static
	log     *CallLog
	virt    *sync.Map
	k8s     *sync.Map
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	topo, err := topology.NewStatic(
		[]domain.VIM{
			{Name: "vim-a", Type: domain.VIMTypeMock, Areas: []int{1, 2}},
			{Name: "vim-os", Type: domain.VIMTypeOpenStack, Areas: []int{5}},
		},
		[]domain.K8sCluster{{Name: "k8s-a", Areas: []int{1}}},
	)
	require.NoError(t, err)

	f := &fixture{factory: NewFactory(), topo: topo, log: &CallLog{}}
	var virt VirtConstructor
	virt, f.virt = MockVirtConstructor(f.log)
	require.NoError(t, f.factory.RegisterVirt(domain.VIMTypeMock, virt))
	var k8s K8sConstructor
	k8s, f.k8s = MockK8sConstructor(f.log)
	f.factory.SetK8s(k8s)
	return f
}

func (f *fixture) mockVirt(t *testing.T, area int) *MockVirtProvider {
	t.Helper()
	v, ok := f.virt.Load(area)
	require.True(t, ok, "no virt provider built for area %d", area)
	return v.(*MockVirtProvider)
}

func TestEnsureVirtProvider_CachesPerArea(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)
	ctx := context.Background()

	_, ok := a.VirtProvider(1)
	require.False(t, ok)

	p1, err := a.EnsureVirtProvider(ctx, 1)
	require.NoError(t, err)
	again, err := a.EnsureVirtProvider(ctx, 1)
	require.NoError(t, err)
	require.Same(t, p1, again)

	p2, err := a.EnsureVirtProvider(ctx, 2)
	require.NoError(t, err)
	require.NotSame(t, p1, p2)

	cached, ok := a.VirtProvider(1)
	require.True(t, ok)
	require.Same(t, p1, cached)
}

func TestEnsureVirtProvider_Errors(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)
	ctx := context.Background()

	_, err := a.EnsureVirtProvider(ctx, 99)
	require.ErrorIs(t, err, apperrors.ErrNoAssociatedInfrastructure)
	_, ok := a.VirtProvider(99)
	require.False(t, ok)

	_, err = a.EnsureVirtProvider(ctx, 5)
	require.ErrorIs(t, err, apperrors.ErrUnsupportedVIM)

	_, err = a.EnsureK8sProvider(ctx, 2)
	require.ErrorIs(t, err, apperrors.ErrNoAssociatedInfrastructure)

	_, err = a.EnsurePDUProvider(ctx)
	require.ErrorIs(t, err, apperrors.ErrNotSupported)
}

func TestAggregator_RoutesByArea(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)
	ctx := context.Background()

	vm1 := &domain.VMResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "vm1", Area: 1}}, Name: "a"}
	vm2 := &domain.VMResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "vm2", Area: 2}}, Name: "b"}
	require.NoError(t, a.CreateVM(ctx, vm1))
	require.NoError(t, a.CreateVM(ctx, vm2))
	require.True(t, vm1.Created)

	require.Equal(t, []string{"vm1"}, f.mockVirt(t, 1).TrackedVMs())
	require.Equal(t, []string{"vm2"}, f.mockVirt(t, 2).TrackedVMs())

	chart := &domain.HelmChartResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "h1", Area: 1}}, Name: "rel", Namespace: "ns"}
	require.NoError(t, a.InstallHelmChart(ctx, chart, map[string]interface{}{"replicas": 2}))
	require.True(t, chart.Created)
}

func TestConfigureVM_UnboundTarget(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)

	cfg := &domain.VMAnsibleConfiguration{}
	cfg.VM = domain.RefByID[*domain.VMResource]("vm1")
	_, err := a.ConfigureVM(context.Background(), cfg)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestAggregator_SpansAndMetrics(t *testing.T) {
	f := newFixture(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	a := NewAggregator("bp1", f.topo, f.factory, WithTracer(tp.Tracer("test")), WithMetrics(metrics))
	ctx := context.Background()

	vm := &domain.VMResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "vm1", Area: 1}}, Name: "a"}
	require.NoError(t, a.CreateVM(ctx, vm))

	injected := errors.New("boom")
	f.mockVirt(t, 1).Fail["destroy_vm"] = injected
	err := a.DestroyVM(ctx, vm)
	require.Same(t, injected, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "provider.create_vm", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, "provider.destroy_vm", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "bp1", attrs[string(AttrBlueprintID)])
	require.Equal(t, CapabilityVirtualization, attrs[string(AttrCapability)])
	require.Equal(t, "1", attrs[string(AttrArea)])
	require.Equal(t, "vm1", attrs[string(AttrResourceID)])

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderCalls.WithLabelValues(CapabilityVirtualization, "create_vm", telemetry.OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderCalls.WithLabelValues(CapabilityVirtualization, "destroy_vm", telemetry.OutcomeError)))
}

type fakeOrchestrator struct {
	mu        sync.Mutex
	next      int
	destroyed []string
	missing   map[string]bool
}

func (o *fakeOrchestrator) CreateChild(_ context.Context, parentID, typ string, _ json.RawMessage) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	return parentID + "-" + typ + "-" + string(rune('0'+o.next)), nil
}

func (o *fakeOrchestrator) Destroy(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.missing[id] {
		return apperrors.BlueprintNotFound(id)
	}
	o.destroyed = append(o.destroyed, id)
	return nil
}

func (o *fakeOrchestrator) Call(_ context.Context, id, fn string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"id":"` + id + `","fn":"` + fn + `"}`), nil
}

func TestFinalCleanup_AttemptsEveryProvider(t *testing.T) {
	tests := []struct {
		name    string
		usePool bool
	}{
		{name: "sequential"},
		{name: "pool", usePool: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.factory.SetBlueprint(NestedBlueprintConstructor(&fakeOrchestrator{}))
			var opts []Option
			if tt.usePool {
				pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
				require.NoError(t, err)
				t.Cleanup(pools.Shutdown)
				opts = append(opts, WithCleanupPool(pools.Provider))
			}
			a := NewAggregator("bp1", f.topo, f.factory, opts...)
			ctx := context.Background()

			_, err := a.EnsureVirtProvider(ctx, 1)
			require.NoError(t, err)
			_, err = a.EnsureVirtProvider(ctx, 2)
			require.NoError(t, err)
			_, err = a.EnsureK8sProvider(ctx, 1)
			require.NoError(t, err)

			injected := errors.New("vim unreachable")
			f.mockVirt(t, 1).Fail["final_cleanup"] = injected

			err = a.FinalCleanup(ctx)
			require.ErrorIs(t, err, injected)
			require.Contains(t, err.Error(), "virtualization[1]")

			calls := f.log.Calls()
			for _, want := range []string{"final_cleanup:virt:1", "final_cleanup:virt:2", "final_cleanup:k8s:1"} {
				require.Contains(t, calls, want)
			}
			_, ok := a.BlueprintProvider()
			require.True(t, ok, "blueprint singleton is built for cleanup")
		})
	}
}

func TestFinalCleanup_NoProviders(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)
	require.NoError(t, a.FinalCleanup(context.Background()))
	require.Empty(t, f.log.Calls())
}

func TestProviderDataAggregate_RestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.factory.SetBlueprint(NestedBlueprintConstructor(&fakeOrchestrator{}))
	a := NewAggregator("bp1", f.topo, f.factory)
	ctx := context.Background()

	vm := &domain.VMResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "vm1", Area: 2}}, Name: "a"}
	require.NoError(t, a.CreateVM(ctx, vm))
	childID, err := a.CreateBlueprint(ctx, "vmchain", json.RawMessage(`{}`))
	require.NoError(t, err)

	agg, err := a.ProviderDataAggregate()
	require.NoError(t, err)
	require.Contains(t, agg.VirtProviders, "2")
	require.Contains(t, agg.BlueprintProvider, SingletonAreaKey)

	raw, err := json.Marshal(agg)
	require.NoError(t, err)
	var loaded DataAggregate
	require.NoError(t, json.Unmarshal(raw, &loaded))

	f2 := newFixture(t)
	f2.factory.SetBlueprint(NestedBlueprintConstructor(&fakeOrchestrator{}))
	b := NewAggregator("bp1", f2.topo, f2.factory)
	require.NoError(t, b.Restore(ctx, loaded))
	require.Equal(t, []string{"vm1"}, f2.mockVirt(t, 2).TrackedVMs())

	bp, ok := b.BlueprintProvider()
	require.True(t, ok)
	require.Equal(t, NestedBlueprintData{Spawned: []string{childID}}, bp.Data())
}

func TestRestore_DataTypeMismatch(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)

	agg := NewDataAggregate()
	agg.VirtProviders["1"] = Record{ProviderType: "mock", ProviderDataType: "proxmox_data", ProviderData: json.RawMessage(`{}`)}
	agg.VirtProviders["2"] = Record{ProviderType: "mock", ProviderDataType: "mock_virt_data", ProviderData: json.RawMessage(`{"vms":{"x":"y"}}`)}

	err := a.Restore(context.Background(), agg)
	require.ErrorIs(t, err, apperrors.ErrProviderDataMismatch)
	require.Equal(t, []string{"x"}, f.mockVirt(t, 2).TrackedVMs(), "other records are still restored")
}

func TestRestore_FailedRecordWrittenBackUnchanged(t *testing.T) {
	f := newFixture(t)
	a := NewAggregator("bp1", f.topo, f.factory)
	ctx := context.Background()

	bad := Record{ProviderType: "mock", ProviderDataType: "something_else", ProviderData: json.RawMessage(`{"precious":"data"}`)}
	agg := NewDataAggregate()
	agg.VirtProviders["1"] = bad
	require.ErrorIs(t, a.Restore(ctx, agg), apperrors.ErrProviderDataMismatch)

	// the live provider keeps working with empty data
	vm := &domain.VMResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "vm1", Area: 1}}, Name: "a"}
	require.NoError(t, a.CreateVM(ctx, vm))

	out, err := a.ProviderDataAggregate()
	require.NoError(t, err)
	require.Equal(t, bad, out.VirtProviders["1"])
	require.Equal(t, bad, a.Unrestored().VirtProviders["1"])
}

func TestNestedBlueprintProvider_DeleteNotFound(t *testing.T) {
	orch := &fakeOrchestrator{missing: map[string]bool{"gone": true}}
	p := NewNestedBlueprintProvider("parent", orch)
	ctx := context.Background()

	id, err := p.CreateBlueprint(ctx, "helmapp", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "parent-helmapp-"))

	require.ErrorIs(t, p.DeleteBlueprint(ctx, "gone"), apperrors.ErrBlueprintNotFound)
	require.NoError(t, p.DeleteBlueprint(ctx, id))
	require.Equal(t, []string{id}, orch.destroyed)
	require.Empty(t, p.Data().(NestedBlueprintData).Spawned)

	out, err := p.CallBlueprintFunction(ctx, id, "status", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"`+id+`","fn":"status"}`, string(out))
}
