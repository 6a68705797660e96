package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/pkg/telemetry"
	"nfvcl.io/nfvcl/internal/pkg/worker"
	"nfvcl.io/nfvcl/internal/topology"
)

// Aggregator is the single entry point of one blueprint for every
// infrastructure operation. It holds at most one provider per capability and
// area; instances are built on EnsureXxx and cached for the aggregator's life.
type Aggregator struct {
	blueprintID string
	topo        topology.Reader
	factory     *Factory

	tracer      trace.Tracer
	metrics     *telemetry.Metrics
	cleanupPool *worker.Pool
	log         *zap.Logger

	mu   sync.Mutex
	virt map[int]VirtualizationProvider
	k8s  map[int]KubernetesProvider
	pdu  PDUProvider
	bp   BlueprintProvider
	// pinned records failed to restore; they are persisted unchanged in place
	// of the live provider's data
	pinned DataAggregate
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTracer sets the tracer used for provider call spans.
func WithTracer(t trace.Tracer) Option { return func(a *Aggregator) { a.tracer = t } }

// WithMetrics sets the provider call metrics.
func WithMetrics(m *telemetry.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// WithCleanupPool runs FinalCleanup fan-out on pool instead of sequentially.
func WithCleanupPool(p *worker.Pool) Option { return func(a *Aggregator) { a.cleanupPool = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.log = l } }

// NewAggregator creates the aggregator of blueprintID.
func NewAggregator(blueprintID string, topo topology.Reader, factory *Factory, opts ...Option) *Aggregator {
	a := &Aggregator{
		blueprintID: blueprintID,
		topo:        topo,
		factory:     factory,
		tracer:      telemetry.Tracer(),
		virt:        make(map[int]VirtualizationProvider),
		k8s:         make(map[int]KubernetesProvider),
		pinned:      NewDataAggregate(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.L().With(zap.String(logger.FieldBlueprintID, blueprintID))
	}
	return a
}

// BlueprintID returns the owning blueprint.
func (a *Aggregator) BlueprintID() string { return a.blueprintID }

// Topology returns the topology used for area resolution.
func (a *Aggregator) Topology() topology.Reader { return a.topo }

// VirtProvider returns the cached virtualization provider of area, if any.
func (a *Aggregator) VirtProvider(area int) (VirtualizationProvider, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.virt[area]
	return p, ok
}

// EnsureVirtProvider returns the virtualization provider of area, building it
// from the area's VIM on first use.
func (a *Aggregator) EnsureVirtProvider(ctx context.Context, area int) (VirtualizationProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.virt[area]; ok {
		return p, nil
	}
	vim, err := a.topo.VIMForArea(ctx, area)
	if err != nil {
		return nil, err
	}
	p, err := a.factory.NewVirt(ctx, area, a.blueprintID, vim)
	if err != nil {
		return nil, err
	}
	a.virt[area] = p
	a.log.Debug("Virtualization provider created",
		zap.Int(logger.FieldArea, area),
		zap.String("vim", vim.Name),
		zap.String("provider_type", p.ProviderType()),
	)
	return p, nil
}

// K8sProvider returns the cached Kubernetes provider of area, if any.
func (a *Aggregator) K8sProvider(area int) (KubernetesProvider, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.k8s[area]
	return p, ok
}

// EnsureK8sProvider returns the Kubernetes provider of area, building it from
// the area's cluster on first use.
func (a *Aggregator) EnsureK8sProvider(ctx context.Context, area int) (KubernetesProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.k8s[area]; ok {
		return p, nil
	}
	cluster, err := a.topo.K8sClusterForArea(ctx, area)
	if err != nil {
		return nil, err
	}
	p, err := a.factory.NewK8s(ctx, area, a.blueprintID, cluster)
	if err != nil {
		return nil, err
	}
	a.k8s[area] = p
	a.log.Debug("Kubernetes provider created",
		zap.Int(logger.FieldArea, area),
		zap.String("cluster", cluster.Name),
	)
	return p, nil
}

// PDUProvider returns the cached PDU provider, if any.
func (a *Aggregator) PDUProvider() (PDUProvider, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pdu, a.pdu != nil
}

// EnsurePDUProvider returns the PDU provider, building it on first use.
func (a *Aggregator) EnsurePDUProvider(ctx context.Context) (PDUProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pdu != nil {
		return a.pdu, nil
	}
	p, err := a.factory.NewPDU(ctx, a.blueprintID)
	if err != nil {
		return nil, err
	}
	a.pdu = p
	return p, nil
}

// BlueprintProvider returns the cached nested-blueprint provider, if any.
func (a *Aggregator) BlueprintProvider() (BlueprintProvider, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bp, a.bp != nil
}

// EnsureBlueprintProvider returns the nested-blueprint provider, building it on first use.
func (a *Aggregator) EnsureBlueprintProvider(ctx context.Context) (BlueprintProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bp != nil {
		return a.bp, nil
	}
	p, err := a.factory.NewBlueprint(ctx, a.blueprintID)
	if err != nil {
		return nil, err
	}
	a.bp = p
	return p, nil
}

// Virtualization operations.

func (a *Aggregator) CreateVM(ctx context.Context, vm *domain.VMResource) error {
	return observeErr(ctx, a, CapabilityVirtualization, "create_vm", vmAttrs(vm), func(ctx context.Context) error {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return err
		}
		return p.CreateVM(ctx, vm)
	})
}

func (a *Aggregator) AttachNets(ctx context.Context, vm *domain.VMResource, nets []string) ([]string, error) {
	attrs := append(vmAttrs(vm), attribute.StringSlice("nfvcl.nets", nets))
	return observe(ctx, a, CapabilityVirtualization, "attach_nets", attrs, func(ctx context.Context) ([]string, error) {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return nil, err
		}
		return p.AttachNets(ctx, vm, nets)
	})
}

func (a *Aggregator) CreateNet(ctx context.Context, net *domain.NetResource) error {
	return observeErr(ctx, a, CapabilityVirtualization, "create_net", netAttrs(net), func(ctx context.Context) error {
		p, err := a.EnsureVirtProvider(ctx, net.Area)
		if err != nil {
			return err
		}
		return p.CreateNet(ctx, net)
	})
}

// ConfigureVM routes cfg to the provider of its target VM's area.
func (a *Aggregator) ConfigureVM(ctx context.Context, cfg domain.VMTargeted) (map[string]interface{}, error) {
	vm := cfg.TargetVM()
	if vm == nil {
		return nil, fmt.Errorf("configure vm: configuration %s has no bound vm: %w", cfg.ResourceID(), apperrors.ErrBadRequest)
	}
	attrs := append(vmAttrs(vm), attribute.String("nfvcl.configuration_id", cfg.ResourceID()))
	return observe(ctx, a, CapabilityVirtualization, "configure_vm", attrs, func(ctx context.Context) (map[string]interface{}, error) {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return nil, err
		}
		return p.ConfigureVM(ctx, cfg)
	})
}

func (a *Aggregator) DestroyVM(ctx context.Context, vm *domain.VMResource) error {
	return observeErr(ctx, a, CapabilityVirtualization, "destroy_vm", vmAttrs(vm), func(ctx context.Context) error {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return err
		}
		return p.DestroyVM(ctx, vm)
	})
}

func (a *Aggregator) RebootVM(ctx context.Context, vm *domain.VMResource, hard bool) error {
	attrs := append(vmAttrs(vm), attribute.Bool("nfvcl.hard", hard))
	return observeErr(ctx, a, CapabilityVirtualization, "reboot_vm", attrs, func(ctx context.Context) error {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return err
		}
		return p.RebootVM(ctx, vm, hard)
	})
}

func (a *Aggregator) CheckVMStatus(ctx context.Context, vm *domain.VMResource) (*domain.VMStatusReport, error) {
	return observe(ctx, a, CapabilityVirtualization, "check_vm_status", vmAttrs(vm), func(ctx context.Context) (*domain.VMStatusReport, error) {
		p, err := a.EnsureVirtProvider(ctx, vm.Area)
		if err != nil {
			return nil, err
		}
		return p.CheckVMStatus(ctx, vm)
	})
}

func (a *Aggregator) CheckNetworks(ctx context.Context, area int, names []string) (*NetworkCheckResult, error) {
	attrs := []attribute.KeyValue{AttrArea.Int(area), attribute.StringSlice("nfvcl.nets", names)}
	return observe(ctx, a, CapabilityVirtualization, "check_networks", attrs, func(ctx context.Context) (*NetworkCheckResult, error) {
		p, err := a.EnsureVirtProvider(ctx, area)
		if err != nil {
			return nil, err
		}
		return p.CheckNetworks(ctx, names)
	})
}

// Kubernetes operations.

func (a *Aggregator) InstallHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	return observeErr(ctx, a, CapabilityKubernetes, "install_helm_chart", helmAttrs(chart), func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return err
		}
		return p.InstallHelmChart(ctx, chart, values)
	})
}

func (a *Aggregator) UpdateValuesHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	return observeErr(ctx, a, CapabilityKubernetes, "update_values_helm_chart", helmAttrs(chart), func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return err
		}
		return p.UpdateValuesHelmChart(ctx, chart, values)
	})
}

func (a *Aggregator) UninstallHelmChart(ctx context.Context, chart *domain.HelmChartResource) error {
	return observeErr(ctx, a, CapabilityKubernetes, "uninstall_helm_chart", helmAttrs(chart), func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return err
		}
		return p.UninstallHelmChart(ctx, chart)
	})
}

func (a *Aggregator) GetPodLog(ctx context.Context, chart *domain.HelmChartResource, pod string, tailLines int64) (string, error) {
	attrs := append(helmAttrs(chart), attribute.String("nfvcl.pod", pod))
	return observe(ctx, a, CapabilityKubernetes, "get_pod_log", attrs, func(ctx context.Context) (string, error) {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return "", err
		}
		return p.GetPodLog(ctx, chart, pod, tailLines)
	})
}

func (a *Aggregator) ReserveMultusIP(ctx context.Context, area int, network string) (*domain.MultusInterface, error) {
	attrs := []attribute.KeyValue{AttrArea.Int(area), attribute.String("nfvcl.network", network)}
	return observe(ctx, a, CapabilityKubernetes, "reserve_k8s_multus_ip", attrs, func(ctx context.Context) (*domain.MultusInterface, error) {
		p, err := a.EnsureK8sProvider(ctx, area)
		if err != nil {
			return nil, err
		}
		return p.ReserveMultusIP(ctx, network)
	})
}

func (a *Aggregator) ReleaseMultusIP(ctx context.Context, area int, iface *domain.MultusInterface) error {
	attrs := []attribute.KeyValue{AttrArea.Int(area), attribute.String("nfvcl.network", iface.Network), attribute.String("nfvcl.ip", iface.IP)}
	return observeErr(ctx, a, CapabilityKubernetes, "release_k8s_multus_ip", attrs, func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, area)
		if err != nil {
			return err
		}
		return p.ReleaseMultusIP(ctx, iface)
	})
}

func (a *Aggregator) RestartDeployment(ctx context.Context, chart *domain.HelmChartResource, deployment string) error {
	attrs := append(helmAttrs(chart), attribute.String("nfvcl.deployment", deployment))
	return observeErr(ctx, a, CapabilityKubernetes, "restart_deployment", attrs, func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return err
		}
		return p.RestartDeployment(ctx, chart, deployment)
	})
}

func (a *Aggregator) RestartAllDeployments(ctx context.Context, chart *domain.HelmChartResource) error {
	return observeErr(ctx, a, CapabilityKubernetes, "restart_all_deployments", helmAttrs(chart), func(ctx context.Context) error {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return err
		}
		return p.RestartAllDeployments(ctx, chart)
	})
}

func (a *Aggregator) ExecCommandInPod(ctx context.Context, chart *domain.HelmChartResource, pod string, command []string) (*ExecResult, error) {
	attrs := append(helmAttrs(chart), attribute.String("nfvcl.pod", pod))
	return observe(ctx, a, CapabilityKubernetes, "exec_command_in_pod", attrs, func(ctx context.Context) (*ExecResult, error) {
		p, err := a.EnsureK8sProvider(ctx, chart.Area)
		if err != nil {
			return nil, err
		}
		return p.ExecCommandInPod(ctx, chart, pod, command)
	})
}

// PDU operations.

func (a *Aggregator) FindPDU(ctx context.Context, area int, pduType, name string) (*domain.PDU, error) {
	attrs := []attribute.KeyValue{AttrArea.Int(area), attribute.String("nfvcl.pdu_type", pduType), AttrName.String(name)}
	return observe(ctx, a, CapabilityPDU, "find_pdu", attrs, func(ctx context.Context) (*domain.PDU, error) {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return nil, err
		}
		return p.FindPDU(ctx, area, pduType, name)
	})
}

func (a *Aggregator) FindPDUs(ctx context.Context, area int, pduType string) ([]*domain.PDU, error) {
	attrs := []attribute.KeyValue{AttrArea.Int(area), attribute.String("nfvcl.pdu_type", pduType)}
	return observe(ctx, a, CapabilityPDU, "find_pdus", attrs, func(ctx context.Context) ([]*domain.PDU, error) {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return nil, err
		}
		return p.FindPDUs(ctx, area, pduType)
	})
}

func (a *Aggregator) LockPDU(ctx context.Context, pdu *domain.PDU) error {
	return observeErr(ctx, a, CapabilityPDU, "lock_pdu", pduAttrs(pdu), func(ctx context.Context) error {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return err
		}
		return p.LockPDU(ctx, pdu)
	})
}

func (a *Aggregator) UnlockPDU(ctx context.Context, pdu *domain.PDU) error {
	return observeErr(ctx, a, CapabilityPDU, "unlock_pdu", pduAttrs(pdu), func(ctx context.Context) error {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return err
		}
		return p.UnlockPDU(ctx, pdu)
	})
}

func (a *Aggregator) IsPDULocked(ctx context.Context, pdu *domain.PDU) (bool, error) {
	return observe(ctx, a, CapabilityPDU, "is_pdu_locked", pduAttrs(pdu), func(ctx context.Context) (bool, error) {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return false, err
		}
		return p.IsPDULocked(ctx, pdu)
	})
}

func (a *Aggregator) IsPDULockedByCurrentBlueprint(ctx context.Context, pdu *domain.PDU) (bool, error) {
	return observe(ctx, a, CapabilityPDU, "is_pdu_locked_by_current_blueprint", pduAttrs(pdu), func(ctx context.Context) (bool, error) {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return false, err
		}
		return p.IsPDULockedByCurrentBlueprint(ctx, pdu)
	})
}

func (a *Aggregator) GetPDUConfigurator(ctx context.Context, pdu *domain.PDU) (PDUConfigurator, error) {
	return observe(ctx, a, CapabilityPDU, "get_pdu_configurator", pduAttrs(pdu), func(ctx context.Context) (PDUConfigurator, error) {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return nil, err
		}
		return p.GetPDUConfigurator(ctx, pdu)
	})
}

func (a *Aggregator) AddPDU(ctx context.Context, pdu *domain.PDU) error {
	return observeErr(ctx, a, CapabilityPDU, "add_pdu", pduAttrs(pdu), func(ctx context.Context) error {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return err
		}
		return p.AddPDU(ctx, pdu)
	})
}

func (a *Aggregator) DeletePDU(ctx context.Context, name string) error {
	return observeErr(ctx, a, CapabilityPDU, "delete_pdu", []attribute.KeyValue{AttrName.String(name)}, func(ctx context.Context) error {
		p, err := a.EnsurePDUProvider(ctx)
		if err != nil {
			return err
		}
		return p.DeletePDU(ctx, name)
	})
}

// Nested blueprint operations.

func (a *Aggregator) CreateBlueprint(ctx context.Context, blueprintType string, body json.RawMessage) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("nfvcl.child_type", blueprintType)}
	return observe(ctx, a, CapabilityBlueprint, "create_blueprint", attrs, func(ctx context.Context) (string, error) {
		p, err := a.EnsureBlueprintProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.CreateBlueprint(ctx, blueprintType, body)
	})
}

func (a *Aggregator) DeleteBlueprint(ctx context.Context, id string) error {
	attrs := []attribute.KeyValue{attribute.String("nfvcl.child_id", id)}
	return observeErr(ctx, a, CapabilityBlueprint, "delete_blueprint", attrs, func(ctx context.Context) error {
		p, err := a.EnsureBlueprintProvider(ctx)
		if err != nil {
			return err
		}
		return p.DeleteBlueprint(ctx, id)
	})
}

func (a *Aggregator) CallBlueprintFunction(ctx context.Context, id, function string, body json.RawMessage) (json.RawMessage, error) {
	attrs := []attribute.KeyValue{attribute.String("nfvcl.child_id", id), attribute.String("nfvcl.function", function)}
	return observe(ctx, a, CapabilityBlueprint, "call_blueprint_function", attrs, func(ctx context.Context) (json.RawMessage, error) {
		p, err := a.EnsureBlueprintProvider(ctx)
		if err != nil {
			return nil, err
		}
		return p.CallBlueprintFunction(ctx, id, function, body)
	})
}

// Lifecycle.

type cleanupTarget struct {
	label      string
	capability string
	p          Provider
}

// FinalCleanup calls FinalCleanup on every instantiated virtualization and
// Kubernetes provider plus the PDU and Blueprint singletons. Every provider is
// attempted; the result joins all failures.
func (a *Aggregator) FinalCleanup(ctx context.Context) error {
	var errs []error
	// singletons are built when missing so locks held from earlier sessions are released
	if a.factory.HasPDU() {
		if _, err := a.EnsurePDUProvider(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final cleanup pdu provider: %w", err))
		}
	}
	if a.factory.HasBlueprint() {
		if _, err := a.EnsureBlueprintProvider(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final cleanup blueprint provider: %w", err))
		}
	}

	targets := a.cleanupTargets()
	fns := make([]func(context.Context) error, len(targets))
	for i, t := range targets {
		fns[i] = func(ctx context.Context) error {
			err := observeErr(ctx, a, t.capability, "final_cleanup", nil, t.p.FinalCleanup)
			if err != nil {
				a.log.Warn("Provider final cleanup failed", zap.String("provider", t.label), zap.Error(err))
				return fmt.Errorf("final cleanup %s provider: %w", t.label, err)
			}
			return nil
		}
	}

	if a.cleanupPool != nil {
		errs = append(errs, a.cleanupPool.FanOut(ctx, fns...))
	} else {
		for _, fn := range fns {
			errs = append(errs, fn(ctx))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) cleanupTargets() []cleanupTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	var targets []cleanupTarget
	for _, area := range sortedAreas(a.virt) {
		targets = append(targets, cleanupTarget{fmt.Sprintf("%s[%d]", CapabilityVirtualization, area), CapabilityVirtualization, a.virt[area]})
	}
	for _, area := range sortedAreas(a.k8s) {
		targets = append(targets, cleanupTarget{fmt.Sprintf("%s[%d]", CapabilityKubernetes, area), CapabilityKubernetes, a.k8s[area]})
	}
	if a.pdu != nil {
		targets = append(targets, cleanupTarget{CapabilityPDU, CapabilityPDU, a.pdu})
	}
	if a.bp != nil {
		targets = append(targets, cleanupTarget{CapabilityBlueprint, CapabilityBlueprint, a.bp})
	}
	return targets
}

// ProviderDataAggregate snapshots the data of every live provider.
func (a *Aggregator) ProviderDataAggregate() (DataAggregate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := NewDataAggregate()
	for area, p := range a.virt {
		rec, err := RecordOf(p)
		if err != nil {
			return DataAggregate{}, err
		}
		agg.VirtProviders[AreaKey(area)] = rec
	}
	for area, p := range a.k8s {
		rec, err := RecordOf(p)
		if err != nil {
			return DataAggregate{}, err
		}
		agg.K8sProviders[AreaKey(area)] = rec
	}
	if a.pdu != nil {
		rec, err := RecordOf(a.pdu)
		if err != nil {
			return DataAggregate{}, err
		}
		agg.PDUProvider[SingletonAreaKey] = rec
	}
	if a.bp != nil {
		rec, err := RecordOf(a.bp)
		if err != nil {
			return DataAggregate{}, err
		}
		agg.BlueprintProvider[SingletonAreaKey] = rec
	}
	overlay(agg.VirtProviders, a.pinned.VirtProviders)
	overlay(agg.K8sProviders, a.pinned.K8sProviders)
	overlay(agg.PDUProvider, a.pinned.PDUProvider)
	overlay(agg.BlueprintProvider, a.pinned.BlueprintProvider)
	return agg, nil
}

func overlay(dst, src map[string]Record) {
	for k, rec := range src {
		dst[k] = rec
	}
}

// Unrestored returns the persisted records that could not be reattached to a
// live provider.
func (a *Aggregator) Unrestored() DataAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := NewDataAggregate()
	overlay(out.VirtProviders, a.pinned.VirtProviders)
	overlay(out.K8sProviders, a.pinned.K8sProviders)
	overlay(out.PDUProvider, a.pinned.PDUProvider)
	overlay(out.BlueprintProvider, a.pinned.BlueprintProvider)
	return out
}

// Restore rebuilds a provider for every persisted record and reattaches its
// data. Every record is attempted; the result joins all failures. A record
// that fails is pinned: the provider stays usable with empty data, but every
// later snapshot writes the original record back.
func (a *Aggregator) Restore(ctx context.Context, agg DataAggregate) error {
	var errs []error
	for _, key := range sortedKeys(agg.VirtProviders) {
		errs = append(errs, a.restoreArea(CapabilityVirtualization, key, agg.VirtProviders[key], a.pinned.VirtProviders, func(area int) (Provider, error) {
			return a.EnsureVirtProvider(ctx, area)
		}))
	}
	for _, key := range sortedKeys(agg.K8sProviders) {
		errs = append(errs, a.restoreArea(CapabilityKubernetes, key, agg.K8sProviders[key], a.pinned.K8sProviders, func(area int) (Provider, error) {
			return a.EnsureK8sProvider(ctx, area)
		}))
	}
	for _, key := range sortedKeys(agg.PDUProvider) {
		errs = append(errs, a.restoreArea(CapabilityPDU, key, agg.PDUProvider[key], a.pinned.PDUProvider, func(int) (Provider, error) {
			return a.EnsurePDUProvider(ctx)
		}))
	}
	for _, key := range sortedKeys(agg.BlueprintProvider) {
		errs = append(errs, a.restoreArea(CapabilityBlueprint, key, agg.BlueprintProvider[key], a.pinned.BlueprintProvider, func(int) (Provider, error) {
			return a.EnsureBlueprintProvider(ctx)
		}))
	}
	return errors.Join(errs...)
}

func (a *Aggregator) restoreArea(capability, key string, rec Record, pin map[string]Record, ensure func(area int) (Provider, error)) error {
	err := a.loadRecord(capability, key, rec, ensure)
	if err != nil {
		a.mu.Lock()
		pin[key] = rec
		a.mu.Unlock()
	}
	return err
}

func (a *Aggregator) loadRecord(capability, key string, rec Record, ensure func(area int) (Provider, error)) error {
	area, err := ParseAreaKey(key)
	if err != nil {
		return fmt.Errorf("restore %s provider: %w", capability, err)
	}
	p, err := ensure(area)
	if err != nil {
		return fmt.Errorf("restore %s provider area %d: %w", capability, area, err)
	}
	if !strings.EqualFold(rec.ProviderType, p.ProviderType()) || rec.ProviderDataType != p.DataType() {
		return fmt.Errorf("restore %s provider area %d (%s): %w", capability, area, rec.ProviderType,
			apperrors.ProviderDataMismatch(p.DataType(), rec.ProviderDataType))
	}
	if err := p.LoadData(rec.ProviderData); err != nil {
		return fmt.Errorf("restore %s provider area %d data: %w", capability, area, err)
	}
	return nil
}

func sortedAreas[P any](m map[int]P) []int {
	areas := make([]int, 0, len(m))
	for area := range m {
		areas = append(areas, area)
	}
	sort.Ints(areas)
	return areas
}

func sortedKeys(m map[string]Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
