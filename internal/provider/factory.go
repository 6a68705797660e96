package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Params identifies the provider instance being built.
type Params struct {
	Area        int
	BlueprintID string
	// Configurator executes VM configurations; nil leaves ConfigureVM unsupported.
	Configurator VMConfigurator
}

// VirtConstructor builds a virtualization provider for one area's VIM.
type VirtConstructor func(ctx context.Context, p Params, vim *domain.VIM) (VirtualizationProvider, error)

// K8sConstructor builds a Kubernetes provider for one area's cluster.
type K8sConstructor func(ctx context.Context, p Params, cluster *domain.K8sCluster) (KubernetesProvider, error)

// PDUConstructor builds the PDU provider of one blueprint.
type PDUConstructor func(ctx context.Context, blueprintID string) (PDUProvider, error)

// BlueprintConstructor builds the nested-blueprint provider of one blueprint.
type BlueprintConstructor func(ctx context.Context, blueprintID string) (BlueprintProvider, error)

// Factory maps VIM types to constructors. It is built once by the
// composition root and shared by every aggregator.
type Factory struct {
	mu           sync.RWMutex
	virt         map[domain.VIMType]VirtConstructor
	k8s          K8sConstructor
	pdu          PDUConstructor
	blueprint    BlueprintConstructor
	configurator VMConfigurator
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{virt: make(map[domain.VIMType]VirtConstructor)}
}

// RegisterVirt registers the constructor for a VIM type.
func (f *Factory) RegisterVirt(vimType domain.VIMType, c VirtConstructor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.virt[vimType]; exists {
		return fmt.Errorf("virtualization provider for vim type %s is already registered", vimType)
	}
	f.virt[vimType] = c
	return nil
}

// SetK8s sets the Kubernetes provider constructor.
func (f *Factory) SetK8s(c K8sConstructor) { f.mu.Lock(); f.k8s = c; f.mu.Unlock() }

// SetPDU sets the PDU provider constructor.
func (f *Factory) SetPDU(c PDUConstructor) { f.mu.Lock(); f.pdu = c; f.mu.Unlock() }

// SetBlueprint sets the nested-blueprint provider constructor.
func (f *Factory) SetBlueprint(c BlueprintConstructor) { f.mu.Lock(); f.blueprint = c; f.mu.Unlock() }

// SetConfigurator sets the VM configurator handed to virtualization providers.
func (f *Factory) SetConfigurator(c VMConfigurator) { f.mu.Lock(); f.configurator = c; f.mu.Unlock() }

// Configurator returns the VM configurator, nil when none is set.
func (f *Factory) Configurator() VMConfigurator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.configurator
}

// SupportedVIMTypes lists the VIM types with a registered constructor.
func (f *Factory) SupportedVIMTypes() []domain.VIMType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]domain.VIMType, 0, len(f.virt))
	for t := range f.virt {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewVirt builds the virtualization provider for vim.
func (f *Factory) NewVirt(ctx context.Context, area int, blueprintID string, vim *domain.VIM) (VirtualizationProvider, error) {
	f.mu.RLock()
	c, ok := f.virt[vim.Type]
	cfgr := f.configurator
	f.mu.RUnlock()
	if !ok {
		return nil, apperrors.UnsupportedVIM(string(vim.Type))
	}
	p, err := c(ctx, Params{Area: area, BlueprintID: blueprintID, Configurator: cfgr}, vim)
	if err != nil {
		return nil, fmt.Errorf("create %s provider for area %d: %w", vim.Type, area, err)
	}
	return p, nil
}

// NewK8s builds the Kubernetes provider for cluster.
func (f *Factory) NewK8s(ctx context.Context, area int, blueprintID string, cluster *domain.K8sCluster) (KubernetesProvider, error) {
	f.mu.RLock()
	c := f.k8s
	f.mu.RUnlock()
	if c == nil {
		return nil, apperrors.NotSupported(CapabilityKubernetes, "provider construction")
	}
	p, err := c(ctx, Params{Area: area, BlueprintID: blueprintID}, cluster)
	if err != nil {
		return nil, fmt.Errorf("create k8s provider for area %d: %w", area, err)
	}
	return p, nil
}

// NewPDU builds the PDU provider of blueprintID.
func (f *Factory) NewPDU(ctx context.Context, blueprintID string) (PDUProvider, error) {
	f.mu.RLock()
	c := f.pdu
	f.mu.RUnlock()
	if c == nil {
		return nil, apperrors.NotSupported(CapabilityPDU, "provider construction")
	}
	return c(ctx, blueprintID)
}

// NewBlueprint builds the nested-blueprint provider of blueprintID.
func (f *Factory) NewBlueprint(ctx context.Context, blueprintID string) (BlueprintProvider, error) {
	f.mu.RLock()
	c := f.blueprint
	f.mu.RUnlock()
	if c == nil {
		return nil, apperrors.NotSupported(CapabilityBlueprint, "provider construction")
	}
	return c(ctx, blueprintID)
}

// HasPDU reports whether a PDU constructor is configured.
func (f *Factory) HasPDU() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pdu != nil
}

// HasBlueprint reports whether a nested-blueprint constructor is configured.
func (f *Factory) HasBlueprint() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.blueprint != nil
}
