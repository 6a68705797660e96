// Package kubevirt implements the virtualization provider on top of KubeVirt.
package kubevirt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/provider"
)

// DataType tags the persisted provider data.
const DataType = "kubevirt_provider_data"

// DefaultNamespace is used when the VIM sets no "namespace" option.
const DefaultNamespace = "nfvcl"

// Data is the persisted state of a Provider: the KubeVirt VM name of every
// resource it created.
type Data struct {
	Namespace string            `json:"namespace"`
	VMs       map[string]string `json:"vms"`
}

// Provider implements provider.VirtualizationProvider for one area's KubeVirt VIM.
type Provider struct {
	area             int
	blueprintID      string
	vimName          string
	client           ClusterClient
	configurator     provider.VMConfigurator
	operationTimeout time.Duration

	mu   sync.Mutex
	data Data
}

var _ provider.VirtualizationProvider = (*Provider)(nil)

// New creates the KubeVirt provider of one area.
func New(p provider.Params, vim *domain.VIM, client ClusterClient, operationTimeout time.Duration) *Provider {
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Minute
	}
	return &Provider{
		area:             p.Area,
		blueprintID:      p.BlueprintID,
		vimName:          vim.Name,
		client:           client,
		configurator:     p.Configurator,
		operationTimeout: operationTimeout,
		data: Data{
			Namespace: vim.Option("namespace", DefaultNamespace),
			VMs:       make(map[string]string),
		},
	}
}

// Constructor adapts clients to a provider.VirtConstructor.
func Constructor(clients ClientFactory, operationTimeout time.Duration) provider.VirtConstructor {
	return func(_ context.Context, p provider.Params, vim *domain.VIM) (provider.VirtualizationProvider, error) {
		client, err := clients(vim)
		if err != nil {
			return nil, fmt.Errorf("get client for vim %s: %w", vim.Name, err)
		}
		return New(p, vim, client, operationTimeout), nil
	}
}

// withTimeout wraps ctx with the configured K8s operation timeout.
func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.operationTimeout)
}

func (p *Provider) ProviderType() string { return string(domain.VIMTypeKubeVirt) }
func (p *Provider) DataType() string     { return DataType }

func (p *Provider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	vms := make(map[string]string, len(p.data.VMs))
	for k, v := range p.data.VMs {
		vms[k] = v
	}
	return Data{Namespace: p.data.Namespace, VMs: vms}
}

func (p *Provider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := provider.DecodeData(raw, &p.data); err != nil {
		return err
	}
	if p.data.VMs == nil {
		p.data.VMs = make(map[string]string)
	}
	return nil
}

func (p *Provider) namespace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Namespace
}

func (p *Provider) trackedName(vm *domain.VMResource) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.data.VMs[vm.ID]; ok {
		return name
	}
	return vmName(p.blueprintID, vm)
}

// CreateVM creates the VM and waits for nothing: runtime fields are filled
// from whatever the VMI already reports.
func (p *Provider) CreateVM(ctx context.Context, vm *domain.VMResource) error {
	ns := p.namespace()
	name := vmName(p.blueprintID, vm)
	obj, err := buildVirtualMachine(ns, name, p.blueprintID, vm)
	if err != nil {
		return fmt.Errorf("build vm: %w", err)
	}

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	if _, err := p.client.VM().Create(opCtx, ns, obj, k8smetav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("create vm %s/%s: %w", ns, name, err)
	}

	p.mu.Lock()
	p.data.VMs[vm.ID] = name
	p.mu.Unlock()

	vm.Created = true
	if vmi, err := p.client.VMI().Get(opCtx, ns, name, k8smetav1.GetOptions{}); err == nil {
		vm.NetworkInterfaces, vm.AccessIP = mapInterfaces(vm, vmi)
	}
	return nil
}

// AttachNets adds Multus networks to the VM template and restarts it so the
// new interfaces are plugged.
func (p *Provider) AttachNets(ctx context.Context, vm *domain.VMResource, nets []string) ([]string, error) {
	ns := p.namespace()
	name := p.trackedName(vm)

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	obj, err := p.client.VM().Get(opCtx, ns, name, k8smetav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get vm %s/%s: %w", ns, name, err)
	}
	changed := false
	for _, n := range nets {
		if addMultusNetwork(obj, n, false) {
			changed = true
			vm.AdditionalNetworks = append(vm.AdditionalNetworks, n)
		}
	}
	if changed {
		if _, err := p.client.VM().Update(opCtx, ns, obj, k8smetav1.UpdateOptions{}); err != nil {
			return nil, fmt.Errorf("update vm %s/%s: %w", ns, name, err)
		}
		if err := p.client.VM().Restart(opCtx, ns, name, &kubevirtv1.RestartOptions{}); err != nil {
			return nil, fmt.Errorf("restart vm %s/%s: %w", ns, name, err)
		}
	}

	ips := make([]string, len(nets))
	if vmi, err := p.client.VMI().Get(opCtx, ns, name, k8smetav1.GetOptions{}); err == nil {
		vm.NetworkInterfaces, vm.AccessIP = mapInterfaces(vm, vmi)
		for i, n := range nets {
			if ifaces := vm.NetworkInterfaces[n]; len(ifaces) > 0 {
				ips[i] = ifaces[0].IP
			}
		}
	}
	return ips, nil
}

// CreateNet verifies the Multus attachment exists; KubeVirt networks are
// NetworkAttachmentDefinitions managed outside NFVCL.
func (p *Provider) CreateNet(ctx context.Context, net *domain.NetResource) error {
	res, err := p.CheckNetworks(ctx, []string{net.Name})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("network attachment %s not found in %s: %w", net.Name, p.namespace(), apperrors.ErrNotFound)
	}
	net.Created = true
	return nil
}

func (p *Provider) ConfigureVM(ctx context.Context, cfg domain.VMTargeted) (map[string]interface{}, error) {
	if p.configurator == nil {
		return nil, apperrors.NotSupported(p.ProviderType(), "configure_vm")
	}
	return p.configurator.Configure(ctx, cfg.TargetVM(), cfg)
}

// DestroyVM deletes the VM; a VM already gone counts as destroyed.
func (p *Provider) DestroyVM(ctx context.Context, vm *domain.VMResource) error {
	ns := p.namespace()
	name := p.trackedName(vm)

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := p.client.VM().Delete(opCtx, ns, name, k8smetav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete vm %s/%s: %w", ns, name, err)
	}
	p.mu.Lock()
	delete(p.data.VMs, vm.ID)
	p.mu.Unlock()
	vm.Created = false
	return nil
}

// RebootVM restarts the VM; a hard reboot stops it with no grace period first.
func (p *Provider) RebootVM(ctx context.Context, vm *domain.VMResource, hard bool) error {
	ns := p.namespace()
	name := p.trackedName(vm)

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	if hard {
		grace := int64(0)
		if err := p.client.VM().Stop(opCtx, ns, name, &kubevirtv1.StopOptions{GracePeriod: &grace}); err != nil {
			return fmt.Errorf("stop vm %s/%s: %w", ns, name, err)
		}
		if err := p.client.VM().Start(opCtx, ns, name, &kubevirtv1.StartOptions{}); err != nil {
			return fmt.Errorf("start vm %s/%s: %w", ns, name, err)
		}
		return nil
	}
	if err := p.client.VM().Restart(opCtx, ns, name, &kubevirtv1.RestartOptions{}); err != nil {
		return fmt.Errorf("restart vm %s/%s: %w", ns, name, err)
	}
	return nil
}

func (p *Provider) CheckVMStatus(ctx context.Context, vm *domain.VMResource) (*domain.VMStatusReport, error) {
	ns := p.namespace()
	name := p.trackedName(vm)

	obj, err := p.client.VM().Get(ctx, ns, name, k8smetav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return &domain.VMStatusReport{Status: domain.VMStatusUnknown}, nil
		}
		return nil, fmt.Errorf("get vm %s/%s: %w", ns, name, err)
	}

	// Try to get VMI for status enrichment
	vmi, _ := p.client.VMI().Get(ctx, ns, name, k8smetav1.GetOptions{})

	report := &domain.VMStatusReport{
		Status: mapVMStatus(obj, vmi),
		Ready:  obj.Status.Ready,
	}
	if vmi != nil {
		report.Node = vmi.Status.NodeName
		vm.NetworkInterfaces, report.AccessIP = mapInterfaces(vm, vmi)
		if report.AccessIP != "" {
			vm.AccessIP = report.AccessIP
		}
	}
	return report, nil
}

func (p *Provider) CheckNetworks(ctx context.Context, names []string) (*provider.NetworkCheckResult, error) {
	have, err := p.client.Networks().ListNetworkAttachments(ctx, p.namespace())
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(have))
	for _, n := range have {
		known[n] = struct{}{}
	}
	res := &provider.NetworkCheckResult{OK: true}
	for _, n := range names {
		if n == podNetworkName {
			continue
		}
		if _, ok := known[n]; !ok {
			res.OK = false
			res.Missing = append(res.Missing, n)
		}
	}
	return res, nil
}

// FinalCleanup deletes every VM still tracked, continuing past failures.
func (p *Provider) FinalCleanup(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.data.VMs))
	for id := range p.data.VMs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		vm := &domain.VMResource{}
		vm.ID = id
		if err := p.DestroyVM(ctx, vm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Probe returns a health probe listing the network attachments of the VIM
// namespace.
func Probe(clients ClientFactory, vim *domain.VIM) provider.Probe {
	return func(ctx context.Context) error {
		client, err := clients(vim)
		if err != nil {
			return err
		}
		if _, err := client.Networks().ListNetworkAttachments(ctx, vim.Option("namespace", DefaultNamespace)); err != nil {
			return fmt.Errorf("reach kubevirt vim %s: %w", vim.Name, err)
		}
		return nil
	}
}
