// Package proxmox implements the virtualization provider on Proxmox VE.
package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/provider"
)

// DataType tags the persisted provider data.
const DataType = "proxmox_provider_data"

const cpuUtilMax = 0.95

// NIC is one interface the provider plugged into a VM.
type NIC struct {
	Bridge string `json:"bridge"`
	MAC    string `json:"mac"`
}

// VMRef locates a VM created by the provider.
type VMRef struct {
	VMID int    `json:"vmid"`
	Node string `json:"node"`
	Name string `json:"name"`
	NICs []NIC  `json:"nics"`
}

// Data is the persisted state of a Provider.
type Data struct {
	VMs map[string]VMRef `json:"vms"`
}

// Provider implements provider.VirtualizationProvider for one area's Proxmox VIM.
type Provider struct {
	area         int
	blueprintID  string
	api          API
	opts         Options
	configurator provider.VMConfigurator

	mu   sync.Mutex
	data Data
}

var _ provider.VirtualizationProvider = (*Provider)(nil)

// New creates the Proxmox provider of one area.
func New(p provider.Params, vim *domain.VIM, api API) (*Provider, error) {
	opts, err := parseOptions(vim)
	if err != nil {
		return nil, fmt.Errorf("parse proxmox options: %w", err)
	}
	return &Provider{
		area:         p.Area,
		blueprintID:  p.BlueprintID,
		api:          api,
		opts:         opts,
		configurator: p.Configurator,
		data:         Data{VMs: make(map[string]VMRef)},
	}, nil
}

// APIFactory returns the API client of a VIM.
type APIFactory func(vim *domain.VIM) (API, error)

// Constructor adapts apis to a provider.VirtConstructor.
func Constructor(apis APIFactory) provider.VirtConstructor {
	return func(_ context.Context, p provider.Params, vim *domain.VIM) (provider.VirtualizationProvider, error) {
		api, err := apis(vim)
		if err != nil {
			return nil, err
		}
		return New(p, vim, api)
	}
}

func (p *Provider) ProviderType() string { return string(domain.VIMTypeProxmox) }
func (p *Provider) DataType() string     { return DataType }

func (p *Provider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	vms := make(map[string]VMRef, len(p.data.VMs))
	for k, v := range p.data.VMs {
		v.NICs = append([]NIC(nil), v.NICs...)
		vms[k] = v
	}
	return Data{VMs: vms}
}

func (p *Provider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := provider.DecodeData(raw, &p.data); err != nil {
		return err
	}
	if p.data.VMs == nil {
		p.data.VMs = make(map[string]VMRef)
	}
	return nil
}

func (p *Provider) ref(vm *domain.VMResource) (VMRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.data.VMs[vm.ID]
	return r, ok
}

func (p *Provider) setRef(id string, r VMRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.VMs[id] = r
}

func (p *Provider) machineName(vm *domain.VMResource) string {
	return sanitize(p.blueprintID) + "-" + sanitize(vm.Name)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// selectNode returns the candidate node with the most free memory that passes
// a basic mem/CPU check.
func (p *Provider) selectNode(ctx context.Context, memoryMiB int64) (string, error) {
	usage, err := p.api.NodeUsage(ctx)
	if err != nil {
		return "", fmt.Errorf("select node: %w", err)
	}
	allowed := map[string]bool{}
	for _, n := range p.opts.NodeWhitelist {
		allowed[n] = true
	}

	needMiB := memoryMiB + p.opts.VMMemOverheadMiB
	if needMiB <= 0 {
		needMiB = 512
	}

	best, bestFree := "", int64(-1)
	for _, u := range usage {
		if len(allowed) > 0 && !allowed[u.Name] {
			continue
		}
		if u.MaxMem == 0 || u.CPU > cpuUtilMax {
			continue
		}
		freeMiB := int64((u.MaxMem - u.Mem) / (1024 * 1024))
		if freeMiB < needMiB {
			continue
		}
		if freeMiB > bestFree || (freeMiB == bestFree && u.Name < best) {
			best, bestFree = u.Name, freeMiB
		}
	}
	if best == "" {
		return "", fmt.Errorf("select node: no node meets basic fit (need %d MiB, cpu<%.2f)", needMiB, cpuUtilMax)
	}
	return best, nil
}

// buildVirtualMachineOptions maps vm plus provider options into Proxmox VM
// options. The image is imported onto the configured storage.
func buildVirtualMachineOptions(name string, vm *domain.VMResource, nics []NIC, opts Options, tags string) []proxmoxapi.VirtualMachineOption {
	memory := int64(vm.Flavor.MemoryMB)
	if opts.VMMemOverheadMiB > 0 {
		memory += opts.VMMemOverheadMiB
	}
	vmOpts := []proxmoxapi.VirtualMachineOption{
		{Name: "name", Value: name},
		{Name: "memory", Value: memory},
		{Name: "cores", Value: vm.Flavor.VCPUs},
		{Name: "ostype", Value: "l26"},
		{Name: "agent", Value: "1"},
		{Name: "tags", Value: tags},
		{Name: "scsihw", Value: "virtio-scsi-pci"},
		{Name: "scsi0", Value: fmt.Sprintf("%s:0,import-from=%s", opts.Storage, vm.Image)},
		{Name: "ide2", Value: fmt.Sprintf("%s:cloudinit", opts.Storage)},
		{Name: "boot", Value: "order=scsi0"},
	}
	if vm.Username != "" {
		vmOpts = append(vmOpts, proxmoxapi.VirtualMachineOption{Name: "ciuser", Value: vm.Username})
	}
	if vm.Password != "" {
		vmOpts = append(vmOpts, proxmoxapi.VirtualMachineOption{Name: "cipassword", Value: vm.Password})
	}
	for idx, nic := range nics {
		vmOpts = append(vmOpts,
			proxmoxapi.VirtualMachineOption{Name: fmt.Sprintf("net%d", idx), Value: nicValue(nic.MAC, nic.Bridge)},
			proxmoxapi.VirtualMachineOption{Name: fmt.Sprintf("ipconfig%d", idx), Value: "ip=dhcp"},
		)
	}
	return vmOpts
}

// CreateVM allocates a VMID in the configured range, places the VM on the
// best-fitting node, creates and starts it.
func (p *Provider) CreateVM(ctx context.Context, vm *domain.VMResource) error {
	if vm.Image == "" || vm.Flavor.VCPUs <= 0 || vm.Flavor.MemoryMB <= 0 {
		return fmt.Errorf("vm %s: image, vcpus and memory are required: %w", vm.Name, apperrors.ErrBadRequest)
	}
	if _, ok := p.ref(vm); ok {
		vm.Created = true
		return nil
	}

	used, err := p.api.UsedVMIDs(ctx)
	if err != nil {
		return fmt.Errorf("list vmids: %w", err)
	}
	vmid, err := generateNewVMID(used, p.opts.VMIDRange)
	if err != nil {
		return fmt.Errorf("allocate VMID: %w", err)
	}
	node, err := p.selectNode(ctx, int64(vm.Flavor.MemoryMB))
	if err != nil {
		return err
	}

	nets := vm.Networks()
	if len(nets) == 0 {
		return fmt.Errorf("vm %s: at least one network is required: %w", vm.Name, apperrors.ErrBadRequest)
	}
	nics := make([]NIC, len(nets))
	for i, n := range nets {
		nics[i] = NIC{Bridge: n, MAC: generateRandomMAC(p.opts.MACPrefix)}
	}

	name := p.machineName(vm)
	tags := p.opts.ManagedTag + ";" + sanitize(p.blueprintID)
	if err := p.api.CreateVM(ctx, node, vmid, buildVirtualMachineOptions(name, vm, nics, p.opts, tags)); err != nil {
		return err
	}
	p.setRef(vm.ID, VMRef{VMID: vmid, Node: node, Name: name, NICs: nics})

	if err := p.api.StartVM(ctx, node, vmid); err != nil {
		return fmt.Errorf("start vm %s: %w", name, err)
	}
	vm.Created = true
	p.refreshInterfaces(ctx, vm)
	return nil
}

// refreshInterfaces fills the VM NICs from the guest agent, best effort.
func (p *Provider) refreshInterfaces(ctx context.Context, vm *domain.VMResource) {
	r, ok := p.ref(vm)
	if !ok {
		return
	}
	ifaces, err := p.api.VMInterfaces(ctx, r.Node, r.VMID)
	if err != nil {
		return
	}
	byMAC := make(map[string]string, len(r.NICs))
	for _, nic := range r.NICs {
		byMAC[strings.ToLower(nic.MAC)] = nic.Bridge
	}
	out := make(map[string][]domain.VMNetworkInterface)
	for _, iface := range ifaces {
		bridge, ok := byMAC[strings.ToLower(iface.MAC)]
		if !ok {
			continue
		}
		out[bridge] = append(out[bridge], iface)
	}
	vm.NetworkInterfaces = out
	if len(r.NICs) > 0 {
		if mgmt := out[r.NICs[0].Bridge]; len(mgmt) > 0 {
			vm.AccessIP = mgmt[0].IP
		}
	}
}

func (p *Provider) requireRef(vm *domain.VMResource) (VMRef, error) {
	r, ok := p.ref(vm)
	if !ok {
		return VMRef{}, fmt.Errorf("vm %s is not tracked by proxmox provider: %w", vm.ID, apperrors.ErrNotFound)
	}
	return r, nil
}

func (p *Provider) AttachNets(ctx context.Context, vm *domain.VMResource, nets []string) ([]string, error) {
	r, err := p.requireRef(vm)
	if err != nil {
		return nil, err
	}
	var opts []proxmoxapi.VirtualMachineOption
	for _, n := range nets {
		attached := false
		for _, nic := range r.NICs {
			if nic.Bridge == n {
				attached = true
				break
			}
		}
		if attached {
			continue
		}
		nic := NIC{Bridge: n, MAC: generateRandomMAC(p.opts.MACPrefix)}
		idx := len(r.NICs)
		opts = append(opts,
			proxmoxapi.VirtualMachineOption{Name: fmt.Sprintf("net%d", idx), Value: nicValue(nic.MAC, nic.Bridge)},
			proxmoxapi.VirtualMachineOption{Name: fmt.Sprintf("ipconfig%d", idx), Value: "ip=dhcp"},
		)
		r.NICs = append(r.NICs, nic)
		vm.AdditionalNetworks = append(vm.AdditionalNetworks, n)
	}
	if len(opts) > 0 {
		if err := p.api.ConfigureVM(ctx, r.Node, r.VMID, opts); err != nil {
			return nil, err
		}
		p.setRef(vm.ID, r)
	}

	p.refreshInterfaces(ctx, vm)
	ips := make([]string, len(nets))
	for i, n := range nets {
		if ifaces := vm.NetworkInterfaces[n]; len(ifaces) > 0 {
			ips[i] = ifaces[0].IP
		}
	}
	return ips, nil
}

// CreateNet checks the bridge exists; Proxmox bridges are host networking
// provisioned outside NFVCL.
func (p *Provider) CreateNet(ctx context.Context, net *domain.NetResource) error {
	res, err := p.CheckNetworks(ctx, []string{net.Name})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("bridge %s not found on any node: %w", net.Name, apperrors.ErrNotFound)
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

// DestroyVM stops and deletes the VM. It refuses VMs missing the managed tag.
func (p *Provider) DestroyVM(ctx context.Context, vm *domain.VMResource) error {
	r, ok := p.ref(vm)
	if !ok {
		vm.Created = false
		return nil
	}
	info, err := p.api.VMInfo(ctx, r.Node, r.VMID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		p.forget(vm.ID)
		vm.Created = false
		return nil
	case err != nil:
		return err
	}
	if !strings.Contains(info.Tags, p.opts.ManagedTag) {
		return fmt.Errorf("refusing to delete vm %d (%s) on %s because it does not have tag %q", r.VMID, info.Name, r.Node, p.opts.ManagedTag)
	}
	if info.Status == "running" {
		if err := p.api.StopVM(ctx, r.Node, r.VMID); err != nil {
			return err
		}
	}
	if err := p.api.DeleteVM(ctx, r.Node, r.VMID); err != nil {
		return err
	}
	p.forget(vm.ID)
	vm.Created = false
	return nil
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data.VMs, id)
}

func (p *Provider) RebootVM(ctx context.Context, vm *domain.VMResource, hard bool) error {
	r, err := p.requireRef(vm)
	if err != nil {
		return err
	}
	if hard {
		return p.api.ResetVM(ctx, r.Node, r.VMID)
	}
	return p.api.RebootVM(ctx, r.Node, r.VMID)
}

func (p *Provider) CheckVMStatus(ctx context.Context, vm *domain.VMResource) (*domain.VMStatusReport, error) {
	r, ok := p.ref(vm)
	if !ok {
		return &domain.VMStatusReport{Status: domain.VMStatusUnknown}, nil
	}
	info, err := p.api.VMInfo(ctx, r.Node, r.VMID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return &domain.VMStatusReport{Status: domain.VMStatusUnknown, Node: r.Node}, nil
		}
		return nil, err
	}
	report := &domain.VMStatusReport{Status: mapStatus(info.Status), Node: r.Node}
	report.Ready = report.Status == domain.VMStatusRunning
	if report.Ready {
		p.refreshInterfaces(ctx, vm)
		report.AccessIP = vm.AccessIP
	}
	return report, nil
}

func mapStatus(s string) domain.VMStatus {
	switch s {
	case "running":
		return domain.VMStatusRunning
	case "stopped":
		return domain.VMStatusStopped
	case "paused", "suspended":
		return domain.VMStatusPaused
	}
	return domain.VMStatusUnknown
}

// CheckNetworks looks the names up among the bridges of every node.
func (p *Provider) CheckNetworks(ctx context.Context, names []string) (*provider.NetworkCheckResult, error) {
	usage, err := p.api.NodeUsage(ctx)
	if err != nil {
		return nil, err
	}
	known := map[string]struct{}{}
	for _, u := range usage {
		bridges, err := p.api.NodeBridges(ctx, u.Name)
		if err != nil {
			return nil, err
		}
		for _, b := range bridges {
			known[b] = struct{}{}
		}
	}
	res := &provider.NetworkCheckResult{OK: true}
	for _, n := range names {
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
			errs = append(errs, fmt.Errorf("destroy vm %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Probe returns a health probe pinging the VIM's Proxmox API.
func Probe(apis APIFactory, vim *domain.VIM) provider.Probe {
	return func(ctx context.Context) error {
		api, err := apis(vim)
		if err != nil {
			return err
		}
		if err := api.Ping(ctx); err != nil {
			return fmt.Errorf("ping proxmox vim %s: %w", vim.Name, err)
		}
		return nil
	}
}
