package proxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// NodeUsage is the utilization snapshot of one Proxmox node.
type NodeUsage struct {
	Name   string
	MaxMem uint64
	Mem    uint64
	CPU    float64
}

// VMInfo is the live state of one Proxmox VM.
type VMInfo struct {
	Name   string
	Status string
	Tags   string
}

// API is the subset of the Proxmox API the provider drives. Task-returning
// calls block until the task finishes.
type API interface {
	NodeUsage(ctx context.Context) ([]NodeUsage, error)
	UsedVMIDs(ctx context.Context) ([]uint64, error)
	NodeBridges(ctx context.Context, node string) ([]string, error)
	CreateVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error
	ConfigureVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error
	StartVM(ctx context.Context, node string, vmid int) error
	StopVM(ctx context.Context, node string, vmid int) error
	RebootVM(ctx context.Context, node string, vmid int) error
	ResetVM(ctx context.Context, node string, vmid int) error
	DeleteVM(ctx context.Context, node string, vmid int) error
	// VMInfo fails with ErrNotFound when the VM does not exist.
	VMInfo(ctx context.Context, node string, vmid int) (*VMInfo, error)
	// VMInterfaces reads NIC addresses through the guest agent.
	VMInterfaces(ctx context.Context, node string, vmid int) ([]domain.VMNetworkInterface, error)
	Ping(ctx context.Context) error
}

// NewAPI connects to the VIM's Proxmox endpoint with an API token.
func NewAPI(vim *domain.VIM, taskTimeoutSeconds int) (API, error) {
	if vim.URL == "" {
		return nil, fmt.Errorf("proxmox vim %s: url is required", vim.Name)
	}
	creds, err := credentialsFromVIM(vim)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	if creds.InsecureSkipTLSVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client := proxmoxapi.NewClient(
		vim.URL,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(creds.TokenID, creds.Secret),
	)
	if taskTimeoutSeconds <= 0 {
		taskTimeoutSeconds = 600
	}
	return &clientAPI{client: client, taskTimeout: taskTimeoutSeconds}, nil
}

type clientAPI struct {
	client      *proxmoxapi.Client
	taskTimeout int
}

func (a *clientAPI) resources(ctx context.Context, filter string) (proxmoxapi.ClusterResources, error) {
	cluster, err := a.client.Cluster(ctx)
	if err != nil {
		return nil, fmt.Errorf("get proxmox cluster: %w", err)
	}
	res, err := cluster.Resources(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get proxmox %s resources: %w", filter, err)
	}
	return res, nil
}

func (a *clientAPI) NodeUsage(ctx context.Context) ([]NodeUsage, error) {
	res, err := a.resources(ctx, "node")
	if err != nil {
		return nil, err
	}
	out := make([]NodeUsage, 0, len(res))
	for _, r := range res {
		if r.Node == "" {
			continue
		}
		out = append(out, NodeUsage{Name: r.Node, MaxMem: r.MaxMem, Mem: r.Mem, CPU: r.CPU})
	}
	return out, nil
}

func (a *clientAPI) UsedVMIDs(ctx context.Context) ([]uint64, error) {
	res, err := a.resources(ctx, "vm")
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(res))
	for _, r := range res {
		ids = append(ids, r.VMID)
	}
	return ids, nil
}

func (a *clientAPI) NodeBridges(ctx context.Context, node string) ([]string, error) {
	n, err := a.client.Node(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", node, err)
	}
	nets, err := n.Networks(ctx, "bridge")
	if err != nil {
		return nil, fmt.Errorf("list bridges of node %s: %w", node, err)
	}
	out := make([]string, 0, len(nets))
	for _, nw := range nets {
		out = append(out, nw.Iface)
	}
	return out, nil
}

func (a *clientAPI) CreateVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error {
	n, err := a.client.Node(ctx, node)
	if err != nil {
		return fmt.Errorf("get node %s: %w", node, err)
	}
	task, err := n.NewVirtualMachine(ctx, vmid, opts...)
	if err != nil {
		return fmt.Errorf("create vm %d on %s: %w", vmid, node, err)
	}
	return task.WaitFor(ctx, a.taskTimeout)
}

func (a *clientAPI) vm(ctx context.Context, node string, vmid int) (*proxmoxapi.VirtualMachine, error) {
	n, err := a.client.Node(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", node, err)
	}
	vm, err := n.VirtualMachine(ctx, vmid)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, fmt.Errorf("vm %d on %s: %w", vmid, node, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get vm %d on %s: %w", vmid, node, err)
	}
	return vm, nil
}

func (a *clientAPI) runTask(ctx context.Context, node string, vmid int, verb string, op func(*proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error)) error {
	vm, err := a.vm(ctx, node, vmid)
	if err != nil {
		return err
	}
	task, err := op(vm)
	if err != nil {
		return fmt.Errorf("%s vm %d: %w", verb, vmid, err)
	}
	if err := task.WaitFor(ctx, a.taskTimeout); err != nil {
		return fmt.Errorf("wait %s vm %d: %w", verb, vmid, err)
	}
	return nil
}

func (a *clientAPI) ConfigureVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error {
	return a.runTask(ctx, node, vmid, "configure", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Config(ctx, opts...)
	})
}

func (a *clientAPI) StartVM(ctx context.Context, node string, vmid int) error {
	return a.runTask(ctx, node, vmid, "start", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Start(ctx)
	})
}

func (a *clientAPI) StopVM(ctx context.Context, node string, vmid int) error {
	return a.runTask(ctx, node, vmid, "stop", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Stop(ctx)
	})
}

func (a *clientAPI) RebootVM(ctx context.Context, node string, vmid int) error {
	return a.runTask(ctx, node, vmid, "reboot", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Reboot(ctx)
	})
}

func (a *clientAPI) ResetVM(ctx context.Context, node string, vmid int) error {
	return a.runTask(ctx, node, vmid, "reset", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Reset(ctx)
	})
}

func (a *clientAPI) DeleteVM(ctx context.Context, node string, vmid int) error {
	return a.runTask(ctx, node, vmid, "delete", func(vm *proxmoxapi.VirtualMachine) (*proxmoxapi.Task, error) {
		return vm.Delete(ctx)
	})
}

func (a *clientAPI) VMInfo(ctx context.Context, node string, vmid int) (*VMInfo, error) {
	vm, err := a.vm(ctx, node, vmid)
	if err != nil {
		return nil, err
	}
	return &VMInfo{Name: vm.Name, Status: vm.Status, Tags: vm.Tags}, nil
}

func (a *clientAPI) VMInterfaces(ctx context.Context, node string, vmid int) ([]domain.VMNetworkInterface, error) {
	vm, err := a.vm(ctx, node, vmid)
	if err != nil {
		return nil, err
	}
	ifaces, err := vm.AgentGetNetworkIFaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("read guest agent interfaces of vm %d: %w", vmid, err)
	}
	var out []domain.VMNetworkInterface
	for _, iface := range ifaces {
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType != "ipv4" {
				continue
			}
			out = append(out, domain.VMNetworkInterface{
				Name: iface.Name,
				MAC:  strings.ToLower(iface.HardwareAddress),
				IP:   addr.IPAddress,
			})
		}
	}
	return out, nil
}

func (a *clientAPI) Ping(ctx context.Context) error {
	if _, err := a.client.Version(ctx); err != nil {
		return fmt.Errorf("proxmox version: %w", err)
	}
	return nil
}
