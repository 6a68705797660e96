// Package provider defines the infrastructure capability contracts consumed
// by blueprints and the Aggregator that routes every call to the provider
// instance owning the target area.
//
// Concrete drivers live in sub-packages (kubevirt, proxmox, k8s) and in
// internal/pdu; they never leak SDK types through these interfaces.
package provider

import (
	"context"
	"encoding/json"

	"nfvcl.io/nfvcl/internal/domain"
)

// Capability names, used for telemetry labels and error messages.
const (
	CapabilityVirtualization = "virtualization"
	CapabilityKubernetes     = "kubernetes"
	CapabilityPDU            = "pdu"
	CapabilityBlueprint      = "blueprint"
)

// Provider is the part shared by every capability: identity, persisted data
// and the end-of-life cleanup hook.
type Provider interface {
	// ProviderType identifies the implementation, e.g. "proxmox".
	ProviderType() string
	// DataType tags the persisted data so a reload can check it matches.
	DataType() string
	// Data returns the value persisted as provider_data.
	Data() interface{}
	// LoadData restores persisted provider_data.
	LoadData(raw json.RawMessage) error
	// FinalCleanup releases everything the provider still tracks for the blueprint.
	FinalCleanup(ctx context.Context) error
}

// NetworkCheckResult is the outcome of CheckNetworks.
type NetworkCheckResult struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
}

// VirtualizationProvider manages VMs and networks on one area's VIM.
type VirtualizationProvider interface {
	Provider
	// CreateVM provisions vm and fills its runtime fields (access IP, NICs, Created).
	CreateVM(ctx context.Context, vm *domain.VMResource) error
	// AttachNets attaches networks to vm and returns the IPs they obtained.
	AttachNets(ctx context.Context, vm *domain.VMResource, nets []string) ([]string, error)
	CreateNet(ctx context.Context, net *domain.NetResource) error
	// ConfigureVM applies a configuration to its target VM.
	ConfigureVM(ctx context.Context, cfg domain.VMTargeted) (map[string]interface{}, error)
	DestroyVM(ctx context.Context, vm *domain.VMResource) error
	RebootVM(ctx context.Context, vm *domain.VMResource, hard bool) error
	CheckVMStatus(ctx context.Context, vm *domain.VMResource) (*domain.VMStatusReport, error)
	CheckNetworks(ctx context.Context, names []string) (*NetworkCheckResult, error)
}

// ExecResult is the outcome of a command executed in a pod.
type ExecResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// KubernetesProvider manages Helm releases and workloads on one area's cluster.
type KubernetesProvider interface {
	Provider
	InstallHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error
	UpdateValuesHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error
	UninstallHelmChart(ctx context.Context, chart *domain.HelmChartResource) error
	GetPodLog(ctx context.Context, chart *domain.HelmChartResource, pod string, tailLines int64) (string, error)
	ReserveMultusIP(ctx context.Context, network string) (*domain.MultusInterface, error)
	ReleaseMultusIP(ctx context.Context, iface *domain.MultusInterface) error
	RestartDeployment(ctx context.Context, chart *domain.HelmChartResource, deployment string) error
	RestartAllDeployments(ctx context.Context, chart *domain.HelmChartResource) error
	ExecCommandInPod(ctx context.Context, chart *domain.HelmChartResource, pod string, command []string) (*ExecResult, error)
}

// PDUConfigurator drives the device-specific configuration of a PDU.
type PDUConfigurator interface {
	PDUType() string
	Configure(ctx context.Context, pdu *domain.PDU, payload json.RawMessage) (json.RawMessage, error)
}

// PDUProvider gives one blueprint access to the shared PDU inventory.
type PDUProvider interface {
	Provider
	FindPDU(ctx context.Context, area int, pduType, name string) (*domain.PDU, error)
	FindPDUs(ctx context.Context, area int, pduType string) ([]*domain.PDU, error)
	LockPDU(ctx context.Context, pdu *domain.PDU) error
	UnlockPDU(ctx context.Context, pdu *domain.PDU) error
	IsPDULocked(ctx context.Context, pdu *domain.PDU) (bool, error)
	IsPDULockedByCurrentBlueprint(ctx context.Context, pdu *domain.PDU) (bool, error)
	GetPDUConfigurator(ctx context.Context, pdu *domain.PDU) (PDUConfigurator, error)
	AddPDU(ctx context.Context, pdu *domain.PDU) error
	DeletePDU(ctx context.Context, name string) error
}

// BlueprintProvider creates and drives nested blueprints.
type BlueprintProvider interface {
	Provider
	// CreateBlueprint creates a child of the owning blueprint and returns its ID.
	CreateBlueprint(ctx context.Context, blueprintType string, body json.RawMessage) (string, error)
	// DeleteBlueprint fails with ErrBlueprintNotFound when id no longer exists.
	DeleteBlueprint(ctx context.Context, id string) error
	CallBlueprintFunction(ctx context.Context, id, function string, body json.RawMessage) (json.RawMessage, error)
}

// VMConfigurator executes VM configurations (Ansible playbooks and the like)
// on behalf of virtualization providers.
type VMConfigurator interface {
	Configure(ctx context.Context, vm *domain.VMResource, cfg domain.VMTargeted) (map[string]interface{}, error)
}
