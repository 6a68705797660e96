package domain

// VMResource is a virtual machine on an area's VIM.
type VMResource struct {
	DeployableBase
	Name               string   `json:"name"`
	Image              string   `json:"image"`
	Flavor             VMFlavor `json:"flavor"`
	Username           string   `json:"username"`
	Password           string   `json:"password,omitempty"`
	ManagementNetwork  string   `json:"management_network"`
	AdditionalNetworks []string `json:"additional_networks,omitempty"`
	RequireFloatingIP  bool     `json:"require_floating_ip,omitempty"`
	CloudInit          string   `json:"cloud_init,omitempty"`

	// Filled in by the provider once the VM exists.
	AccessIP          string                          `json:"access_ip,omitempty"`
	NetworkInterfaces map[string][]VMNetworkInterface `json:"network_interfaces,omitempty"`
	Created           bool                            `json:"created"`
}

func (*VMResource) Kind() Kind                     { return KindVM }
func (*VMResource) Infrastructure() Infrastructure { return InfraVirtualization }

// Networks returns the management network followed by the additional ones.
func (v *VMResource) Networks() []string {
	nets := make([]string, 0, 1+len(v.AdditionalNetworks))
	if v.ManagementNetwork != "" {
		nets = append(nets, v.ManagementNetwork)
	}
	return append(nets, v.AdditionalNetworks...)
}

// VMFlavor sizes a VM.
type VMFlavor struct {
	VCPUs     int `json:"vcpus"`
	MemoryMB  int `json:"memory_mb"`
	StorageGB int `json:"storage_gb"`
}

// VMNetworkInterface is one attached NIC as reported by the VIM.
type VMNetworkInterface struct {
	Name string `json:"name,omitempty"`
	MAC  string `json:"mac,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// VMStatus represents the current status of a VM as reported by a provider.
type VMStatus string

const (
	VMStatusCreating VMStatus = "CREATING"
	VMStatusRunning  VMStatus = "RUNNING"
	VMStatusStopping VMStatus = "STOPPING"
	VMStatusStopped  VMStatus = "STOPPED"
	VMStatusDeleting VMStatus = "DELETING"
	VMStatusFailed   VMStatus = "FAILED"
	VMStatusPending  VMStatus = "PENDING"
	VMStatusPaused   VMStatus = "PAUSED"
	VMStatusUnknown  VMStatus = "UNKNOWN"
)

// VMStatusReport is returned by CheckVMStatus.
type VMStatusReport struct {
	Status   VMStatus `json:"status"`
	Ready    bool     `json:"ready"`
	AccessIP string   `json:"access_ip,omitempty"`
	Node     string   `json:"node,omitempty"`
}
