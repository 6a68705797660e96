package domain

import (
	"fmt"
	"slices"
)

// VIMType selects the virtualization provider implementation for a VIM.
type VIMType string

const (
	VIMTypeKubeVirt  VIMType = "kubevirt"
	VIMTypeProxmox   VIMType = "proxmox"
	VIMTypeOpenStack VIMType = "openstack"
	VIMTypeMock      VIMType = "mock"
)

// Valid reports whether t is a known VIM type.
func (t VIMType) Valid() bool {
	switch t {
	case VIMTypeKubeVirt, VIMTypeProxmox, VIMTypeOpenStack, VIMTypeMock:
		return true
	}
	return false
}

// VIM is a Virtualized Infrastructure Manager serving one or more areas.
type VIM struct {
	Name     string  `json:"name" mapstructure:"name"`
	Type     VIMType `json:"type" mapstructure:"type"`
	URL      string  `json:"url,omitempty" mapstructure:"url"`
	Username string  `json:"username,omitempty" mapstructure:"username"`
	Password string  `json:"-" mapstructure:"password"`
	Token    string  `json:"-" mapstructure:"token"`
	Insecure bool    `json:"insecure,omitempty" mapstructure:"insecure"`
	Areas    []int   `json:"areas" mapstructure:"areas"`
	// Options carries driver-specific settings (proxmox vmid range, kubevirt namespace, ...).
	Options map[string]interface{} `json:"options,omitempty" mapstructure:"options"`
}

// ServesArea reports whether the VIM backs area.
func (v *VIM) ServesArea(area int) bool {
	return slices.Contains(v.Areas, area)
}

// Option returns the named option formatted as a string, or def.
func (v *VIM) Option(name, def string) string {
	val, ok := v.Options[name]
	if !ok || val == nil {
		return def
	}
	if s := fmt.Sprint(val); s != "" {
		return s
	}
	return def
}

// K8sCluster is a Kubernetes cluster serving one or more areas.
type K8sCluster struct {
	Name       string `json:"name" mapstructure:"name"`
	Kubeconfig string `json:"-" mapstructure:"kubeconfig"`
	// KubeconfigPath is used when Kubeconfig is empty.
	KubeconfigPath string          `json:"kubeconfig_path,omitempty" mapstructure:"kubeconfig_path"`
	Namespace      string          `json:"namespace,omitempty" mapstructure:"namespace"`
	Areas          []int           `json:"areas" mapstructure:"areas"`
	MultusNetworks []MultusNetwork `json:"multus_networks,omitempty" mapstructure:"multus_networks"`
}

// ServesArea reports whether the cluster backs area.
func (c *K8sCluster) ServesArea(area int) bool {
	return slices.Contains(c.Areas, area)
}

// MultusNetwork returns the named Multus network of the cluster.
func (c *K8sCluster) MultusNetwork(name string) (MultusNetwork, bool) {
	for _, n := range c.MultusNetworks {
		if n.Name == name {
			return n, true
		}
	}
	return MultusNetwork{}, false
}

// MultusNetwork is a secondary pod network with a reservable address range.
type MultusNetwork struct {
	Name      string `json:"name" mapstructure:"name"`
	Interface string `json:"interface,omitempty" mapstructure:"interface"`
	IPStart   string `json:"ip_start" mapstructure:"ip_start"`
	IPEnd     string `json:"ip_end" mapstructure:"ip_end"`
	PrefixLen int    `json:"prefix_len" mapstructure:"prefix_len"`
	Gateway   string `json:"gateway,omitempty" mapstructure:"gateway"`
}

// MultusInterface is an address reserved on a Multus network.
type MultusInterface struct {
	Network   string `json:"network"`
	IP        string `json:"ip"`
	PrefixLen int    `json:"prefix_len"`
	Gateway   string `json:"gateway,omitempty"`
}

// PDU is a physical or external device managed, but not created, by NFVCL.
type PDU struct {
	Name        string                 `json:"name" mapstructure:"name"`
	Area        int                    `json:"area" mapstructure:"area"`
	Type        string                 `json:"type" mapstructure:"type"`
	IPs         []string               `json:"ips,omitempty" mapstructure:"ips"`
	Username    string                 `json:"username,omitempty" mapstructure:"username"`
	Password    string                 `json:"password,omitempty" mapstructure:"password"`
	Config      map[string]interface{} `json:"config,omitempty" mapstructure:"config"`
	LockedBy    string                 `json:"locked_by,omitempty" mapstructure:"-"`
	Description string                 `json:"description,omitempty" mapstructure:"description"`
}

// Locked reports whether any blueprint holds the PDU.
func (p *PDU) Locked() bool { return p.LockedBy != "" }
