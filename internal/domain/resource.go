// Package domain provides the resource model owned by blueprints.
//
// All provider methods accept and return domain types, NOT SDK types.
package domain

// NoArea is the sentinel area of PDU- and blueprint-scoped resources.
const NoArea = -1

// Kind is the type discriminator persisted next to every registered resource.
type Kind string

// Built-in resource kinds.
const (
	KindVM                     Kind = "vm"
	KindNet                    Kind = "net"
	KindHelmChart              Kind = "helm_chart"
	KindVMAnsibleConfiguration Kind = "vm_ansible_configuration"
)

// Infrastructure names the capability whose presence in an area a deployable
// resource requires before it can be registered.
type Infrastructure int

const (
	InfraNone Infrastructure = iota
	InfraVirtualization
	InfraKubernetes
)

// Resource is any infrastructure unit a blueprint owns.
type Resource interface {
	ResourceID() string
	SetResourceID(id string)
	ResourceArea() int
	Kind() Kind
}

// Deployable is a resource that corresponds to real infrastructure.
type Deployable interface {
	Resource
	Infrastructure() Infrastructure
	deployable()
}

// Configuration is a resource that configures another resource. It declares
// every resource it points at so references can be checked and rebound.
type Configuration interface {
	Resource
	References() []Reference
	configuration()
}

// ResourceBase carries the identity common to every resource.
type ResourceBase struct {
	ID   string `json:"id,omitempty"`
	Area int    `json:"area"`
}

func (b *ResourceBase) ResourceID() string      { return b.ID }
func (b *ResourceBase) SetResourceID(id string) { b.ID = id }
func (b *ResourceBase) ResourceArea() int       { return b.Area }

// DeployableBase is embedded by deployable resources.
type DeployableBase struct {
	ResourceBase
}

func (DeployableBase) deployable() {}

// ConfigurationBase is embedded by configuration resources.
type ConfigurationBase struct {
	ResourceBase
}

func (ConfigurationBase) configuration() {}

// NetResource is a virtual network on an area's VIM.
type NetResource struct {
	DeployableBase
	Name    string `json:"name"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway,omitempty"`
	Created bool   `json:"created"`
}

func (*NetResource) Kind() Kind                     { return KindNet }
func (*NetResource) Infrastructure() Infrastructure { return InfraVirtualization }

// HelmChartResource is a Helm release on an area's Kubernetes cluster.
type HelmChartResource struct {
	DeployableBase
	Name        string                 `json:"name"`
	Chart       string                 `json:"chart"`
	ChartAsPath bool                   `json:"chart_as_path,omitempty"`
	Repo        string                 `json:"repo,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Namespace   string                 `json:"namespace"`
	Values      map[string]interface{} `json:"values,omitempty"`
	Created     bool                   `json:"created"`
	// Services maps service name to its exposed IP once installed.
	Services map[string]string `json:"services,omitempty"`
}

func (*HelmChartResource) Kind() Kind                     { return KindHelmChart }
func (*HelmChartResource) Infrastructure() Infrastructure { return InfraKubernetes }

// VMConfiguration is the base for configurations targeting one VM.
type VMConfiguration struct {
	ConfigurationBase
	VM Ref[*VMResource] `json:"vm_resource"`
}

// References returns the configured VM.
func (c *VMConfiguration) References() []Reference {
	return []Reference{&c.VM}
}

// TargetVM returns the configured VM, nil while the reference is unbound.
func (c *VMConfiguration) TargetVM() *VMResource {
	return c.VM.Get()
}

// VMTargeted is implemented by configurations applied to a single VM.
type VMTargeted interface {
	Configuration
	TargetVM() *VMResource
}

// VMAnsibleConfiguration configures a VM by running a playbook against it.
type VMAnsibleConfiguration struct {
	VMConfiguration
	Playbook string                 `json:"playbook"`
	Vars     map[string]interface{} `json:"vars,omitempty"`
	Applied  bool                   `json:"applied"`
}

func (*VMAnsibleConfiguration) Kind() Kind { return KindVMAnsibleConfiguration }

var (
	_ Deployable    = (*VMResource)(nil)
	_ Deployable    = (*NetResource)(nil)
	_ Deployable    = (*HelmChartResource)(nil)
	_ Configuration = (*VMAnsibleConfiguration)(nil)
)
