package kubevirt

import (
	"fmt"
	"strings"

	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"

	"nfvcl.io/nfvcl/internal/domain"
)

// Labels set on every VM created for a blueprint.
const (
	LabelBlueprintID = "nfvcl.io/blueprint-id"
	LabelResourceID  = "nfvcl.io/resource-id"
)

const (
	podNetworkName = "default"
	rootDiskName   = "rootdisk"
	cloudInitName  = "cloudinitdisk"
)

// vmName derives a DNS-1123 name unique per blueprint and resource.
func vmName(blueprintID string, vm *domain.VMResource) string {
	base := strings.ToLower(vm.Name)
	if base == "" {
		base = "vm"
	}
	name := fmt.Sprintf("%s-%s", sanitize(blueprintID), sanitize(base))
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// buildVirtualMachine creates a KubeVirt VM object for vm. The management
// network is the pod network unless it names a Multus attachment.
func buildVirtualMachine(namespace, name, blueprintID string, vm *domain.VMResource) (*kubevirtv1.VirtualMachine, error) {
	if vm.Image == "" {
		return nil, fmt.Errorf("vm %s: image is required", vm.Name)
	}
	if vm.Flavor.VCPUs <= 0 || vm.Flavor.MemoryMB <= 0 {
		return nil, fmt.Errorf("vm %s: flavor needs positive vcpus and memory", vm.Name)
	}

	labels := map[string]string{
		LabelBlueprintID: sanitize(blueprintID),
		LabelResourceID:  sanitize(vm.ID),
	}
	runStrategy := kubevirtv1.RunStrategyAlways

	obj := &kubevirtv1.VirtualMachine{
		ObjectMeta: k8smetav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: kubevirtv1.VirtualMachineSpec{
			RunStrategy: &runStrategy,
			Template: &kubevirtv1.VirtualMachineInstanceTemplateSpec{
				ObjectMeta: k8smetav1.ObjectMeta{Labels: labels},
				Spec: kubevirtv1.VirtualMachineInstanceSpec{
					Domain: kubevirtv1.DomainSpec{
						CPU: &kubevirtv1.CPU{Cores: uint32(vm.Flavor.VCPUs)},
						Resources: kubevirtv1.ResourceRequirements{
							Requests: k8sv1.ResourceList{
								k8sv1.ResourceMemory: *resource.NewQuantity(int64(vm.Flavor.MemoryMB)*1024*1024, resource.BinarySI),
							},
						},
					},
				},
			},
		},
	}
	spec := &obj.Spec.Template.Spec

	spec.Domain.Devices.Disks = []kubevirtv1.Disk{
		{Name: rootDiskName, DiskDevice: kubevirtv1.DiskDevice{Disk: &kubevirtv1.DiskTarget{Bus: kubevirtv1.DiskBusVirtio}}},
		{Name: cloudInitName, DiskDevice: kubevirtv1.DiskDevice{Disk: &kubevirtv1.DiskTarget{Bus: kubevirtv1.DiskBusVirtio}}},
	}
	spec.Volumes = []kubevirtv1.Volume{
		{Name: rootDiskName, VolumeSource: kubevirtv1.VolumeSource{ContainerDisk: &kubevirtv1.ContainerDiskSource{Image: vm.Image}}},
		{Name: cloudInitName, VolumeSource: kubevirtv1.VolumeSource{CloudInitNoCloud: &kubevirtv1.CloudInitNoCloudSource{UserData: cloudInitUserData(vm)}}},
	}

	if vm.ManagementNetwork == "" || vm.ManagementNetwork == podNetworkName {
		spec.Domain.Devices.Interfaces = append(spec.Domain.Devices.Interfaces, kubevirtv1.Interface{
			Name:                   podNetworkName,
			InterfaceBindingMethod: kubevirtv1.InterfaceBindingMethod{Masquerade: &kubevirtv1.InterfaceMasquerade{}},
		})
		spec.Networks = append(spec.Networks, kubevirtv1.Network{
			Name:          podNetworkName,
			NetworkSource: kubevirtv1.NetworkSource{Pod: &kubevirtv1.PodNetwork{}},
		})
	} else {
		addMultusNetwork(obj, vm.ManagementNetwork, true)
	}
	for _, n := range vm.AdditionalNetworks {
		addMultusNetwork(obj, n, false)
	}
	return obj, nil
}

// addMultusNetwork attaches a bridged Multus network, reporting false when the
// VM already carries it.
func addMultusNetwork(obj *kubevirtv1.VirtualMachine, network string, isDefault bool) bool {
	spec := &obj.Spec.Template.Spec
	ifName := sanitize(network)
	for _, n := range spec.Networks {
		if n.Name == ifName {
			return false
		}
	}
	spec.Domain.Devices.Interfaces = append(spec.Domain.Devices.Interfaces, kubevirtv1.Interface{
		Name:                   ifName,
		InterfaceBindingMethod: kubevirtv1.InterfaceBindingMethod{Bridge: &kubevirtv1.InterfaceBridge{}},
	})
	spec.Networks = append(spec.Networks, kubevirtv1.Network{
		Name:          ifName,
		NetworkSource: kubevirtv1.NetworkSource{Multus: &kubevirtv1.MultusNetwork{NetworkName: network, Default: isDefault}},
	})
	return true
}

func cloudInitUserData(vm *domain.VMResource) string {
	if vm.CloudInit != "" {
		return vm.CloudInit
	}
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	if vm.Username != "" {
		fmt.Fprintf(&b, "user: %s\n", vm.Username)
	}
	if vm.Password != "" {
		fmt.Fprintf(&b, "password: %s\nchpasswd: { expire: False }\nssh_pwauth: True\n", vm.Password)
	}
	return b.String()
}

// mapVMStatus extracts VM status from K8s objects.
func mapVMStatus(vm *kubevirtv1.VirtualMachine, vmi *kubevirtv1.VirtualMachineInstance) domain.VMStatus {
	if vm.Status.PrintableStatus != "" {
		switch vm.Status.PrintableStatus {
		case kubevirtv1.VirtualMachineStatusRunning:
			return domain.VMStatusRunning
		case kubevirtv1.VirtualMachineStatusStopped:
			return domain.VMStatusStopped
		case kubevirtv1.VirtualMachineStatusStopping:
			return domain.VMStatusStopping
		case kubevirtv1.VirtualMachineStatusProvisioning, kubevirtv1.VirtualMachineStatusStarting:
			return domain.VMStatusCreating
		case kubevirtv1.VirtualMachineStatusTerminating:
			return domain.VMStatusDeleting
		case kubevirtv1.VirtualMachineStatusPaused:
			return domain.VMStatusPaused
		case kubevirtv1.VirtualMachineStatusCrashLoopBackOff, kubevirtv1.VirtualMachineStatusErrImagePull,
			kubevirtv1.VirtualMachineStatusImagePullBackOff:
			return domain.VMStatusFailed
		}
	}

	// Fallback: check VMI phase
	if vmi != nil {
		switch vmi.Status.Phase {
		case kubevirtv1.Running:
			return domain.VMStatusRunning
		case kubevirtv1.Scheduling, kubevirtv1.Scheduled, kubevirtv1.Pending:
			return domain.VMStatusPending
		case kubevirtv1.Failed:
			return domain.VMStatusFailed
		}
	}

	return domain.VMStatusUnknown
}

// mapInterfaces groups VMI interface addresses by network name. The access
// IP is the first address of the management interface.
func mapInterfaces(vm *domain.VMResource, vmi *kubevirtv1.VirtualMachineInstance) (map[string][]domain.VMNetworkInterface, string) {
	if vmi == nil {
		return nil, ""
	}
	byIfName := make(map[string]string, 1+len(vm.AdditionalNetworks))
	mgmt := podNetworkName
	if vm.ManagementNetwork != "" && vm.ManagementNetwork != podNetworkName {
		mgmt = sanitize(vm.ManagementNetwork)
		byIfName[mgmt] = vm.ManagementNetwork
	} else {
		byIfName[podNetworkName] = podNetworkName
	}
	for _, n := range vm.AdditionalNetworks {
		byIfName[sanitize(n)] = n
	}

	out := make(map[string][]domain.VMNetworkInterface)
	accessIP := ""
	for _, iface := range vmi.Status.Interfaces {
		network, ok := byIfName[iface.Name]
		if !ok {
			continue
		}
		out[network] = append(out[network], domain.VMNetworkInterface{
			Name: iface.InterfaceName,
			MAC:  iface.MAC,
			IP:   iface.IP,
		})
		if iface.Name == mgmt && accessIP == "" {
			accessIP = iface.IP
		}
	}
	return out, accessIP
}
