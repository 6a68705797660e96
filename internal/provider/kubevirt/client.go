package kubevirt

import (
	"context"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"
)

// VirtualMachineClient abstracts KubeVirt VM operations.
// Anti-Corruption Layer: decouples the provider from kubevirt.io/client-go/kubecli.
type VirtualMachineClient interface {
	Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachine, error)
	Create(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.CreateOptions) (*kubevirtv1.VirtualMachine, error)
	Update(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.UpdateOptions) (*kubevirtv1.VirtualMachine, error)
	Delete(ctx context.Context, namespace, name string, opts k8smetav1.DeleteOptions) error
	Stop(ctx context.Context, namespace, name string, opts *kubevirtv1.StopOptions) error
	Start(ctx context.Context, namespace, name string, opts *kubevirtv1.StartOptions) error
	Restart(ctx context.Context, namespace, name string, opts *kubevirtv1.RestartOptions) error
}

// VirtualMachineInstanceClient abstracts KubeVirt VMI operations.
type VirtualMachineInstanceClient interface {
	Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachineInstance, error)
}

// NetworkAttachmentLister reports the Multus NetworkAttachmentDefinitions of a namespace.
type NetworkAttachmentLister interface {
	ListNetworkAttachments(ctx context.Context, namespace string) ([]string, error)
}

// ClusterClient provides the KubeVirt clients of one VIM.
type ClusterClient interface {
	VM() VirtualMachineClient
	VMI() VirtualMachineInstanceClient
	Networks() NetworkAttachmentLister
}
