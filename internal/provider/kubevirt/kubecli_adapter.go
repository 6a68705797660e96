package kubevirt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"kubevirt.io/client-go/kubecli"

	"nfvcl.io/nfvcl/internal/domain"
)

var networkAttachmentGVR = schema.GroupVersionResource{
	Group:    "k8s.cni.cncf.io",
	Version:  "v1",
	Resource: "network-attachment-definitions",
}

// ClientFactory returns the cluster client of a VIM.
type ClientFactory func(vim *domain.VIM) (ClusterClient, error)

// NewClientFactory builds kubecli-backed clients, cached per VIM name. The VIM
// is reached through the "kubeconfig_path" option when set, otherwise through
// its URL and bearer token.
func NewClientFactory() ClientFactory {
	f := &kubecliFactory{cache: make(map[string]ClusterClient)}
	return f.get
}

type kubecliFactory struct {
	mu    sync.RWMutex
	cache map[string]ClusterClient
}

func (f *kubecliFactory) get(vim *domain.VIM) (ClusterClient, error) {
	name := strings.TrimSpace(vim.Name)
	if name == "" {
		return nil, fmt.Errorf("vim name is required")
	}

	f.mu.RLock()
	if client, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return client, nil
	}
	f.mu.RUnlock()

	restCfg, err := restConfigForVIM(vim)
	if err != nil {
		return nil, err
	}
	virtClient, err := kubecli.GetKubevirtClientFromRESTConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubevirt client for vim %s: %w", name, err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build dynamic client for vim %s: %w", name, err)
	}

	client := &kubevirtClusterClient{client: virtClient, dynamic: dyn}

	f.mu.Lock()
	f.cache[name] = client
	f.mu.Unlock()

	return client, nil
}

func restConfigForVIM(vim *domain.VIM) (*rest.Config, error) {
	if path := vim.Option("kubeconfig_path", ""); path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig for vim %s: %w", vim.Name, err)
		}
		return cfg, nil
	}
	if vim.URL == "" {
		return nil, fmt.Errorf("vim %s has neither url nor kubeconfig_path", vim.Name)
	}
	return &rest.Config{
		Host:            vim.URL,
		BearerToken:     vim.Token,
		TLSClientConfig: rest.TLSClientConfig{Insecure: vim.Insecure},
	}, nil
}

type kubevirtClusterClient struct {
	client  kubecli.KubevirtClient
	dynamic dynamic.Interface
}

func (c *kubevirtClusterClient) VM() VirtualMachineClient {
	return &kubevirtVMClient{client: c.client}
}

func (c *kubevirtClusterClient) VMI() VirtualMachineInstanceClient {
	return &kubevirtVMIClient{client: c.client}
}

func (c *kubevirtClusterClient) Networks() NetworkAttachmentLister {
	return &networkAttachmentClient{dynamic: c.dynamic}
}

type kubevirtVMClient struct {
	client kubecli.KubevirtClient
}

func (c *kubevirtVMClient) Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Get(ctx, name, opts)
}

func (c *kubevirtVMClient) Create(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.CreateOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Create(ctx, vm, opts)
}

func (c *kubevirtVMClient) Update(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.UpdateOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Update(ctx, vm, opts)
}

func (c *kubevirtVMClient) Delete(ctx context.Context, namespace, name string, opts k8smetav1.DeleteOptions) error {
	return c.client.VirtualMachine(namespace).Delete(ctx, name, opts)
}

func (c *kubevirtVMClient) Stop(ctx context.Context, namespace, name string, opts *kubevirtv1.StopOptions) error {
	return c.client.VirtualMachine(namespace).Stop(ctx, name, opts)
}

func (c *kubevirtVMClient) Start(ctx context.Context, namespace, name string, opts *kubevirtv1.StartOptions) error {
	return c.client.VirtualMachine(namespace).Start(ctx, name, opts)
}

func (c *kubevirtVMClient) Restart(ctx context.Context, namespace, name string, opts *kubevirtv1.RestartOptions) error {
	return c.client.VirtualMachine(namespace).Restart(ctx, name, opts)
}

type kubevirtVMIClient struct {
	client kubecli.KubevirtClient
}

func (c *kubevirtVMIClient) Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachineInstance, error) {
	return c.client.VirtualMachineInstance(namespace).Get(ctx, name, opts)
}

type networkAttachmentClient struct {
	dynamic dynamic.Interface
}

func (c *networkAttachmentClient) ListNetworkAttachments(ctx context.Context, namespace string) ([]string, error) {
	list, err := c.dynamic.Resource(networkAttachmentGVR).Namespace(namespace).List(ctx, k8smetav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list network attachments in %s: %w", namespace, err)
	}
	names := make([]string, 0, len(list.Items))
	for i := range list.Items {
		names = append(names, list.Items[i].GetName())
	}
	return names, nil
}
