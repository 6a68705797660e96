package k8s

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/provider"
)

// Executor runs a command inside a pod container.
type Executor interface {
	Exec(ctx context.Context, namespace, pod string, command []string) (*provider.ExecResult, error)
}

// Clients bundles everything a Provider talks to on one cluster.
type Clients struct {
	Kube kubernetes.Interface
	Helm HelmClient
	Exec Executor
}

// ClientFactory returns the clients of a cluster.
type ClientFactory func(cluster *domain.K8sCluster) (*Clients, error)

// NewClientFactory returns a ClientFactory that builds clients once per
// cluster name and reuses them afterwards.
func NewClientFactory(helm HelmConfig) ClientFactory {
	f := &clientFactory{helm: helm, clients: make(map[string]*Clients)}
	return f.get
}

type clientFactory struct {
	helm    HelmConfig
	mu      sync.Mutex
	clients map[string]*Clients
}

func (f *clientFactory) get(cluster *domain.K8sCluster) (*Clients, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[cluster.Name]; ok {
		return c, nil
	}

	kubeconfigPath, err := kubeconfigFile(cluster)
	if err != nil {
		return nil, err
	}
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("build rest config for cluster %s: %w", cluster.Name, err)
	}
	kube, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset for cluster %s: %w", cluster.Name, err)
	}

	c := &Clients{
		Kube: kube,
		Helm: NewHelmClient(kubeconfigPath, f.helm),
		Exec: &spdyExecutor{config: cfg, kube: kube},
	}
	f.clients[cluster.Name] = c
	return c, nil
}

// kubeconfigFile returns a path to the cluster kubeconfig. Inline kubeconfigs
// are written to a private temp file because Helm only reads from disk. An
// empty result means in-cluster configuration.
func kubeconfigFile(cluster *domain.K8sCluster) (string, error) {
	if cluster.Kubeconfig == "" {
		return cluster.KubeconfigPath, nil
	}
	f, err := os.CreateTemp("", "nfvcl-kubeconfig-"+cluster.Name+"-*")
	if err != nil {
		return "", fmt.Errorf("write kubeconfig of cluster %s: %w", cluster.Name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(cluster.Kubeconfig); err != nil {
		return "", fmt.Errorf("write kubeconfig of cluster %s: %w", cluster.Name, err)
	}
	return f.Name(), nil
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// Probe returns a health probe asking the cluster API server for its version.
func Probe(clients ClientFactory, cluster *domain.K8sCluster) provider.Probe {
	return func(ctx context.Context) error {
		c, err := clients(cluster)
		if err != nil {
			return err
		}
		if _, err := c.Kube.Discovery().ServerVersion(); err != nil {
			return fmt.Errorf("get server version of cluster %s: %w", cluster.Name, err)
		}
		return ctx.Err()
	}
}

type spdyExecutor struct {
	config *rest.Config
	kube   kubernetes.Interface
}

func (e *spdyExecutor) Exec(ctx context.Context, namespace, pod string, command []string) (*provider.ExecResult, error) {
	req := e.kube.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor for pod %s/%s: %w", namespace, pod, err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	res := &provider.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, fmt.Errorf("exec in pod %s/%s: %w", namespace, pod, err)
	}
	return res, nil
}
