// Package k8s implements the Kubernetes provider: Helm releases, workload
// operations and Multus address reservations on one area's cluster.
package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/provider"
)

// ProviderType identifies the implementation in persisted records.
const ProviderType = "k8s"

// DataType tags the persisted provider data.
const DataType = "k8s_provider_data"

// Labels Helm charts are expected to put on their workloads.
const (
	LabelInstance         = "app.kubernetes.io/instance"
	AnnotationRestartedAt = "kubectl.kubernetes.io/restartedAt"
)

// Release locates a Helm release installed by the provider.
type Release struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Data is the persisted state of a Provider.
type Data struct {
	// Releases maps a chart resource ID to its release.
	Releases  map[string]Release       `json:"releases"`
	MultusIPs []domain.MultusInterface `json:"multus_ips,omitempty"`
}

// Provider implements provider.KubernetesProvider for one area's cluster.
type Provider struct {
	area             int
	blueprintID      string
	cluster          *domain.K8sCluster
	clients          *Clients
	pools            *IPPools
	operationTimeout time.Duration
	log              *zap.Logger

	mu   sync.Mutex
	data Data
}

var _ provider.KubernetesProvider = (*Provider)(nil)

// New creates the Kubernetes provider of one area.
func New(p provider.Params, cluster *domain.K8sCluster, clients *Clients, pools *IPPools, operationTimeout time.Duration) *Provider {
	if operationTimeout <= 0 {
		operationTimeout = 2 * time.Minute
	}
	if pools == nil {
		pools = NewIPPools()
	}
	return &Provider{
		area:             p.Area,
		blueprintID:      p.BlueprintID,
		cluster:          cluster,
		clients:          clients,
		pools:            pools,
		operationTimeout: operationTimeout,
		log: logger.L().With(
			zap.String(logger.FieldBlueprintID, p.BlueprintID),
			zap.Int(logger.FieldArea, p.Area),
			zap.String("cluster", cluster.Name),
		),
		data: Data{Releases: make(map[string]Release)},
	}
}

// Constructor adapts clients to a provider.K8sConstructor.
func Constructor(clients ClientFactory, pools *IPPools, operationTimeout time.Duration) provider.K8sConstructor {
	return func(_ context.Context, p provider.Params, cluster *domain.K8sCluster) (provider.KubernetesProvider, error) {
		c, err := clients(cluster)
		if err != nil {
			return nil, fmt.Errorf("get clients for cluster %s: %w", cluster.Name, err)
		}
		return New(p, cluster, c, pools, operationTimeout), nil
	}
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.operationTimeout)
}

func (p *Provider) ProviderType() string { return ProviderType }
func (p *Provider) DataType() string     { return DataType }

func (p *Provider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	releases := make(map[string]Release, len(p.data.Releases))
	for k, v := range p.data.Releases {
		releases[k] = v
	}
	return Data{Releases: releases, MultusIPs: append([]domain.MultusInterface(nil), p.data.MultusIPs...)}
}

// LoadData restores the data and reclaims its Multus addresses in the shared pools.
func (p *Provider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := provider.DecodeData(raw, &p.data); err != nil {
		return err
	}
	if p.data.Releases == nil {
		p.data.Releases = make(map[string]Release)
	}
	var errs []error
	for _, ip := range p.data.MultusIPs {
		errs = append(errs, p.pools.Claim(p.cluster.Name, ip.Network, ip.IP, p.blueprintID))
	}
	return errors.Join(errs...)
}

func (p *Provider) namespaceOf(chart *domain.HelmChartResource) string {
	if chart.Namespace != "" {
		return chart.Namespace
	}
	if p.cluster.Namespace != "" {
		return p.cluster.Namespace
	}
	return metav1.NamespaceDefault
}

// release returns the tracked release of chart, or the one it would get.
func (p *Provider) release(chart *domain.HelmChartResource) Release {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rel, ok := p.data.Releases[chart.ID]; ok {
		return rel
	}
	return Release{Name: releaseName(chart), Namespace: p.namespaceOf(chart)}
}

// releaseName lowercases the chart name into a valid release name.
func releaseName(chart *domain.HelmChartResource) string {
	name := strings.ToLower(chart.Name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	if len(name) > 53 {
		name = strings.TrimRight(name[:53], "-")
	}
	return name
}

func mergeValues(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (p *Provider) InstallHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	rel := Release{Name: releaseName(chart), Namespace: p.namespaceOf(chart)}
	if rel.Name == "" {
		return fmt.Errorf("install helm chart %s: empty release name: %w", chart.ID, apperrors.ErrBadRequest)
	}
	merged := mergeValues(chart.Values, values)

	info, err := p.clients.Helm.Install(ctx, ReleaseSpec{
		Name:        rel.Name,
		Namespace:   rel.Namespace,
		Chart:       chart.Chart,
		ChartIsPath: chart.ChartAsPath,
		Repo:        chart.Repo,
		Version:     chart.Version,
		Values:      merged,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.data.Releases[chart.ID] = rel
	p.mu.Unlock()

	chart.Namespace = rel.Namespace
	chart.Values = merged
	chart.Created = true
	p.log.Info("Helm release installed",
		zap.String(logger.FieldResourceID, chart.ID),
		zap.String("release", info.Name),
		zap.String("namespace", info.Namespace),
		zap.Int("revision", info.Revision),
	)

	services, err := p.releaseServices(ctx, rel)
	if err != nil {
		p.log.Warn("Reading release services failed", zap.String("release", rel.Name), zap.Error(err))
		return nil
	}
	chart.Services = services
	return nil
}

// releaseServices maps each Service of rel to its load balancer IP, or its
// cluster IP when none is assigned.
func (p *Provider) releaseServices(ctx context.Context, rel Release) (map[string]string, error) {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	list, err := p.clients.Kube.CoreV1().Services(rel.Namespace).List(opCtx, metav1.ListOptions{
		LabelSelector: LabelInstance + "=" + rel.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("list services of release %s: %w", rel.Name, err)
	}
	out := make(map[string]string, len(list.Items))
	for _, svc := range list.Items {
		out[svc.Name] = serviceIP(&svc)
	}
	return out, nil
}

func serviceIP(svc *corev1.Service) string {
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP
		}
	}
	return svc.Spec.ClusterIP
}

func (p *Provider) UpdateValuesHelmChart(ctx context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	rel := p.release(chart)
	if _, err := p.clients.Helm.UpgradeValues(ctx, rel.Namespace, rel.Name, values); err != nil {
		return err
	}
	chart.Values = values
	return nil
}

// UninstallHelmChart removes the release; a release that is already gone
// counts as uninstalled.
func (p *Provider) UninstallHelmChart(ctx context.Context, chart *domain.HelmChartResource) error {
	rel := p.release(chart)
	if err := p.clients.Helm.Uninstall(ctx, rel.Namespace, rel.Name); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	p.mu.Lock()
	delete(p.data.Releases, chart.ID)
	p.mu.Unlock()
	chart.Created = false
	chart.Services = nil
	return nil
}

func (p *Provider) GetPodLog(ctx context.Context, chart *domain.HelmChartResource, pod string, tailLines int64) (string, error) {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	ns := p.release(chart).Namespace
	raw, err := p.clients.Kube.CoreV1().Pods(ns).GetLogs(pod, opts).DoRaw(opCtx)
	if err != nil {
		return "", fmt.Errorf("get log of pod %s/%s: %w", ns, pod, err)
	}
	return string(raw), nil
}

func (p *Provider) ReserveMultusIP(_ context.Context, network string) (*domain.MultusInterface, error) {
	nw, ok := p.cluster.MultusNetwork(network)
	if !ok {
		return nil, fmt.Errorf("multus network %s on cluster %s: %w", network, p.cluster.Name, apperrors.ErrNotFound)
	}
	addr, err := p.pools.Reserve(p.cluster.Name, nw, p.blueprintID)
	if err != nil {
		return nil, err
	}
	iface := domain.MultusInterface{
		Network:   nw.Name,
		IP:        addr.String(),
		PrefixLen: nw.PrefixLen,
		Gateway:   nw.Gateway,
	}
	p.mu.Lock()
	p.data.MultusIPs = append(p.data.MultusIPs, iface)
	p.mu.Unlock()
	return &iface, nil
}

func (p *Provider) ReleaseMultusIP(_ context.Context, iface *domain.MultusInterface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, held := range p.data.MultusIPs {
		if held.Network == iface.Network && held.IP == iface.IP {
			p.data.MultusIPs = append(p.data.MultusIPs[:i], p.data.MultusIPs[i+1:]...)
			p.pools.Release(p.cluster.Name, iface.Network, iface.IP, p.blueprintID)
			return nil
		}
	}
	return fmt.Errorf("multus ip %s on %s is not reserved by this blueprint: %w", iface.IP, iface.Network, apperrors.ErrNotFound)
}

func (p *Provider) RestartDeployment(ctx context.Context, chart *domain.HelmChartResource, deployment string) error {
	return p.restart(ctx, p.release(chart).Namespace, deployment)
}

// restart triggers a rollout the way kubectl rollout restart does.
func (p *Provider) restart(ctx context.Context, namespace, deployment string) error {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		AnnotationRestartedAt, time.Now().UTC().Format(time.RFC3339))
	_, err := p.clients.Kube.AppsV1().Deployments(namespace).Patch(opCtx, deployment,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("restart deployment %s/%s: %w", namespace, deployment, err)
	}
	return nil
}

// RestartAllDeployments restarts every deployment of the chart's release,
// attempting all of them.
func (p *Provider) RestartAllDeployments(ctx context.Context, chart *domain.HelmChartResource) error {
	rel := p.release(chart)
	opCtx, cancel := p.withTimeout(ctx)
	list, err := p.clients.Kube.AppsV1().Deployments(rel.Namespace).List(opCtx, metav1.ListOptions{
		LabelSelector: LabelInstance + "=" + rel.Name,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("list deployments of release %s: %w", rel.Name, err)
	}
	var errs []error
	for _, d := range list.Items {
		errs = append(errs, p.restart(ctx, rel.Namespace, d.Name))
	}
	return errors.Join(errs...)
}

func (p *Provider) ExecCommandInPod(ctx context.Context, chart *domain.HelmChartResource, pod string, command []string) (*provider.ExecResult, error) {
	if p.clients.Exec == nil {
		return nil, apperrors.NotSupported(ProviderType, "exec_command_in_pod")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("exec in pod %s: empty command: %w", pod, apperrors.ErrBadRequest)
	}
	return p.clients.Exec.Exec(ctx, p.release(chart).Namespace, pod, command)
}

// FinalCleanup uninstalls every tracked release and frees every reserved
// address, attempting all of them.
func (p *Provider) FinalCleanup(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.data.Releases))
	for id := range p.data.Releases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	releases := make([]Release, len(ids))
	for i, id := range ids {
		releases[i] = p.data.Releases[id]
	}
	ips := append([]domain.MultusInterface(nil), p.data.MultusIPs...)
	p.mu.Unlock()

	var errs []error
	for i, rel := range releases {
		if err := p.clients.Helm.Uninstall(ctx, rel.Namespace, rel.Name); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		p.mu.Lock()
		delete(p.data.Releases, ids[i])
		p.mu.Unlock()
	}

	p.mu.Lock()
	for _, ip := range ips {
		p.pools.Release(p.cluster.Name, ip.Network, ip.IP, p.blueprintID)
	}
	p.data.MultusIPs = nil
	p.mu.Unlock()
	return errors.Join(errs...)
}
