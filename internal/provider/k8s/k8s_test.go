package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/provider"
)

type fakeHelm struct {
	mu          sync.Mutex
	installed   map[string]ReleaseSpec
	upgraded    map[string]map[string]interface{}
	uninstalled []string
	failInstall error
}

func newFakeHelm() *fakeHelm {
	return &fakeHelm{installed: map[string]ReleaseSpec{}, upgraded: map[string]map[string]interface{}{}}
}

func (h *fakeHelm) Install(_ context.Context, spec ReleaseSpec) (*ReleaseInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failInstall != nil {
		return nil, h.failInstall
	}
	h.installed[spec.Namespace+"/"+spec.Name] = spec
	return &ReleaseInfo{Name: spec.Name, Namespace: spec.Namespace, Revision: 1, Status: "deployed"}, nil
}

func (h *fakeHelm) UpgradeValues(_ context.Context, namespace, name string, values map[string]interface{}) (*ReleaseInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := namespace + "/" + name
	if _, ok := h.installed[key]; !ok {
		return nil, fmt.Errorf("release %s: %w", key, apperrors.ErrNotFound)
	}
	h.upgraded[key] = values
	return &ReleaseInfo{Name: name, Namespace: namespace, Revision: 2, Status: "deployed"}, nil
}

func (h *fakeHelm) Uninstall(_ context.Context, namespace, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := namespace + "/" + name
	if _, ok := h.installed[key]; !ok {
		return fmt.Errorf("release %s: %w", key, apperrors.ErrNotFound)
	}
	delete(h.installed, key)
	h.uninstalled = append(h.uninstalled, key)
	return nil
}

type fakeExec struct {
	namespace, pod string
	command        []string
}

func (e *fakeExec) Exec(_ context.Context, namespace, pod string, command []string) (*provider.ExecResult, error) {
	e.namespace, e.pod, e.command = namespace, pod, command
	return &provider.ExecResult{Stdout: "ok\n"}, nil
}

func testCluster() *domain.K8sCluster {
	return &domain.K8sCluster{
		Name:      "edge",
		Namespace: "nfv",
		Areas:     []int{1},
		MultusNetworks: []domain.MultusNetwork{
			{Name: "n3", IPStart: "10.3.0.10", IPEnd: "10.3.0.11", PrefixLen: 24, Gateway: "10.3.0.1"},
		},
	}
}

func newTestProvider(t *testing.T, bp string, pools *IPPools, objects ...interface{}) (*Provider, *fakeHelm, *fake.Clientset, *fakeExec) {
	t.Helper()
	kube := fake.NewSimpleClientset()
	for _, obj := range objects {
		switch o := obj.(type) {
		case *corev1.Service:
			_, err := kube.CoreV1().Services(o.Namespace).Create(context.Background(), o, metav1.CreateOptions{})
			require.NoError(t, err)
		case *appsv1.Deployment:
			_, err := kube.AppsV1().Deployments(o.Namespace).Create(context.Background(), o, metav1.CreateOptions{})
			require.NoError(t, err)
		}
	}
	helm := newFakeHelm()
	exec := &fakeExec{}
	p := New(provider.Params{Area: 1, BlueprintID: bp}, testCluster(), &Clients{Kube: kube, Helm: helm, Exec: exec}, pools, 0)
	return p, helm, kube, exec
}

func releaseLabels(release string) map[string]string {
	return map[string]string{LabelInstance: release}
}

func TestReleaseName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"UPF", "upf"},
		{"my_chart.v1", "my-chart-v1"},
		{"--edge--", "edge"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, releaseName(&domain.HelmChartResource{Name: tt.in}))
	}
}

func TestProvider_InstallAndUninstall(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "upf-n4", Namespace: "nfv", Labels: releaseLabels("upf")},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.96.0.20"},
		Status: corev1.ServiceStatus{LoadBalancer: corev1.LoadBalancerStatus{
			Ingress: []corev1.LoadBalancerIngress{{IP: "192.168.1.50"}},
		}},
	}
	p, helm, _, _ := newTestProvider(t, "bp-1", nil, svc)
	ctx := context.Background()

	chart := &domain.HelmChartResource{
		DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "h1", Area: 1}},
		Name:           "UPF",
		Chart:          "nfvcl/upf",
		Values:         map[string]interface{}{"replicas": 1, "image": "upf:1"},
	}
	require.NoError(t, p.InstallHelmChart(ctx, chart, map[string]interface{}{"replicas": 2}))
	require.True(t, chart.Created)
	require.Equal(t, "nfv", chart.Namespace)
	require.Equal(t, map[string]string{"upf-n4": "192.168.1.50"}, chart.Services)

	spec := helm.installed["nfv/upf"]
	require.Equal(t, "nfvcl/upf", spec.Chart)
	require.Equal(t, 2, spec.Values["replicas"])
	require.Equal(t, "upf:1", spec.Values["image"])

	require.NoError(t, p.UpdateValuesHelmChart(ctx, chart, map[string]interface{}{"replicas": 3}))
	require.Equal(t, 3, helm.upgraded["nfv/upf"]["replicas"])

	data := p.Data().(Data)
	require.Equal(t, Release{Name: "upf", Namespace: "nfv"}, data.Releases["h1"])

	require.NoError(t, p.UninstallHelmChart(ctx, chart))
	require.False(t, chart.Created)
	require.Empty(t, p.Data().(Data).Releases)

	// already gone
	require.NoError(t, p.UninstallHelmChart(ctx, chart))
}

func TestProvider_InstallFailureIsNotTracked(t *testing.T) {
	p, helm, _, _ := newTestProvider(t, "bp-1", nil)
	helm.failInstall = errors.New("chart not found")

	chart := &domain.HelmChartResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "h1"}}, Name: "amf", Chart: "amf"}
	err := p.InstallHelmChart(context.Background(), chart, nil)
	require.Error(t, err)
	require.False(t, chart.Created)
	require.Empty(t, p.Data().(Data).Releases)
}

func TestProvider_PodLogAndExec(t *testing.T) {
	p, _, _, exec := newTestProvider(t, "bp-1", nil)
	ctx := context.Background()
	chart := &domain.HelmChartResource{Name: "amf", Namespace: "core"}

	logs, err := p.GetPodLog(ctx, chart, "amf-0", 50)
	require.NoError(t, err)
	require.Equal(t, "fake logs", logs)

	res, err := p.ExecCommandInPod(ctx, chart, "amf-0", []string{"ip", "a"})
	require.NoError(t, err)
	require.Equal(t, "ok\n", res.Stdout)
	require.Equal(t, "core", exec.namespace)
	require.Equal(t, []string{"ip", "a"}, exec.command)

	_, err = p.ExecCommandInPod(ctx, chart, "amf-0", nil)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestProvider_RestartDeployments(t *testing.T) {
	dep := func(name, release string) *appsv1.Deployment {
		return &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "nfv", Labels: releaseLabels(release)}}
	}
	p, _, kube, _ := newTestProvider(t, "bp-1", nil, dep("smf", "core"), dep("amf", "core"), dep("other", "ran"))
	ctx := context.Background()
	chart := &domain.HelmChartResource{Name: "core"}

	require.NoError(t, p.RestartAllDeployments(ctx, chart))

	restarted := func(name string) bool {
		d, err := kube.AppsV1().Deployments("nfv").Get(ctx, name, metav1.GetOptions{})
		require.NoError(t, err)
		_, ok := d.Spec.Template.Annotations[AnnotationRestartedAt]
		return ok
	}
	require.True(t, restarted("smf"))
	require.True(t, restarted("amf"))
	require.False(t, restarted("other"))

	require.NoError(t, p.RestartDeployment(ctx, chart, "other"))
	require.True(t, restarted("other"))

	require.Error(t, p.RestartDeployment(ctx, chart, "missing"))
}

func TestProvider_MultusReservation(t *testing.T) {
	pools := NewIPPools()
	a, _, _, _ := newTestProvider(t, "bp-a", pools)
	b, _, _, _ := newTestProvider(t, "bp-b", pools)
	ctx := context.Background()

	ipA, err := a.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)
	require.Equal(t, "10.3.0.10", ipA.IP)
	require.Equal(t, 24, ipA.PrefixLen)
	require.Equal(t, "10.3.0.1", ipA.Gateway)

	ipB, err := b.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)
	require.Equal(t, "10.3.0.11", ipB.IP)

	_, err = a.ReserveMultusIP(ctx, "n3")
	require.ErrorIs(t, err, apperrors.ErrMultusPoolExhausted)

	_, err = a.ReserveMultusIP(ctx, "n6")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	// b cannot release a's address
	require.ErrorIs(t, b.ReleaseMultusIP(ctx, ipA), apperrors.ErrNotFound)

	require.NoError(t, a.ReleaseMultusIP(ctx, ipA))
	again, err := b.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)
	require.Equal(t, "10.3.0.10", again.IP)
}

func TestProvider_RestoreReclaimsAndCleanupReleases(t *testing.T) {
	pools := NewIPPools()
	p, helm, _, _ := newTestProvider(t, "bp-1", pools)
	ctx := context.Background()

	chart := &domain.HelmChartResource{DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "h1"}}, Name: "upf", Chart: "upf"}
	require.NoError(t, p.InstallHelmChart(ctx, chart, nil))
	_, err := p.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)

	raw, err := json.Marshal(p.Data())
	require.NoError(t, err)

	// a fresh process: new pools, restored provider reclaims the address
	fresh := NewIPPools()
	restored := New(provider.Params{Area: 1, BlueprintID: "bp-1"}, testCluster(), &Clients{Kube: fake.NewSimpleClientset(), Helm: helm}, fresh, 0)
	require.NoError(t, restored.LoadData(raw))

	other := New(provider.Params{Area: 1, BlueprintID: "bp-2"}, testCluster(), &Clients{Kube: fake.NewSimpleClientset(), Helm: helm}, fresh, 0)
	ip, err := other.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)
	require.Equal(t, "10.3.0.11", ip.IP)

	require.NoError(t, restored.FinalCleanup(ctx))
	require.Equal(t, []string{"nfv/upf"}, helm.uninstalled)
	data := restored.Data().(Data)
	require.Empty(t, data.Releases)
	require.Empty(t, data.MultusIPs)

	// the freed address is available again
	ip, err = other.ReserveMultusIP(ctx, "n3")
	require.NoError(t, err)
	require.Equal(t, "10.3.0.10", ip.IP)
}

func TestIPPools_ClaimConflict(t *testing.T) {
	pools := NewIPPools()
	require.NoError(t, pools.Claim("edge", "n3", "10.3.0.10", "bp-a"))
	require.NoError(t, pools.Claim("edge", "n3", "10.3.0.10", "bp-a"))
	require.ErrorIs(t, pools.Claim("edge", "n3", "10.3.0.10", "bp-b"), apperrors.ErrConflict)
	require.Error(t, pools.Claim("edge", "n3", "not-an-ip", "bp-a"))
}
