package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// CallLog records provider calls in order, shared across mocks so tests can
// assert cross-provider ordering.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call.
func (l *CallLog) Add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// MockVirtData is the persisted data of MockVirtProvider.
type MockVirtData struct {
	VMs  map[string]string `json:"vms"`
	Nets []string          `json:"nets"`
}

// MockVirtProvider implements VirtualizationProvider without a VIM.
type MockVirtProvider struct {
	Area int
	Log  *CallLog
	// Fail maps a method name to the error it returns.
	Fail map[string]error

	mu   sync.Mutex
	data MockVirtData
}

var _ VirtualizationProvider = (*MockVirtProvider)(nil)

// NewMockVirtProvider creates a MockVirtProvider for area.
func NewMockVirtProvider(area int, log *CallLog) *MockVirtProvider {
	return &MockVirtProvider{
		Area: area,
		Log:  log,
		Fail: map[string]error{},
		data: MockVirtData{VMs: map[string]string{}},
	}
}

// MockVirtConstructor registers MockVirtProvider instances built per area and
// exposes them through the returned map for assertions.
func MockVirtConstructor(log *CallLog) (VirtConstructor, *sync.Map) {
	built := &sync.Map{}
	return func(_ context.Context, p Params, _ *domain.VIM) (VirtualizationProvider, error) {
		m := NewMockVirtProvider(p.Area, log)
		built.Store(p.Area, m)
		return m, nil
	}, built
}

func (p *MockVirtProvider) ProviderType() string { return string(domain.VIMTypeMock) }
func (p *MockVirtProvider) DataType() string     { return "mock_virt_data" }

func (p *MockVirtProvider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *MockVirtProvider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := DecodeData(raw, &p.data); err != nil {
		return err
	}
	if p.data.VMs == nil {
		p.data.VMs = map[string]string{}
	}
	return nil
}

// TrackedVMs returns the IDs of VMs the mock believes exist.
func (p *MockVirtProvider) TrackedVMs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.data.VMs))
	for id := range p.data.VMs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *MockVirtProvider) fail(method string) error {
	if err, ok := p.Fail[method]; ok {
		return err
	}
	return nil
}

func (p *MockVirtProvider) CreateVM(_ context.Context, vm *domain.VMResource) error {
	p.Log.Add("create_vm:%s", vm.ID)
	if err := p.fail("create_vm"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.VMs[vm.ID] = vm.Name
	vm.AccessIP = fmt.Sprintf("10.0.%d.%d", p.Area, len(p.data.VMs)+1)
	vm.NetworkInterfaces = map[string][]domain.VMNetworkInterface{}
	for _, n := range vm.Networks() {
		vm.NetworkInterfaces[n] = []domain.VMNetworkInterface{{Name: n, IP: vm.AccessIP}}
	}
	vm.Created = true
	return nil
}

func (p *MockVirtProvider) AttachNets(_ context.Context, vm *domain.VMResource, nets []string) ([]string, error) {
	p.Log.Add("attach_nets:%s", vm.ID)
	if err := p.fail("attach_nets"); err != nil {
		return nil, err
	}
	ips := make([]string, len(nets))
	for i, n := range nets {
		ips[i] = fmt.Sprintf("192.168.%d.%d", p.Area, i+10)
		vm.AdditionalNetworks = append(vm.AdditionalNetworks, n)
	}
	return ips, nil
}

func (p *MockVirtProvider) CreateNet(_ context.Context, net *domain.NetResource) error {
	p.Log.Add("create_net:%s", net.ID)
	if err := p.fail("create_net"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Nets = append(p.data.Nets, net.Name)
	net.Created = true
	return nil
}

func (p *MockVirtProvider) ConfigureVM(_ context.Context, cfg domain.VMTargeted) (map[string]interface{}, error) {
	p.Log.Add("configure_vm:%s", cfg.ResourceID())
	if err := p.fail("configure_vm"); err != nil {
		return nil, err
	}
	return map[string]interface{}{"vm": cfg.TargetVM().ID, "status": "ok"}, nil
}

func (p *MockVirtProvider) DestroyVM(_ context.Context, vm *domain.VMResource) error {
	p.Log.Add("destroy_vm:%s", vm.ID)
	if err := p.fail("destroy_vm"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data.VMs, vm.ID)
	vm.Created = false
	return nil
}

func (p *MockVirtProvider) RebootVM(_ context.Context, vm *domain.VMResource, _ bool) error {
	p.Log.Add("reboot_vm:%s", vm.ID)
	return p.fail("reboot_vm")
}

func (p *MockVirtProvider) CheckVMStatus(_ context.Context, vm *domain.VMResource) (*domain.VMStatusReport, error) {
	if err := p.fail("check_vm_status"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data.VMs[vm.ID]; !ok {
		return &domain.VMStatusReport{Status: domain.VMStatusUnknown}, nil
	}
	return &domain.VMStatusReport{Status: domain.VMStatusRunning, Ready: true, AccessIP: vm.AccessIP}, nil
}

func (p *MockVirtProvider) CheckNetworks(_ context.Context, names []string) (*NetworkCheckResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := &NetworkCheckResult{OK: true}
	for _, n := range names {
		found := false
		for _, have := range p.data.Nets {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			res.OK = false
			res.Missing = append(res.Missing, n)
		}
	}
	return res, nil
}

func (p *MockVirtProvider) FinalCleanup(_ context.Context) error {
	p.Log.Add("final_cleanup:virt:%d", p.Area)
	if err := p.fail("final_cleanup"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.VMs = map[string]string{}
	p.data.Nets = nil
	return nil
}

// MockK8sData is the persisted data of MockK8sProvider.
type MockK8sData struct {
	Releases map[string]map[string]interface{} `json:"releases"`
	Multus   []domain.MultusInterface          `json:"multus,omitempty"`
}

// MockK8sProvider implements KubernetesProvider without a cluster.
type MockK8sProvider struct {
	Area int
	Log  *CallLog
	Fail map[string]error

	mu   sync.Mutex
	data MockK8sData
	next int
}

var _ KubernetesProvider = (*MockK8sProvider)(nil)

// NewMockK8sProvider creates a MockK8sProvider for area.
func NewMockK8sProvider(area int, log *CallLog) *MockK8sProvider {
	return &MockK8sProvider{
		Area: area,
		Log:  log,
		Fail: map[string]error{},
		data: MockK8sData{Releases: map[string]map[string]interface{}{}},
	}
}

// MockK8sConstructor builds MockK8sProvider instances per area.
func MockK8sConstructor(log *CallLog) (K8sConstructor, *sync.Map) {
	built := &sync.Map{}
	return func(_ context.Context, p Params, _ *domain.K8sCluster) (KubernetesProvider, error) {
		m := NewMockK8sProvider(p.Area, log)
		built.Store(p.Area, m)
		return m, nil
	}, built
}

func (p *MockK8sProvider) ProviderType() string { return "mock_k8s" }
func (p *MockK8sProvider) DataType() string     { return "mock_k8s_data" }

func (p *MockK8sProvider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *MockK8sProvider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := DecodeData(raw, &p.data); err != nil {
		return err
	}
	if p.data.Releases == nil {
		p.data.Releases = map[string]map[string]interface{}{}
	}
	return nil
}

// Release returns the values of an installed release.
func (p *MockK8sProvider) Release(name string) (map[string]interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data.Releases[name]
	return v, ok
}

func (p *MockK8sProvider) fail(method string) error {
	if err, ok := p.Fail[method]; ok {
		return err
	}
	return nil
}

func (p *MockK8sProvider) InstallHelmChart(_ context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	p.Log.Add("install_helm_chart:%s", chart.ID)
	if err := p.fail("install_helm_chart"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Releases[chart.Name] = values
	chart.Values = values
	chart.Created = true
	return nil
}

func (p *MockK8sProvider) UpdateValuesHelmChart(_ context.Context, chart *domain.HelmChartResource, values map[string]interface{}) error {
	p.Log.Add("update_values_helm_chart:%s", chart.ID)
	if err := p.fail("update_values_helm_chart"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data.Releases[chart.Name]; !ok {
		return fmt.Errorf("release %s: %w", chart.Name, apperrors.ErrNotFound)
	}
	p.data.Releases[chart.Name] = values
	chart.Values = values
	return nil
}

func (p *MockK8sProvider) UninstallHelmChart(_ context.Context, chart *domain.HelmChartResource) error {
	p.Log.Add("uninstall_helm_chart:%s", chart.ID)
	if err := p.fail("uninstall_helm_chart"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data.Releases, chart.Name)
	chart.Created = false
	return nil
}

func (p *MockK8sProvider) GetPodLog(_ context.Context, chart *domain.HelmChartResource, pod string, _ int64) (string, error) {
	if err := p.fail("get_pod_log"); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s: ok\n", chart.Namespace, pod), nil
}

func (p *MockK8sProvider) ReserveMultusIP(_ context.Context, network string) (*domain.MultusInterface, error) {
	if err := p.fail("reserve_k8s_multus_ip"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	iface := domain.MultusInterface{Network: network, IP: fmt.Sprintf("172.16.%d.%d", p.Area, p.next), PrefixLen: 24}
	p.data.Multus = append(p.data.Multus, iface)
	return &iface, nil
}

func (p *MockK8sProvider) ReleaseMultusIP(_ context.Context, iface *domain.MultusInterface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.data.Multus {
		if r.Network == iface.Network && r.IP == iface.IP {
			p.data.Multus = append(p.data.Multus[:i], p.data.Multus[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("multus ip %s on %s: %w", iface.IP, iface.Network, apperrors.ErrNotFound)
}

func (p *MockK8sProvider) RestartDeployment(_ context.Context, chart *domain.HelmChartResource, deployment string) error {
	p.Log.Add("restart_deployment:%s:%s", chart.ID, deployment)
	return p.fail("restart_deployment")
}

func (p *MockK8sProvider) RestartAllDeployments(_ context.Context, chart *domain.HelmChartResource) error {
	p.Log.Add("restart_all_deployments:%s", chart.ID)
	return p.fail("restart_all_deployments")
}

func (p *MockK8sProvider) ExecCommandInPod(_ context.Context, _ *domain.HelmChartResource, pod string, command []string) (*ExecResult, error) {
	if err := p.fail("exec_command_in_pod"); err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: fmt.Sprintf("%s: %v", pod, command)}, nil
}

func (p *MockK8sProvider) FinalCleanup(_ context.Context) error {
	p.Log.Add("final_cleanup:k8s:%d", p.Area)
	if err := p.fail("final_cleanup"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Releases = map[string]map[string]interface{}{}
	p.data.Multus = nil
	return nil
}
