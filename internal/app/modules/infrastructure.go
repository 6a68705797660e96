package modules

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/config"
	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/infrastructure"
	"nfvcl.io/nfvcl/internal/pdu"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/pkg/telemetry"
	"nfvcl.io/nfvcl/internal/pkg/worker"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/provider/k8s"
	"nfvcl.io/nfvcl/internal/provider/kubevirt"
	"nfvcl.io/nfvcl/internal/provider/proxmox"
	"nfvcl.io/nfvcl/internal/remote"
	"nfvcl.io/nfvcl/internal/repository"
	"nfvcl.io/nfvcl/internal/topology"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil when database.memory is set.
	DB       *infrastructure.DatabaseClients
	Pools    *worker.Pools
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	Topology *topology.Static
	PDUs     *pdu.Manager
	Factory  *provider.Factory
	Health   *provider.HealthChecker
	Remote   *remote.Client

	shutdownTracing telemetry.Shutdown
}

// NewInfrastructure initializes tracing, metrics, the database, worker pools,
// the topology and the provider factory.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	i := &Infrastructure{Config: cfg}

	shutdown, err := telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	i.shutdownTracing = shutdown

	i.Registry = prometheus.NewRegistry()
	i.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	i.Metrics = telemetry.NewMetrics(i.Registry)

	if !cfg.Database.Memory {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			i.Close()
			return nil, fmt.Errorf("init database: %w", err)
		}
		i.DB = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				i.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		LifecyclePoolSize: cfg.Worker.LifecyclePoolSize,
		ProviderPoolSize:  cfg.Worker.ProviderPoolSize,
	})
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	i.Pools = pools

	i.Topology, err = topology.NewStatic(cfg.Topology.VIMs, cfg.Topology.K8sClusters)
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("init topology: %w", err)
	}

	if i.PDUs, err = newPDUManager(ctx, i.DB, cfg.Topology.PDUs); err != nil {
		i.Close()
		return nil, fmt.Errorf("init pdu inventory: %w", err)
	}

	if i.Remote, err = newRemoteClient(cfg.Remote); err != nil {
		i.Close()
		return nil, fmt.Errorf("init remote configuration: %w", err)
	}
	if err := registerPDUConfigurators(i.PDUs, i.Remote, cfg.Remote.PDUTypes); err != nil {
		i.Close()
		return nil, fmt.Errorf("init pdu configurators: %w", err)
	}

	probes, err := i.wireProviders()
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("init provider factory: %w", err)
	}
	i.Health = provider.NewHealthChecker(probes, cfg.Server.HealthInterval)
	return i, nil
}

// newPDUManager seeds the inventory with the configured PDUs. PDUs already
// stored keep their lock holder.
func newPDUManager(ctx context.Context, db *infrastructure.DatabaseClients, seed []domain.PDU) (*pdu.Manager, error) {
	if db == nil {
		return pdu.NewManager(pdu.NewMemoryStore(seed...)), nil
	}
	m := pdu.NewManager(repository.NewPDUStore(db.Pool))
	for idx := range seed {
		err := m.Add(ctx, &seed[idx])
		if err != nil && !errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, err
		}
	}
	return m, nil
}

func newRemoteClient(cfg config.RemoteConfig) (*remote.Client, error) {
	return remote.New(remote.Config{
		Port:                  cfg.Port,
		Timeout:               cfg.Timeout,
		PrivateKeyFile:        cfg.PrivateKeyFile,
		KnownHostsFile:        cfg.KnownHostsFile,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		PlaybookDir:           cfg.PlaybookDir,
		AnsibleCommand:        cfg.AnsibleCommand,
	})
}

// registerPDUConfigurators gives every type in pduTypes the SSH command
// configurator.
func registerPDUConfigurators(m *pdu.Manager, client *remote.Client, pduTypes []string) error {
	for _, typ := range pduTypes {
		if err := m.RegisterConfigurator(remote.NewPDUConfigurator(client, typ)); err != nil {
			return err
		}
	}
	return nil
}

// wireProviders registers every provider constructor on a new factory and
// returns one health probe per configured VIM and cluster.
func (i *Infrastructure) wireProviders() (map[string]provider.Probe, error) {
	cfg := i.Config
	f := provider.NewFactory()

	kubevirtClients := kubevirt.NewClientFactory()
	proxmoxAPIs := func(vim *domain.VIM) (proxmox.API, error) {
		return proxmox.NewAPI(vim, cfg.K8s.ProxmoxTaskTimeout)
	}
	k8sClients := k8s.NewClientFactory(k8s.HelmConfig{
		Timeout: cfg.K8s.HelmTimeout,
		Driver:  cfg.K8s.HelmDriver,
	})

	if err := f.RegisterVirt(domain.VIMTypeKubeVirt, kubevirt.Constructor(kubevirtClients, cfg.K8s.OperationTimeout)); err != nil {
		return nil, err
	}
	if err := f.RegisterVirt(domain.VIMTypeProxmox, proxmox.Constructor(proxmoxAPIs)); err != nil {
		return nil, err
	}
	mockVirt, _ := provider.MockVirtConstructor(nil)
	if err := f.RegisterVirt(domain.VIMTypeMock, mockVirt); err != nil {
		return nil, err
	}
	f.SetK8s(k8s.Constructor(k8sClients, k8s.NewIPPools(), cfg.K8s.OperationTimeout))
	f.SetPDU(pdu.Constructor(i.PDUs))
	f.SetConfigurator(remote.NewVMConfigurator(i.Remote))
	i.Factory = f

	probes := make(map[string]provider.Probe)
	for idx := range cfg.Topology.VIMs {
		vim := &cfg.Topology.VIMs[idx]
		switch vim.Type {
		case domain.VIMTypeKubeVirt:
			probes["vim/"+vim.Name] = kubevirt.Probe(kubevirtClients, vim)
		case domain.VIMTypeProxmox:
			probes["vim/"+vim.Name] = proxmox.Probe(proxmoxAPIs, vim)
		default:
			logger.Debug("No health probe for vim type",
				zap.String("vim", vim.Name),
				zap.String("type", string(vim.Type)),
			)
		}
	}
	for idx := range cfg.Topology.K8sClusters {
		cluster := &cfg.Topology.K8sClusters[idx]
		probes["k8s/"+cluster.Name] = k8s.Probe(k8sClients, cluster)
	}
	return probes, nil
}

// InitRiver initializes the River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers, opts ...infrastructure.RiverOption) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River, opts...); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// RiverClient returns the River client, nil unless InitRiver succeeded.
func (i *Infrastructure) RiverClient() *river.Client[pgx.Tx] {
	if i == nil || i.DB == nil {
		return nil
	}
	return i.DB.RiverClient
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Health != nil {
		i.Health.Stop()
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
	if i.shutdownTracing != nil {
		if err := i.shutdownTracing(context.Background()); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
}
