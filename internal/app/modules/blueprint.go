package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/api/handlers"
	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/blueprints"
	"nfvcl.io/nfvcl/internal/jobs"
	"nfvcl.io/nfvcl/internal/manager"
	"nfvcl.io/nfvcl/internal/pkg/archive"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	"nfvcl.io/nfvcl/internal/pkg/lock"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/pkg/telemetry"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/repository"
)

// BlueprintModule wires the blueprint engine: registry, store, locks,
// events, archive and the manager with its lifecycle workers.
type BlueprintModule struct {
	infra   *Infrastructure
	Manager *manager.Manager

	redisLock *lock.Redis
	jetStream *bus.JetStream
}

// NewBlueprintModule builds the manager over the infrastructure. Redis, NATS
// and S3 are used when configured, in-process substitutes otherwise.
func NewBlueprintModule(ctx context.Context, infra *Infrastructure) (*BlueprintModule, error) {
	cfg := infra.Config
	m := &BlueprintModule{infra: infra}

	registry := blueprint.NewRegistry(nil)
	if err := blueprints.Register(registry); err != nil {
		return nil, fmt.Errorf("register blueprint types: %w", err)
	}

	var store repository.Store
	if infra.DB != nil {
		store = repository.NewPostgresStore(infra.DB.Pool)
	} else {
		store = repository.NewMemoryStore()
		logger.Warn("Blueprint documents are kept in memory and lost on restart")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		r, err := lock.NewRedis(ctx, lock.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.LockTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init blueprint locks: %w", err)
		}
		m.redisLock = r
		locker = r
	}

	var events bus.Publisher = bus.Nop{}
	if cfg.NATS.URL != "" {
		js, err := bus.NewJetStream(bus.Options{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Stream:        cfg.NATS.Stream,
		})
		if err != nil {
			_ = m.Shutdown(ctx)
			return nil, fmt.Errorf("init event bus: %w", err)
		}
		m.jetStream = js
		events = js
	}

	var archiver archive.Archiver
	if cfg.S3.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			_ = m.Shutdown(ctx)
			return nil, fmt.Errorf("init archive: %w", err)
		}
		archiver = s3
	}

	env := &blueprint.Env{
		Registry: registry,
		Topology: infra.Topology,
		Factory:  infra.Factory,
		Metrics:  infra.Metrics,
		Tracer:   telemetry.Tracer(),
		AggregatorOptions: []provider.Option{
			provider.WithTracer(telemetry.Tracer()),
			provider.WithMetrics(infra.Metrics),
			provider.WithCleanupPool(infra.Pools.Provider),
		},
	}
	mgr, err := manager.New(manager.Options{
		Env:     env,
		Store:   store,
		Locker:  locker,
		Events:  events,
		Archive: archiver,
	})
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, err
	}
	m.Manager = mgr

	logger.Info("Blueprint engine ready",
		zap.Strings("types", registry.Types()),
		zap.Bool("redis_locks", m.redisLock != nil),
		zap.Bool("events", m.jetStream != nil),
		zap.Bool("archive", archiver != nil),
	)
	return m, nil
}

func (m *BlueprintModule) Name() string { return "blueprint" }

func (m *BlueprintModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Blueprints = m.Manager
	deps.Types = m.Manager.Registry().Types()
}

func (m *BlueprintModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.Manager == nil {
		return
	}
	river.AddWorker(workers, jobs.NewBlueprintLifecycleWorker(m.Manager, jobs.DefaultLifecycleTimeout))
	river.AddWorker(workers, jobs.NewPhaseRecoveryWorker(m.Manager))
}

// UseDispatcher routes async operations to River when client is set and to
// the lifecycle pool otherwise.
func (m *BlueprintModule) UseDispatcher(client *river.Client[pgx.Tx]) {
	if client != nil {
		m.Manager.SetDispatcher(jobs.NewRiverDispatcher(client))
		return
	}
	m.Manager.SetDispatcher(manager.NewPoolDispatcher(m.infra.Pools, m.Manager))
}

// Recover settles blueprints left mid-operation by a previous process.
func (m *BlueprintModule) Recover(ctx context.Context) {
	n, err := m.Manager.RecoverInterrupted(ctx)
	if err != nil {
		logger.Error("Phase recovery failed", zap.Error(err))
		return
	}
	logger.Info("Phase recovery completed", zap.Int("recovered", n))
}

func (m *BlueprintModule) Shutdown(context.Context) error {
	if m.jetStream != nil {
		m.jetStream.Close()
	}
	if m.redisLock != nil {
		return m.redisLock.Close()
	}
	return nil
}
