// Package worker provides goroutine pool management.
//
// Naked goroutines are forbidden: blueprint lifecycle work and provider
// fan-out both go through a Pool with context propagation.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// Pool names accepted by SubmitDetached.
const (
	PoolLifecycle = "lifecycle"
	PoolProvider  = "provider"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the Worker pool collection.
type Pools struct {
	// Lifecycle runs asynchronous blueprint create, destroy and day-2 calls.
	Lifecycle *Pool
	// Provider runs per-provider fan-out such as final cleanup.
	Provider *Pool

	// serviceCtx is the service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains Worker Pool configuration.
type PoolConfig struct {
	LifecyclePoolSize int
	ProviderPoolSize  int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		LifecyclePoolSize: 32,
		ProviderPoolSize:  16,
	}
}

// NewPools creates Worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	lifecycleAnts, err := ants.NewPool(cfg.LifecyclePoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second), // deploys are long-lived
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	providerAnts, err := ants.NewPool(cfg.ProviderPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		lifecycleAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		Lifecycle:     &Pool{pool: lifecycleAnts, name: PoolLifecycle},
		Provider:      &Pool{pool: providerAnts, name: PoolProvider},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// The task receives the caller's context and SHOULD check ctx.Done() at blocking points.
// If context is already cancelled, returns ctx.Err() immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		// may have been cancelled while queued
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// FanOut runs every fn on the pool and waits for all of them. Errors are
// joined in input order; a task that could not be submitted contributes its
// submission error.
func (p *Pool) FanOut(ctx context.Context, fns ...func(ctx context.Context) error) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		// the wrapper always runs fn so wg is released even when ctx ends while queued
		if err := p.pool.Submit(func() {
			defer wg.Done()
			errs[i] = fn(ctx)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SubmitDetached submits a detached background task.
// Detached tasks use the service lifecycle context instead of a request context,
// so they survive request cancellation but still respect graceful shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.Lifecycle
	if poolName == PoolProvider {
		pool = p.Provider
	}

	return pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", poolName),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
}

// Shutdown gracefully shuts down all pools with a timeout.
// Cancels service context first, then waits for running tasks (max 30s).
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.Lifecycle.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Lifecycle pool shutdown timeout", zap.Error(err))
	}
	if err := p.Provider.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Provider pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		PoolLifecycle: map[string]int{
			"running": p.Lifecycle.pool.Running(),
			"free":    p.Lifecycle.pool.Free(),
			"cap":     p.Lifecycle.pool.Cap(),
		},
		PoolProvider: map[string]int{
			"running": p.Provider.pool.Running(),
			"free":    p.Provider.pool.Free(),
			"cap":     p.Provider.pool.Cap(),
		},
	}
}
