package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// InfraStatus represents the reachability of one VIM or cluster.
type InfraStatus string

const (
	InfraStatusUnknown     InfraStatus = "UNKNOWN"
	InfraStatusHealthy     InfraStatus = "HEALTHY"
	InfraStatusUnreachable InfraStatus = "UNREACHABLE"
)

// InfraHealth contains health check results.
type InfraHealth struct {
	Name        string      `json:"name"`
	Status      InfraStatus `json:"status"`
	LastChecked time.Time   `json:"last_checked"`
	Error       string      `json:"error,omitempty"`
}

// Probe performs one lightweight reachability call against a VIM or cluster.
type Probe func(ctx context.Context) error

// HealthChecker performs periodic health checks on the configured infrastructure.
type HealthChecker struct {
	probes   map[string]Probe
	interval time.Duration
	results  map[string]*InfraHealth
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthChecker creates a HealthChecker over probes keyed by infrastructure name.
func NewHealthChecker(probes map[string]Probe, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthChecker{
		probes:   probes,
		interval: interval,
		results:  make(map[string]*InfraHealth),
		stopCh:   make(chan struct{}),
	}
}

// Check runs the probe of name once and stores the result.
func (c *HealthChecker) Check(ctx context.Context, name string) *InfraHealth {
	health := &InfraHealth{Name: name, LastChecked: time.Now()}

	probe, ok := c.probes[name]
	if !ok {
		health.Status = InfraStatusUnknown
		health.Error = fmt.Sprintf("no probe registered for %s", name)
		return health
	}
	if err := probe(ctx); err != nil {
		health.Status = InfraStatusUnreachable
		health.Error = err.Error()
		logger.Warn("Infrastructure health check failed",
			zap.String("infra", name),
			zap.Error(err),
		)
	} else {
		health.Status = InfraStatusHealthy
	}

	c.mu.Lock()
	c.results[name] = health
	c.mu.Unlock()
	return health
}

// Health returns the cached status of name.
func (c *HealthChecker) Health(name string) *InfraHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.results[name]; ok {
		return h
	}
	return &InfraHealth{Name: name, Status: InfraStatusUnknown}
}

// Snapshot returns the cached status of every probed name, sorted by name.
func (c *HealthChecker) Snapshot() []*InfraHealth {
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*InfraHealth, 0, len(names))
	for _, name := range names {
		out = append(out, c.Health(name))
	}
	return out
}

// Start begins periodic health checking.
// nolint:naked-goroutine // health checker ticker loop; doesn't fit worker pool pattern.
func (c *HealthChecker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.checkAll(ctx)
		for {
			select {
			case <-ticker.C:
				c.checkAll(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic health checking. Safe to call more than once.
func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *HealthChecker) checkAll(ctx context.Context) {
	for name := range c.probes {
		c.Check(ctx, name)
	}
}
