package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// DefaultRecoveryInterval is how often interrupted blueprints are looked for.
const DefaultRecoveryInterval = 15 * time.Minute

// Recoverer returns interrupted blueprints to idle.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// PhaseRecoveryArgs is a periodic maintenance job that returns blueprints
// left mid-operation by a crashed process to idle.
type PhaseRecoveryArgs struct{}

// Kind returns the job kind identifier for phase recovery.
func (PhaseRecoveryArgs) Kind() string { return "blueprint_phase_recovery" }

// InsertOpts ensures at most one recovery job is enqueued per interval.
func (PhaseRecoveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: DefaultRecoveryInterval,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// PhaseRecoveryWorker runs the recovery sweep.
type PhaseRecoveryWorker struct {
	river.WorkerDefaults[PhaseRecoveryArgs]
	recoverer Recoverer
}

// NewPhaseRecoveryWorker creates a recovery worker.
func NewPhaseRecoveryWorker(r Recoverer) *PhaseRecoveryWorker {
	return &PhaseRecoveryWorker{recoverer: r}
}

// Work runs one sweep.
func (w *PhaseRecoveryWorker) Work(ctx context.Context, _ *river.Job[PhaseRecoveryArgs]) error {
	if w == nil || w.recoverer == nil {
		return fmt.Errorf("phase recovery worker is not initialized")
	}
	n, err := w.recoverer.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted blueprints: %w", err)
	}
	logger.Info("phase recovery completed", zap.Int("recovered", n))
	return nil
}

// PeriodicRecovery returns the periodic job scheduling PhaseRecoveryArgs,
// running once on start.
func PeriodicRecovery(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return PhaseRecoveryArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
