// Package jobs defines the River Queue jobs that run blueprint lifecycle
// operations out of the request path.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/manager"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

const (
	// QueueBlueprints carries lifecycle operations.
	QueueBlueprints = "blueprint_operations"

	// DefaultLifecycleTimeout bounds one lifecycle job. Helm installs and VM
	// boots dominate its duration.
	DefaultLifecycleTimeout = time.Hour

	// busySnooze is how long a job waits when its blueprint is locked.
	busySnooze = 5 * time.Second
)

// BlueprintLifecycleArgs carries one manager task.
type BlueprintLifecycleArgs struct {
	Task manager.Task `json:"task"`
}

// Kind returns the job kind identifier for lifecycle operations.
func (BlueprintLifecycleArgs) Kind() string { return "blueprint_lifecycle" }

// InsertOpts returns insert options for lifecycle jobs. Lifecycle hooks are
// not idempotent, so a failed job is not retried.
func (BlueprintLifecycleArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueBlueprints,
		MaxAttempts: 1,
	}
}

// BlueprintLifecycleWorker executes manager tasks.
type BlueprintLifecycleWorker struct {
	river.WorkerDefaults[BlueprintLifecycleArgs]
	exec    manager.Executor
	timeout time.Duration
}

// NewBlueprintLifecycleWorker creates a worker. Non-positive timeout falls
// back to DefaultLifecycleTimeout.
func NewBlueprintLifecycleWorker(exec manager.Executor, timeout time.Duration) *BlueprintLifecycleWorker {
	if timeout <= 0 {
		timeout = DefaultLifecycleTimeout
	}
	return &BlueprintLifecycleWorker{exec: exec, timeout: timeout}
}

// Timeout overrides River's default job timeout.
func (w *BlueprintLifecycleWorker) Timeout(*river.Job[BlueprintLifecycleArgs]) time.Duration {
	return w.timeout
}

// Work runs the task. A busy blueprint snoozes the job; a blueprint that no
// longer exists cancels it.
func (w *BlueprintLifecycleWorker) Work(ctx context.Context, job *river.Job[BlueprintLifecycleArgs]) error {
	if w == nil || w.exec == nil {
		return fmt.Errorf("blueprint lifecycle worker is not initialized")
	}
	t := job.Args.Task
	logger.Info("Processing blueprint lifecycle job",
		zap.String(logger.FieldBlueprintID, t.BlueprintID),
		zap.String("operation", string(t.Operation)),
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)

	err := w.exec.Execute(ctx, t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrBlueprintBusy):
		return river.JobSnooze(busySnooze)
	case errors.Is(err, apperrors.ErrBlueprintNotFound):
		return river.JobCancel(err)
	default:
		return fmt.Errorf("%s blueprint %s: %w", t.Operation, t.BlueprintID, err)
	}
}

// RiverDispatcher queues manager tasks as River jobs.
type RiverDispatcher struct {
	client *river.Client[pgx.Tx]
}

var _ manager.Dispatcher = (*RiverDispatcher)(nil)

// NewRiverDispatcher creates a dispatcher inserting into client.
func NewRiverDispatcher(client *river.Client[pgx.Tx]) *RiverDispatcher {
	return &RiverDispatcher{client: client}
}

func (d *RiverDispatcher) Dispatch(ctx context.Context, t manager.Task) error {
	res, err := d.client.Insert(ctx, BlueprintLifecycleArgs{Task: t}, nil)
	if err != nil {
		return fmt.Errorf("insert lifecycle job: %w", err)
	}
	logger.Debug("Lifecycle job queued",
		zap.String(logger.FieldBlueprintID, t.BlueprintID),
		zap.Int64("job_id", res.Job.ID),
	)
	return nil
}
