package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/pkg/worker"
)

// Operation names an asynchronous lifecycle operation.
type Operation string

const (
	OperationCreate  Operation = "create"
	OperationUpdate  Operation = "update"
	OperationCall    Operation = "call"
	OperationDestroy Operation = "destroy"
)

// Task is one asynchronous lifecycle operation on a stored blueprint.
type Task struct {
	Operation   Operation       `json:"operation"`
	BlueprintID string          `json:"blueprint_id"`
	Function    string          `json:"function,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Dispatcher queues tasks for later execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// Executor runs a dispatched task to completion.
type Executor interface {
	Execute(ctx context.Context, t Task) error
}

var _ Executor = (*Manager)(nil)

// ErrNoDispatcher is returned by the async operations before SetDispatcher.
var ErrNoDispatcher = errors.New("no lifecycle dispatcher configured")

// SetDispatcher sets the dispatcher used by the async operations.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

func (m *Manager) dispatch(ctx context.Context, t Task) error {
	m.mu.RLock()
	d := m.dispatcher
	m.mu.RUnlock()
	if d == nil {
		return ErrNoDispatcher
	}
	if err := d.Dispatch(ctx, t); err != nil {
		return fmt.Errorf("dispatch %s of blueprint %s: %w", t.Operation, t.BlueprintID, err)
	}
	return nil
}

// Execute runs t. It is the entry point of the dispatch workers.
func (m *Manager) Execute(ctx context.Context, t Task) error {
	switch t.Operation {
	case OperationCreate:
		return m.withLock(ctx, t.BlueprintID, func(ctx context.Context) error {
			b, err := m.load(ctx, t.BlueprintID)
			if err != nil {
				return err
			}
			return m.runCreate(ctx, b, t.Body)
		})
	case OperationUpdate:
		return m.Update(ctx, t.BlueprintID, t.Body)
	case OperationCall:
		out, err := m.Call(ctx, t.BlueprintID, t.Function, t.Body)
		if err == nil {
			m.log.Debug("Async blueprint call finished",
				zap.String(logger.FieldBlueprintID, t.BlueprintID),
				zap.String("function", t.Function),
				zap.ByteString("result", out),
			)
		}
		return err
	case OperationDestroy:
		return m.Destroy(ctx, t.BlueprintID)
	default:
		return fmt.Errorf("execute blueprint task: unknown operation %q", t.Operation)
	}
}

// CreateAsync validates body, stores a fresh idle instance and dispatches
// its create. The returned ID reads idle until a worker picks the create up
// and deploying while it runs.
func (m *Manager) CreateAsync(ctx context.Context, typ string, body json.RawMessage) (string, error) {
	b, err := m.instantiate(typ, "", body)
	if err != nil {
		return "", err
	}
	if err := m.withLock(ctx, b.ID(), func(ctx context.Context) error { return m.save(ctx, b) }); err != nil {
		return "", err
	}
	if err := m.dispatch(ctx, Task{Operation: OperationCreate, BlueprintID: b.ID(), Body: body}); err != nil {
		if delErr := m.store.Delete(ctx, b.ID()); delErr != nil {
			m.log.Warn("Dropping undispatched blueprint failed", zap.String(logger.FieldBlueprintID, b.ID()), zap.Error(delErr))
		}
		return "", err
	}
	return b.ID(), nil
}

// UpdateAsync dispatches an update of id.
func (m *Manager) UpdateAsync(ctx context.Context, id string, body json.RawMessage) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.dispatch(ctx, Task{Operation: OperationUpdate, BlueprintID: id, Body: body})
}

// CallAsync dispatches the day-2 function fn of id.
func (m *Manager) CallAsync(ctx context.Context, id, fn string, body json.RawMessage) error {
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	def, err := m.env.Registry.Get(doc.Type)
	if err != nil {
		return err
	}
	if _, ok := def.Functions[fn]; !ok {
		return apperrors.UnknownFunction(doc.Type, fn)
	}
	return m.dispatch(ctx, Task{Operation: OperationCall, BlueprintID: id, Function: fn, Body: body})
}

// DestroyAsync dispatches the destroy of id. Protected blueprints are refused
// up front.
func (m *Manager) DestroyAsync(ctx context.Context, id string) error {
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Protected {
		return apperrors.BlueprintProtected(id)
	}
	return m.dispatch(ctx, Task{Operation: OperationDestroy, BlueprintID: id})
}

// PoolDispatcher runs tasks on the lifecycle worker pool, detached from the
// caller's context.
type PoolDispatcher struct {
	pools *worker.Pools
	exec  Executor
}

var _ Dispatcher = (*PoolDispatcher)(nil)

// NewPoolDispatcher creates a dispatcher running tasks through exec.
func NewPoolDispatcher(pools *worker.Pools, exec Executor) *PoolDispatcher {
	return &PoolDispatcher{pools: pools, exec: exec}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, t Task) error {
	return d.pools.SubmitDetached(worker.PoolLifecycle, func(ctx context.Context) {
		if err := d.exec.Execute(ctx, t); err != nil {
			logger.Warn("Async blueprint operation failed",
				zap.String(logger.FieldBlueprintID, t.BlueprintID),
				zap.String("operation", string(t.Operation)),
				zap.Error(err),
			)
		}
	})
}
