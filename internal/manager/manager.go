// Package manager is the boundary of the blueprint engine: it creates, loads,
// persists and destroys blueprint instances, serializes operations per
// blueprint ID, and publishes lifecycle events.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/pkg/archive"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/lock"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/repository"
)

// Options are the collaborators of a Manager. Env and Store are required.
type Options struct {
	Env    *blueprint.Env
	Store  repository.Store
	Locker lock.Locker
	Events bus.Publisher
	// Archive receives the last stored document of destroyed blueprints; nil
	// disables archiving.
	Archive archive.Archiver
}

// Manager owns blueprint instances between requests. Every mutating
// operation runs under the per-ID lock and persists the instance afterwards.
type Manager struct {
	env     *blueprint.Env
	store   repository.Store
	locks   lock.Locker
	events  bus.Publisher
	archive archive.Archiver
	log     *zap.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
}

var _ provider.Orchestrator = (*Manager)(nil)

// New creates a manager. It installs itself as the nested-blueprint
// orchestrator of the environment's provider factory.
func New(opts Options) (*Manager, error) {
	if opts.Env == nil || opts.Env.Registry == nil {
		return nil, errors.New("create blueprint manager: environment with registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("create blueprint manager: store is required")
	}
	m := &Manager{
		env:     opts.Env,
		store:   opts.Store,
		locks:   opts.Locker,
		events:  opts.Events,
		archive: opts.Archive,
		log:     logger.L().Named("manager"),
	}
	if m.locks == nil {
		m.locks = lock.NewLocal()
	}
	if m.events == nil {
		m.events = bus.Nop{}
	}
	if opts.Env.Factory != nil {
		opts.Env.Factory.SetBlueprint(provider.NestedBlueprintConstructor(m))
	}
	return m, nil
}

func (m *Manager) now() time.Time {
	if m.env.Now != nil {
		return m.env.Now().UTC()
	}
	return time.Now().UTC()
}

// Registry returns the blueprint type registry.
func (m *Manager) Registry() *blueprint.Registry { return m.env.Registry }

// withLock runs fn while holding the lock of id. A held lock fails fast with
// BlueprintBusy.
func (m *Manager) withLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	release, err := m.locks.TryLock(ctx, id)
	if errors.Is(err, lock.ErrHeld) {
		return apperrors.BlueprintBusy(id)
	}
	if err != nil {
		return fmt.Errorf("lock blueprint %s: %w", id, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("Releasing blueprint lock failed", zap.String(logger.FieldBlueprintID, id), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// load reads and rebuilds one instance. Corrupted instances load successfully.
func (m *Manager) load(ctx context.Context, id string) (*blueprint.Blueprint, error) {
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := blueprint.Load(ctx, m.env, doc)
	if err != nil {
		return nil, fmt.Errorf("load blueprint %s: %w", id, err)
	}
	if b.Corrupted() {
		b.LogProblems()
	}
	b.SetCheckpoint(m.save)
	return b, nil
}

// save persists b. When the document cannot be produced the instance turns
// corrupted and only the flag is written to the stored document.
func (m *Manager) save(ctx context.Context, b *blueprint.Blueprint) error {
	doc, err := b.ToDocument()
	if err != nil {
		if b.Corrupted() {
			if markErr := m.store.MarkCorrupted(ctx, b.ID(), err.Error()); markErr != nil && !errors.Is(markErr, apperrors.ErrBlueprintNotFound) {
				m.log.Error("Marking blueprint corrupted failed", zap.String(logger.FieldBlueprintID, b.ID()), zap.Error(markErr))
			}
		}
		return fmt.Errorf("save blueprint %s: %w", b.ID(), err)
	}
	if err := m.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("save blueprint %s: %w", b.ID(), err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, b *blueprint.Blueprint, eventType, op string, cause error) {
	ev := bus.Event{
		Type:          eventType,
		BlueprintID:   b.ID(),
		BlueprintType: b.Type(),
		ParentBlueID:  b.ParentID(),
		Operation:     op,
		Time:          m.now(),
	}
	if cause != nil {
		ev.Detail = cause.Error()
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Warn("Publishing lifecycle event failed",
			zap.String(logger.FieldBlueprintID, b.ID()),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

// Get loads the instance id without locking it.
func (m *Manager) Get(ctx context.Context, id string) (*blueprint.Blueprint, error) {
	return m.load(ctx, id)
}

// Document returns the stored document of id, corrupted ones included.
func (m *Manager) Document(ctx context.Context, id string) (*blueprint.Document, error) {
	return m.store.Get(ctx, id)
}

// List returns the summaries of stored blueprints, filtered by type when typ
// is not empty.
func (m *Manager) List(ctx context.Context, typ string) ([]blueprint.Summary, error) {
	return m.store.List(ctx, typ)
}

// archiveDocument stores doc in the archive. Failures are logged.
func (m *Manager) archiveDocument(ctx context.Context, doc *blueprint.Document) {
	if m.archive == nil || doc == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err == nil {
		err = m.archive.Archive(ctx, doc.ID, raw)
	}
	if err != nil {
		m.log.Warn("Archiving blueprint document failed", zap.String(logger.FieldBlueprintID, doc.ID), zap.Error(err))
	}
}
