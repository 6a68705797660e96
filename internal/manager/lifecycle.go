package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// Create instantiates a blueprint of typ and runs its create hook. The
// request body is validated before anything is stored. A failed create hook
// leaves the instance stored with status.error set, and its ID is returned
// together with the error.
func (m *Manager) Create(ctx context.Context, typ string, body json.RawMessage) (string, error) {
	return m.create(ctx, typ, "", body)
}

// CreateChild is Create for a blueprint nested under parentID.
func (m *Manager) CreateChild(ctx context.Context, parentID, typ string, body json.RawMessage) (string, error) {
	return m.create(ctx, typ, parentID, body)
}

func (m *Manager) create(ctx context.Context, typ, parentID string, body json.RawMessage) (string, error) {
	b, err := m.instantiate(typ, parentID, body)
	if err != nil {
		return "", err
	}
	err = m.withLock(ctx, b.ID(), func(ctx context.Context) error {
		if err := m.save(ctx, b); err != nil {
			return err
		}
		return m.runCreate(ctx, b, body)
	})
	if err != nil && errors.Is(err, apperrors.ErrBlueprintBusy) {
		return "", err
	}
	return b.ID(), err
}

// instantiate validates body against the type and builds a fresh instance.
func (m *Manager) instantiate(typ, parentID string, body json.RawMessage) (*blueprint.Blueprint, error) {
	def, err := m.env.Registry.Get(typ)
	if err != nil {
		return nil, err
	}
	if _, err := def.DecodeConfig(body); err != nil {
		return nil, err
	}
	b := blueprint.New(m.env, def, "", parentID)
	b.SetCheckpoint(m.save)
	return b, nil
}

// runCreate runs the create hook of an already stored instance and persists
// the outcome. The lock of b must be held.
func (m *Manager) runCreate(ctx context.Context, b *blueprint.Blueprint, body json.RawMessage) error {
	err := b.Create(ctx, body)
	saveErr := m.save(ctx, b)
	if err != nil {
		m.publish(ctx, b, bus.EventCreateFailed, blueprint.OpCreate, err)
	} else if saveErr == nil {
		m.publish(ctx, b, bus.EventCreated, blueprint.OpCreate, nil)
	}
	return errors.Join(err, saveErr)
}

// Update runs the update hook of id with a new config.
func (m *Manager) Update(ctx context.Context, id string, body json.RawMessage) error {
	return m.withLock(ctx, id, func(ctx context.Context) error {
		b, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		err = b.Update(ctx, body)
		if errors.Is(err, apperrors.ErrBadRequest) || errors.Is(err, apperrors.ErrNotSupported) ||
			errors.Is(err, apperrors.ErrBlueprintCorrupted) || errors.Is(err, apperrors.ErrInvalidPhase) {
			return err
		}
		saveErr := m.save(ctx, b)
		if err == nil && saveErr == nil {
			m.publish(ctx, b, bus.EventUpdated, blueprint.OpUpdate, nil)
		}
		return errors.Join(err, saveErr)
	})
}

// Call runs the day-2 function fn of id and returns its JSON result.
// Corrupted instances refuse calls.
func (m *Manager) Call(ctx context.Context, id, fn string, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := m.withLock(ctx, id, func(ctx context.Context) error {
		b, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		res, err := b.Call(ctx, fn, body)
		if errors.Is(err, apperrors.ErrBlueprintCorrupted) || errors.Is(err, apperrors.ErrInvalidPhase) ||
			errors.Is(err, apperrors.ErrUnknownBlueprintType) {
			return err
		}
		out = res
		return errors.Join(err, m.save(ctx, b))
	})
	return out, err
}

// Destroy tears id down and, on success, archives and deletes its document.
// A failed destroy keeps the document with status.error set.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.withLock(ctx, id, func(ctx context.Context) error {
		doc, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		b, err := blueprint.Load(ctx, m.env, doc)
		if err != nil {
			return fmt.Errorf("load blueprint %s: %w", id, err)
		}
		if b.Corrupted() {
			b.LogProblems()
		}
		b.SetCheckpoint(m.save)

		if err := b.Destroy(ctx); err != nil {
			if errors.Is(err, apperrors.ErrBlueprintProtected) || errors.Is(err, apperrors.ErrInvalidPhase) {
				return err
			}
			m.publish(ctx, b, bus.EventDestroyFailed, blueprint.OpDestroy, err)
			return errors.Join(err, m.save(ctx, b))
		}

		m.archiveDocument(ctx, doc)
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete destroyed blueprint %s: %w", id, err)
		}
		m.publish(ctx, b, bus.EventDestroyed, blueprint.OpDestroy, nil)
		b.Logger().Info("Blueprint destroyed")
		return nil
	})
}

// SetProtected sets or clears the flag that blocks destruction of id.
func (m *Manager) SetProtected(ctx context.Context, id string, protected bool) error {
	return m.withLock(ctx, id, func(ctx context.Context) error {
		b, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if b.Protected() == protected {
			return nil
		}
		b.SetProtected(protected)
		return m.save(ctx, b)
	})
}

// ForceDelete drops the document of id without touching any infrastructure.
// It is the way out for instances that can no longer be destroyed.
func (m *Manager) ForceDelete(ctx context.Context, id string) error {
	return m.withLock(ctx, id, func(ctx context.Context) error {
		doc, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		m.archiveDocument(ctx, doc)
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("force delete blueprint %s: %w", id, err)
		}
		logger.ForBlueprint(doc.ID, doc.Type).Warn("Blueprint document force deleted; its infrastructure was left in place")
		if err := m.events.Publish(ctx, bus.Event{
			Type:          bus.EventDestroyed,
			BlueprintID:   doc.ID,
			BlueprintType: doc.Type,
			ParentBlueID:  doc.ParentBlueID,
			Operation:     "force_delete",
			Time:          m.now(),
		}); err != nil {
			m.log.Warn("Publishing lifecycle event failed", zap.String(logger.FieldBlueprintID, id), zap.Error(err))
		}
		return nil
	})
}

// RecoverInterrupted returns blueprints left mid-operation by a crashed
// process to idle with an error status. Blueprints whose lock is held have an
// operation in flight and are skipped. It returns how many were recovered.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	summaries, err := m.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list blueprints: %w", err)
	}
	recovered := 0
	var errs []error
	for _, s := range summaries {
		if s.Status.Phase == blueprint.PhaseIdle {
			continue
		}
		err := m.withLock(ctx, s.ID, func(ctx context.Context) error {
			b, err := m.load(ctx, s.ID)
			if err != nil {
				return err
			}
			if !b.RecoverInterrupted() {
				return nil
			}
			recovered++
			return m.save(ctx, b)
		})
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrBlueprintBusy), errors.Is(err, apperrors.ErrBlueprintNotFound):
		default:
			errs = append(errs, err)
		}
	}
	if recovered > 0 {
		m.log.Info("Recovered interrupted blueprints", zap.Int("count", recovered))
	}
	return recovered, errors.Join(errs...)
}
