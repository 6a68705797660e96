package pdu

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/provider"
)

// Manager owns the PDU inventory and the configurator of every PDU type.
// The composition root builds one and injects it into every blueprint's
// PDU provider.
type Manager struct {
	store Store

	mu            sync.RWMutex
	configurators map[string]provider.PDUConfigurator
}

// NewManager creates a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, configurators: make(map[string]provider.PDUConfigurator)}
}

// RegisterConfigurator registers c for its PDU type.
func (m *Manager) RegisterConfigurator(c provider.PDUConfigurator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configurators[c.PDUType()]; exists {
		return fmt.Errorf("register pdu configurator %q: %w", c.PDUType(), apperrors.ErrAlreadyExists)
	}
	m.configurators[c.PDUType()] = c
	return nil
}

// Configurator returns the configurator of pduType.
func (m *Manager) Configurator(pduType string) (provider.PDUConfigurator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configurators[pduType]
	if !ok {
		return nil, apperrors.UnknownPDUConfigurator(pduType)
	}
	return c, nil
}

// Get returns the named PDU.
func (m *Manager) Get(ctx context.Context, name string) (*domain.PDU, error) {
	return m.store.Get(ctx, name)
}

// Find returns the PDUs of area matching pduType and name. Empty filters match everything.
func (m *Manager) Find(ctx context.Context, area int, pduType, name string) ([]*domain.PDU, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pdus: %w", err)
	}
	var out []*domain.PDU
	for _, p := range all {
		if p.Area != area {
			continue
		}
		if pduType != "" && p.Type != pduType {
			continue
		}
		if name != "" && p.Name != name {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LockedBy returns every PDU held by blueprintID.
func (m *Manager) LockedBy(ctx context.Context, blueprintID string) ([]*domain.PDU, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pdus: %w", err)
	}
	var out []*domain.PDU
	for _, p := range all {
		if p.LockedBy == blueprintID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Lock gives blueprintID exclusive use of the named PDU. Locking a PDU the
// blueprint already holds succeeds.
func (m *Manager) Lock(ctx context.Context, name, blueprintID string) error {
	err := m.store.SwapLock(ctx, name, "", blueprintID)
	if err == nil {
		logger.Info("PDU locked", zap.String("pdu", name), zap.String(logger.FieldBlueprintID, blueprintID))
		return nil
	}
	current, getErr := m.store.Get(ctx, name)
	if getErr == nil && current.LockedBy == blueprintID {
		return nil
	}
	return err
}

// Unlock releases the named PDU held by blueprintID.
func (m *Manager) Unlock(ctx context.Context, name, blueprintID string) error {
	if err := m.store.SwapLock(ctx, name, blueprintID, ""); err != nil {
		return err
	}
	logger.Info("PDU unlocked", zap.String("pdu", name), zap.String(logger.FieldBlueprintID, blueprintID))
	return nil
}

// Add inserts a new PDU. New PDUs always start unlocked.
func (m *Manager) Add(ctx context.Context, pdu *domain.PDU) error {
	if pdu.Name == "" || pdu.Type == "" {
		return fmt.Errorf("add pdu: name and type are required: %w", apperrors.ErrBadRequest)
	}
	p := clonePDU(pdu)
	p.LockedBy = ""
	return m.store.Insert(ctx, p)
}

// Delete removes the named PDU. A locked PDU cannot be deleted.
func (m *Manager) Delete(ctx context.Context, name string) error {
	p, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if p.Locked() {
		return apperrors.PDULocked(name, p.LockedBy)
	}
	return m.store.Delete(ctx, name)
}
