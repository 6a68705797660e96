package pdu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/provider"
)

// ProviderType identifies the implementation in persisted records.
const ProviderType = "pdu"

// DataType tags the persisted provider data.
const DataType = "pdu_provider_data"

// Data is the persisted state of a Provider.
type Data struct {
	// Locked lists the PDUs the blueprint locked through this provider.
	Locked []string `json:"locked"`
}

// Provider is one blueprint's view of the shared Manager.
type Provider struct {
	blueprintID string
	manager     *Manager

	mu   sync.Mutex
	data Data
}

var _ provider.PDUProvider = (*Provider)(nil)

// NewProvider creates the PDU provider of blueprintID.
func NewProvider(blueprintID string, manager *Manager) *Provider {
	return &Provider{blueprintID: blueprintID, manager: manager}
}

// Constructor adapts manager to a provider.PDUConstructor.
func Constructor(manager *Manager) provider.PDUConstructor {
	return func(_ context.Context, blueprintID string) (provider.PDUProvider, error) {
		return NewProvider(blueprintID, manager), nil
	}
}

func (p *Provider) ProviderType() string { return ProviderType }
func (p *Provider) DataType() string     { return DataType }

func (p *Provider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Data{Locked: append([]string{}, p.data.Locked...)}
}

func (p *Provider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return provider.DecodeData(raw, &p.data)
}

func (p *Provider) track(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.data.Locked, name) {
		p.data.Locked = append(p.data.Locked, name)
		sort.Strings(p.data.Locked)
	}
}

func (p *Provider) untrack(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Locked = slices.DeleteFunc(p.data.Locked, func(n string) bool { return n == name })
}

// FindPDU returns the single PDU of area matching pduType and name.
func (p *Provider) FindPDU(ctx context.Context, area int, pduType, name string) (*domain.PDU, error) {
	found, err := p.manager.Find(ctx, area, pduType, name)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, apperrors.PDUNotFound(fmt.Sprintf("%s (area %d, type %q)", name, area, pduType))
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("find pdu in area %d type %q name %q: %d matches: %w", area, pduType, name, len(found), apperrors.ErrConflict)
	}
}

func (p *Provider) FindPDUs(ctx context.Context, area int, pduType string) ([]*domain.PDU, error) {
	return p.manager.Find(ctx, area, pduType, "")
}

func (p *Provider) LockPDU(ctx context.Context, pdu *domain.PDU) error {
	if err := p.manager.Lock(ctx, pdu.Name, p.blueprintID); err != nil {
		return err
	}
	pdu.LockedBy = p.blueprintID
	p.track(pdu.Name)
	return nil
}

func (p *Provider) UnlockPDU(ctx context.Context, pdu *domain.PDU) error {
	if err := p.manager.Unlock(ctx, pdu.Name, p.blueprintID); err != nil {
		return err
	}
	pdu.LockedBy = ""
	p.untrack(pdu.Name)
	return nil
}

func (p *Provider) IsPDULocked(ctx context.Context, pdu *domain.PDU) (bool, error) {
	current, err := p.manager.Get(ctx, pdu.Name)
	if err != nil {
		return false, err
	}
	return current.Locked(), nil
}

func (p *Provider) IsPDULockedByCurrentBlueprint(ctx context.Context, pdu *domain.PDU) (bool, error) {
	current, err := p.manager.Get(ctx, pdu.Name)
	if err != nil {
		return false, err
	}
	return current.LockedBy == p.blueprintID, nil
}

func (p *Provider) GetPDUConfigurator(_ context.Context, pdu *domain.PDU) (provider.PDUConfigurator, error) {
	return p.manager.Configurator(pdu.Type)
}

func (p *Provider) AddPDU(ctx context.Context, pdu *domain.PDU) error {
	return p.manager.Add(ctx, pdu)
}

func (p *Provider) DeletePDU(ctx context.Context, name string) error {
	return p.manager.Delete(ctx, name)
}

// FinalCleanup unlocks every PDU the blueprint still holds, both those it
// tracked and any the inventory still attributes to it. Every unlock is
// attempted; the result joins all failures.
func (p *Provider) FinalCleanup(ctx context.Context) error {
	p.mu.Lock()
	names := append([]string(nil), p.data.Locked...)
	p.mu.Unlock()

	held, err := p.manager.LockedBy(ctx, p.blueprintID)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, pdu := range held {
		if !slices.Contains(names, pdu.Name) {
			names = append(names, pdu.Name)
		}
	}

	for _, name := range names {
		err := p.manager.Unlock(ctx, name, p.blueprintID)
		switch {
		case err == nil, errors.Is(err, apperrors.ErrPDUNotFound):
			p.untrack(name)
		case errors.Is(err, apperrors.ErrPDULocked):
			// another blueprint took it after we lost it
			p.untrack(name)
			logger.Warn("PDU no longer held at cleanup", zap.String("pdu", name), zap.String(logger.FieldBlueprintID, p.blueprintID), zap.Error(err))
		default:
			logger.Warn("PDU unlock failed during cleanup", zap.String("pdu", name), zap.String(logger.FieldBlueprintID, p.blueprintID), zap.Error(err))
			errs = append(errs, fmt.Errorf("unlock pdu %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
