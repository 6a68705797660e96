package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Orchestrator is the part of the blueprint manager the nested-blueprint
// provider drives.
type Orchestrator interface {
	CreateChild(ctx context.Context, parentID, blueprintType string, body json.RawMessage) (string, error)
	Destroy(ctx context.Context, id string) error
	Call(ctx context.Context, id, function string, body json.RawMessage) (json.RawMessage, error)
}

// NestedBlueprintData is the persisted data of NestedBlueprintProvider.
type NestedBlueprintData struct {
	Spawned []string `json:"spawned"`
}

// NestedBlueprintProvider creates children of one blueprint through the
// orchestrator. The parent's child list is owned by the engine; the provider
// only records what it spawned.
type NestedBlueprintProvider struct {
	parentID string
	orch     Orchestrator

	mu   sync.Mutex
	data NestedBlueprintData
}

var _ BlueprintProvider = (*NestedBlueprintProvider)(nil)

// NewNestedBlueprintProvider creates the provider of parentID.
func NewNestedBlueprintProvider(parentID string, orch Orchestrator) *NestedBlueprintProvider {
	return &NestedBlueprintProvider{parentID: parentID, orch: orch}
}

// NestedBlueprintConstructor adapts orch to a BlueprintConstructor.
func NestedBlueprintConstructor(orch Orchestrator) BlueprintConstructor {
	return func(_ context.Context, blueprintID string) (BlueprintProvider, error) {
		return NewNestedBlueprintProvider(blueprintID, orch), nil
	}
}

func (p *NestedBlueprintProvider) ProviderType() string { return "nested_blueprint" }
func (p *NestedBlueprintProvider) DataType() string     { return "nested_blueprint_data" }

func (p *NestedBlueprintProvider) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NestedBlueprintData{Spawned: append([]string(nil), p.data.Spawned...)}
}

func (p *NestedBlueprintProvider) LoadData(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DecodeData(raw, &p.data)
}

func (p *NestedBlueprintProvider) CreateBlueprint(ctx context.Context, blueprintType string, body json.RawMessage) (string, error) {
	id, err := p.orch.CreateChild(ctx, p.parentID, blueprintType, body)
	if id != "" {
		p.mu.Lock()
		p.data.Spawned = append(p.data.Spawned, id)
		p.mu.Unlock()
	}
	if err != nil {
		return id, fmt.Errorf("create child blueprint of type %s: %w", blueprintType, err)
	}
	return id, nil
}

func (p *NestedBlueprintProvider) DeleteBlueprint(ctx context.Context, id string) error {
	err := p.orch.Destroy(ctx, id)
	if err == nil || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrBlueprintNotFound) {
		p.forget(id)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrBlueprintNotFound) {
			return apperrors.BlueprintNotFound(id)
		}
		return fmt.Errorf("delete child blueprint %s: %w", id, err)
	}
	return nil
}

func (p *NestedBlueprintProvider) CallBlueprintFunction(ctx context.Context, id, function string, body json.RawMessage) (json.RawMessage, error) {
	out, err := p.orch.Call(ctx, id, function, body)
	if err != nil {
		return nil, fmt.Errorf("call %s on child blueprint %s: %w", function, id, err)
	}
	return out, nil
}

// FinalCleanup is a no-op: children are destroyed by the parent's destroy
// sequence before providers are cleaned up.
func (p *NestedBlueprintProvider) FinalCleanup(context.Context) error { return nil }

func (p *NestedBlueprintProvider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.data.Spawned {
		if s == id {
			p.data.Spawned = append(p.data.Spawned[:i], p.data.Spawned[i+1:]...)
			return
		}
	}
}
