// Package composite implements a blueprint made of nested vmchain and
// helmapp blueprints. Its children are destroyed with it.
package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/blueprints/helmapp"
	"nfvcl.io/nfvcl/internal/blueprints/vmchain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Type is the blueprint type tag.
const Type = "composite"

var childTypes = []string{vmchain.Type, helmapp.Type}

// Child is one nested blueprint to create.
type Child struct {
	Name string          `json:"name"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Validate implements blueprint.Validator.
func (c *Child) Validate() error {
	if c.Name == "" {
		return errors.New("child name is required")
	}
	if !slices.Contains(childTypes, c.Type) {
		return fmt.Errorf("child %s: type %q is not one of %v", c.Name, c.Type, childTypes)
	}
	return nil
}

// Config is the create request of a composite.
type Config struct {
	Children []Child `json:"children"`
}

// Validate implements blueprint.Validator.
func (c *Config) Validate() error {
	if len(c.Children) == 0 {
		return errors.New("at least one child is required")
	}
	seen := make(map[string]bool, len(c.Children))
	for i := range c.Children {
		if err := c.Children[i].Validate(); err != nil {
			return err
		}
		if seen[c.Children[i].Name] {
			return fmt.Errorf("child %s is listed twice", c.Children[i].Name)
		}
		seen[c.Children[i].Name] = true
	}
	return nil
}

// ChildRef is a created child.
type ChildRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// State is the persisted state of a composite.
type State struct {
	Children []ChildRef `json:"children"`
}

func (s *State) child(name string) (int, error) {
	for i := range s.Children {
		if s.Children[i].Name == name {
			return i, nil
		}
	}
	return -1, apperrors.InvalidArgument("CHILD_NOT_IN_COMPOSITE", fmt.Sprintf("child %s is not part of the composite", name))
}

// Definition returns the composite blueprint type.
func Definition() *blueprint.Definition {
	return blueprint.Spec[State, Config]{
		Type:   Type,
		Create: create,
		Functions: map[string]func(context.Context, *blueprint.Blueprint, *State, json.RawMessage) (interface{}, error){
			"call_child":   blueprint.Body(callChild),
			"add_child":    blueprint.Body(addChild),
			"remove_child": blueprint.Body(removeChild),
		},
	}.Definition()
}

func create(ctx context.Context, b *blueprint.Blueprint, state *State, cfg *Config) error {
	for _, c := range cfg.Children {
		if err := spawn(ctx, b, state, c); err != nil {
			return err
		}
	}
	return nil
}

// spawn creates c. A child that was stored despite a failed create is
// recorded so it is destroyed with the composite.
func spawn(ctx context.Context, b *blueprint.Blueprint, state *State, c Child) error {
	id, err := b.CreateChild(ctx, c.Type, c.Body)
	if id != "" {
		state.Children = append(state.Children, ChildRef{Name: c.Name, Type: c.Type, ID: id})
		b.Logger().Info("Child blueprint created", zap.String("child", c.Name), zap.String("child_id", id))
	}
	if err != nil {
		return fmt.Errorf("create child %s: %w", c.Name, err)
	}
	return nil
}

// CallChildRequest is the body of call_child.
type CallChildRequest struct {
	Child    string          `json:"child"`
	Function string          `json:"function"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Validate implements blueprint.Validator.
func (r *CallChildRequest) Validate() error {
	if r.Child == "" || r.Function == "" {
		return errors.New("child and function are required")
	}
	return nil
}

func callChild(ctx context.Context, b *blueprint.Blueprint, state *State, req *CallChildRequest) (interface{}, error) {
	i, err := state.child(req.Child)
	if err != nil {
		return nil, err
	}
	out, err := b.Providers().CallBlueprintFunction(ctx, state.Children[i].ID, req.Function, req.Body)
	if err != nil {
		return nil, fmt.Errorf("call %s on child %s: %w", req.Function, req.Child, err)
	}
	return out, nil
}

func addChild(ctx context.Context, b *blueprint.Blueprint, state *State, req *Child) (interface{}, error) {
	if _, err := state.child(req.Name); err == nil {
		return nil, apperrors.InvalidArgument("CHILD_ALREADY_IN_COMPOSITE", fmt.Sprintf("child %s is already part of the composite", req.Name))
	}
	if err := spawn(ctx, b, state, *req); err != nil {
		return nil, err
	}
	return state.Children[len(state.Children)-1], nil
}

// RemoveChildRequest is the body of remove_child.
type RemoveChildRequest struct {
	Child string `json:"child"`
}

func removeChild(ctx context.Context, b *blueprint.Blueprint, state *State, req *RemoveChildRequest) (interface{}, error) {
	i, err := state.child(req.Child)
	if err != nil {
		return nil, err
	}
	id := state.Children[i].ID
	if err := b.Providers().DeleteBlueprint(ctx, id); err != nil && !errors.Is(err, apperrors.ErrBlueprintNotFound) {
		return nil, fmt.Errorf("delete child %s: %w", req.Child, err)
	}
	if err := b.DeregisterChild(id); err != nil {
		return nil, err
	}
	state.Children = slices.Delete(state.Children, i, i+1)
	return map[string]string{"removed": id}, nil
}
