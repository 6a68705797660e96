package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Function is a day-2 operation of a blueprint type.
type Function func(ctx context.Context, b *Blueprint, body json.RawMessage) (interface{}, error)

// Definition describes one blueprint type. State and config values are the
// pointers returned by NewState and NewConfig.
type Definition struct {
	Type       string
	StateType  string
	ConfigType string
	NewState   func() interface{}
	NewConfig  func() interface{}
	Create     func(ctx context.Context, b *Blueprint, cfg interface{}) error
	// Update is optional; types without it refuse updates.
	Update    func(ctx context.Context, b *Blueprint, cfg interface{}) error
	Functions map[string]Function
	// Kinds are resource kinds the type adds to the kind registry.
	Kinds map[domain.Kind]domain.ResourceFactory
}

// Spec builds a Definition from statically typed hooks over state S and
// create config C.
type Spec[S, C any] struct {
	Type      string
	Create    func(ctx context.Context, b *Blueprint, state *S, cfg *C) error
	Update    func(ctx context.Context, b *Blueprint, state *S, cfg *C) error
	Functions map[string]func(ctx context.Context, b *Blueprint, state *S, body json.RawMessage) (interface{}, error)
	Kinds     map[domain.Kind]domain.ResourceFactory
}

// Definition erases the state and config type parameters.
func (s Spec[S, C]) Definition() *Definition {
	def := &Definition{
		Type:       s.Type,
		StateType:  fmt.Sprintf("%T", new(S))[1:],
		ConfigType: fmt.Sprintf("%T", new(C))[1:],
		NewState:   func() interface{} { return new(S) },
		NewConfig:  func() interface{} { return new(C) },
		Functions:  make(map[string]Function, len(s.Functions)),
		Kinds:      s.Kinds,
	}
	if s.Create != nil {
		create := s.Create
		def.Create = func(ctx context.Context, b *Blueprint, cfg interface{}) error {
			return create(ctx, b, b.state.(*S), cfg.(*C))
		}
	}
	if s.Update != nil {
		update := s.Update
		def.Update = func(ctx context.Context, b *Blueprint, cfg interface{}) error {
			return update(ctx, b, b.state.(*S), cfg.(*C))
		}
	}
	for name, fn := range s.Functions {
		def.Functions[name] = func(ctx context.Context, b *Blueprint, body json.RawMessage) (interface{}, error) {
			return fn(ctx, b, b.state.(*S), body)
		}
	}
	return def
}

// DecodeConfig decodes and validates a create or update request body without
// touching any instance.
func (d *Definition) DecodeConfig(body json.RawMessage) (interface{}, error) {
	cfg := d.NewConfig()
	if err := decodeRequest(body, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Body adapts a day-2 function taking a typed request body.
func Body[S, B any](fn func(ctx context.Context, b *Blueprint, state *S, body *B) (interface{}, error)) func(context.Context, *Blueprint, *S, json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, b *Blueprint, state *S, raw json.RawMessage) (interface{}, error) {
		body := new(B)
		if err := decodeStrict(raw, body); err != nil {
			return nil, apperrors.InvalidRequest("decode function body", err)
		}
		return fn(ctx, b, state, body)
	}
}

// StateAs returns the typed state of b.
func StateAs[S any](b *Blueprint) (*S, bool) {
	s, ok := b.state.(*S)
	return s, ok
}

// Registry maps blueprint type tags to definitions. It is built by the
// composition root and read-only afterwards.
type Registry struct {
	kinds *domain.KindRegistry

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry adding definition kinds to kinds.
func NewRegistry(kinds *domain.KindRegistry) *Registry {
	if kinds == nil {
		kinds = domain.NewKindRegistry()
	}
	return &Registry{kinds: kinds, defs: make(map[string]*Definition)}
}

// Kinds returns the resource kind registry.
func (r *Registry) Kinds() *domain.KindRegistry { return r.kinds }

// Register adds def.
func (r *Registry) Register(def *Definition) error {
	if def.Type == "" || def.NewState == nil || def.NewConfig == nil || def.Create == nil {
		return fmt.Errorf("register blueprint type %q: type, state, config and create are required", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("register blueprint type %q: %w", def.Type, apperrors.ErrAlreadyExists)
	}
	for kind, factory := range def.Kinds {
		if err := r.kinds.Register(kind, factory); err != nil {
			return fmt.Errorf("register blueprint type %q: %w", def.Type, err)
		}
	}
	r.defs[def.Type] = def
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns the definition of typ.
func (r *Registry) Get(typ string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	if !ok {
		return nil, apperrors.UnknownBlueprintType(typ)
	}
	return def, nil
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
