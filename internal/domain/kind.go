package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// ResourceFactory returns a fresh, empty resource of one kind.
type ResourceFactory func() Resource

// KindRegistry maps persisted kind tags to resource factories.
type KindRegistry struct {
	mu        sync.RWMutex
	factories map[Kind]ResourceFactory
}

// NewKindRegistry returns a registry holding the built-in kinds.
func NewKindRegistry() *KindRegistry {
	r := &KindRegistry{factories: make(map[Kind]ResourceFactory)}
	r.factories[KindVM] = func() Resource { return &VMResource{} }
	r.factories[KindNet] = func() Resource { return &NetResource{} }
	r.factories[KindHelmChart] = func() Resource { return &HelmChartResource{} }
	r.factories[KindVMAnsibleConfiguration] = func() Resource { return &VMAnsibleConfiguration{} }
	return r
}

// Register adds a kind. Blueprint packages call it for resource types they define.
func (r *KindRegistry) Register(kind Kind, factory ResourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("register resource kind %q: %w", kind, apperrors.ErrAlreadyExists)
	}
	r.factories[kind] = factory
	return nil
}

// New returns an empty resource of kind.
func (r *KindRegistry) New(kind Kind) (Resource, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.UnknownResourceKind(string(kind))
	}
	return factory(), nil
}

// Decode builds a resource of kind from its persisted JSON value.
func (r *KindRegistry) Decode(kind Kind, raw json.RawMessage) (Resource, error) {
	res, err := r.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("decode %s resource: %w", kind, err)
	}
	return res, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *KindRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
