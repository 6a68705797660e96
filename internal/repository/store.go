// Package repository persists blueprint documents, one per ID, in the
// blueprints collection.
package repository

import (
	"context"
	"sort"
	"sync"

	"nfvcl.io/nfvcl/internal/blueprint"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Store is the blueprint document store.
type Store interface {
	// Upsert writes doc. It fails with ErrConflict when the stored version is
	// not older than doc's, so a stale copy never overwrites a newer one.
	Upsert(ctx context.Context, doc *blueprint.Document) error
	// Get fails with ErrBlueprintNotFound.
	Get(ctx context.Context, id string) (*blueprint.Document, error)
	// List returns the summaries of every document, or only those of typ.
	List(ctx context.Context, typ string) ([]blueprint.Summary, error)
	// Delete fails with ErrBlueprintNotFound.
	Delete(ctx context.Context, id string) error
	// MarkCorrupted flags a stored document corrupted without rewriting it.
	MarkCorrupted(ctx context.Context, id, reason string) error
}

// MemoryStore is an in-process Store. Documents are copied through JSON on
// the way in and out, exactly as a database would.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	meta map[string]blueprint.Summary
	vers map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		meta: make(map[string]blueprint.Summary),
		vers: make(map[string]int64),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, doc *blueprint.Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vers[doc.ID]; ok && v >= doc.Version {
		return staleVersion(doc.ID, v, doc.Version)
	}
	s.docs[doc.ID] = raw
	s.meta[doc.ID] = doc.Summarize()
	s.vers[doc.ID] = doc.Version
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*blueprint.Document, error) {
	s.mu.RLock()
	raw, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.BlueprintNotFound(id)
	}
	return decodeDocument(id, raw)
}

func (s *MemoryStore) List(_ context.Context, typ string) ([]blueprint.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]blueprint.Summary, 0, len(s.meta))
	for _, m := range s.meta {
		if typ != "" && m.Type != typ {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return apperrors.BlueprintNotFound(id)
	}
	delete(s.docs, id)
	delete(s.meta, id)
	delete(s.vers, id)
	return nil
}

func (s *MemoryStore) MarkCorrupted(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.docs[id]
	if !ok {
		return apperrors.BlueprintNotFound(id)
	}
	doc, err := decodeDocument(id, raw)
	if err != nil {
		return err
	}
	markCorrupted(doc, reason)
	raw, err = encodeDocument(doc)
	if err != nil {
		return err
	}
	s.docs[id] = raw
	s.meta[id] = doc.Summarize()
	return nil
}

func markCorrupted(doc *blueprint.Document, reason string) {
	doc.Corrupted = true
	doc.Status.Error = true
	doc.Status.Detail = reason
}
