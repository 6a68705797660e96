// Package pdu manages the shared inventory of physical and external devices
// (PDUs) that blueprints find, lock and configure but never create.
package pdu

import (
	"context"
	"sort"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Store persists the PDU inventory.
type Store interface {
	List(ctx context.Context) ([]*domain.PDU, error)
	// Get fails with ErrPDUNotFound.
	Get(ctx context.Context, name string) (*domain.PDU, error)
	// Insert fails with ErrAlreadyExists when the name is taken.
	Insert(ctx context.Context, pdu *domain.PDU) error
	// Delete fails with ErrPDUNotFound.
	Delete(ctx context.Context, name string) error
	// SwapLock sets the holder of name to to, provided it is currently from.
	// It fails with ErrPDULocked when the current holder differs from from.
	SwapLock(ctx context.Context, name, from, to string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	pdus map[string]*domain.PDU
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with pdus.
func NewMemoryStore(pdus ...domain.PDU) *MemoryStore {
	s := &MemoryStore{pdus: make(map[string]*domain.PDU, len(pdus))}
	for i := range pdus {
		p := pdus[i]
		s.pdus[p.Name] = &p
	}
	return s
}

func clonePDU(p *domain.PDU) *domain.PDU {
	c := *p
	c.IPs = append([]string(nil), p.IPs...)
	if p.Config != nil {
		c.Config = make(map[string]interface{}, len(p.Config))
		for k, v := range p.Config {
			c.Config[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) List(_ context.Context) ([]*domain.PDU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.PDU, 0, len(s.pdus))
	for _, p := range s.pdus {
		out = append(out, clonePDU(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*domain.PDU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pdus[name]
	if !ok {
		return nil, apperrors.PDUNotFound(name)
	}
	return clonePDU(p), nil
}

func (s *MemoryStore) Insert(_ context.Context, pdu *domain.PDU) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pdus[pdu.Name]; ok {
		return apperrors.PDUExists(pdu.Name)
	}
	s.pdus[pdu.Name] = clonePDU(pdu)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pdus[name]; !ok {
		return apperrors.PDUNotFound(name)
	}
	delete(s.pdus, name)
	return nil
}

func (s *MemoryStore) SwapLock(_ context.Context, name, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pdus[name]
	if !ok {
		return apperrors.PDUNotFound(name)
	}
	if p.LockedBy != from {
		return apperrors.PDULocked(name, p.LockedBy)
	}
	p.LockedBy = to
	return nil
}
