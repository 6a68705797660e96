// Package topology resolves which VIM and Kubernetes cluster back an area.
package topology

import (
	"context"
	"fmt"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Reader is the topology contract consumed by the blueprint core.
type Reader interface {
	// VIMForArea fails with ErrNoAssociatedInfrastructure when no VIM serves area.
	VIMForArea(ctx context.Context, area int) (*domain.VIM, error)
	// K8sClusterForArea fails with ErrNoAssociatedInfrastructure when no cluster serves area.
	K8sClusterForArea(ctx context.Context, area int) (*domain.K8sCluster, error)
}

// Static is an in-memory topology, built from configuration.
type Static struct {
	mu       sync.RWMutex
	vims     map[int]*domain.VIM
	clusters map[int]*domain.K8sCluster
}

var _ Reader = (*Static)(nil)

// NewStatic indexes vims and clusters by area. It fails when two entries claim
// the same area for the same capability.
func NewStatic(vims []domain.VIM, clusters []domain.K8sCluster) (*Static, error) {
	s := &Static{
		vims:     make(map[int]*domain.VIM),
		clusters: make(map[int]*domain.K8sCluster),
	}
	for i := range vims {
		if err := s.AddVIM(vims[i]); err != nil {
			return nil, err
		}
	}
	for i := range clusters {
		if err := s.AddK8sCluster(clusters[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddVIM registers vim for each of its areas.
func (s *Static) AddVIM(vim domain.VIM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, area := range vim.Areas {
		if prev, ok := s.vims[area]; ok {
			return fmt.Errorf("add vim %s: area %d already served by %s: %w", vim.Name, area, prev.Name, apperrors.ErrConflict)
		}
	}
	v := vim
	for _, area := range vim.Areas {
		s.vims[area] = &v
	}
	return nil
}

// AddK8sCluster registers cluster for each of its areas.
func (s *Static) AddK8sCluster(cluster domain.K8sCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, area := range cluster.Areas {
		if prev, ok := s.clusters[area]; ok {
			return fmt.Errorf("add k8s cluster %s: area %d already served by %s: %w", cluster.Name, area, prev.Name, apperrors.ErrConflict)
		}
	}
	c := cluster
	for _, area := range cluster.Areas {
		s.clusters[area] = &c
	}
	return nil
}

// VIMForArea implements Reader.
func (s *Static) VIMForArea(_ context.Context, area int) (*domain.VIM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vim, ok := s.vims[area]
	if !ok {
		return nil, apperrors.NoAssociatedInfrastructure(area, fmt.Errorf("no vim serves area %d", area))
	}
	return vim, nil
}

// K8sClusterForArea implements Reader.
func (s *Static) K8sClusterForArea(_ context.Context, area int) (*domain.K8sCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cluster, ok := s.clusters[area]
	if !ok {
		return nil, apperrors.NoAssociatedInfrastructure(area, fmt.Errorf("no kubernetes cluster serves area %d", area))
	}
	return cluster, nil
}
