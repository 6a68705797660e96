package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

func TestStatic_Lookup(t *testing.T) {
	s, err := NewStatic(
		[]domain.VIM{{Name: "pve-edge", Type: domain.VIMTypeProxmox, Areas: []int{1, 2}}},
		[]domain.K8sCluster{{Name: "edge-k8s", Areas: []int{2}}},
	)
	require.NoError(t, err)

	vim, err := s.VIMForArea(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "pve-edge", vim.Name)

	cluster, err := s.K8sClusterForArea(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "edge-k8s", cluster.Name)

	_, err = s.VIMForArea(context.Background(), 9)
	require.ErrorIs(t, err, apperrors.ErrNoAssociatedInfrastructure)
	_, err = s.K8sClusterForArea(context.Background(), 1)
	require.ErrorIs(t, err, apperrors.ErrNoAssociatedInfrastructure)
}

func TestStatic_AreaClaimedTwice(t *testing.T) {
	_, err := NewStatic([]domain.VIM{
		{Name: "a", Type: domain.VIMTypeMock, Areas: []int{1}},
		{Name: "b", Type: domain.VIMTypeMock, Areas: []int{3, 1}},
	}, nil)
	require.ErrorIs(t, err, apperrors.ErrConflict)
}
