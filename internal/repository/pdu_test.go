package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/pdu"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/testutil"
)

func runPDUStoreSuite(t *testing.T, newStore func(t *testing.T) pdu.Store) {
	ctx := context.Background()
	gnb := domain.PDU{Name: "gnb-1", Area: 1, Type: "gnb", IPs: []string{"192.168.10.5"}}

	t.Run("insert get list", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, &gnb))
		require.ErrorIs(t, s.Insert(ctx, &gnb), apperrors.ErrAlreadyExists)

		got, err := s.Get(ctx, "gnb-1")
		require.NoError(t, err)
		require.Equal(t, []string{"192.168.10.5"}, got.IPs)
		require.False(t, got.Locked())

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, apperrors.ErrPDUNotFound)
	})

	t.Run("swap lock", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, &gnb))
		require.NoError(t, s.SwapLock(ctx, "gnb-1", "", "bp-1"))

		err := s.SwapLock(ctx, "gnb-1", "", "bp-2")
		require.ErrorIs(t, err, apperrors.ErrPDULocked)

		got, err := s.Get(ctx, "gnb-1")
		require.NoError(t, err)
		require.Equal(t, "bp-1", got.LockedBy)

		require.NoError(t, s.SwapLock(ctx, "gnb-1", "bp-1", ""))
		require.ErrorIs(t, s.SwapLock(ctx, "missing", "", "bp-1"), apperrors.ErrPDUNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, &gnb))
		require.NoError(t, s.Delete(ctx, "gnb-1"))
		require.ErrorIs(t, s.Delete(ctx, "gnb-1"), apperrors.ErrPDUNotFound)
	})
}

func TestPDUMemoryStore(t *testing.T) {
	runPDUStoreSuite(t, func(*testing.T) pdu.Store { return pdu.NewMemoryStore() })
}

func TestPDUPostgresStore(t *testing.T) {
	runPDUStoreSuite(t, func(t *testing.T) pdu.Store {
		return NewPDUStore(testutil.OpenPGXPool(t, "pdu_store"))
	})
}
