package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthChecker(t *testing.T) {
	c := NewHealthChecker(map[string]Probe{
		"vim-a": func(context.Context) error { return nil },
		"vim-b": func(context.Context) error { return errors.New("dial tcp: refused") },
	}, 0)
	ctx := context.Background()

	require.Equal(t, InfraStatusUnknown, c.Health("vim-a").Status)

	require.Equal(t, InfraStatusHealthy, c.Check(ctx, "vim-a").Status)
	b := c.Check(ctx, "vim-b")
	require.Equal(t, InfraStatusUnreachable, b.Status)
	require.Contains(t, b.Error, "refused")
	require.Equal(t, InfraStatusUnknown, c.Check(ctx, "vim-c").Status)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "vim-a", snap[0].Name)
	require.Equal(t, InfraStatusHealthy, snap[0].Status)
	require.Equal(t, InfraStatusUnreachable, snap[1].Status)

	c.Stop()
	c.Stop()
}
