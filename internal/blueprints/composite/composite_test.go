package composite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/blueprints/helmapp"
	"nfvcl.io/nfvcl/internal/blueprints/vmchain"
	"nfvcl.io/nfvcl/internal/pkg/bus"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/testutil/enginetest"
)

const compositeBody = `{"children":[
	{"name":"edge","type":"vmchain","body":{"area":1,"network":{"name":"edge-net","cidr":"10.30.0.0/24"},"vms":[{"name":"gw"}]}},
	{"name":"core","type":"helmapp","body":{"area":1,"name":"core","chart":"open5gs"}}
]}`

func newEngine(t *testing.T) *enginetest.Engine {
	t.Helper()
	return enginetest.New(t, vmchain.Definition(), helmapp.Definition(), Definition())
}

func compositeState(t *testing.T, e *enginetest.Engine, id string) *State {
	t.Helper()
	b, err := e.Manager.Get(context.Background(), id)
	require.NoError(t, err)
	state, ok := blueprint.StateAs[State](b)
	require.True(t, ok)
	return state
}

func TestCreate_SpawnsChildren(t *testing.T) {
	e := newEngine(t)
	id := e.Create(t, Type, compositeBody)

	doc := e.Document(t, id)
	require.Len(t, doc.ChildrenBlueIDs, 2)
	state := compositeState(t, e, id)
	require.Len(t, state.Children, 2)
	require.Equal(t, "edge", state.Children[0].Name)
	require.Equal(t, vmchain.Type, state.Children[0].Type)

	for _, c := range state.Children {
		child := e.Document(t, c.ID)
		require.Equal(t, id, child.ParentBlueID)
		require.Equal(t, c.Type, child.Type)
		require.False(t, child.Status.Error)
	}
}

func TestCreate_RejectsInvalidConfig(t *testing.T) {
	e := newEngine(t)
	for _, body := range []string{
		`{"children":[]}`,
		`{"children":[{"name":"x","type":"composite","body":{}}]}`,
		`{"children":[{"type":"vmchain","body":{}}]}`,
		`{"children":[{"name":"x","type":"helmapp","body":{}},{"name":"x","type":"helmapp","body":{}}]}`,
	} {
		_, err := e.Manager.Create(context.Background(), Type, json.RawMessage(body))
		require.ErrorIs(t, err, apperrors.ErrBadRequest, body)
	}
}

func TestCreate_FailedChildIsKept(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.Fail["install_helm_chart"] = errors.New("cluster unreachable")

	id, err := e.Manager.Create(ctx, Type, json.RawMessage(compositeBody))
	require.ErrorContains(t, err, "cluster unreachable")
	require.NotEmpty(t, id)
	state := compositeState(t, e, id)
	require.Len(t, state.Children, 2)
	require.True(t, e.Document(t, state.Children[1].ID).Status.Error)

	delete(e.Fail, "install_helm_chart")
	require.NoError(t, e.Manager.Destroy(ctx, id))
	for _, c := range state.Children {
		_, err := e.Store.Get(ctx, c.ID)
		require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)
	}
}

func TestCallChild(t *testing.T) {
	e := newEngine(t)
	id := e.Create(t, Type, compositeBody)

	out := e.Call(t, id, "call_child", `{"child":"edge","function":"vm_status","body":{"name":"gw"}}`)
	var status map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &status))
	require.Equal(t, "RUNNING", status["gw"]["status"])

	_, err := e.Manager.Call(context.Background(), id, "call_child", json.RawMessage(`{"child":"nope","function":"vm_status"}`))
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = e.Manager.Call(context.Background(), id, "call_child", json.RawMessage(`{"child":"core","function":"missing"}`))
	require.ErrorIs(t, err, apperrors.ErrUnknownFunction)
}

func TestAddAndRemoveChild(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	id := e.Create(t, Type, compositeBody)

	out := e.Call(t, id, "add_child", `{"name":"ran","type":"helmapp","body":{"area":1,"name":"gnb","chart":"ueransim"}}`)
	var added ChildRef
	require.NoError(t, json.Unmarshal(out, &added))
	require.Equal(t, "ran", added.Name)
	require.Len(t, e.Document(t, id).ChildrenBlueIDs, 3)

	e.Call(t, id, "remove_child", `{"child":"ran"}`)
	require.Len(t, compositeState(t, e, id).Children, 2)
	require.NotContains(t, e.Document(t, id).ChildrenBlueIDs, added.ID)
	_, err := e.Store.Get(ctx, added.ID)
	require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)
}

func TestDestroy_CascadesToChildren(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	id := e.Create(t, Type, compositeBody)
	children := compositeState(t, e, id).Children

	require.NoError(t, e.Manager.Destroy(ctx, id))
	for _, c := range children {
		_, err := e.Store.Get(ctx, c.ID)
		require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)
	}
	_, err := e.Store.Get(ctx, id)
	require.ErrorIs(t, err, apperrors.ErrBlueprintNotFound)

	destroyed := 0
	for _, ev := range e.Events.Events() {
		if ev.Type == bus.EventDestroyed {
			destroyed++
		}
	}
	require.Equal(t, 3, destroyed)
}
