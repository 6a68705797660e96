package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

func TestRef_MarshalToken(t *testing.T) {
	vm := &VMResource{Name: "vm-a"}
	ref := RefTo(vm)
	// assigned after the ref was taken
	vm.SetResourceID("vm-123")

	data, err := json.Marshal(ref)
	require.NoError(t, err)
	require.JSONEq(t, `"REF=vm-123"`, string(data))
}

func TestRef_UnmarshalAndBind(t *testing.T) {
	var cfg VMAnsibleConfiguration
	require.NoError(t, json.Unmarshal([]byte(`{"id":"cfg-1","area":1,"vm_resource":"REF=vm-9","playbook":"site.yml"}`), &cfg))

	require.Equal(t, "cfg-1", cfg.ResourceID())
	require.Equal(t, "vm-9", cfg.VM.ID())
	require.False(t, cfg.VM.Bound())
	require.Nil(t, cfg.VM.Target())

	vm := &VMResource{DeployableBase: DeployableBase{ResourceBase{ID: "vm-9", Area: 1}}}
	refs := cfg.References()
	require.Len(t, refs, 1)
	require.NoError(t, refs[0].Bind(vm))
	require.Same(t, vm, cfg.VM.Get())
}

func TestRef_BindWrongType(t *testing.T) {
	ref := RefByID[*VMResource]("net-1")
	err := ref.Bind(&NetResource{DeployableBase: DeployableBase{ResourceBase{ID: "net-1"}}})
	require.Error(t, err)
	require.False(t, ref.Bound())
}

func TestRef_NullAndInvalidTokens(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantID  string
		wantErr bool
	}{
		{"null", `null`, "", false},
		{"token", `"REF=abc"`, "abc", false},
		{"missing prefix", `"abc"`, "", true},
		{"empty id", `"REF="`, "", true},
		{"embedded object", `{"id":"abc"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ref Ref[*VMResource]
			err := json.Unmarshal([]byte(tt.input), &ref)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantID, ref.ID())
		})
	}

	var zero Ref[*VMResource]
	data, err := json.Marshal(zero)
	require.NoError(t, err)
	require.Equal(t, "null", string(data))
	require.True(t, zero.IsZero())
}

func TestKindRegistry(t *testing.T) {
	reg := NewKindRegistry()

	res, err := reg.Decode(KindHelmChart, json.RawMessage(`{"id":"h1","area":2,"name":"upf","chart":"nfvcl/upf","namespace":"core"}`))
	require.NoError(t, err)
	helm, ok := res.(*HelmChartResource)
	require.True(t, ok)
	require.Equal(t, 2, helm.ResourceArea())
	require.Equal(t, InfraKubernetes, helm.Infrastructure())

	_, err = reg.New("router")
	require.ErrorIs(t, err, apperrors.ErrUnknownResourceKind)

	require.NoError(t, reg.Register("router", func() Resource { return &NetResource{} }))
	require.ErrorIs(t, reg.Register("router", func() Resource { return &NetResource{} }), apperrors.ErrAlreadyExists)
	require.Contains(t, reg.Kinds(), Kind("router"))
}

func TestVMResource_Networks(t *testing.T) {
	vm := &VMResource{ManagementNetwork: "mgmt", AdditionalNetworks: []string{"data", "n3"}}
	require.Equal(t, []string{"mgmt", "data", "n3"}, vm.Networks())
}
