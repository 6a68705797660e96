package blueprint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/provider"
)

// persist runs a document through JSON, as the store does.
func persist(t *testing.T, doc *Document) *Document {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var out Document
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

func createdBlueprint(t *testing.T, env *testEnv) *Blueprint {
	t.Helper()
	b := env.newBlueprint(t)
	require.NoError(t, b.Create(context.Background(), json.RawMessage(`{"area":1,"name":"vm1"}`)))
	return b
}

func TestToDocument_WritesReferenceTokens(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	state, _ := StateAs[testState](b)
	vmID := state.VM.ID()

	doc, err := b.ToDocument()
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)
	require.Equal(t, "blueprint.testState", doc.StateType)
	require.Equal(t, "blueprint.testConfig", doc.CreateConfigType)

	var rawState map[string]interface{}
	require.NoError(t, json.Unmarshal(doc.State, &rawState))
	require.Equal(t, domain.RefPrefix+vmID, rawState["vm"])

	conf := doc.RegisteredResources[state.Config]
	require.Equal(t, domain.KindVMAnsibleConfiguration, conf.Type)
	var rawConf map[string]interface{}
	require.NoError(t, json.Unmarshal(conf.Value, &rawConf))
	require.Equal(t, domain.RefPrefix+vmID, rawConf["vm_resource"])

	require.Contains(t, doc.VirtProviders, "1")
	require.Equal(t, "mock", doc.VirtProviders["1"].ProviderType)
}

func TestRoundTrip_RebindsReferencesToLoadedResources(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	first, err := b.ToDocument()
	require.NoError(t, err)

	loaded, err := Load(context.Background(), env.Env, persist(t, first))
	require.NoError(t, err)
	require.False(t, loaded.Corrupted(), loaded.Problems())

	state, ok := StateAs[testState](loaded)
	require.True(t, ok)
	require.True(t, state.VM.Bound())
	vm, ok := loaded.Resource(state.VM.ID())
	require.True(t, ok)
	require.Same(t, vm, state.VM.Get())

	confRes, ok := loaded.Resource(state.Config)
	require.True(t, ok)
	conf := confRes.(*domain.VMAnsibleConfiguration)
	require.Same(t, vm, conf.TargetVM())

	// mutating through one reference is visible through the other
	state.VM.Get().Name = "renamed"
	require.Equal(t, "renamed", conf.TargetVM().Name)
	state.VM.Get().Name = "vm1"

	second, err := loaded.ToDocument()
	require.NoError(t, err)
	require.Equal(t, first.Version+1, second.Version)
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(Document{}, "Version", "ModifiedAt")); diff != "" {
		t.Fatalf("document changed across round trip (-first +second):\n%s", diff)
	}
}

func TestRoundTrip_RestoresProviderData(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	state, _ := StateAs[testState](b)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	loaded, err := Load(context.Background(), env.Env, persist(t, doc))
	require.NoError(t, err)

	p, ok := loaded.Providers().VirtProvider(1)
	require.True(t, ok)
	require.Equal(t, []string{state.VM.ID()}, p.(*provider.MockVirtProvider).TrackedVMs())
}

func TestToDocument_DanglingReferenceMarksCorrupted(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	state, _ := StateAs[testState](b)

	orphan := &domain.VMResource{Name: "orphan"}
	orphan.ID = "not-registered"
	state.VM = domain.RefTo(orphan)

	_, err := b.ToDocument()
	require.ErrorIs(t, err, apperrors.ErrDanglingReference)
	require.True(t, b.Corrupted())
	require.Equal(t, int64(0), b.Version())
}

func TestToDocument_ReferenceToReplacedResource(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	state, _ := StateAs[testState](b)

	// same ID, different object than the one registered
	impostor := &domain.VMResource{Name: "impostor"}
	impostor.ID = state.VM.ID()
	state.VM = domain.RefTo(impostor)

	_, err := b.ToDocument()
	require.ErrorIs(t, err, apperrors.ErrDanglingReference)
}

func TestLoad_BadStateKeepsConfigAndMarksCorrupted(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	stored.State = json.RawMessage(`{"vm":42}`)

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())
	require.NotEmpty(t, loaded.Problems())
	require.Equal(t, &testConfig{Area: 1, Name: "vm1"}, loaded.CreateConfig())
	require.Len(t, loaded.Resources(), 2)

	// the unreadable state is written back untouched
	again, err := loaded.ToDocument()
	require.NoError(t, err)
	require.JSONEq(t, `{"vm":42}`, string(again.State))
	require.True(t, again.Corrupted)
}

func TestLoad_MissingReferenceTargetMarksCorrupted(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	state, _ := StateAs[testState](b)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	delete(stored.RegisteredResources, state.VM.ID())

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())
	_, ok := loaded.Resource(state.Config)
	require.True(t, ok)

	// tokens survive so a later repair can find the missing ID
	again, err := loaded.ToDocument()
	require.NoError(t, err)
	var rawState map[string]interface{}
	require.NoError(t, json.Unmarshal(again.State, &rawState))
	require.Equal(t, domain.RefPrefix+state.VM.ID(), rawState["vm"])
}

func TestLoad_UnknownTypeIsCorruptedButDestroyable(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	stored.Type = "retired"

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())
	require.Nil(t, loaded.Definition())
	require.Len(t, loaded.Resources(domain.KindVM), 1)

	_, err = loaded.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, apperrors.ErrBlueprintCorrupted)

	again, err := loaded.ToDocument()
	require.NoError(t, err)
	require.JSONEq(t, string(stored.State), string(again.State))
	require.JSONEq(t, string(stored.CreateConfig), string(again.CreateConfig))

	require.NoError(t, loaded.Destroy(context.Background()))
	require.Empty(t, loaded.Resources(domain.KindVM))
}

func TestLoad_UnknownResourceKindMarksCorrupted(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	stored.RegisteredResources["extra"] = RegisteredResource{Type: "gone_kind", Value: json.RawMessage(`{}`)}

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())
	_, ok := loaded.Resource("extra")
	require.False(t, ok)
}

func TestLoad_UndecodableResourceIsWrittenBack(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	extra := RegisteredResource{Type: "gone_kind", Value: json.RawMessage(`{"id":"extra","keep":true}`)}
	stored.RegisteredResources["extra"] = extra

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())

	err = loaded.RegisterResource(context.Background(), &domain.VMResource{
		DeployableBase: domain.DeployableBase{ResourceBase: domain.ResourceBase{ID: "extra", Area: 1}},
		Name:           "clash",
	})
	require.ErrorIs(t, err, apperrors.ErrDuplicateResource)

	loaded.SetProtected(true)
	again, err := loaded.ToDocument()
	require.NoError(t, err)
	require.Len(t, again.RegisteredResources, len(stored.RegisteredResources))
	got, ok := again.RegisteredResources["extra"]
	require.True(t, ok)
	require.Equal(t, extra.Type, got.Type)
	require.JSONEq(t, string(extra.Value), string(got.Value))
}

func TestLoad_ProviderDataMismatchMarksCorrupted(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	rec := stored.VirtProviders["1"]
	rec.ProviderDataType = "something_else"
	stored.VirtProviders["1"] = rec

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())
}

func TestLoad_MismatchedProviderRecordIsWrittenBack(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	stored := persist(t, doc)
	tampered := stored.VirtProviders["1"]
	tampered.ProviderDataType = "something_else"
	tampered.ProviderData = json.RawMessage(`{"precious":"data"}`)
	stored.VirtProviders["1"] = tampered

	loaded, err := Load(context.Background(), env.Env, stored)
	require.NoError(t, err)
	require.True(t, loaded.Corrupted())

	again, err := loaded.ToDocument()
	require.NoError(t, err)
	got := again.VirtProviders["1"]
	require.Equal(t, tampered.ProviderType, got.ProviderType)
	require.Equal(t, tampered.ProviderDataType, got.ProviderDataType)
	require.JSONEq(t, string(tampered.ProviderData), string(got.ProviderData))
}

func TestLoad_RejectsDocumentWithoutID(t *testing.T) {
	env := newTestEnv(t)
	_, err := Load(context.Background(), env.Env, &Document{Type: "test"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestLoad_KeepsLifecycleFields(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	b.SetProtected(true)
	require.NoError(t, b.RegisterChild("c1"))
	doc, err := b.ToDocument()
	require.NoError(t, err)

	loaded, err := Load(context.Background(), env.Env, persist(t, doc))
	require.NoError(t, err)
	require.Equal(t, b.ID(), loaded.ID())
	require.True(t, loaded.Protected())
	require.Equal(t, []string{"c1"}, loaded.Children())
	require.Equal(t, doc.Version, loaded.Version())
	require.Equal(t, Status{Phase: PhaseIdle}, loaded.Status())
}

func TestDocument_Summarize(t *testing.T) {
	env := newTestEnv(t)
	b := createdBlueprint(t, env)
	doc, err := b.ToDocument()
	require.NoError(t, err)

	s := doc.Summarize()
	require.Equal(t, b.ID(), s.ID)
	require.Equal(t, "test", s.Type)
	require.False(t, s.Corrupted)
}
