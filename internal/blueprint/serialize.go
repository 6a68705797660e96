package blueprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

var jsonNull = []byte("null")

func isEmpty(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, jsonNull)
}

// decodeStrict decodes raw into dst rejecting unknown fields. Empty input
// leaves dst at its zero value.
func decodeStrict(raw []byte, dst interface{}) error {
	if isEmpty(raw) {
		return validate(dst)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validate(dst)
}

// decodeLenient decodes persisted data, ignoring fields a newer or older
// version may carry.
func decodeLenient(raw []byte, dst interface{}) error {
	if isEmpty(raw) {
		return validate(dst)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return validate(dst)
}

func validate(v interface{}) error {
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}

func decodeRequest(raw []byte, dst interface{}) error {
	if err := decodeStrict(raw, dst); err != nil {
		return apperrors.InvalidRequest(fmt.Sprintf("decode %T", dst), err)
	}
	return nil
}

// checkReferences verifies every non-zero reference points at a resource
// registered under its ID. Bound references must point at that very object.
func (b *Blueprint) checkReferences(owner string, refs []domain.Reference) error {
	for _, ref := range refs {
		if ref == nil || ref.IsZero() {
			continue
		}
		registered, ok := b.resources[ref.RefID()]
		if !ok {
			return apperrors.DanglingReference(owner, ref.RefID())
		}
		if target := ref.Target(); target != nil && target != registered {
			return apperrors.DanglingReference(owner, ref.RefID())
		}
	}
	return nil
}

// ToDocument serializes the instance. Every resource reference inside the
// state or a configuration becomes a REF=<id> token; a reference to a
// resource that is not registered fails with ErrDanglingReference and marks
// the instance corrupted. A corrupted instance is written as loaded, with its
// unresolved tokens preserved. Each successful call bumps the version.
func (b *Blueprint) ToDocument() (*Document, error) {
	if !b.corrupted {
		if err := b.checkAllReferences(); err != nil {
			b.markCorrupted("serialize: %v", err)
			return nil, err
		}
	}

	resources := make(map[string]RegisteredResource, len(b.resources)+len(b.rawResources))
	for id, rec := range b.rawResources {
		resources[id] = RegisteredResource{Type: rec.Type, Value: append(json.RawMessage(nil), rec.Value...)}
	}
	for id, res := range b.resources {
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode resource %s: %w", id, err)
		}
		resources[id] = RegisteredResource{Type: res.Kind(), Value: raw}
	}

	state, err := b.encodeState()
	if err != nil {
		return nil, err
	}
	createConfig, err := b.encodeConfig()
	if err != nil {
		return nil, err
	}

	agg, err := b.providers.ProviderDataAggregate()
	if err != nil {
		return nil, fmt.Errorf("snapshot provider data: %w", err)
	}
	carryOver(agg.VirtProviders, b.persisted.VirtProviders)
	carryOver(agg.K8sProviders, b.persisted.K8sProviders)
	carryOver(agg.PDUProvider, b.persisted.PDUProvider)
	carryOver(agg.BlueprintProvider, b.persisted.BlueprintProvider)

	b.version++
	b.modified = b.env.now()

	doc := &Document{
		ID:                  b.id,
		Type:                b.typ,
		Version:             b.version,
		ParentBlueID:        b.parentID,
		ChildrenBlueIDs:     append([]string{}, b.children...),
		RegisteredResources: resources,
		State:               state,
		CreateConfig:        createConfig,
		DataAggregate:       agg,
		Status:              b.status,
		Corrupted:           b.corrupted,
		Protected:           b.protected,
		CreatedAt:           b.createdAt,
		ModifiedAt:          b.modified,
	}
	if b.def != nil {
		doc.StateType = b.def.StateType
		if b.createConfig != nil || b.rawConfig != nil {
			doc.CreateConfigType = b.def.ConfigType
		}
	}
	return doc, nil
}

func (b *Blueprint) checkAllReferences() error {
	for _, res := range b.Resources() {
		cfg, ok := res.(domain.Configuration)
		if !ok {
			continue
		}
		if err := b.checkReferences("resource "+cfg.ResourceID(), cfg.References()); err != nil {
			return err
		}
	}
	if r, ok := b.state.(Referencer); ok {
		if err := b.checkReferences("state", r.References()); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blueprint) encodeState() (json.RawMessage, error) {
	if b.rawState != nil {
		return json.RawMessage(b.rawState), nil
	}
	raw, err := json.Marshal(b.state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

func (b *Blueprint) encodeConfig() (json.RawMessage, error) {
	if b.rawConfig != nil {
		return json.RawMessage(b.rawConfig), nil
	}
	if b.createConfig == nil {
		return json.RawMessage(jsonNull), nil
	}
	raw, err := json.Marshal(b.createConfig)
	if err != nil {
		return nil, fmt.Errorf("encode create config: %w", err)
	}
	return raw, nil
}

func carryOver[R any](live, persisted map[string]R) {
	for k, rec := range persisted {
		if _, ok := live[k]; !ok {
			live[k] = rec
		}
	}
}

// Load rebuilds an instance from doc. Problems with the create config, a
// resource, a reference, the state or provider data never fail the load:
// they mark the instance corrupted so it can still be inspected and
// destroyed. Only a document without an ID is rejected.
func Load(ctx context.Context, env *Env, doc *Document) (*Blueprint, error) {
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("load blueprint: document has no id: %w", apperrors.ErrBadRequest)
	}

	def, defErr := env.Registry.Get(doc.Type)
	if defErr != nil {
		def = nil
	}
	b := newInstance(env, def, doc.ID, doc.Type)
	b.version = doc.Version
	b.parentID = doc.ParentBlueID
	b.children = append([]string(nil), doc.ChildrenBlueIDs...)
	b.status = doc.Status
	if b.status.Phase == "" {
		b.status.Phase = PhaseIdle
	}
	b.corrupted = doc.Corrupted
	b.protected = doc.Protected
	b.createdAt = doc.CreatedAt
	b.modified = doc.ModifiedAt
	if doc.Corrupted {
		b.problems = append(b.problems, "stored as corrupted")
	}

	if def == nil {
		b.markCorrupted("unknown blueprint type %q", doc.Type)
		b.rawState = cloneRaw(doc.State)
		b.rawConfig = cloneRaw(doc.CreateConfig)
	} else {
		b.state = def.NewState()
		b.loadCreateConfig(doc)
	}

	b.loadResources(doc)

	if def != nil {
		b.loadState(doc)
	}

	b.persisted = doc.DataAggregate
	if err := b.providers.Restore(ctx, doc.DataAggregate); err != nil {
		b.markCorrupted("restore providers: %v", err)
	}

	if b.corrupted {
		env.Metrics.ObserveCorruptedLoad()
	}
	return b, nil
}

func cloneRaw(raw json.RawMessage) []byte {
	if raw == nil {
		return jsonNull
	}
	return append([]byte(nil), raw...)
}

func (b *Blueprint) loadCreateConfig(doc *Document) {
	if isEmpty(doc.CreateConfig) {
		return
	}
	cfg := b.def.NewConfig()
	if err := decodeLenient(doc.CreateConfig, cfg); err != nil {
		b.markCorrupted("decode create config: %v", err)
		b.rawConfig = cloneRaw(doc.CreateConfig)
		return
	}
	b.createConfig = cfg
}

// loadResources registers deployables verbatim, then binds every
// configuration's references and registers it. Records that cannot be
// decoded are kept raw so saving the corrupted instance does not lose them.
func (b *Blueprint) loadResources(doc *Document) {
	kinds := b.env.Registry.Kinds()
	ids := make([]string, 0, len(doc.RegisteredResources))
	for id := range doc.RegisteredResources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var configs []domain.Configuration
	for _, id := range ids {
		rec := doc.RegisteredResources[id]
		res, err := kinds.Decode(rec.Type, rec.Value)
		if err != nil {
			b.markCorrupted("decode resource %s: %v", id, err)
			b.rawResources[id] = RegisteredResource{Type: rec.Type, Value: cloneRaw(rec.Value)}
			continue
		}
		if res.ResourceID() != id {
			res.SetResourceID(id)
		}
		if cfg, ok := res.(domain.Configuration); ok {
			configs = append(configs, cfg)
			continue
		}
		b.resources[id] = res
	}

	// configurations are bound against deployables and other configurations
	arena := make(map[string]domain.Resource, len(b.resources)+len(configs))
	for id, res := range b.resources {
		arena[id] = res
	}
	for _, cfg := range configs {
		arena[cfg.ResourceID()] = cfg
	}
	for _, cfg := range configs {
		if err := bindAll(arena, cfg.References()); err != nil {
			b.markCorrupted("resolve references of resource %s: %v", cfg.ResourceID(), err)
		}
		b.resources[cfg.ResourceID()] = cfg
	}
}

func (b *Blueprint) loadState(doc *Document) {
	if err := decodeLenient(doc.State, b.state); err != nil {
		b.markCorrupted("decode state: %v", err)
		b.state = b.def.NewState()
		b.rawState = cloneRaw(doc.State)
		return
	}
	if r, ok := b.state.(Referencer); ok {
		if err := bindAll(b.resources, r.References()); err != nil {
			b.markCorrupted("resolve state references: %v", err)
		}
	}
}

// bindAll binds every non-zero reference to its target in arena, attempting
// all of them.
func bindAll(arena map[string]domain.Resource, refs []domain.Reference) error {
	var errs []error
	for _, ref := range refs {
		if ref == nil || ref.IsZero() {
			continue
		}
		target, ok := arena[ref.RefID()]
		if !ok {
			errs = append(errs, apperrors.DanglingReference("reference", ref.RefID()))
			continue
		}
		if err := ref.Bind(target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogProblems logs why a loaded instance is corrupted.
func (b *Blueprint) LogProblems() {
	if !b.corrupted {
		return
	}
	b.log.Warn("Blueprint loaded corrupted", zap.Strings("problems", b.problems))
}
