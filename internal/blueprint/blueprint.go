package blueprint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/pkg/telemetry"
	"nfvcl.io/nfvcl/internal/provider"
	"nfvcl.io/nfvcl/internal/topology"
)

// Env holds the collaborators shared by every blueprint instance.
type Env struct {
	Registry *Registry
	Topology topology.Reader
	Factory  *provider.Factory
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	// AggregatorOptions are applied to every instance's provider aggregator.
	AggregatorOptions []provider.Option
	// NewID overrides ID generation in tests.
	NewID func() string
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (e *Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return NewID()
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.Tracer()
}

// NewID returns a time-ordered unique ID, so sorting IDs follows creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Blueprint is one live blueprint instance. Callers must not run two
// lifecycle methods on the same instance concurrently; the manager
// serializes access per blueprint ID.
type Blueprint struct {
	env *Env
	def *Definition

	id        string
	typ       string
	version   int64
	parentID  string
	children  []string
	status    Status
	corrupted bool
	protected bool
	createdAt time.Time
	modified  time.Time

	resources map[string]domain.Resource
	// undecodable resource records, written back unchanged
	rawResources map[string]RegisteredResource

	state        interface{}
	createConfig interface{}
	// raw payloads kept when the typed value could not be decoded, so a
	// corrupted instance persists what it loaded.
	rawState  []byte
	rawConfig []byte
	// persisted provider records, carried over for providers not rebuilt
	persisted provider.DataAggregate
	problems  []string

	providers  *provider.Aggregator
	checkpoint func(context.Context, *Blueprint) error
	log        *zap.Logger
}

// New creates a fresh, idle instance of def.
func New(env *Env, def *Definition, id, parentID string) *Blueprint {
	if id == "" {
		id = env.newID()
	}
	now := env.now()
	b := newInstance(env, def, id, def.Type)
	b.parentID = parentID
	b.state = def.NewState()
	b.createdAt = now
	b.modified = now
	return b
}

func newInstance(env *Env, def *Definition, id, typ string) *Blueprint {
	b := &Blueprint{
		env:          env,
		def:          def,
		id:           id,
		typ:          typ,
		status:       Status{Phase: PhaseIdle},
		resources:    make(map[string]domain.Resource),
		rawResources: make(map[string]RegisteredResource),
		persisted:    provider.NewDataAggregate(),
		log:          logger.ForBlueprint(id, typ),
	}
	opts := append([]provider.Option{provider.WithLogger(b.log)}, env.AggregatorOptions...)
	b.providers = provider.NewAggregator(id, env.Topology, env.Factory, opts...)
	return b
}

// SetCheckpoint installs fn, which persists the instance each time an
// operation enters its phase. A nil fn disables checkpoints.
func (b *Blueprint) SetCheckpoint(fn func(context.Context, *Blueprint) error) {
	b.checkpoint = fn
}

func (b *Blueprint) ID() string                      { return b.id }
func (b *Blueprint) Type() string                    { return b.typ }
func (b *Blueprint) ParentID() string                { return b.parentID }
func (b *Blueprint) Status() Status                  { return b.status }
func (b *Blueprint) Corrupted() bool                 { return b.corrupted }
func (b *Blueprint) Protected() bool                 { return b.protected }
func (b *Blueprint) Version() int64                  { return b.version }
func (b *Blueprint) State() interface{}              { return b.state }
func (b *Blueprint) CreateConfig() interface{}       { return b.createConfig }
func (b *Blueprint) Providers() *provider.Aggregator { return b.providers }
func (b *Blueprint) Logger() *zap.Logger             { return b.log }

// Definition returns the type definition, nil when the stored type is unknown.
func (b *Blueprint) Definition() *Definition { return b.def }

// SetProtected sets the operator flag that blocks destruction.
func (b *Blueprint) SetProtected(protected bool) { b.protected = protected }

// Children returns the child blueprint IDs.
func (b *Blueprint) Children() []string { return append([]string(nil), b.children...) }

// Problems describes why the instance is corrupted.
func (b *Blueprint) Problems() []string { return append([]string(nil), b.problems...) }

// markCorrupted sets the sticky corrupted flag.
func (b *Blueprint) markCorrupted(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	b.corrupted = true
	b.problems = append(b.problems, msg)
	b.log.Warn("Blueprint marked corrupted", zap.String("reason", msg))
}

// RegisterResource registers res. A resource without an ID gets a fresh one;
// an explicit ID already in use fails with ErrDuplicateResource. A deployable
// resource bound to an area fails with ErrNoAssociatedInfrastructure when the
// area has no usable infrastructure. Nothing is mutated on failure.
func (b *Blueprint) RegisterResource(ctx context.Context, res domain.Resource) error {
	id := res.ResourceID()
	if id != "" && b.idInUse(id) {
		return apperrors.DuplicateResource(id)
	}
	if dep, ok := res.(domain.Deployable); ok {
		if err := b.checkInfrastructure(ctx, dep); err != nil {
			return err
		}
	}
	if id == "" {
		for {
			id = b.env.newID()
			if !b.idInUse(id) {
				break
			}
		}
		res.SetResourceID(id)
	}
	b.resources[id] = res
	b.log.Debug("Resource registered",
		zap.String(logger.FieldResourceID, id),
		zap.String("kind", string(res.Kind())),
		zap.Int(logger.FieldArea, res.ResourceArea()),
	)
	return nil
}

// idInUse reports whether id names a registered resource, decoded or not.
func (b *Blueprint) idInUse(id string) bool {
	if _, ok := b.resources[id]; ok {
		return true
	}
	_, ok := b.rawResources[id]
	return ok
}

func (b *Blueprint) checkInfrastructure(ctx context.Context, dep domain.Deployable) error {
	area := dep.ResourceArea()
	if area == domain.NoArea {
		return nil
	}
	var err error
	switch dep.Infrastructure() {
	case domain.InfraVirtualization:
		_, err = b.providers.EnsureVirtProvider(ctx, area)
	case domain.InfraKubernetes:
		_, err = b.providers.EnsureK8sProvider(ctx, area)
	default:
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrNoAssociatedInfrastructure) {
		return err
	}
	return apperrors.NoAssociatedInfrastructure(area, err)
}

// DeregisterResource removes res. It does not touch infrastructure.
func (b *Blueprint) DeregisterResource(res domain.Resource) error {
	return b.DeregisterResourceByID(res.ResourceID())
}

// DeregisterResourceByID removes the resource registered as id.
func (b *Blueprint) DeregisterResourceByID(id string) error {
	if _, ok := b.resources[id]; !ok {
		return apperrors.ResourceNotFound(id)
	}
	delete(b.resources, id)
	return nil
}

// Resource returns the resource registered as id.
func (b *Blueprint) Resource(id string) (domain.Resource, bool) {
	r, ok := b.resources[id]
	return r, ok
}

// Resources returns the registered resources sorted by ID, optionally only
// those of the given kinds.
func (b *Blueprint) Resources(kinds ...domain.Kind) []domain.Resource {
	ids := make([]string, 0, len(b.resources))
	for id, r := range b.resources {
		if len(kinds) > 0 && !slices.Contains(kinds, r.Kind()) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Resource, len(ids))
	for i, id := range ids {
		out[i] = b.resources[id]
	}
	return out
}

// RegisterChild records a nested blueprint owned by b.
func (b *Blueprint) RegisterChild(id string) error {
	if slices.Contains(b.children, id) {
		return apperrors.DuplicateChild(id)
	}
	b.children = append(b.children, id)
	return nil
}

// DeregisterChild forgets a nested blueprint.
func (b *Blueprint) DeregisterChild(id string) error {
	i := slices.Index(b.children, id)
	if i < 0 {
		return apperrors.ChildNotFound(id)
	}
	b.children = slices.Delete(b.children, i, i+1)
	return nil
}

// CreateChild creates a nested blueprint through the blueprint provider and
// registers it as a child. A child whose create hook failed is still stored,
// so it is registered and its ID returned alongside the error.
func (b *Blueprint) CreateChild(ctx context.Context, blueprintType string, body []byte) (string, error) {
	id, err := b.providers.CreateBlueprint(ctx, blueprintType, body)
	if id == "" {
		return "", err
	}
	if regErr := b.RegisterChild(id); regErr != nil {
		return "", errors.Join(err, regErr)
	}
	return id, err
}
