package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// Lifecycle operation names, used for metrics and spans.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpCall    = "call"
	OpDestroy = "destroy"
)

// RecoverInterrupted returns an instance left in a non-idle phase by a crashed
// process to idle with status.error set. It reports whether anything changed.
func (b *Blueprint) RecoverInterrupted() bool {
	if b.status.Phase == PhaseIdle {
		return false
	}
	b.log.Warn("Recovering interrupted blueprint operation", zap.String("phase", string(b.status.Phase)))
	b.status = Status{Phase: PhaseIdle, Error: true, Detail: fmt.Sprintf("%s interrupted", b.status.Phase)}
	return true
}

// admit checks that op may start.
func (b *Blueprint) admit(op string, allowCorrupted bool) error {
	if b.corrupted && !allowCorrupted {
		return apperrors.BlueprintCorrupted(b.id)
	}
	if b.def == nil && !allowCorrupted {
		return apperrors.UnknownBlueprintType(b.typ)
	}
	if b.status.Phase != PhaseIdle {
		return apperrors.InvalidPhase(b.id, string(b.status.Phase), op)
	}
	return nil
}

// enter moves the instance to phase and runs the checkpoint, so the phase is
// durable before any hook touches infrastructure. A failed checkpoint returns
// the instance to idle.
func (b *Blueprint) enter(ctx context.Context, op string, phase Phase) error {
	b.status.Phase = phase
	if b.checkpoint == nil {
		return nil
	}
	if err := b.checkpoint(ctx, b); err != nil {
		b.status.Phase = PhaseIdle
		return fmt.Errorf("checkpoint %s of blueprint %s: %w", op, b.id, err)
	}
	return nil
}

// end returns the instance to idle and records the outcome.
func (b *Blueprint) end(op string, err error) {
	b.status.Phase = PhaseIdle
	if err != nil {
		b.status.Error = true
		b.status.Detail = fmt.Sprintf("%s failed: %v", op, err)
		b.log.Error("Blueprint operation failed", zap.String("operation", op), zap.Error(err))
	} else {
		b.status.Error = false
		b.status.Detail = ""
	}
	b.env.Metrics.ObserveOperation(b.typ, op, err)
}

func (b *Blueprint) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("nfvcl.blueprint_id", b.id), attribute.String("nfvcl.blueprint_type", b.typ))
	ctx, span := b.env.tracer().Start(ctx, "blueprint."+op)
	span.SetAttributes(attrs...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Create decodes body into the type's create config, stores it and runs the
// type's create hook. A failure leaves the instance idle with status.error
// set; it is not rolled back.
func (b *Blueprint) Create(ctx context.Context, body json.RawMessage) (err error) {
	if err := b.admit(OpCreate, false); err != nil {
		return err
	}
	cfg := b.def.NewConfig()
	if err := decodeRequest(body, cfg); err != nil {
		return err
	}
	if err := b.enter(ctx, OpCreate, PhaseDeploying); err != nil {
		return err
	}
	ctx, done := b.span(ctx, OpCreate)
	defer func() { done(err); b.end(OpCreate, err) }()

	b.createConfig = cfg
	b.rawConfig = nil

	b.log.Info("Creating blueprint")
	if err := b.def.Create(ctx, b, cfg); err != nil {
		return fmt.Errorf("create blueprint %s: %w", b.id, err)
	}
	return nil
}

// Update runs the type's update hook with a new config, which replaces the
// stored create config on success.
func (b *Blueprint) Update(ctx context.Context, body json.RawMessage) (err error) {
	if err := b.admit(OpUpdate, false); err != nil {
		return err
	}
	if b.def.Update == nil {
		return apperrors.NotSupported(b.typ, OpUpdate)
	}
	cfg := b.def.NewConfig()
	if err := decodeRequest(body, cfg); err != nil {
		return err
	}
	if err := b.enter(ctx, OpUpdate, PhaseDeploying); err != nil {
		return err
	}
	ctx, done := b.span(ctx, OpUpdate)
	defer func() { done(err); b.end(OpUpdate, err) }()

	if err := b.def.Update(ctx, b, cfg); err != nil {
		return fmt.Errorf("update blueprint %s: %w", b.id, err)
	}
	b.createConfig = cfg
	return nil
}

// Call runs the day-2 function fn and returns its JSON-encoded result.
func (b *Blueprint) Call(ctx context.Context, fn string, body json.RawMessage) (_ json.RawMessage, err error) {
	if err := b.admit(OpCall, false); err != nil {
		return nil, err
	}
	f, ok := b.def.Functions[fn]
	if !ok {
		return nil, apperrors.UnknownFunction(b.typ, fn)
	}
	if err := b.enter(ctx, OpCall, PhaseRunningDayTwo); err != nil {
		return nil, err
	}
	ctx, done := b.span(ctx, OpCall, attribute.String("nfvcl.function", fn))
	defer func() { done(err); b.end(OpCall+":"+fn, err) }()

	res, err := f(ctx, b, body)
	if err != nil {
		return nil, fmt.Errorf("call %s on blueprint %s: %w", fn, b.id, err)
	}
	if res == nil {
		return nil, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", fn, err)
	}
	return raw, nil
}

// Destroy tears the instance down: every child blueprint first, then every
// VM and Helm release, then the final cleanup of every provider. A child that
// no longer exists is forgotten with a warning. Provider cleanup failures are
// logged and never abort the sequence. On success the instance stays in the
// destroying phase; the caller removes its document.
func (b *Blueprint) Destroy(ctx context.Context) (err error) {
	if b.protected {
		return apperrors.BlueprintProtected(b.id)
	}
	if err := b.admit(OpDestroy, true); err != nil {
		return err
	}
	// destroy stays available when the instance cannot be persisted
	if err := b.enter(ctx, OpDestroy, PhaseDestroying); err != nil {
		b.log.Warn("Destroy phase not persisted", zap.Error(err))
		b.status.Phase = PhaseDestroying
	}
	ctx, done := b.span(ctx, OpDestroy)
	defer func() {
		done(err)
		if err != nil {
			b.end(OpDestroy, err)
			return
		}
		b.env.Metrics.ObserveOperation(b.typ, OpDestroy, nil)
	}()

	b.log.Info("Destroying blueprint", zap.Int("children", len(b.children)), zap.Int("resources", len(b.resources)))

	if err := b.destroyChildren(ctx); err != nil {
		return err
	}
	resErr := b.destroyResources(ctx)

	if cleanupErr := b.providers.FinalCleanup(ctx); cleanupErr != nil {
		b.log.Warn("Provider final cleanup reported failures", zap.Error(cleanupErr))
	}
	if resErr != nil {
		return fmt.Errorf("destroy blueprint %s resources: %w", b.id, resErr)
	}
	return nil
}

// destroyChildren deletes every child. Children that fail for reasons other
// than not-found stay registered and abort the destroy, because they may
// still depend on this blueprint's resources.
func (b *Blueprint) destroyChildren(ctx context.Context) error {
	var errs []error
	for _, child := range b.Children() {
		err := b.providers.DeleteBlueprint(ctx, child)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrBlueprintNotFound):
			b.log.Warn("Child blueprint already gone", zap.String("child_id", child))
		default:
			errs = append(errs, fmt.Errorf("delete child blueprint %s: %w", child, err))
			continue
		}
		_ = b.DeregisterChild(child)
	}
	return errors.Join(errs...)
}

// destroyResources destroys registered VMs and Helm releases, newest first,
// attempting all of them. Destroyed resources are deregistered.
func (b *Blueprint) destroyResources(ctx context.Context) error {
	res := b.Resources(domain.KindVM, domain.KindHelmChart)
	var errs []error
	for i := len(res) - 1; i >= 0; i-- {
		var err error
		switch r := res[i].(type) {
		case *domain.VMResource:
			err = b.providers.DestroyVM(ctx, r)
		case *domain.HelmChartResource:
			err = b.providers.UninstallHelmChart(ctx, r)
		default:
			continue
		}
		if err != nil {
			b.log.Warn("Resource destroy failed", zap.String(logger.FieldResourceID, res[i].ResourceID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("destroy %s %s: %w", res[i].Kind(), res[i].ResourceID(), err))
			continue
		}
		_ = b.DeregisterResource(res[i])
	}
	return errors.Join(errs...)
}
