package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
)

// Span attribute keys recorded on provider calls.
const (
	AttrBlueprintID = attribute.Key("nfvcl.blueprint_id")
	AttrCapability  = attribute.Key("nfvcl.capability")
	AttrArea        = attribute.Key("nfvcl.area")
	AttrResourceID  = attribute.Key("nfvcl.resource_id")
	AttrName        = attribute.Key("nfvcl.name")
)

// observe runs fn inside a "provider.<method>" span and records its duration.
// The span and metric are completed on a best-effort basis: a failure while
// recording is logged and never replaces fn's result.
func observe[R any](ctx context.Context, a *Aggregator, capability, method string, attrs []attribute.KeyValue, fn func(context.Context) (R, error)) (res R, err error) {
	attrs = append(attrs, AttrBlueprintID.String(a.blueprintID), AttrCapability.String(capability))
	ctx, span := a.tracer.Start(ctx, "provider."+method, trace.WithAttributes(attrs...))
	start := time.Now()
	defer func() {
		a.finish(span, capability, method, start, err)
	}()
	return fn(ctx)
}

// observeErr is observe for calls without a result value.
func observeErr(ctx context.Context, a *Aggregator, capability, method string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	_, err := observe(ctx, a, capability, method, attrs, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (a *Aggregator) finish(span trace.Span, capability, method string, start time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("Recording provider call failed",
				zap.String("method", method),
				zap.Any("panic", r),
			)
		}
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	a.metrics.ObserveProviderCall(capability, method, time.Since(start), err)
}

func vmAttrs(vm *domain.VMResource) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArea.Int(vm.Area),
		AttrResourceID.String(vm.ID),
		AttrName.String(vm.Name),
	}
}

func netAttrs(net *domain.NetResource) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArea.Int(net.Area),
		AttrResourceID.String(net.ID),
		AttrName.String(net.Name),
	}
}

func helmAttrs(chart *domain.HelmChartResource) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArea.Int(chart.Area),
		AttrResourceID.String(chart.ID),
		AttrName.String(chart.Name),
		attribute.String("nfvcl.chart", chart.Chart),
		attribute.String("nfvcl.namespace", chart.Namespace),
	}
}

func pduAttrs(pdu *domain.PDU) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArea.Int(pdu.Area),
		AttrName.String(pdu.Name),
		attribute.String("nfvcl.pdu_type", pdu.Type),
	}
}
