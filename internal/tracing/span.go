package tracing

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankfleet/internal/fleet"
)

// Attribute keys set on run and step spans.
const (
	AttrRunID            = attribute.Key("crankfleet.run_id")
	AttrRegion           = attribute.Key("crankfleet.region")
	AttrRegions          = attribute.Key("crankfleet.regions")
	AttrLoadProfile      = attribute.Key("crankfleet.load_profile")
	AttrWorkersRequested = attribute.Key("crankfleet.workers.requested")
	AttrWorkersLaunched  = attribute.Key("crankfleet.workers.launched")
	AttrWorkersReady     = attribute.Key("crankfleet.workers.ready")
)

// StartRunSpan starts the root span of one orchestration run.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, req fleet.RunRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrRunID.String(req.RunID),
			AttrRegions.StringSlice(req.RegionOrder()),
			AttrLoadProfile.String(req.LoadProfile),
			AttrWorkersRequested.Int(req.TotalWorkers()),
		),
	)
}

// StartStepSpan starts a child span for one run step such as "launch".
func StartStepSpan(ctx context.Context, tracer trace.Tracer, step string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, step, trace.WithAttributes(attrs...))
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectEnv adds the W3C trace context of ctx to env as upper-cased
// variables (TRACEPARENT, TRACESTATE, BAGGAGE) so a launched task can
// continue the trace.
func InjectEnv(ctx context.Context, env map[string]string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		env[strings.ToUpper(k)] = v
	}
}

// ExtractHTTPHeaders continues a trace started by the caller of an HTTP
// trigger.
func ExtractHTTPHeaders(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// TraceID returns the trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
