package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterhq/arbiter/internal/storage"
)

// TraceEmitter mirrors recorded events to a tracing backend. Emission is
// fire-and-forget: failures are the tracing pipeline's problem, never the
// request's.
type TraceEmitter interface {
	EmitInteraction(ctx context.Context, in storage.Interaction)
	EmitFeedback(ctx context.Context, fb storage.Feedback)
}

// NopEmitter discards all events. Used when no collector is configured.
type NopEmitter struct{}

func (NopEmitter) EmitInteraction(context.Context, storage.Interaction) {}
func (NopEmitter) EmitFeedback(context.Context, storage.Feedback)       {}

// OTelEmitter reconstructs each interaction as a span whose start time is
// backdated by the measured latency, so collector timelines match reality.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter uses the globally registered tracer provider; call Setup
// first.
func NewOTelEmitter() *OTelEmitter {
	return &OTelEmitter{tracer: otel.Tracer("arbiter/gateway")}
}

func (e *OTelEmitter) EmitInteraction(ctx context.Context, in storage.Interaction) {
	end := in.CreatedAt
	start := end.Add(-time.Duration(in.LatencyMs * float64(time.Millisecond)))

	_, span := e.tracer.Start(ctx, "chat-interaction",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("arbiter.trace_id", in.TraceID),
			attribute.String("arbiter.user_id", in.UserID),
			attribute.String("arbiter.model", in.Model),
			attribute.Float64("arbiter.latency_ms", in.LatencyMs),
			attribute.Bool("arbiter.cached", in.Cached),
			attribute.Bool("arbiter.verified", in.Verified),
		),
	)
	span.End(trace.WithTimestamp(end))
}

func (e *OTelEmitter) EmitFeedback(ctx context.Context, fb storage.Feedback) {
	_, span := e.tracer.Start(ctx, "user-feedback",
		trace.WithTimestamp(fb.CreatedAt),
		trace.WithAttributes(
			attribute.String("arbiter.trace_id", fb.TraceID),
			attribute.Int("arbiter.score", fb.Score),
		),
	)
	span.End(trace.WithTimestamp(fb.CreatedAt))
}
