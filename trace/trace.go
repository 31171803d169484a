// Package trace provides tracing instrumentation tailored to target
// attachment and request interception.
package trace

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "browsercore"

// Span names.
const (
	SpanTargetAttach     = "target.attach"
	SpanRequestIntercept = "request.intercept"
)

// liveSpan is the attach span of a target. Interception spans of requests
// issued by the target become its children, which is why it has to outlive
// the call that created it.
type liveSpan struct {
	span trace.Span
}

// Tracer generates spans for target attachment and request interception.
type Tracer struct {
	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
// A nil provider yields a noop tracer.
func NewTracer(tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(nil, nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceAttach starts the attach span of targetID and records it as the
// target's live span. A previous live span of the same target is ended
// first. The span is ended by EndTarget.
func (t *Tracer) TraceAttach(
	ctx context.Context, targetID, targetType, url string,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	ctx, ls.span = t.Start(ctx, SpanTargetAttach, trace.WithAttributes(
		attribute.String("target.id", targetID),
		attribute.String("target.type", targetType),
		attribute.String("target.url", url),
	))
	t.liveSpans[targetID] = ls

	return ctx, ls.span
}

// EndTarget ends the live span of targetID, recording err on it when the
// target went away abnormally.
func (t *Tracer) EndTarget(targetID string, err error) {
	t.liveSpansMu.Lock()
	ls := t.liveSpans[targetID]
	delete(t.liveSpans, targetID)
	t.liveSpansMu.Unlock()

	if ls == nil {
		return
	}
	if err != nil {
		ls.span.RecordError(err)
		ls.span.SetStatus(codes.Error, err.Error())
	}
	ls.span.End()
}

// TraceInterception starts the interception span of a request. The span is
// a child of the target's live span when there is one. It is the caller's
// responsibility to end it, typically with EndInterception.
func (t *Tracer) TraceInterception(
	ctx context.Context, targetID, requestID, url string,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	if ls != nil {
		ctx = trace.ContextWithSpan(ctx, ls.span)
	}

	return t.Start(ctx, SpanRequestIntercept, trace.WithAttributes(
		attribute.String("target.id", targetID),
		attribute.String("request.id", requestID),
		attribute.String("request.url", url),
	))
}

// EndInterception records the winning action and its priority and ends span.
func EndInterception(span trace.Span, action string, priority int, err error) {
	span.SetAttributes(
		attribute.String("intercept.action", action),
		attribute.Int("intercept.priority", priority),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}
