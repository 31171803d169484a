package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewTracer(tp, map[string]string{"run": "test"}), sr
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracerInterceptionIsChildOfAttach(t *testing.T) {
	t.Parallel()

	tr, sr := newRecordingTracer(t)
	ctx := context.Background()

	_, attach := tr.TraceAttach(ctx, "T1", "page", "about:blank")
	_, intercept := tr.TraceInterception(ctx, "T1", "R1", "https://example.com/a.css")
	EndInterception(intercept, "respond", 1, nil)
	tr.EndTarget("T1", nil)

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, SpanRequestIntercept, ended[0].Name())
	assert.Equal(t, SpanTargetAttach, ended[1].Name())
	assert.Equal(t, attach.SpanContext().SpanID(), ended[0].Parent().SpanID())

	v, ok := attrValue(ended[0].Attributes(), "intercept.action")
	require.True(t, ok)
	assert.Equal(t, "respond", v.AsString())
	v, ok = attrValue(ended[0].Attributes(), "intercept.priority")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.AsInt64())
	v, ok = attrValue(ended[1].Attributes(), "run")
	require.True(t, ok)
	assert.Equal(t, "test", v.AsString())
}

func TestTracerEndTargetRecordsError(t *testing.T) {
	t.Parallel()

	tr, sr := newRecordingTracer(t)
	tr.TraceAttach(context.Background(), "T1", "page", "")
	tr.EndTarget("T1", errors.New("crashed"))
	tr.EndTarget("T1", nil)
	tr.EndTarget("unknown", nil)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestTracerReattachEndsPreviousSpan(t *testing.T) {
	t.Parallel()

	tr, sr := newRecordingTracer(t)
	tr.TraceAttach(context.Background(), "T1", "page", "")
	tr.TraceAttach(context.Background(), "T1", "page", "")
	require.Len(t, sr.Ended(), 1)
	tr.EndTarget("T1", nil)
	require.Len(t, sr.Ended(), 2)
}

func TestNewHTTPProviderValidatesEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPProvider(context.Background(), "grpc://127.0.0.1:4317")
	require.ErrorIs(t, err, ErrInvalidTracesEndpoint)
	_, err = NewHTTPProvider(context.Background(), "not a url")
	require.ErrorIs(t, err, ErrInvalidTracesEndpoint)

	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	tr := NewNoopTracer()
	_, span := tr.TraceInterception(context.Background(), "T1", "R1", "")
	assert.False(t, span.IsRecording())
	EndInterception(span, "continue", 0, nil)
}
