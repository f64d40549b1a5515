package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(config.TracingConfig{SampleRate: 1}, "test", sdktrace.WithSyncer(exporter))
	require.NoError(t, err)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartSpanRecordsRunIdentity(t *testing.T) {
	exporter := installRecorder(t)
	key := models.AccountKey{Source: "medallia", Account: "loc-7"}

	ctx, parent := StartSpan(context.Background(), "pipeline.run", key, "run-1")
	_, child := StartSpan(ctx, "pipeline.staging", key, "run-1")
	child.SetAttribute("records", 12)
	child.End(nil)
	parent.End(errors.New(errors.ErrorTypeQualityThreshold, "60 of 100 records malformed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	staging, run := spans[0], spans[1]
	assert.Equal(t, "pipeline.staging", staging.Name)
	assert.Equal(t, run.SpanContext.SpanID(), staging.Parent.SpanID())
	assert.Equal(t, codes.Ok, staging.Status.Code)
	assert.Equal(t, int64(12), attrs(staging)["records"].AsInt64())
	assert.Equal(t, "loc-7", attrs(staging)["tidewater.account"].AsString())

	assert.Equal(t, codes.Error, run.Status.Code)
	assert.Equal(t, "quality_threshold", attrs(run)["tidewater.error_type"].AsString())
}

func TestInit(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{}, "dev")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err = InitWithWriter(config.TracingConfig{Enabled: true, ServiceName: "tidewater-test", SampleRate: 1}, "dev", &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "pipeline.run", models.AccountKey{Source: "toast_orders", Account: "r1"}, "run-9")
	span.End(nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "pipeline.run")
	assert.Contains(t, buf.String(), "tidewater-test")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
