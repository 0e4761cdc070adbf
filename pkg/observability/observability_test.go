package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xggarcia/Curt-IA/pkg/config"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := newProvider(tp, mp, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, spans, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "dev")
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, done := p.TrackOperation(context.Background(), "noop")
	done(nil)
	p.RecordVerdict(context.Background(), "script", true, 9.4)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, spans, reader := newTestProvider(t)

	_, done := p.TrackOperation(context.Background(), "phase.iteration", attribute.String("phase", "script"))
	done(nil)
	_, done = p.TrackOperation(context.Background(), "phase.iteration", attribute.String("phase", "script"))
	done(errors.New("generator down"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "phase.iteration", ended[0].Name())
	assert.Empty(t, ended[0].Events())
	require.Len(t, ended[1].Events(), 1)
	assert.Equal(t, "exception", ended[1].Events()[0].Name)
	assert.Equal(t, codes.Error, ended[1].Status().Code)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["curtia.operations.total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["curtia.errors.total"]))
	assert.Equal(t, int64(0), sumOf(t, metrics["curtia.operations.active"]))
}

func TestRecordVerdict(t *testing.T) {
	p, _, reader := newTestProvider(t)

	p.RecordVerdict(context.Background(), "script", false, 8.0)
	p.RecordVerdict(context.Background(), "script", true, 9.3)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["curtia.tribunal.verdicts"]))
	hist, ok := metrics["curtia.tribunal.average"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestDispatchObserver(t *testing.T) {
	p, _, reader := newTestProvider(t)
	obs := p.DispatchObserver()

	obs.AttemptCompleted(context.Background(), "gemini", "gemini-1", "quota", 20*time.Millisecond)
	obs.AttemptCompleted(context.Background(), "gemini", "gemini-2", "success", 30*time.Millisecond)

	metrics := collect(t, reader)
	sum, ok := metrics["curtia.provider.attempts"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	outcomes := map[string]string{}
	for _, dp := range sum.DataPoints {
		cred, _ := dp.Attributes.Value("credential")
		outcome, _ := dp.Attributes.Value("outcome")
		outcomes[cred.AsString()] = outcome.AsString()
	}
	assert.Equal(t, map[string]string{"gemini-1": "quota", "gemini-2": "success"}, outcomes)

	var _ dispatch.Observer = obs
}
