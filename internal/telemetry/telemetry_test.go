package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, otel.GetTextMapPropagator())
}

func TestResource(t *testing.T) {
	res := Resource(Config{ServiceName: "tileview", ServiceVersion: "1.2.3", Environment: "test"})
	attrs := res.Set()

	v, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "tileview", v.AsString())

	v, ok = attrs.Value("deployment.environment")
	require.True(t, ok)
	assert.Equal(t, "test", v.AsString())
}

func TestMiddlewareRecordsSpans(t *testing.T) {
	sr := recordSpans(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/layers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	h := Middleware(mux)

	for _, path := range []string{"/api/layers", "/api/missing", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /api/layers", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "GET /api/missing", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), semconv.HTTPResponseStatusCode(http.StatusNotFound))
}
