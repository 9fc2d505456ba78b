package httpx

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "tuscanstay/http"

// RouteFunc names the route of a request for metric labels. Raw paths
// would leak apartment ids into label values.
type RouteFunc func(r *http.Request) string

// Telemetry holds the HTTP server instruments.
type Telemetry struct {
	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
	route           RouteFunc
}

// NewTelemetry creates the instruments on the given meter provider. Spans
// go to the global tracer provider. A nil route labels every request by
// its raw path.
func NewTelemetry(mp metric.MeterProvider, route RouteFunc) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)

	requestCounter, err := meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}

	return &Telemetry{
		tracer:          otel.Tracer(instrumentationName),
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
		activeRequests:  activeRequests,
		route:           route,
	}, nil
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
		rw.ResponseWriter.WriteHeader(statusCode)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Middleware records request count, duration and in-flight requests.
func (t *Telemetry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := t.route(r)

		ctx, span := t.tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		inflight := metric.WithAttributes(attribute.String("http.route", route))
		t.activeRequests.Add(ctx, 1, inflight)
		defer t.activeRequests.Add(ctx, -1, inflight)

		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rw.statusCode),
		)
		t.requestCounter.Add(ctx, 1, attrs)
		t.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)

		span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
	})
}
