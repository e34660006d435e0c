package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	upgraded   bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	r.upgraded = true
	return hj.Hijack()
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// quietPaths are polled by orchestrators and logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware traces and measures every request. It continues W3C trace
// context from the caller, echoes the trace id as X-Correlation-ID, and
// labels metrics with the matched route pattern so path parameters such as
// session ids do not explode label cardinality.
//
// Upgraded WebSockets are recorded in [Metrics.SocketDuration] once the
// handler returns, not in the request histogram.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			// Pattern is set by ServeMux during routing.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			span.SetName("HTTP " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.statusCode),
			)

			duration := time.Since(start)
			method := attribute.String("method", r.Method)
			routeAttr := attribute.String("route", route)
			msg := "request completed"
			if rec.upgraded {
				m.SocketDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(method, routeAttr))
				msg = "socket closed"
			} else {
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
					method, routeAttr, attribute.Int("status", rec.statusCode)))
			}

			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
