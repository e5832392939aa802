package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

/*
Every request gets a root span and a KSUID request id. The id is returned in
X-Request-ID and attached to log lines so traces and logs can be correlated.

Long-lived requests (WebSocket upgrades, push streams) go through the same
chain, so the response wrapper must keep Flush and Hijack working.
*/

var tracer = otel.Tracer("docsync")

type requestIDKey struct{}

// Tracing starts a server span per request, continuing a trace propagated by
// the caller, and logs the completed request. Requests routed to a room carry
// it as a span attribute and log field.
func Tracing(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := ksuid.New().String()
			room := mux.Vars(r)["room"]

			parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(parent, fmt.Sprintf("%s %s", r.Method, routeName(r)),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.url", r.URL.Path),
					attribute.String("request.id", requestID),
					attribute.String("docsync.room", room),
				),
			)
			defer span.End()

			ctx = context.WithValue(ctx, requestIDKey{}, requestID)
			w.Header().Set("X-Request-ID", requestID)
			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(
				attribute.Int("http.status_code", wrapped.statusCode),
				attribute.Int64("http.response_time_ms", elapsed.Milliseconds()),
			)
			if wrapped.statusCode >= 400 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			}

			log := logger.Infow
			if wrapped.statusCode == http.StatusSwitchingProtocols || wrapped.streamed {
				// WebSocket sessions and push streams end when the peer leaves
				log = logger.Debugw
			}
			log("Request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"room", room,
				"status", wrapped.statusCode,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// routeName is the matched route template, so spans of one endpoint share a name
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// Recovery turns handler panics into 500 responses and records them on the span
func Recovery(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					span := trace.SpanFromContext(r.Context())
					span.RecordError(fmt.Errorf("panic: %v", err))
					span.SetStatus(codes.Error, "panic recovered")
					span.SetAttributes(
						attribute.String("error.type", "panic"),
						attribute.String("error.stacktrace", string(debug.Stack())),
					)

					logger.Errorw("Panic in handler",
						"request_id", GetRequestID(r.Context()),
						"panic", err,
						"stack", string(debug.Stack()),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	streamed   bool
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Flush() {
	w.streamed = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *responseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// StartSpan creates a child span of whatever span ctx carries
//
// Example:
//
//	ctx, span := middleware.StartSpan(ctx, "Poll.HandleSync", attribute.String("room", room))
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError records err on the current span
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return requestID
	}
	return "unknown"
}
