package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/shared"
)

const RequestIDHeader = "X-Request-ID"

// statusRecorder captures the response status while keeping the writer
// usable for SSE flushing and websocket hijacking.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument assigns a request id, opens a server span, puts the trace id
// on the context and records request duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = shared.NewTraceID()
		}
		w.Header().Set(RequestIDHeader, reqID)

		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			attribute.String("http.request_id", reqID),
		)
		defer span.End()

		traceID := reqID
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = shared.WithRequestID(ctx, reqID)
		ctx = shared.WithTraceID(ctx, traceID)

		rec := &statusRecorder{ResponseWriter: w}
		inner := r.WithContext(ctx)
		next.ServeHTTP(rec, inner)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := inner.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(route)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		s.cfg.Metrics.RecordRequest(ctx, route, status, time.Since(start))
	})
}
