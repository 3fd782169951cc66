package api

import (
	"fmt"
	"net/http"
	"time"

	"keyprint/internal/logging"
	"keyprint/internal/tracing"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// handlerFunc is an endpoint that reports failures as errors; route
// turns them into responses.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.code = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.code = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// route registers h under pattern with request IDs, trace context,
// panic recovery, error mapping, logging and metrics.
func (s *Server) route(pattern, name string, h handlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = logging.NewRequestID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = tracing.ContextWithRemote(ctx, tracing.Extract(r.Header.Get))
		ctx, span := s.tracer.Start(ctx, "http."+name,
			tracing.WithSpanKind(tracing.SpanKindServer),
			tracing.WithAttributes(
				tracing.Attr("http.method", r.Method),
				tracing.Attr("http.route", pattern),
				tracing.Attr("request.id", id),
			),
		)
		r = r.WithContext(ctx)
		w.Header().Set(RequestIDHeader, id)
		tracing.Inject(ctx, w.Header().Set)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.logger.ErrorContext(ctx, "handler panic",
					"route", name,
					"panic", fmt.Sprint(p),
				)
				if !rec.written {
					writeError(rec, http.StatusInternalServerError, "internal", "internal error", nil)
				}
			}

			span.SetAttributes(
				tracing.Attr("user.id", r.PathValue("userID")),
				tracing.Attr("http.status_code", rec.code),
			)
			if rec.code >= http.StatusInternalServerError {
				span.SetStatus(tracing.StatusError, http.StatusText(rec.code))
			}
			span.End()

			elapsed := time.Since(start)
			if s.metrics != nil {
				s.metrics.RecordRequest(name, rec.code, elapsed)
			}
			s.logger.DebugContext(ctx, "request",
				"route", name,
				"method", r.Method,
				"user_id", r.PathValue("userID"),
				"status", rec.code,
				"duration_ms", elapsed.Milliseconds(),
			)
		}()

		if err := h(rec, r); err != nil {
			span.RecordError(err)
			s.fail(rec, r, name, err)
		}
	})
}
