package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gofrs/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "consultation-backend"

// RequestIDHeader carries the request identifier of HTTP calls.
const RequestIDHeader = "X-Request-Id"

// PanicError is returned by a wrapped handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// WrapHandler decorates a stage handler with a span, entry/exit logs and
// panic recovery. A panic is turned into a *PanicError so the caller only
// sees a failed invocation.
func WrapHandler[T any](name string, logger *zap.Logger, next func(context.Context, T) error) func(context.Context, T) error {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, in T) (err error) {
		ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
				logger.Error("Handler panicked",
					zap.String("handler", name),
					zap.Any("panic", r),
					zap.ByteString("stack", err.(*PanicError).Stack))
			}

			elapsed := time.Since(start)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				logger.Warn("Handler failed",
					zap.String("handler", name),
					zap.Duration("duration", elapsed),
					zap.Error(err))
			} else {
				logger.Debug("Handler succeeded",
					zap.String("handler", name),
					zap.Duration("duration", elapsed))
			}
			span.End()
		}()

		return next(ctx, in)
	}
}

// WithRequestContext decorates an HTTP handler registered on the gateway
// mux. It assigns a request id (kept from the caller when present), opens a
// server span, recovers panics as 500 responses and logs the outcome.
func WithRequestContext(logger *zap.Logger, next runtime.HandlerFunc) runtime.HandlerFunc {
	tracer := otel.Tracer(tracerName)

	return runtime.HandlerFunc(func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.Must(uuid.NewV4()).String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request.id", requestID)))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("HTTP handler panicked",
					zap.String("requestID", requestID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				span.SetStatus(codes.Error, "panic")
				if !sw.wroteHeader {
					http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
				return
			}

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			logger.Info("HTTP request",
				zap.String("requestID", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)))
		}()

		next(sw, r.WithContext(ctx), pathParams)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
