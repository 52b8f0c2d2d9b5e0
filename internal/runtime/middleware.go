package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/zmqflow/internal/runtime/executor"
	idspkg "github.com/drblury/zmqflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
)

// ExecutorMiddleware wraps an executor with extra behaviour.
type ExecutorMiddleware func(executor.Executor) executor.Executor

// MiddlewareBuilder constructs an executor middleware using the provided server instance.
type MiddlewareBuilder func(*Server) (ExecutorMiddleware, error)

// MiddlewareRegistration captures how a middleware should be added to a Server's executor chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware ExecutorMiddleware
	Builder    MiddlewareBuilder
}

// RequestIDContextKey is the key "request_id" looked up in the caller context.
const RequestIDContextKey = "request_id"

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// ContextWithRequestID stores id the way RequestIDMiddleware does.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// DefaultMiddlewares returns the standard executor chain used by NewServer.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RequestIDMiddleware(),
		LogRequestsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// RequestIDMiddleware makes sure every execution carries a request id. An id
// sent by the caller under "request_id" is kept.
func RequestIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "request_id",
		Middleware: requestIDMiddleware,
	}
}

// LogRequestsMiddleware logs every query with its variables and outcome.
func LogRequestsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_requests",
		Builder: func(s *Server) (ExecutorMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log requests middleware requires a logger")
			}
			return logRequestsMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps every execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// MetricsMiddleware counts requests and observes their duration. It is
// skipped when metrics are disabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Server) (ExecutorMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(s.metrics), nil
		},
	}
}

// RecovererMiddleware converts panics into executor errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

// RegisterMiddleware appends the supplied middleware to the executor chain.
// Middlewares registered first run outermost.
func (s *Server) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw ExecutorMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewares = append(s.middlewares, mw)
	return nil
}

// chain wraps exec so that mws[0] sees the call first.
func chain(exec executor.Executor, mws []ExecutorMiddleware) executor.Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		exec = mws[i](exec)
	}
	return exec
}

func operationName(req executor.Request) string {
	if req.Operation == "" {
		return "anonymous"
	}
	return req.Operation
}

func requestIDMiddleware(next executor.Executor) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if _, ok := RequestIDFromContext(ctx); ok {
			return next.Execute(ctx, req)
		}
		id, _ := req.Context[RequestIDContextKey].(string)
		if id == "" {
			id = idspkg.CreateULID()
		}
		return next.Execute(ContextWithRequestID(ctx, id), req)
	})
}

func logRequestsMiddleware(logger loggingpkg.ServiceLogger) ExecutorMiddleware {
	return func(next executor.Executor) executor.Executor {
		return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
			id, _ := RequestIDFromContext(ctx)
			logger.Debug("Executing request", loggingpkg.LogFields{
				"request_id": id,
				"operation":  operationName(req),
				"query":      req.Query,
				"variables":  req.Variables,
			})
			start := time.Now()
			res, err := next.Execute(ctx, req)
			fields := loggingpkg.LogFields{
				"request_id":  id,
				"operation":   operationName(req),
				"errors":      len(res.Errors),
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Error("Request failed", err, fields)
				return res, err
			}
			logger.Debug("Request executed", fields)
			return res, nil
		})
	}
}

func tracerMiddleware(next executor.Executor) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		tracer := otel.Tracer("zmqflow-executor")
		ctx, span := tracer.Start(ctx, "Execute", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		id, _ := RequestIDFromContext(ctx)
		span.SetAttributes(
			attribute.String("request.id", id),
			attribute.String("request.operation", operationName(req)),
		)
		res, err := next.Execute(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("result.errors", len(res.Errors)))
		return res, err
	})
}

func metricsMiddleware(m *Metrics) ExecutorMiddleware {
	return func(next executor.Executor) executor.Executor {
		return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
			start := time.Now()
			res, err := next.Execute(ctx, req)
			m.ObserveRequest(operationName(req), requestStatus(res, err), time.Since(start))
			if err != nil {
				m.ExecutorError(operationName(req))
			}
			return res, err
		})
	}
}

func requestStatus(res executor.Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case len(res.Errors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

func recovererMiddleware(next executor.Executor) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (res executor.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic occurred: %v, stacktrace: \n%s", r, debug.Stack())
				res = executor.Failure(fmt.Errorf("panic: %v", r))
			}
		}()
		return next.Execute(ctx, req)
	})
}
