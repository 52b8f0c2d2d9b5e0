package handlers

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	jsoncodec "github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/scheduler"
)

// JSONRequestContext exposes the decoded variables and caller context.
type JSONRequestContext[V any] struct {
	RequestContextBase
	Variables V
}

// JSONHandler answers a request whose variables decode into V. The returned
// value becomes the data of the result.
type JSONHandler[V any, O any] func(ctx context.Context, req JSONRequestContext[V]) (O, error)

// JSONExecutor adapts a typed handler to executor.Executor. Variables that
// do not decode into V fail the request with a result error rather than an
// executor error, so the caller learns what was wrong with its input.
func JSONExecutor[V any, O any](handler JSONHandler[V, O], logger loggingpkg.ServiceLogger) (executor.Executor, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		var vars V
		if err := decodeVariables(req.Variables, &vars); err != nil {
			return executor.Failure(err), nil
		}

		out, err := handler(ctx, JSONRequestContext[V]{
			RequestContextBase: RequestContextBase{
				Query:     req.Query,
				Operation: req.Operation,
				Caller:    req.Context,
				Logger:    logger,
			},
			Variables: vars,
		})
		if err != nil {
			return executor.Result{}, err
		}

		data, err := jsoncodec.Normalize(out)
		if err != nil {
			return executor.Result{}, fmt.Errorf("failed to encode %T result: %w", out, err)
		}
		return executor.Result{Data: data}, nil
	}), nil
}

func decodeVariables(vars map[string]any, dst any) error {
	if len(vars) == 0 {
		return nil
	}
	raw, err := jsoncodec.Marshal(vars)
	if err != nil {
		return fmt.Errorf("invalid variables: %w", err)
	}
	if err := jsoncodec.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid variables: %w", err)
	}
	return nil
}

// JSONTaskFunc produces the next body of a scheduled task.
type JSONTaskFunc[O any] func(ctx context.Context, shared *scheduler.Shared) (O, error)

// JSONTask adapts a typed producer to a scheduler.Handler. The value is
// normalized to plain JSON shapes so every serializer can encode it. A nil
// or empty value sends nothing.
func JSONTask[O any](fn JSONTaskFunc[O]) (scheduler.Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return func(ctx context.Context, shared *scheduler.Shared) (*scheduler.Result, error) {
		out, err := fn(ctx, shared)
		if err != nil {
			return nil, err
		}
		body, err := jsoncodec.Normalize(out)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T body: %w", out, err)
		}
		return &scheduler.Result{Body: body}, nil
	}, nil
}
