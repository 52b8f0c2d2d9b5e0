package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	jsoncodec "github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
)

// ProtoRequestContext provides strongly typed access to the request variables.
type ProtoRequestContext[T proto.Message] struct {
	RequestContextBase
	Variables T
}

// ProtoHandler answers a request whose variables decode into T.
type ProtoHandler[T proto.Message] func(ctx context.Context, req ProtoRequestContext[T]) (proto.Message, error)

// ProtoExecutor adapts the typed handler to executor.Executor. Variables are
// read with protojson into a fresh clone of prototype; the returned message
// is rendered with protojson as the result data. validate, when set, checks
// the decoded variables before the handler runs.
func ProtoExecutor[T proto.Message](prototype T, handler ProtoHandler[T], validate func(proto.Message) error, logger loggingpkg.ServiceLogger) (executor.Executor, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if isNilProto(prototype) {
		return nil, errspkg.ErrPrototypeRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return executor.Result{}, err
		}
		if err := decodeProtoVariables(req.Variables, typed); err != nil {
			return executor.Failure(fmt.Errorf("failed to decode %T variables: %w", prototype, err)), nil
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return executor.Failure(err), nil
			}
		}

		out, err := handler(ctx, ProtoRequestContext[T]{
			RequestContextBase: RequestContextBase{
				Query:     req.Query,
				Operation: req.Operation,
				Caller:    req.Context,
				Logger:    logger,
			},
			Variables: typed,
		})
		if err != nil {
			return executor.Result{}, err
		}
		if out == nil {
			return executor.Result{}, nil
		}

		raw, err := protojson.Marshal(out)
		if err != nil {
			return executor.Result{}, fmt.Errorf("failed to marshal %T result: %w", out, err)
		}
		data, err := jsoncodec.UnmarshalAny(raw)
		if err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Data: data}, nil
	}), nil
}

func decodeProtoVariables(vars map[string]any, dst proto.Message) error {
	if len(vars) == 0 {
		return nil
	}
	normalized, err := jsoncodec.Normalize(vars)
	if err != nil {
		return err
	}
	st, err := structpb.NewStruct(normalized.(map[string]any))
	if err != nil {
		return err
	}
	raw, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(raw, dst)
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPrototypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPrototypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPrototypePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
