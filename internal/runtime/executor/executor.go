// Package executor defines the boundary between the request loop and the
// query engine. The engine itself is opaque: it receives a query with its
// variables, operation name and caller context and returns data and errors.
package executor

import (
	"context"
	"fmt"

	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
)

// Request is the decoded body of a REQUEST message plus the caller context
// carried in its head.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
	Operation string         `json:"operation"`
	Context   map[string]any `json:"-"`
}

// Error is a single execution failure. Path is never nil once encoded so
// peers always see a list.
type Error struct {
	Message string `json:"message"`
	Path    []any  `json:"path"`
}

// Result is what the request loop sends back.
type Result struct {
	Data   any     `json:"data"`
	Errors []Error `json:"errors"`
}

// Executor runs one query.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Failure is the result sent when the executor fails outright.
func Failure(err error) Result {
	return Result{
		Data:   nil,
		Errors: []Error{{Message: err.Error(), Path: []any{}}},
	}
}

// Body is the response body as it goes on the wire.
func (r Result) Body() map[string]any {
	var errs any
	if r.Errors != nil {
		list := make([]any, 0, len(r.Errors))
		for _, e := range r.Errors {
			path := e.Path
			if path == nil {
				path = []any{}
			}
			list = append(list, map[string]any{"message": e.Message, "path": path})
		}
		errs = list
	}
	return map[string]any{"data": r.Data, "errors": errs}
}

// Body is the request body as it goes on the wire.
func (r Request) Body() map[string]any {
	body := map[string]any{"query": r.Query, "operation": nil, "variables": nil}
	if r.Operation != "" {
		body["operation"] = r.Operation
	}
	if r.Variables != nil {
		body["variables"] = r.Variables
	}
	return body
}

// Head carries the caller context.
func (r Request) Head() map[string]any {
	return map[string]any{"context": r.Context}
}

// RequestFromEnvelope extracts a Request from a received message. Missing or
// mistyped fields are left empty.
func RequestFromEnvelope(env codec.Envelope) Request {
	body := env.BodyMap()
	req := Request{}
	if q, ok := body["query"].(string); ok {
		req.Query = q
	}
	if op, ok := body["operation"].(string); ok {
		req.Operation = op
	}
	if vars, ok := body["variables"].(map[string]any); ok {
		req.Variables = vars
	}
	if ctx, ok := env.HeadValue("context").(map[string]any); ok {
		req.Context = ctx
	}
	return req
}

// ResultFromEnvelope decodes a RESPONSE body.
func ResultFromEnvelope(env codec.Envelope) Result {
	body := env.BodyMap()
	res := Result{Data: body["data"]}
	list, ok := body["errors"].([]any)
	if !ok {
		return res
	}
	res.Errors = make([]Error, 0, len(list))
	for _, item := range list {
		switch e := item.(type) {
		case map[string]any:
			msg, _ := e["message"].(string)
			path, _ := e["path"].([]any)
			if path == nil {
				path = []any{}
			}
			res.Errors = append(res.Errors, Error{Message: msg, Path: path})
		case string:
			res.Errors = append(res.Errors, Error{Message: e, Path: []any{}})
		}
	}
	return res
}

// Execute runs exec and never fails: errors and panics become a Failure
// result, and the returned error (an *errors.ExecutorError) is for logging.
func Execute(ctx context.Context, exec Executor, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.ExecutorError{Operation: req.Operation, Err: fmt.Errorf("panic: %v", r)}
			res = Failure(err)
		}
	}()

	if exec == nil {
		err = &errspkg.ExecutorError{Operation: req.Operation, Err: errspkg.ErrExecutorRequired}
		return Failure(err), err
	}
	res, execErr := exec.Execute(ctx, req)
	if execErr != nil {
		err = &errspkg.ExecutorError{Operation: req.Operation, Err: execErr}
		return Failure(execErr), err
	}
	return res, nil
}
