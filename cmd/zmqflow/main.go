// zmqflow runs a demonstration pool: an echo executor in queue mode, a clock
// publisher in forwarder mode and a counter pusher in streamer mode. Real
// applications register their own executor and tasks and call zmqflow.Main
// the same way.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/drblury/zmqflow"
	_ "github.com/drblury/zmqflow/transport/transports"
)

func main() {
	app, err := demoApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	zmqflow.Main(app)
}

type echoVars map[string]any

type echoReply struct {
	Query     string   `json:"query"`
	Operation string   `json:"operation,omitempty"`
	Variables echoVars `json:"variables,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func demoApplication() (*zmqflow.Application, error) {
	exec, err := zmqflow.JSONExecutor(func(ctx context.Context, req zmqflow.JSONRequestContext[echoVars]) (echoReply, error) {
		id, _ := zmqflow.RequestIDFromContext(ctx)
		return echoReply{
			Query:     req.Query,
			Operation: req.Operation,
			Variables: req.Variables,
			RequestID: id,
		}, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	app := zmqflow.NewApplication().WithExecutor(exec)

	clock, err := zmqflow.JSONTask(func(ctx context.Context, _ *zmqflow.Shared) (map[string]string, error) {
		return map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := app.Publisher("clock", clock, zmqflow.TaskConfig{Interval: time.Second, Channel: "clock"}); err != nil {
		return nil, err
	}

	var n atomic.Int64
	counter, err := zmqflow.JSONTask(func(ctx context.Context, _ *zmqflow.Shared) (map[string]int64, error) {
		return map[string]int64{"n": n.Add(1)}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := app.Pusher("counter", counter, zmqflow.TaskConfig{Interval: time.Second}); err != nil {
		return nil, err
	}
	return app, nil
}
