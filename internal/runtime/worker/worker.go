// Package worker runs one backend node: it builds the socket described by a
// Descriptor, fires the application's startup hooks and then serves exactly
// one loop chosen by the topology mode until its context is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/node"
	"github.com/drblury/zmqflow/internal/runtime/scheduler"
	"github.com/drblury/zmqflow/internal/runtime/topology"
)

// shutdownTimeout bounds the shutdown hooks once the worker context is gone.
const shutdownTimeout = 10 * time.Second

// Hook runs at worker startup or shutdown.
type Hook func(ctx context.Context, shared *scheduler.Shared) error

// Components are the application pieces every worker of a pool shares.
type Components struct {
	Executor executor.Executor
	Registry *scheduler.Registry
	Shared   *scheduler.Shared
	Startup  []Hook
	Shutdown []Hook
	Hooks    hooks.JobHooks
	Logger   logging.ServiceLogger
	// OnMalformed is called for every request that fails to decode.
	OnMalformed func(err error)
}

func (c Components) withDefaults() Components {
	if c.Registry == nil {
		c.Registry = scheduler.NewRegistry()
	}
	if c.Shared == nil {
		c.Shared = scheduler.NewShared(nil)
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Worker is a single backend or device. Run may be called once.
type Worker struct {
	desc  Descriptor
	comp  Components
	log   logging.ServiceLogger
	state stateBox

	mu      sync.Mutex
	started bool
}

// New validates desc and returns a worker in the created state.
func New(desc Descriptor, comp Components) (*Worker, error) {
	if desc.Name == "" {
		desc.Name = ids.NewNodeID()
	}
	desc = desc.Normalize()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	comp = comp.withDefaults()
	fields := logging.LogFields{"worker": desc.Name, "mode": desc.Mode.String()}
	if desc.Device {
		fields["device"] = true
	}
	return &Worker{
		desc: desc,
		comp: comp,
		log:  comp.Logger.With(fields),
	}, nil
}

func (w *Worker) Descriptor() Descriptor { return w.desc }

func (w *Worker) Name() string { return w.desc.Name }

func (w *Worker) State() State { return w.state.load() }

// Run blocks until ctx is cancelled or the worker fails to start. A clean
// shutdown returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	w.state.store(StateStarting)
	defer w.state.store(StateStopped)

	if w.desc.Device {
		return w.runDevice(ctx)
	}
	return w.runBackend(ctx)
}

func (w *Worker) runDevice(ctx context.Context) error {
	opts, err := w.desc.NodeOptions(w.log)
	if err != nil {
		return err
	}
	dev, err := node.NewDevice(opts)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- dev.Run(ctx) }()

	select {
	case <-dev.Ready():
		w.state.store(StateRunning)
		in, out := dev.Endpoints()
		w.log.Info("Device started", logging.LogFields{"in": in, "out": out})
	case err := <-errCh:
		return err
	}

	err = <-errCh
	w.state.store(StateStopping)
	w.log.Info("Device stopped", nil)
	return err
}

func (w *Worker) runBackend(ctx context.Context) error {
	opts, err := w.desc.NodeOptions(w.log)
	if err != nil {
		return err
	}
	backend, err := node.NewBackend(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			w.log.Debug("Closing backend failed", logging.LogFields{"error": cerr.Error()})
		}
	}()

	if err := w.runHooks(ctx, "startup", w.comp.Startup); err != nil {
		return err
	}

	w.state.store(StateRunning)
	w.log.Info("Worker started", logging.LogFields{
		"endpoint": backend.Endpoint(),
		"attach":   w.desc.Attach,
		"secure":   backend.Secure(),
	})

	loopErr := w.serve(ctx, backend)

	w.state.store(StateStopping)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := w.runHooks(stopCtx, "shutdown", w.comp.Shutdown); err != nil {
		w.log.Error("Shutdown hook failed", err, nil)
	}
	w.log.Info("Worker stopped", nil)
	return loopErr
}

func (w *Worker) runHooks(ctx context.Context, phase string, list []Hook) error {
	for i, hook := range list {
		if hook == nil {
			continue
		}
		if err := hook(ctx, w.comp.Shared); err != nil {
			return fmt.Errorf("worker: %s hook %d: %w", phase, i, err)
		}
	}
	return nil
}

func (w *Worker) serve(ctx context.Context, backend *node.Backend) error {
	switch w.desc.Mode {
	case topology.Queue:
		return w.serveRequests(ctx, backend)
	case topology.Forwarder:
		return w.runner().Run(ctx, backend, w.comp.Registry.Publishers())
	case topology.Streamer:
		return w.runner().Run(ctx, backend, w.comp.Registry.Pushers())
	default:
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownMode, w.desc.Mode)
	}
}

func (w *Worker) runner() *scheduler.Runner {
	return &scheduler.Runner{
		Shared: w.comp.Shared,
		Hooks:  w.comp.Hooks,
		Logger: w.log,
		Node:   w.desc.Name,
	}
}

// serveRequests answers every request with exactly one reply, one at a time.
// A request received before ctx is cancelled is still answered; the executor
// sees the cancellation and the reply is sent regardless.
func (w *Worker) serveRequests(ctx context.Context, backend *node.Backend) error {
	replyCtx := context.WithoutCancel(ctx)
	for {
		env, err := backend.Recv(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, errspkg.ErrNodeClosed) {
				return err
			}
			w.log.Error("Receiving request failed", err, nil)
			if codec.IsMalformed(err) && w.comp.OnMalformed != nil {
				w.comp.OnMalformed(err)
			}
			if backend.Pending() {
				w.reply(replyCtx, backend, executor.Failure(err).Body())
			}
			continue
		}

		cmd, err := env.Command()
		if err != nil {
			w.reply(replyCtx, backend, executor.Failure(err).Body())
			continue
		}
		switch cmd {
		case codec.Ping:
			w.replyControl(replyCtx, backend, codec.Pong)
		case codec.Heartbeat:
			w.replyControl(replyCtx, backend, codec.Heartbeat)
		case codec.Request:
			w.reply(replyCtx, backend, w.handle(ctx, env).Body())
		default:
			err := fmt.Errorf("%w: %s is not a request", errspkg.ErrUnknownCommand, cmd)
			w.reply(replyCtx, backend, executor.Failure(err).Body())
		}
	}
}

func (w *Worker) handle(ctx context.Context, env codec.Envelope) executor.Result {
	req := executor.RequestFromEnvelope(env)
	if strings.TrimSpace(req.Query) == "" {
		return executor.Result{}
	}

	job := req.Operation
	if job == "" {
		job = "anonymous"
	}
	var res executor.Result
	_ = w.comp.Hooks.Run(hooks.JobContext{
		Job:     job,
		Kind:    "request",
		Node:    w.desc.Name,
		RunID:   ids.NewRequestID(),
		Context: ctx,
	}, func(*hooks.JobContext) error {
		var err error
		res, err = executor.Execute(ctx, w.comp.Executor, req)
		return err
	})
	return res
}

// reply sends body. When body cannot be sent, for example because the
// executor returned a NaN, the caller still gets a failure envelope.
func (w *Worker) reply(ctx context.Context, backend *node.Backend, body map[string]any) {
	err := backend.Send(ctx, map[string]any{}, body)
	if err == nil || ctx.Err() != nil {
		return
	}
	w.log.Error("Sending reply failed", err, nil)
	if !backend.Pending() {
		return
	}
	if err := backend.Send(ctx, map[string]any{}, executor.Failure(err).Body()); err != nil && ctx.Err() == nil {
		w.log.Error("Sending failure reply failed", err, nil)
	}
}

func (w *Worker) replyControl(ctx context.Context, backend *node.Backend, cmd codec.Command) {
	if err := backend.SendControl(ctx, cmd); err != nil && ctx.Err() == nil {
		w.log.Error("Sending control reply failed", err, logging.LogFields{"command": cmd.String()})
	}
}
