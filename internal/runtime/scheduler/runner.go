package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/hooks"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/logging"
)

// Sink is where task results go. node.Backend implements it.
type Sink interface {
	Publish(ctx context.Context, channel string, head map[string]any, body any) error
	Push(ctx context.Context, head map[string]any, body any) error
}

// Runner executes tasks until its context is cancelled.
type Runner struct {
	Shared *Shared
	Hooks  hooks.JobHooks
	Logger logging.ServiceLogger
	// Node is recorded in every job context.
	Node string
}

// Run starts one goroutine per task and blocks until ctx is done and all of
// them have returned. Handler and send errors are logged and passed to the
// error hook; they never stop a task.
func (r *Runner) Run(ctx context.Context, sink Sink, tasks []Task) error {
	if sink == nil {
		return errors.New("scheduler: sink is required")
	}
	if len(tasks) == 0 {
		<-ctx.Done()
		return nil
	}
	log := r.Logger
	if log == nil {
		log = logging.Nop()
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			r.loop(ctx, sink, task, log.With(logging.LogFields{"task": task.Name, "kind": task.Kind.String()}))
		}(task)
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, sink Sink, task Task, log logging.ServiceLogger) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for ctx.Err() == nil {
		err := r.Hooks.Run(hooks.JobContext{
			Job:     task.Name,
			Kind:    task.Kind.String(),
			Node:    r.Node,
			RunID:   ids.NewRequestID(),
			Context: ctx,
		}, func(job *hooks.JobContext) error {
			return r.runOnce(ctx, sink, task, job)
		})
		if err != nil && ctx.Err() == nil {
			log.Error("Task run failed", err, nil)
		}

		if task.Interval <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(task.Interval)
		} else {
			timer.Reset(task.Interval)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, sink Sink, task Task, job *hooks.JobContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduler: task %q panicked: %v", task.Name, rec)
		}
	}()

	var shared *Shared
	if task.WantsContext {
		shared = r.Shared
	}
	res, err := task.Handler(ctx, shared)
	if err != nil {
		return err
	}
	if res.Empty() {
		return nil
	}

	switch task.Kind {
	case Publisher:
		job.Channel = task.ResolveChannel(res)
		err = sink.Publish(ctx, job.Channel, res.Head, res.Body)
	case Pusher:
		err = sink.Push(ctx, res.Head, res.Body)
	default:
		return fmt.Errorf("scheduler: task %q has unknown kind %q", task.Name, task.Kind)
	}
	if err != nil {
		return fmt.Errorf("scheduler: send %s result: %w", task.Kind, err)
	}
	job.Sent = true
	return nil
}
