// Package hooks carries the per-job callbacks fired around every executor
// call and every scheduled task run.
package hooks

import (
	"context"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Job is the task name, or the operation name for requests.
	Job string
	// Kind is "request", "publisher" or "pusher".
	Kind string
	// Channel is the channel a publisher result was routed to.
	Channel string
	// Node is the identity of the worker running the job.
	Node string
	// RunID identifies one execution.
	RunID string
	// Context is the context the job runs under.
	Context context.Context
	// StartedAt is when the job started.
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// Sent reports whether the job produced a message.
	Sent bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Run fires the hooks around fn. fn may update the job context, for example
// to record the channel it published to.
func (h JobHooks) Run(job JobContext, fn func(*JobContext) error) error {
	job.StartedAt = time.Now()
	if job.Context == nil {
		job.Context = context.Background()
	}
	if h.OnJobStart != nil {
		h.OnJobStart(job)
	}

	err := fn(&job)
	job.Duration = time.Since(job.StartedAt)

	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(job, err)
		}
		return err
	}
	if h.OnJobDone != nil {
		h.OnJobDone(job)
	}
	return nil
}

// LoggingHooks logs completions at debug level and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", logging.LogFields{
				"job":         ctx.Job,
				"kind":        ctx.Kind,
				"channel":     ctx.Channel,
				"run_id":      ctx.RunID,
				"sent":        ctx.Sent,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"job":         ctx.Job,
				"kind":        ctx.Kind,
				"run_id":      ctx.RunID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards job outcomes to counters.
func MetricsHooks(onStart, onDone, onError func(job, kind string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Job, ctx.Kind)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Job, ctx.Kind)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Job, ctx.Kind)
			}
		},
	}
}

// AlertingHooks returns hooks that only fire on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
