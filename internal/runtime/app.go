package runtime

import (
	"sync"

	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/scheduler"
	"github.com/drblury/zmqflow/internal/runtime/worker"
)

// Application collects what every worker of a pool shares: the executor, the
// scheduled tasks, the lifecycle hooks and the shared values. Configure it
// before handing it to NewServer.
type Application struct {
	mu          sync.Mutex
	executor    executor.Executor
	middlewares []ExecutorMiddleware
	registry    *scheduler.Registry
	shared      *scheduler.Shared
	startup     []worker.Hook
	shutdown    []worker.Hook
	jobHooks    hooks.JobHooks
}

// NewApplication returns an empty application with its own task registry.
func NewApplication() *Application {
	return &Application{
		registry: scheduler.NewRegistry(),
		shared:   scheduler.NewShared(nil),
	}
}

// WithExecutor sets the query engine answering requests in queue mode.
func (a *Application) WithExecutor(exec executor.Executor) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executor = exec
	return a
}

// Use appends executor middlewares. They run inside the server's chain, the
// first one outermost.
func (a *Application) Use(mw ...ExecutorMiddleware) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range mw {
		if m != nil {
			a.middlewares = append(a.middlewares, m)
		}
	}
	return a
}

// OnStartup adds a hook run by every worker after its socket is ready.
func (a *Application) OnStartup(h worker.Hook) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startup = append(a.startup, h)
	return a
}

// OnShutdown adds a hook run by every worker after its loop has stopped.
func (a *Application) OnShutdown(h worker.Hook) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, h)
	return a
}

// WithJobHooks merges h after the hooks already configured.
func (a *Application) WithJobHooks(h hooks.JobHooks) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobHooks = a.jobHooks.Merge(h)
	return a
}

func (a *Application) Register(kind scheduler.Kind, name string, handler scheduler.Handler, cfg scheduler.TaskConfig) error {
	return a.registry.Register(kind, name, handler, cfg)
}

// Publisher registers a task run by forwarder workers.
func (a *Application) Publisher(name string, handler scheduler.Handler, cfg scheduler.TaskConfig) error {
	return a.Register(scheduler.Publisher, name, handler, cfg)
}

// Pusher registers a task run by streamer workers.
func (a *Application) Pusher(name string, handler scheduler.Handler, cfg scheduler.TaskConfig) error {
	return a.Register(scheduler.Pusher, name, handler, cfg)
}

// Set stores a value every hook and task can read.
func (a *Application) Set(key string, value any) *Application {
	a.shared.Set(key, value)
	return a
}

func (a *Application) Shared() *scheduler.Shared { return a.shared }

func (a *Application) Registry() *scheduler.Registry { return a.registry }

// Channels lists the channels publisher tasks declare.
func (a *Application) Channels() []string { return a.registry.Channels() }

// Tasks lists the pusher task names.
func (a *Application) Tasks() []string { return a.registry.Tasks() }

// Executor returns the configured executor wrapped by the middlewares added
// with Use. It is nil when no executor was set.
func (a *Application) Executor() executor.Executor {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executor == nil {
		return nil
	}
	return chain(a.executor, a.middlewares)
}

// Components assembles the worker components. The caller adds its own job
// hooks and malformed-message callback.
func (a *Application) Components(log logging.ServiceLogger) worker.Components {
	exec := a.Executor()

	a.mu.Lock()
	defer a.mu.Unlock()
	return worker.Components{
		Executor: exec,
		Registry: a.registry,
		Shared:   a.shared,
		Startup:  append([]worker.Hook(nil), a.startup...),
		Shutdown: append([]worker.Hook(nil), a.shutdown...),
		Hooks:    a.jobHooks,
		Logger:   log,
	}
}
