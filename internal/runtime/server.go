package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/zmqflow/internal/runtime/codec"
	configpkg "github.com/drblury/zmqflow/internal/runtime/config"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/node"
	"github.com/drblury/zmqflow/internal/runtime/relay"
	"github.com/drblury/zmqflow/internal/runtime/supervisor"
	"github.com/drblury/zmqflow/internal/runtime/topology"
	"github.com/drblury/zmqflow/internal/runtime/watcher"
	"github.com/drblury/zmqflow/internal/runtime/worker"
	"github.com/drblury/zmqflow/transport"
)

// descriptorFromEnv is swapped in tests so they never see a real child
// environment.
var descriptorFromEnv = worker.DescriptorFromEnv

const httpShutdownTimeout = 5 * time.Second

// ServerDependencies holds the optional collaborators that the Server can use.
// Leave fields nil to get the defaults.
type ServerDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Launcher starts process-role workers.
	Launcher supervisor.Launcher
	// Registerer and Gatherer back the metrics. Prometheus defaults when nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Sinks builds the relay sink. transport.DefaultRegistry when nil.
	Sinks *transport.Registry
	// Output receives the banner. Defaults to stdout.
	Output io.Writer
	// Notify and StopNotify default to signal.Notify and signal.Stop.
	Notify     func(c chan<- os.Signal, sig ...os.Signal)
	StopNotify func(c chan<- os.Signal)
}

// Server runs an Application with the pool described by its configuration.
type Server struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	app         *Application
	middlewares []ExecutorMiddleware
	executor    executor.Executor
	metrics     *Metrics
	sinks       *transport.Registry
	launcher    supervisor.Launcher
	out         io.Writer
	notify      func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify  func(c chan<- os.Signal)

	resourceTracker *resourceTracker

	workersMu sync.RWMutex
	workers   func() []supervisor.Info

	httpServers   map[string]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewServer normalizes and validates conf, then builds the executor chain.
// Register tasks and hooks on app before calling it.
func NewServer(conf configpkg.Config, app *Application, log loggingpkg.ServiceLogger, deps ServerDependencies) (*Server, error) {
	if app == nil {
		return nil, errors.New("runtime: application is required")
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mode, err := topology.ParseMode(conf.Mode)
	if err != nil {
		return nil, err
	}
	if mode == topology.Queue && app.Executor() == nil {
		return nil, errspkg.ErrExecutorRequired
	}
	if conf.Node == "" {
		conf.Node = ids.NewNodeID()
	}

	log.Info("Creating server", loggingpkg.LogFields{"mode": conf.Mode, "config": conf.String()})

	s := &Server{
		Conf:            conf,
		Logger:          log,
		app:             app,
		sinks:           deps.Sinks,
		launcher:        deps.Launcher,
		out:             deps.Output,
		notify:          deps.Notify,
		stopNotify:      deps.StopNotify,
		resourceTracker: newResourceTracker(),
	}
	if s.sinks == nil {
		s.sinks = transport.DefaultRegistry
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.notify == nil {
		s.notify = signal.Notify
	}
	if s.stopNotify == nil {
		s.stopNotify = signal.Stop
	}

	if conf.Metrics.Enabled {
		s.metrics = NewMetrics(deps.Registerer, deps.Gatherer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("runtime: register metrics: %w", err)
		}
		s.metrics.TrackWorkers(s.runningWorkers)
		// In debug mode the debug server mounts /metrics on its own port.
		if conf.Metrics.Port > 0 && !(conf.Debug && conf.Metrics.Port == conf.DebugPort) {
			s.RegisterHTTPHandler(fmt.Sprintf(":%d", conf.Metrics.Port), "/metrics", s.metrics.Handler())
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if exec := app.Executor(); exec != nil {
		s.executor = chain(exec, s.middlewares)
	}
	return s, nil
}

func (s *Server) registerConfiguredMiddlewares(deps ServerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Metrics returns nil when metrics are disabled.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Descriptors lists the pool: the proxy device first when one is configured,
// then one descriptor per worker.
func (s *Server) Descriptors() ([]worker.Descriptor, error) {
	mode, err := topology.ParseMode(s.Conf.Mode)
	if err != nil {
		return nil, err
	}
	role, err := worker.ParseRole(s.Conf.Role)
	if err != nil {
		return nil, err
	}
	base := worker.Descriptor{
		Mode:         mode,
		BackendAddr:  s.Conf.Backend,
		FrontendAddr: s.Conf.Frontend,
		Attach:       s.Conf.AttachWorkers(),
		Role:         role,
		Credentials:  s.Conf.Credentials(),
		Timeout:      s.Conf.Timeout,
		Serializer:   s.Conf.Serializer,
		Compression:  s.Conf.Compression,
	}

	out := make([]worker.Descriptor, 0, s.Conf.Workers+1)
	if s.Conf.Proxy {
		device := base
		device.Name = s.Conf.Node + "-device"
		device.Device = true
		device.Attach = false
		device.Role = worker.RoleThread
		out = append(out, device)
	}
	for i := 0; i < s.Conf.Workers; i++ {
		d := base
		d.Name = fmt.Sprintf("%s-%d", s.Conf.Node, i+1)
		out = append(out, d)
	}
	return out, nil
}

// Components are the worker components with the server's executor chain,
// logging and metrics hooks.
func (s *Server) Components() worker.Components {
	comp := s.app.Components(s.Logger)
	comp.Executor = s.executor
	comp.Hooks = hooks.LoggingHooks(s.Logger).Merge(comp.Hooks).Merge(s.metrics.JobHooks())
	comp.OnMalformed = s.metrics.MalformedMessage
	return comp
}

func (s *Server) newSupervisor() (*supervisor.Supervisor, error) {
	descriptors, err := s.Descriptors()
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Options{
		Descriptors: descriptors,
		Components:  s.Components(),
		Launcher:    s.launcher,
		Logger:      s.Logger,
	})
}

// Workers lists the workers of the running pool.
func (s *Server) Workers() []supervisor.Info {
	s.workersMu.RLock()
	fn := s.workers
	s.workersMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (s *Server) trackWorkers(fn func() []supervisor.Info) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	s.workers = fn
}

func (s *Server) runningWorkers() int {
	n := 0
	for _, info := range s.Workers() {
		if info.State == worker.StateRunning.String() || info.State == worker.StateStarting.String() {
			n++
		}
	}
	return n
}

// Run serves until ctx is cancelled. A process started as a worker child runs
// that single worker; otherwise the pool runs under the supervisor, or under
// the reload watcher in debug mode.
func (s *Server) Run(ctx context.Context) error {
	desc, child, err := descriptorFromEnv()
	if child {
		if err != nil {
			return err
		}
		return s.runChild(ctx, desc)
	}
	if s.Conf.Debug {
		return s.runDebug(ctx)
	}
	return s.runProduction(ctx)
}

func (s *Server) runChild(ctx context.Context, desc worker.Descriptor) error {
	ctx, cancel := s.signalContext(ctx)
	defer cancel()

	w, err := worker.New(desc, s.Components())
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func (s *Server) runProduction(ctx context.Context) error {
	s.printBanner()

	sup, err := s.newSupervisor()
	if err != nil {
		return err
	}
	s.trackWorkers(sup.Workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sup.Start(runCtx); err != nil {
		return err
	}
	aux := s.startAuxiliary(runCtx)

	detach := sup.HandleSignals(s.notify, s.stopNotify)
	defer detach()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sup.Stop(false)
		case <-done:
		}
	}()

	err = sup.Wait()
	close(done)
	cancel()
	aux.Wait()
	return err
}

func (s *Server) runDebug(ctx context.Context) error {
	ctx, cancel := s.signalContext(ctx)
	defer cancel()

	w, err := watcher.New(watcher.Options{
		Dir: s.Conf.WatchDir,
		Factory: func() (watcher.Pool, error) {
			return s.newSupervisor()
		},
		Banner:   s.printBanner,
		Output:   s.out,
		OnReload: s.metrics.Reload,
		Logger:   s.Logger,
	})
	if err != nil {
		return err
	}
	s.trackWorkers(w.Workers)

	debug, err := NewDebugServer(s)
	if err != nil {
		return err
	}
	debug.Register()

	aux := s.startAuxiliary(ctx)
	err = w.Run(ctx)
	cancel()
	aux.Wait()
	return err
}

// signalContext cancels on the first SIGINT or SIGTERM.
func (s *Server) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	s.notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer s.stopNotify(ch)
		select {
		case sig := <-ch:
			s.Logger.Info("Signal received, shutting down", loggingpkg.LogFields{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// startAuxiliary starts the HTTP servers and the relay. They stop with ctx.
func (s *Server) startAuxiliary(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	s.startHTTPServers(ctx, &wg)
	if s.Conf.Relay.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runRelay(ctx); err != nil {
				s.Logger.Error("Relay stopped", err, nil)
			}
		}()
	}
	return &wg
}

func (s *Server) frontendOptions(name string) (node.Options, error) {
	mode, err := topology.ParseMode(s.Conf.Mode)
	if err != nil {
		return node.Options{}, err
	}
	c, err := codec.ByName(s.Conf.Serializer, s.Conf.Compression)
	if err != nil {
		return node.Options{}, err
	}
	// Relay and debug clients run next to the pool, so they never tunnel.
	return node.Options{
		Name:         name,
		Mode:         mode,
		FrontendAddr: s.Conf.Frontend,
		Credentials:  s.Conf.Credentials(),
		Timeout:      s.Conf.Timeout,
		Codec:        c,
		Logger:       s.Logger,
	}, nil
}

func (s *Server) runRelay(ctx context.Context) error {
	opts, err := s.frontendOptions(s.Conf.Node + "-relay")
	if err != nil {
		return err
	}
	source, err := node.NewFrontend(opts)
	if err != nil {
		return err
	}

	sink, err := s.sinks.Build(ctx, &s.Conf.Relay, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			s.Logger.Error("Closing relay sink failed", cerr, nil)
		}
	}()
	if s.metrics != nil {
		if sink, err = s.metrics.DecoratePublisher(sink); err != nil {
			return err
		}
	}

	r, err := relay.New(relay.Options{
		Source:       source,
		Sink:         sink,
		Capabilities: s.sinks.GetCapabilities(s.Conf.Relay.Sink),
		Channels:     s.Conf.Relay.Channels,
		Topic:        s.Conf.Relay.Topic,
		Format:       s.Conf.Relay.Format,
		Name:         s.Conf.Node + "-relay",
		Logger:       s.Logger,
		OnRelayed:    s.metrics.Relayed,
		OnDropped:    s.metrics.RelayDropped,
	})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

// RegisterHTTPHandler adds handler to the mux listening on addr. Handlers
// sharing an address share one server.
func (s *Server) RegisterHTTPHandler(addr, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[string]*http.ServeMux)
	}

	mux, ok := s.httpServers[addr]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[addr] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Server) startHTTPServers(ctx context.Context, wg *sync.WaitGroup) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for addr, mux := range s.httpServers {
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
