// Package supervisor owns a pool of workers: an optional proxy device
// started first and N backend workers running as goroutines or as child
// processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/worker"
)

// deviceStartTimeout bounds how long workers wait for the device to bind.
const deviceStartTimeout = 5 * time.Second

// Options configure a Supervisor.
type Options struct {
	// Descriptors lists the workers to run. At most one may be a device.
	Descriptors []worker.Descriptor
	Components  worker.Components
	// Launcher starts process-role workers. Defaults to ExecLauncher.
	Launcher Launcher
	Logger   logging.ServiceLogger
}

// Info is a snapshot of one worker.
type Info struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Device    bool      `json:"device"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Supervisor runs workers and collects their failures. It may be started
// once; build a new one for every pool generation.
type Supervisor struct {
	opts Options
	log  logging.ServiceLogger

	mu      sync.Mutex
	handles []*handle
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    []error
	fatal   error
}

// New validates the descriptors and orders the device first.
func New(opts Options) (*Supervisor, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Components.Logger == nil {
		opts.Components.Logger = opts.Logger
	}

	var device *worker.Descriptor
	workers := make([]worker.Descriptor, 0, len(opts.Descriptors))
	for i := range opts.Descriptors {
		d := opts.Descriptors[i].Normalize()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.Device {
			if device != nil {
				return nil, fmt.Errorf("%w: more than one device", errspkg.ErrInvalidDescriptor)
			}
			device = &d
			continue
		}
		workers = append(workers, d)
	}
	if device != nil {
		workers = append([]worker.Descriptor{*device}, workers...)
	}
	opts.Descriptors = workers

	return &Supervisor{opts: opts, log: opts.Logger}, nil
}

// Start launches the device, waits for it to bind, then launches every
// worker. It returns once all of them have been started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for _, desc := range s.opts.Descriptors {
		h, err := s.launch(runCtx, desc)
		if err != nil {
			cancel()
			s.wg.Wait()
			return err
		}
		if desc.Device {
			if err := h.waitActive(runCtx, deviceStartTimeout); err != nil {
				cancel()
				s.wg.Wait()
				return err
			}
		}
	}
	s.log.Info("Workers started", logging.LogFields{"count": len(s.opts.Descriptors)})
	return nil
}

func (s *Supervisor) launch(ctx context.Context, desc worker.Descriptor) (*handle, error) {
	h := &handle{desc: desc, done: make(chan struct{}), startedAt: time.Now()}
	hctx, hcancel := context.WithCancel(ctx)
	h.cancel = hcancel

	// Devices always run in-process so their failure can cancel the pool.
	if desc.Role == worker.RoleProcess && !desc.Device {
		proc, err := s.opts.Launcher.Launch(hctx, desc)
		if err != nil {
			hcancel()
			return nil, err
		}
		h.proc = proc
		h.procState.Store(int32(worker.StateRunning))
	} else {
		w, err := worker.New(desc, s.opts.Components)
		if err != nil {
			hcancel()
			return nil, err
		}
		h.w = w
		h.desc = w.Descriptor()
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer hcancel()
		err := h.run(hctx)
		h.err = err
		close(h.done)
		s.finished(h, err)
	}()
	return h, nil
}

func (s *Supervisor) finished(h *handle, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.log.Error("Worker failed", err, logging.LogFields{"worker": h.desc.Name, "device": h.desc.Device})

	s.mu.Lock()
	s.errs = append(s.errs, fmt.Errorf("worker %q: %w", h.desc.Name, err))
	if h.desc.Device && s.fatal == nil {
		s.fatal = fmt.Errorf("%w: %w", errspkg.ErrDeviceFailed, err)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if h.desc.Device && cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker has stopped and returns their failures.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return errors.Join(append([]error{s.fatal}, s.errs...)...)
	}
	return errors.Join(s.errs...)
}

// Stop asks every worker to stop and waits for them. With force, child
// processes are killed instead of terminated. The device is stopped only
// after every worker has exited, so replies to requests the workers already
// accepted still reach their clients through it.
func (s *Supervisor) Stop(force bool) error {
	s.mu.Lock()
	handles := append([]*handle(nil), s.handles...)
	cancel := s.cancel
	s.mu.Unlock()

	var device *handle
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i].desc.Device {
			device = handles[i]
			continue
		}
		handles[i].stop(force)
	}
	for _, h := range handles {
		if h != device {
			<-h.done
		}
	}
	if device != nil {
		device.stop(force)
	}
	if cancel != nil {
		cancel()
	}
	return s.Wait()
}

// Workers returns a snapshot of every worker.
func (s *Supervisor) Workers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.info())
	}
	return out
}

// Running counts the workers that have started and not yet stopped.
func (s *Supervisor) Running() int {
	n := 0
	for _, info := range s.Workers() {
		if info.State == worker.StateRunning.String() || info.State == worker.StateStarting.String() {
			n++
		}
	}
	return n
}

// HandleSignals stops the supervisor on SIGINT or SIGTERM. A second signal
// forces the stop. notify is normally signal.Notify; the returned function
// detaches the handler.
func (s *Supervisor) HandleSignals(notify func(c chan<- os.Signal, sig ...os.Signal), stop func(c chan<- os.Signal)) func() {
	ch := make(chan os.Signal, 2)
	notify(ch, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		forced := false
		for {
			select {
			case <-quit:
				return
			case sig := <-ch:
				s.log.Info("Signal received, stopping workers", logging.LogFields{"signal": sig.String(), "force": forced})
				go func(force bool) { _ = s.Stop(force) }(forced)
				forced = true
			}
		}
	}()

	return func() {
		once.Do(func() {
			if stop != nil {
				stop(ch)
			}
			close(quit)
		})
	}
}
