package supervisor

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/worker"
)

type handle struct {
	desc      worker.Descriptor
	w         *worker.Worker
	proc      Process
	procState atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

func (h *handle) run(ctx context.Context) error {
	if h.w != nil {
		return h.w.Run(ctx)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.proc.Wait() }()

	select {
	case err := <-waitErr:
		h.procState.Store(int32(worker.StateStopped))
		return err
	case <-ctx.Done():
		h.procState.Store(int32(worker.StateStopping))
		_ = h.proc.Signal(false)
		err := <-waitErr
		h.procState.Store(int32(worker.StateStopped))
		return err
	}
}

func (h *handle) state() worker.State {
	if h.w != nil {
		return h.w.State()
	}
	return worker.State(h.procState.Load())
}

// waitActive returns once the worker is running, or with its error if it
// stopped first.
func (h *handle) waitActive(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if h.state() == worker.StateRunning {
			return nil
		}
		select {
		case <-h.done:
			if h.err != nil {
				return h.err
			}
			return errors.New("supervisor: worker stopped before it was running")
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}

func (h *handle) stop(force bool) {
	if h.proc != nil {
		select {
		case <-h.done:
			return
		default:
		}
		h.procState.Store(int32(worker.StateStopping))
		_ = h.proc.Signal(force)
	}
	h.cancel()
}

func (h *handle) info() Info {
	info := Info{
		Name:      h.desc.Name,
		Role:      string(h.desc.Role),
		Mode:      h.desc.Mode.String(),
		State:     h.state().String(),
		Device:    h.desc.Device,
		StartedAt: h.startedAt,
	}
	if h.proc != nil {
		info.PID = h.proc.PID()
	} else {
		info.PID = os.Getpid()
	}
	return info
}
