package worker

import "sync/atomic"

// State is the lifecycle position of a worker.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether the worker has started and not yet stopped.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }
