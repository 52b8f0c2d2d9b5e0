// Package node owns the ZeroMQ sockets. A Backend is the long-lived socket of
// a worker, a Frontend opens a fresh socket for every call, and a Device
// proxies between the two address spaces.
package node

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/topology"
	"github.com/drblury/zmqflow/internal/runtime/tunnel"
)

const (
	DefaultBackendAddr  = "tcp://127.0.0.1:5556"
	DefaultFrontendAddr = "tcp://127.0.0.1:5555"
	DefaultTimeout      = 5 * time.Second

	// pollInterval bounds how long a blocked receive waits before checking
	// its context again.
	pollInterval = 100 * time.Millisecond

	// drainLinger bounds how long a closing backend keeps trying to deliver
	// messages it has already queued, such as the reply to the last request.
	drainLinger = 250 * time.Millisecond
)

// Options configure every node role. Unset fields take the defaults above.
type Options struct {
	Name         string
	Mode         topology.Mode
	BackendAddr  string
	FrontendAddr string
	Attach       bool
	Credentials  auth.Credentials
	// SSH tunnels frontend connections when its Host is set.
	SSH     tunnel.Config
	Timeout time.Duration
	Codec   *codec.Codec
	Logger  logging.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = ids.NewNodeID()
	}
	if o.Mode == "" {
		o.Mode = topology.Queue
	}
	if m, err := topology.ParseMode(o.Mode.String()); err == nil {
		o.Mode = m
	}
	if o.BackendAddr == "" {
		o.BackendAddr = DefaultBackendAddr
	}
	if o.FrontendAddr == "" {
		o.FrontendAddr = DefaultFrontendAddr
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Codec == nil {
		o.Codec = codec.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

var socketTypes = map[topology.SocketType]zmq.Type{
	topology.REQ:    zmq.REQ,
	topology.REP:    zmq.REP,
	topology.ROUTER: zmq.ROUTER,
	topology.DEALER: zmq.DEALER,
	topology.PUB:    zmq.PUB,
	topology.SUB:    zmq.SUB,
	topology.PUSH:   zmq.PUSH,
	topology.PULL:   zmq.PULL,
}

func newSocket(zctx *zmq.Context, t topology.SocketType) (*zmq.Socket, error) {
	zt, ok := socketTypes[t]
	if !ok {
		return nil, fmt.Errorf("node: unsupported socket type %q", t)
	}
	return zctx.NewSocket(zt)
}

func closeSocket(s *zmq.Socket) {
	if s == nil {
		return
	}
	_ = s.SetLinger(0)
	_ = s.Close()
}

func isTimeout(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

func isInterrupted(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EINTR)
}

func isTerminated(err error) bool {
	return zmq.AsErrno(err) == zmq.ETERM
}

// translate maps socket errors onto the runtime taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return errspkg.ErrTimeout
	case isTerminated(err):
		return errors.Join(errspkg.ErrNodeClosed, err)
	default:
		return err
	}
}

// logDowngrade notes when credentials were supplied but are too incomplete
// for the socket role, which leaves the connection in plaintext.
func logDowngrade(log logging.ServiceLogger, role string, creds auth.Credentials, applied bool) {
	if applied || creds.Empty() {
		return
	}
	log.Debug("Incomplete CURVE credentials, socket stays plaintext", logging.LogFields{"role": role})
}
