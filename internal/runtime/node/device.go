package node

import (
	"context"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/topology"
)

// Device forwards traffic between the frontend and backend addresses with a
// steerable proxy. It carries no application logic.
type Device struct {
	opts    Options
	pairing topology.Pairing
	log     logging.ServiceLogger

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	endpoints [2]string
}

// NewDevice resolves the socket pair for opts.Mode.
func NewDevice(opts Options) (*Device, error) {
	opts = opts.withDefaults()
	pairing, err := topology.Resolve(opts.Mode)
	if err != nil {
		return nil, err
	}
	return &Device{
		opts:    opts,
		pairing: pairing,
		log:     opts.Logger.With(logging.LogFields{"node": opts.Name, "mode": opts.Mode.String(), "role": "device"}),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once both halves are bound.
func (d *Device) Ready() <-chan struct{} { return d.ready }

// Endpoints returns the bound inbound and outbound addresses.
func (d *Device) Endpoints() (in, out string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[0], d.endpoints[1]
}

// Run binds both halves and proxies until ctx is done. Bind failures are
// returned as *errors.BindError.
func (d *Device) Run(ctx context.Context) error {
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("node: create context: %w", err)
	}
	defer func() { _ = zctx.Term() }()

	inAddr, outAddr := d.pairing.DeviceEndpoints(d.opts.FrontendAddr, d.opts.BackendAddr)

	in, err := d.bindHalf(zctx, d.pairing.Device.In, inAddr)
	if err != nil {
		return err
	}
	defer closeSocket(in)
	if d.pairing.Device.SubscribeAll {
		if err := in.SetSubscribe(""); err != nil {
			return err
		}
	}

	out, err := d.bindHalf(zctx, d.pairing.Device.Out, outAddr)
	if err != nil {
		return err
	}
	defer closeSocket(out)

	controlAddr := "inproc://zmqflow-device-" + ids.NewNodeID()
	control, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	defer closeSocket(control)
	if err := control.Bind(controlAddr); err != nil {
		return err
	}

	steer, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	if err := steer.Connect(controlAddr); err != nil {
		closeSocket(steer)
		return err
	}

	d.mu.Lock()
	d.endpoints = [2]string{lastEndpoint(in, inAddr), lastEndpoint(out, outAddr)}
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })
	d.log.Info("Proxy device running", logging.LogFields{"in": inAddr, "out": outAddr})

	stopped := make(chan struct{})
	go func() {
		defer closeSocket(steer)
		select {
		case <-ctx.Done():
			_, _ = steer.Send("TERMINATE", 0)
		case <-stopped:
		}
	}()

	err = zmq.ProxySteerable(in, out, nil, control)
	close(stopped)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", errspkg.ErrDeviceFailed, err)
	}
	d.log.Info("Proxy device stopped", nil)
	return nil
}

func (d *Device) bindHalf(zctx *zmq.Context, t topology.SocketType, addr string) (*zmq.Socket, error) {
	socket, err := newSocket(zctx, t)
	if err != nil {
		return nil, err
	}
	applied, err := auth.ApplyServer(socket, d.opts.Credentials)
	if err != nil {
		closeSocket(socket)
		return nil, err
	}
	logDowngrade(d.log, "device", d.opts.Credentials, applied)
	if err := socket.Bind(addr); err != nil {
		closeSocket(socket)
		return nil, &errspkg.BindError{Endpoint: addr, Err: err}
	}
	return socket, nil
}

func lastEndpoint(s *zmq.Socket, fallback string) string {
	if last, err := s.GetLastEndpoint(); err == nil && last != "" {
		return last
	}
	return fallback
}
