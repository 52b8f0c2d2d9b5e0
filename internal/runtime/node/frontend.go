package node

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/topology"
	"github.com/drblury/zmqflow/internal/runtime/tunnel"
)

// Frontend is the client side. It holds no socket: every call opens a fresh
// context and socket and tears both down before returning.
type Frontend struct {
	opts    Options
	pairing topology.Pairing
	log     logging.ServiceLogger
}

// NewFrontend validates the mode and the optional SSH tunnel. Only
// FrontendAddr is used for connecting.
func NewFrontend(opts Options) (*Frontend, error) {
	opts = opts.withDefaults()
	pairing, err := topology.Resolve(opts.Mode)
	if err != nil {
		return nil, err
	}
	if opts.SSH.Enabled() {
		if err := opts.SSH.Validate(); err != nil {
			return nil, err
		}
		if _, err := tunnel.RemoteAddr(opts.FrontendAddr); err != nil {
			return nil, err
		}
	}
	return &Frontend{
		opts:    opts,
		pairing: pairing,
		log:     opts.Logger.With(logging.LogFields{"node": opts.Name, "mode": opts.Mode.String(), "role": "frontend"}),
	}, nil
}

func (f *Frontend) Name() string { return f.opts.Name }

func (f *Frontend) Mode() topology.Mode { return f.opts.Mode }

// ConnectOptions override the node timeout for one call. Zero keeps the node
// timeout and a negative value waits forever.
type ConnectOptions struct {
	SendTimeout time.Duration
	RecvTimeout time.Duration
}

func (f *Frontend) resolve(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return f.opts.Timeout
	case d < 0:
		return -1
	default:
		return d
	}
}

// Conn is a socket scoped to a single Connect call.
type Conn struct {
	socket      *zmq.Socket
	poller      *zmq.Poller
	codec       *codec.Codec
	name        string
	channel     string
	recvTimeout time.Duration
}

// Connect opens a socket for the frontend role, subscribes it to channel in
// forwarder mode and hands it to fn. With SSH configured the socket connects
// through a tunnel that lives as long as the call. The socket is closed with
// linger 0 and its context terminated on every exit path.
func (f *Frontend) Connect(ctx context.Context, channel string, co ConnectOptions, fn func(*Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("node: create context: %w", err)
	}
	defer func() { _ = zctx.Term() }()

	endpoint := f.opts.FrontendAddr
	if f.opts.SSH.Enabled() {
		tun, err := tunnel.Open(ctx, f.opts.SSH, endpoint, f.log)
		if err != nil {
			return err
		}
		defer func() { _ = tun.Close() }()
		endpoint = tun.Endpoint()
	}

	socket, err := newSocket(zctx, f.pairing.Frontend)
	if err != nil {
		return err
	}
	defer closeSocket(socket)

	applied, err := auth.ApplyClient(socket, f.opts.Credentials)
	if err != nil {
		return err
	}
	logDowngrade(f.log, "frontend", f.opts.Credentials, applied)

	sendTimeout := f.resolve(co.SendTimeout)
	recvTimeout := f.resolve(co.RecvTimeout)
	if err := socket.SetSndtimeo(sendTimeout); err != nil {
		return err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		return err
	}
	if err := socket.Connect(endpoint); err != nil {
		return &errspkg.BindError{Endpoint: endpoint, Err: err}
	}
	if f.pairing.Frontend == topology.SUB {
		if err := socket.SetSubscribe(channel); err != nil {
			return err
		}
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)
	return fn(&Conn{
		socket:      socket,
		poller:      poller,
		codec:       f.opts.Codec,
		name:        f.opts.Name,
		channel:     channel,
		recvTimeout: recvTimeout,
	})
}

// Send writes one message.
func (c *Conn) Send(cmd codec.Command, head map[string]any, body any) error {
	frames, err := c.codec.Encode(cmd, c.channel, c.name, head, body)
	if err != nil {
		return err
	}
	_, err = c.socket.SendMessage(frames)
	return translate(err)
}

// Recv waits up to the receive timeout for one message. It returns
// errors.ErrTimeout with an empty envelope when nothing arrives.
func (c *Conn) Recv(ctx context.Context) (codec.Envelope, error) {
	var deadline time.Time
	if c.recvTimeout > 0 {
		deadline = time.Now().Add(c.recvTimeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return codec.Envelope{}, err
		}
		wait := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return codec.Envelope{}, errspkg.ErrTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		polled, err := c.poller.Poll(wait)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			return codec.Envelope{}, translate(err)
		}
		if len(polled) == 0 {
			continue
		}
		frames, err := c.socket.RecvMessageBytes(0)
		if err != nil {
			return codec.Envelope{}, translate(err)
		}
		return c.codec.Decode(frames)
	}
}

// Request sends a query and waits for its response. Queue mode only.
func (f *Frontend) Request(ctx context.Context, req executor.Request) (codec.Envelope, error) {
	if f.opts.Mode != topology.Queue {
		return codec.Envelope{}, fmt.Errorf("%w: request on %s frontend", errspkg.ErrWrongMode, f.opts.Mode)
	}
	var env codec.Envelope
	err := f.Connect(ctx, "", ConnectOptions{}, func(c *Conn) error {
		if err := c.Send(codec.Request, req.Head(), req.Body()); err != nil {
			return err
		}
		var err error
		env, err = c.Recv(ctx)
		return err
	})
	if err != nil {
		return codec.Envelope{}, err
	}
	return env, nil
}

// Execute is Request with the response body decoded.
func (f *Frontend) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	env, err := f.Request(ctx, req)
	if err != nil {
		return executor.Result{}, err
	}
	return executor.ResultFromEnvelope(env), nil
}

// Ping measures the round trip of a PING/PONG exchange. Queue mode only.
func (f *Frontend) Ping(ctx context.Context) (time.Duration, error) {
	if f.opts.Mode != topology.Queue {
		return 0, fmt.Errorf("%w: ping on %s frontend", errspkg.ErrWrongMode, f.opts.Mode)
	}
	var rtt time.Duration
	err := f.Connect(ctx, "", ConnectOptions{}, func(c *Conn) error {
		start := time.Now()
		if err := c.Send(codec.Ping, nil, nil); err != nil {
			return err
		}
		env, err := c.Recv(ctx)
		if err != nil {
			return err
		}
		if env.Meta.Command != codec.Pong.String() {
			return fmt.Errorf("node: expected PONG, got %q", env.Meta.Command)
		}
		rtt = time.Since(start)
		return nil
	})
	return rtt, err
}

// Subscribe waits for one message published on channel. Forwarder mode only.
func (f *Frontend) Subscribe(ctx context.Context, channel string) (codec.Envelope, error) {
	if f.opts.Mode != topology.Forwarder {
		return codec.Envelope{}, fmt.Errorf("%w: subscribe on %s frontend", errspkg.ErrWrongMode, f.opts.Mode)
	}
	return f.receiveOne(ctx, channel)
}

// Pull waits for one pushed message. Streamer mode only.
func (f *Frontend) Pull(ctx context.Context) (codec.Envelope, error) {
	if f.opts.Mode != topology.Streamer {
		return codec.Envelope{}, fmt.Errorf("%w: pull on %s frontend", errspkg.ErrWrongMode, f.opts.Mode)
	}
	return f.receiveOne(ctx, "")
}

func (f *Frontend) receiveOne(ctx context.Context, channel string) (codec.Envelope, error) {
	var env codec.Envelope
	err := f.Connect(ctx, channel, ConnectOptions{}, func(c *Conn) error {
		var err error
		env, err = c.Recv(ctx)
		return err
	})
	if err != nil {
		return codec.Envelope{}, err
	}
	return env, nil
}

// Stream keeps one socket open and calls fn for every message until ctx is
// done or fn fails. Messages that fail to decode are logged and skipped.
// Forwarder and streamer modes only.
func (f *Frontend) Stream(ctx context.Context, channel string, fn func(codec.Envelope) error) error {
	if f.opts.Mode == topology.Queue {
		return fmt.Errorf("%w: stream on queue frontend", errspkg.ErrWrongMode)
	}
	err := f.Connect(ctx, channel, ConnectOptions{RecvTimeout: -1}, func(c *Conn) error {
		for {
			env, err := c.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if codec.IsMalformed(err) {
					f.log.Error("Dropping undecodable message", err, logging.LogFields{"channel": channel})
					continue
				}
				return err
			}
			if err := fn(env); err != nil {
				return err
			}
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
