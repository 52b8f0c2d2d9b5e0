package node

import (
	"context"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/topology"
)

// Backend is the server-side socket of a worker. It binds its address, or
// connects to a proxy device when Attach is set.
//
// Recv and Send must be called from a single goroutine. Publish and Push may
// be called concurrently; frames of different messages never interleave.
type Backend struct {
	opts    Options
	pairing topology.Pairing
	log     logging.ServiceLogger

	zctx     *zmq.Context
	socket   *zmq.Socket
	poller   *zmq.Poller
	endpoint string
	secure   bool

	mu      sync.Mutex
	pending bool
	closed  bool
}

// NewBackend creates the socket, installs credentials and binds or connects.
// Any failure to bind or connect is returned as *errors.BindError.
func NewBackend(opts Options) (*Backend, error) {
	opts = opts.withDefaults()
	pairing, err := topology.Resolve(opts.Mode)
	if err != nil {
		return nil, err
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("node: create context: %w", err)
	}
	socket, err := newSocket(zctx, pairing.Backend)
	if err != nil {
		_ = zctx.Term()
		return nil, err
	}

	b := &Backend{
		opts:    opts,
		pairing: pairing,
		log:     opts.Logger.With(logging.LogFields{"node": opts.Name, "mode": opts.Mode.String()}),
		zctx:    zctx,
		socket:  socket,
	}
	if err := b.open(); err != nil {
		closeSocket(socket)
		_ = zctx.Term()
		return nil, err
	}

	b.poller = zmq.NewPoller()
	b.poller.Add(socket, zmq.POLLIN)
	return b, nil
}

func (b *Backend) open() error {
	var (
		applied bool
		err     error
		role    = "backend"
	)
	if b.opts.Attach {
		role = "backend-attach"
		applied, err = auth.ApplyClient(b.socket, b.opts.Credentials)
	} else {
		applied, err = auth.ApplyServer(b.socket, b.opts.Credentials)
	}
	if err != nil {
		return err
	}
	b.secure = applied
	logDowngrade(b.log, role, b.opts.Credentials, applied)

	if err := b.socket.SetSndtimeo(b.opts.Timeout); err != nil {
		return err
	}

	addr := b.opts.BackendAddr
	if b.opts.Attach {
		err = b.socket.Connect(addr)
	} else {
		err = b.socket.Bind(addr)
	}
	if err != nil {
		return &errspkg.BindError{Endpoint: addr, Err: err}
	}

	b.endpoint = addr
	if !b.opts.Attach {
		if last, err := b.socket.GetLastEndpoint(); err == nil && last != "" {
			b.endpoint = last
		}
	}
	return nil
}

// Name is the identity written into every outgoing meta frame.
func (b *Backend) Name() string { return b.opts.Name }

func (b *Backend) Mode() topology.Mode { return b.opts.Mode }

// Endpoint is the resolved address, with wildcard ports expanded.
func (b *Backend) Endpoint() string { return b.endpoint }

// Secure reports whether CURVE was enabled on the socket.
func (b *Backend) Secure() bool { return b.secure }

// Pending reports whether a received request still waits for its reply.
func (b *Backend) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Recv waits for the next request. It returns ctx.Err() once ctx is done.
// A request whose body fails to decode still has to be answered, so the
// pending reply slot is taken even when an error is returned.
func (b *Backend) Recv(ctx context.Context) (codec.Envelope, error) {
	if !b.pairing.Mode.Replies() {
		return codec.Envelope{}, fmt.Errorf("%w: recv on %s backend", errspkg.ErrWrongMode, b.opts.Mode)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return codec.Envelope{}, errspkg.ErrNodeClosed
	}
	if b.pending {
		b.mu.Unlock()
		return codec.Envelope{}, errspkg.ErrReplyPending
	}
	b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return codec.Envelope{}, err
		}
		polled, err := b.poller.Poll(pollInterval)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			return codec.Envelope{}, translate(err)
		}
		if len(polled) == 0 {
			continue
		}

		frames, err := b.socket.RecvMessageBytes(0)
		if err != nil {
			return codec.Envelope{}, translate(err)
		}
		b.mu.Lock()
		b.pending = true
		b.mu.Unlock()
		return b.opts.Codec.Decode(frames)
	}
}

// Send answers the request taken by the last Recv. If the reply cannot be
// encoded or sent the request stays pending and the caller must answer it
// again, since a REP socket receives nothing until it has replied.
func (b *Backend) Send(ctx context.Context, head map[string]any, body any) error {
	return b.reply(ctx, func() ([][]byte, error) {
		return b.opts.Codec.Encode(codec.Response, "", b.opts.Name, head, body)
	})
}

// SendControl answers the last request with a meta-only message, typically
// PONG for a PING.
func (b *Backend) SendControl(ctx context.Context, cmd codec.Command) error {
	return b.reply(ctx, func() ([][]byte, error) {
		return b.opts.Codec.EncodeControl(cmd, "", b.opts.Name)
	})
}

func (b *Backend) reply(ctx context.Context, encode func() ([][]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrNodeClosed
	}
	if !b.pending {
		return errspkg.ErrNoPendingRequest
	}

	frames, err := encode()
	if err != nil {
		return err
	}
	if _, err := b.socket.SendMessage(frames); err != nil {
		return translate(err)
	}
	b.pending = false
	return nil
}

// Publish sends a PUB message on channel. Forwarder mode only.
func (b *Backend) Publish(ctx context.Context, channel string, head map[string]any, body any) error {
	if b.opts.Mode != topology.Forwarder {
		return fmt.Errorf("%w: publish on %s backend", errspkg.ErrWrongMode, b.opts.Mode)
	}
	return b.fire(ctx, codec.Pub, channel, head, body)
}

// Push sends a PUSH message to the next available consumer. Streamer mode only.
func (b *Backend) Push(ctx context.Context, head map[string]any, body any) error {
	if b.opts.Mode != topology.Streamer {
		return fmt.Errorf("%w: push on %s backend", errspkg.ErrWrongMode, b.opts.Mode)
	}
	return b.fire(ctx, codec.Push, "", head, body)
}

func (b *Backend) fire(ctx context.Context, cmd codec.Command, channel string, head map[string]any, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frames, err := b.opts.Codec.Encode(cmd, channel, b.opts.Name, head, body)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrNodeClosed
	}
	_, err = b.socket.SendMessage(frames)
	return translate(err)
}

// Close gives queued messages up to drainLinger to leave, then releases the
// socket and its context.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.socket.SetLinger(drainLinger)
	_ = b.socket.Close()
	return b.zctx.Term()
}
