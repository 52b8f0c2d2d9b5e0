package node

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/topology"
)

const anyPort = "tcp://127.0.0.1:*"

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	if opts.BackendAddr == "" {
		opts.BackendAddr = anyPort
	}
	b, err := NewBackend(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// serveEcho answers every request with its own query until ctx is done.
func serveEcho(ctx context.Context, t *testing.T, b *Backend, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			env, err := b.Recv(ctx)
			if err != nil {
				return
			}
			if env.Meta.Command == codec.Ping.String() {
				assert.NoError(t, b.SendControl(ctx, codec.Pong))
				continue
			}
			req := executor.RequestFromEnvelope(env)
			assert.NoError(t, b.Send(ctx, nil, executor.Result{Data: req.Query}.Body()))
		}
	}()
}

func TestQueueRequestResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBackend(t, Options{Mode: topology.Queue})

	var wg sync.WaitGroup
	serveEcho(ctx, t, b, &wg)

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: b.Endpoint(), Timeout: 2 * time.Second})
	require.NoError(t, err)

	for _, q := range []string{"{ a }", "{ b }", "{ c }"} {
		res, err := f.Execute(context.Background(), executor.Request{Query: q})
		require.NoError(t, err)
		assert.Equal(t, q, res.Data)
	}

	env, err := f.Request(context.Background(), executor.Request{Query: "{ meta }"})
	require.NoError(t, err)
	assert.Equal(t, "RESPONSE", env.Meta.Command)
	assert.Equal(t, b.Name(), env.Meta.Node)

	cancel()
	wg.Wait()
}

func TestBackendEnforcesOneReplyPerRequest(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Queue})
	ctx := context.Background()

	assert.ErrorIs(t, b.Send(ctx, nil, nil), errspkg.ErrNoPendingRequest)

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: b.Endpoint(), Timeout: 2 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.Request(ctx, executor.Request{Query: "{ x }"})
		done <- err
	}()

	_, err = b.Recv(ctx)
	require.NoError(t, err)
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, errspkg.ErrReplyPending)

	require.NoError(t, b.Send(ctx, nil, executor.Result{Data: "ok"}.Body()))
	assert.ErrorIs(t, b.Send(ctx, nil, nil), errspkg.ErrNoPendingRequest)
	require.NoError(t, <-done)
}

func TestBackendKeepsRequestPendingWhenReplyFails(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Queue})
	ctx := context.Background()

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: b.Endpoint(), Timeout: 2 * time.Second})
	require.NoError(t, err)

	done := make(chan executor.Result, 1)
	go func() {
		res, err := f.Execute(ctx, executor.Request{Query: "{ nan }"})
		assert.NoError(t, err)
		done <- res
	}()

	_, err = b.Recv(ctx)
	require.NoError(t, err)

	err = b.Send(ctx, nil, executor.Result{Data: math.NaN()}.Body())
	require.Error(t, err)
	assert.True(t, b.Pending())

	require.NoError(t, b.Send(ctx, nil, executor.Result{Data: "recovered"}.Body()))
	assert.False(t, b.Pending())
	assert.Equal(t, "recovered", (<-done).Data)
}

func TestBackendRecvStopsOnContextCancel(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Queue})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBackend(t, Options{Mode: topology.Queue})
	var wg sync.WaitGroup
	serveEcho(ctx, t, b, &wg)

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: b.Endpoint(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	rtt, err := f.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	cancel()
	wg.Wait()
}

func TestFrontendRequestTimeout(t *testing.T) {
	idle := newTestBackend(t, Options{Mode: topology.Queue})

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: idle.Endpoint(), Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	env, err := f.Request(context.Background(), executor.Request{Query: "{ slow }"})
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.True(t, env.IsZero())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwarderPublishSubscribe(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Forwarder})
	f, err := NewFrontend(Options{Mode: topology.Forwarder, FrontendAddr: b.Endpoint(), Timeout: 3 * time.Second})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = b.Publish(context.Background(), "other", nil, map[string]any{"skip": true})
				_ = b.Publish(context.Background(), "News", map[string]any{"k": "v"}, map[string]any{"headline": "zmq"})
			}
		}
	}()

	env, err := f.Subscribe(context.Background(), "news")
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "PUB", env.Meta.Command)
	assert.Equal(t, "news", env.Meta.Channel)
	assert.Equal(t, map[string]any{"headline": "zmq"}, env.Body)
	assert.Equal(t, "v", env.HeadValue("k"))
}

func TestStreamerPushPull(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Streamer, Timeout: 3 * time.Second})
	f, err := NewFrontend(Options{Mode: topology.Streamer, FrontendAddr: b.Endpoint(), Timeout: 3 * time.Second})
	require.NoError(t, err)

	pushed := make(chan error, 1)
	go func() {
		pushed <- b.Push(context.Background(), nil, map[string]any{"job": 1})
	}()

	env, err := f.Pull(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-pushed)
	assert.Equal(t, "PUSH", env.Meta.Command)
	assert.Equal(t, map[string]any{"job": int64(1)}, env.Body)
}

func TestStreamDeliversUntilCancelled(t *testing.T) {
	b := newTestBackend(t, Options{Mode: topology.Streamer, Timeout: 3 * time.Second})
	f, err := NewFrontend(Options{Mode: topology.Streamer, FrontendAddr: b.Endpoint()})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 3; i++ {
			_ = b.Push(context.Background(), nil, map[string]any{"n": i})
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var got []any
	err = f.Stream(ctx, "", func(env codec.Envelope) error {
		got = append(got, env.BodyMap()["n"])
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), int64(1), int64(2)}, got)
}

func TestWrongModeOperations(t *testing.T) {
	pub := newTestBackend(t, Options{Mode: topology.Forwarder})
	ctx := context.Background()

	_, err := pub.Recv(ctx)
	assert.ErrorIs(t, err, errspkg.ErrWrongMode)
	assert.ErrorIs(t, pub.Push(ctx, nil, nil), errspkg.ErrWrongMode)

	f, err := NewFrontend(Options{Mode: topology.Forwarder})
	require.NoError(t, err)
	_, err = f.Request(ctx, executor.Request{})
	assert.ErrorIs(t, err, errspkg.ErrWrongMode)
	_, err = f.Pull(ctx)
	assert.ErrorIs(t, err, errspkg.ErrWrongMode)

	q, err := NewFrontend(Options{Mode: topology.Queue})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Stream(ctx, "", func(codec.Envelope) error { return nil }), errspkg.ErrWrongMode)
}

func TestBindErrorOnAddressInUse(t *testing.T) {
	first := newTestBackend(t, Options{Mode: topology.Queue})

	_, err := NewBackend(Options{Mode: topology.Queue, BackendAddr: first.Endpoint()})
	var bindErr *errspkg.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, first.Endpoint(), bindErr.Endpoint)
}

func TestUnknownModeIsRejected(t *testing.T) {
	_, err := NewBackend(Options{Mode: "mesh"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownMode)
	_, err = NewFrontend(Options{Mode: "mesh"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownMode)
	_, err = NewDevice(Options{Mode: "mesh"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownMode)
}

func TestClosedBackend(t *testing.T) {
	b, err := NewBackend(Options{Mode: topology.Streamer, BackendAddr: anyPort})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Push(context.Background(), nil, nil), errspkg.ErrNodeClosed)
}

func TestQueueThroughDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := NewDevice(Options{Mode: topology.Queue, FrontendAddr: anyPort, BackendAddr: anyPort})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-runErr:
		t.Fatalf("device stopped early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("device did not become ready")
	}
	frontAddr, backAddr := d.Endpoints()

	b := newTestBackend(t, Options{Mode: topology.Queue, BackendAddr: backAddr, Attach: true})
	var wg sync.WaitGroup
	serveEcho(ctx, t, b, &wg)

	f, err := NewFrontend(Options{Mode: topology.Queue, FrontendAddr: frontAddr, Timeout: 3 * time.Second})
	require.NoError(t, err)
	res, err := f.Execute(context.Background(), executor.Request{Query: "{ proxied }"})
	require.NoError(t, err)
	assert.Equal(t, "{ proxied }", res.Data)

	cancel()
	wg.Wait()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("device did not stop")
	}
}

func TestDeviceBindError(t *testing.T) {
	taken := newTestBackend(t, Options{Mode: topology.Queue})

	d, err := NewDevice(Options{Mode: topology.Queue, FrontendAddr: taken.Endpoint(), BackendAddr: anyPort})
	require.NoError(t, err)
	err = d.Run(context.Background())
	var bindErr *errspkg.BindError
	assert.True(t, errors.As(err, &bindErr), "expected BindError, got %v", err)
}

func TestCurveEncryptedRequest(t *testing.T) {
	if !zmq.HasCurve() {
		t.Skip("libzmq built without CURVE")
	}
	server, err := auth.NewKeypair()
	require.NoError(t, err)
	client, err := auth.NewKeypair()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBackend(t, Options{
		Mode:        topology.Queue,
		Credentials: auth.Credentials{PublicKey: server.PublicKey, SecretKey: server.SecretKey},
	})
	assert.True(t, b.Secure())
	var wg sync.WaitGroup
	serveEcho(ctx, t, b, &wg)

	f, err := NewFrontend(Options{
		Mode:         topology.Queue,
		FrontendAddr: b.Endpoint(),
		Timeout:      3 * time.Second,
		Credentials:  auth.Credentials{PublicKey: client.PublicKey, SecretKey: client.SecretKey, ServerKey: server.PublicKey},
	})
	require.NoError(t, err)
	res, err := f.Execute(context.Background(), executor.Request{Query: "{ secret }"})
	require.NoError(t, err)
	assert.Equal(t, "{ secret }", res.Data)

	cancel()
	wg.Wait()
}
