package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
)

type sent struct {
	kind    Kind
	channel string
	body    any
}

type fakeSink struct {
	mu      sync.Mutex
	msgs    []sent
	failPub error
}

func (s *fakeSink) Publish(_ context.Context, channel string, _ map[string]any, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPub != nil {
		return s.failPub
	}
	s.msgs = append(s.msgs, sent{kind: Publisher, channel: channel, body: body})
	return nil
}

func (s *fakeSink) Push(_ context.Context, _ map[string]any, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{kind: Pusher, body: body})
	return nil
}

func (s *fakeSink) snapshot() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

func bodyResult(body any) Handler {
	return func(context.Context, *Shared) (*Result, error) {
		return &Result{Body: body}, nil
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("PUB")
	require.NoError(t, err)
	assert.Equal(t, Publisher, k)
	k, err = ParseKind("pusher")
	require.NoError(t, err)
	assert.Equal(t, Pusher, k)
	_, err = ParseKind("router")
	assert.ErrorIs(t, err, errspkg.ErrUnknownTaskKind)
}

func TestResultEmpty(t *testing.T) {
	var nilResult *Result
	assert.True(t, nilResult.Empty())
	assert.True(t, (&Result{}).Empty())
	assert.True(t, (&Result{Body: ""}).Empty())
	assert.True(t, (&Result{Body: map[string]any{}}).Empty())
	assert.True(t, (&Result{Body: []int{}}).Empty())
	assert.False(t, (&Result{Body: 0}).Empty())
	assert.False(t, (&Result{Body: map[string]any{"a": 1}}).Empty())
}

func TestResolveChannel(t *testing.T) {
	task := Task{Name: "clock", Channel: "ticks"}
	assert.Equal(t, "override", task.ResolveChannel(&Result{Channel: "override"}))
	assert.Equal(t, "ticks", task.ResolveChannel(&Result{}))
	assert.Equal(t, "clock", Task{Name: "clock"}.ResolveChannel(nil))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Publisher, "b", bodyResult(1), TaskConfig{Channel: "News"}))
	require.NoError(t, reg.Register(Publisher, "a", bodyResult(1), TaskConfig{}))
	require.NoError(t, reg.Register(Publisher, "c", bodyResult(1), TaskConfig{Channel: "news"}))
	require.NoError(t, reg.Register(Pusher, "z", bodyResult(1), TaskConfig{}))
	require.NoError(t, reg.Register(Pusher, "a", bodyResult(1), TaskConfig{}))

	err := reg.Register(Publisher, "a", bodyResult(1), TaskConfig{})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateTask)
	assert.ErrorIs(t, reg.Register(Pusher, " ", bodyResult(1), TaskConfig{}), errspkg.ErrTaskNameRequired)
	assert.ErrorIs(t, reg.Register(Pusher, "x", nil, TaskConfig{}), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, reg.Register(Kind("router"), "x", bodyResult(1), TaskConfig{}), errspkg.ErrUnknownTaskKind)
	assert.Error(t, reg.Register(Pusher, "x", bodyResult(1), TaskConfig{Interval: -time.Second}))

	names := func(tasks []Task) []string {
		out := []string{}
		for _, t := range tasks {
			out = append(out, t.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, names(reg.Publishers()))
	assert.Equal(t, []string{"a", "z"}, names(reg.Pushers()))
	assert.Equal(t, []string{"a", "news"}, reg.Channels())
	assert.Equal(t, []string{"a", "z"}, reg.Tasks())
	assert.Equal(t, 5, reg.Len())

	assert.Panics(t, func() { reg.MustRegister(Pusher, "a", bodyResult(1), TaskConfig{}) })
}

func TestSharedLookup(t *testing.T) {
	s := NewShared(map[string]any{"db": "conn", "n": 3})
	v, ok := Lookup[string](s, "db")
	assert.True(t, ok)
	assert.Equal(t, "conn", v)
	_, ok = Lookup[string](s, "n")
	assert.False(t, ok)

	s.Set("k", true)
	s.Delete("db")
	assert.Equal(t, map[string]any{"n": 3, "k": true}, s.Snapshot())

	var nilShared *Shared
	_, ok = nilShared.Get("x")
	assert.False(t, ok)
}

func TestRunnerCadence(t *testing.T) {
	// Interval 20ms over 90ms fires 4 or 5 times.
	var calls atomic.Int32
	task := Task{Name: "tick", Kind: Publisher, Interval: 20 * time.Millisecond, Handler: func(context.Context, *Shared) (*Result, error) {
		calls.Add(1)
		return &Result{Body: "t"}, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	sink := &fakeSink{}
	require.NoError(t, (&Runner{}).Run(ctx, sink, []Task{task}))

	n := calls.Load()
	assert.GreaterOrEqual(t, n, int32(3))
	assert.LessOrEqual(t, n, int32(6))
	assert.Len(t, sink.snapshot(), int(n))
}

func TestRunnerRoutesByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &fakeSink{}
	var once sync.Once
	done := make(chan struct{})
	tasks := []Task{
		{Name: "clock", Kind: Publisher, Channel: "ticks", Interval: time.Hour, Handler: bodyResult("p")},
		{Name: "jobs", Kind: Pusher, Interval: time.Hour, Handler: func(context.Context, *Shared) (*Result, error) {
			once.Do(func() { close(done) })
			return &Result{Body: "w", Channel: "ignored"}, nil
		}},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- (&Runner{}).Run(ctx, sink, tasks) }()

	<-done
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	got := sink.snapshot()
	assert.ElementsMatch(t, []sent{
		{kind: Publisher, channel: "ticks", body: "p"},
		{kind: Pusher, body: "w"},
	}, got)
}

func TestRunnerErrorsDoNotStopTask(t *testing.T) {
	var calls atomic.Int32
	var failures atomic.Int32
	task := Task{Name: "flaky", Kind: Pusher, Handler: func(context.Context, *Shared) (*Result, error) {
		n := calls.Add(1)
		switch n % 3 {
		case 0:
			panic("boom")
		case 1:
			return nil, errors.New("failed")
		}
		return &Result{Body: n}, nil
	}}
	r := &Runner{Hooks: hooks.JobHooks{OnJobError: func(hooks.JobContext, error) { failures.Add(1) }}}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, sink, []Task{task}) }()

	require.Eventually(t, func() bool { return calls.Load() >= 9 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.GreaterOrEqual(t, failures.Load(), int32(6))
	assert.NotEmpty(t, sink.snapshot())
}

func TestRunnerSkipsEmptyResults(t *testing.T) {
	var calls atomic.Int32
	task := Task{Name: "quiet", Kind: Publisher, Handler: func(context.Context, *Shared) (*Result, error) {
		calls.Add(1)
		return nil, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- (&Runner{}).Run(ctx, sink, []Task{task}) }()
	require.Eventually(t, func() bool { return calls.Load() > 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	assert.Empty(t, sink.snapshot())
}

func TestRunnerSharedOnlyWhenRequested(t *testing.T) {
	shared := NewShared(map[string]any{"greeting": "hi"})
	seen := make(chan *Shared, 2)
	handler := func(ctx context.Context, s *Shared) (*Result, error) {
		seen <- s
		<-ctx.Done()
		return nil, nil
	}
	tasks := []Task{
		{Name: "with", Kind: Pusher, WantsContext: true, Handler: handler},
		{Name: "without", Kind: Pusher, Handler: handler},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = (&Runner{Shared: shared}).Run(ctx, &fakeSink{}, tasks) }()

	got := []*Shared{<-seen, <-seen}
	assert.Contains(t, got, shared)
	assert.Contains(t, got, (*Shared)(nil))
}

func TestRunnerHooksRecordChannel(t *testing.T) {
	done := make(chan hooks.JobContext, 1)
	r := &Runner{Node: "n1", Hooks: hooks.JobHooks{OnJobDone: func(job hooks.JobContext) {
		select {
		case done <- job:
		default:
		}
	}}}
	task := Task{Name: "clock", Kind: Publisher, Interval: time.Hour, Handler: func(context.Context, *Shared) (*Result, error) {
		return &Result{Channel: "alerts", Body: "x"}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, &fakeSink{}, []Task{task}) }()

	job := <-done
	assert.Equal(t, "clock", job.Job)
	assert.Equal(t, "publisher", job.Kind)
	assert.Equal(t, "alerts", job.Channel)
	assert.Equal(t, "n1", job.Node)
	assert.True(t, job.Sent)
	assert.NotEmpty(t, job.RunID)
}

func TestRunnerSendErrorsReported(t *testing.T) {
	sendErr := errors.New("socket gone")
	errs := make(chan error, 1)
	r := &Runner{Hooks: hooks.AlertingHooks(func(_ hooks.JobContext, err error) {
		select {
		case errs <- err:
		default:
		}
	})}
	task := Task{Name: "clock", Kind: Publisher, Interval: time.Hour, Handler: bodyResult("x")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, &fakeSink{failPub: sendErr}, []Task{task}) }()
	assert.ErrorIs(t, <-errs, sendErr)
}

func TestRunnerWithoutTasksWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, (&Runner{}).Run(ctx, &fakeSink{}, nil))
	assert.Error(t, (&Runner{}).Run(ctx, nil, nil))
}
