// Package scheduler drives the periodic publisher and pusher tasks of a
// worker. Every task runs in its own goroutine and shares the worker's
// backend socket through a Sink.
package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
)

// Kind selects how a task's results leave the worker.
type Kind string

const (
	Publisher Kind = "publisher"
	Pusher    Kind = "pusher"
)

// Kinds lists the supported task kinds.
var Kinds = []Kind{Publisher, Pusher}

// ParseKind accepts "publisher"/"pub" and "pusher"/"push".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "publisher", "pub":
		return Publisher, nil
	case "pusher", "push":
		return Pusher, nil
	default:
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownTaskKind, s)
	}
}

func (k Kind) String() string { return string(k) }

// Result is what a handler hands back for sending.
type Result struct {
	// Channel overrides the task channel for publisher tasks.
	Channel string
	Head    map[string]any
	Body    any
}

// Empty reports whether nothing should be sent: a nil result, a nil body, or
// a body that is an empty string, slice or map.
func (r *Result) Empty() bool {
	if r == nil || r.Body == nil {
		return true
	}
	v := reflect.ValueOf(r.Body)
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// Handler produces the next message of a task. shared is nil unless the task
// was registered with WantsContext.
type Handler func(ctx context.Context, shared *Shared) (*Result, error)

// TaskConfig holds the per-task registration options.
type TaskConfig struct {
	// Interval is the pause after every run. Zero means no pause.
	Interval time.Duration
	// Channel is the default publish channel. Ignored for pushers.
	Channel string
	// WantsContext passes the application's shared values to the handler.
	WantsContext bool
}

// Task is a registered scheduled task.
type Task struct {
	Name         string
	Kind         Kind
	Handler      Handler
	Interval     time.Duration
	Channel      string
	WantsContext bool
}

// ResolveChannel picks the publish channel: the result's channel, then the
// task's channel, then the task name.
func (t Task) ResolveChannel(r *Result) string {
	if r != nil && r.Channel != "" {
		return r.Channel
	}
	if t.Channel != "" {
		return t.Channel
	}
	return t.Name
}

// Shared holds application values handed to hooks and to tasks that ask for
// them. It is safe for concurrent use.
type Shared struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewShared copies values into a new Shared.
func NewShared(values map[string]any) *Shared {
	s := &Shared{values: make(map[string]any, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *Shared) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Shared) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

func (s *Shared) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a copy of all values.
func (s *Shared) Snapshot() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Lookup returns the value stored under key when it has type T.
func Lookup[T any](s *Shared, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
