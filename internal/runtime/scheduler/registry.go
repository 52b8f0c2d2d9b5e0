package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
)

// Registry collects the tasks of an application. Names are unique per kind.
type Registry struct {
	mu    sync.RWMutex
	tasks map[Kind]map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[Kind]map[string]Task)}
}

// Register adds a task.
func (r *Registry) Register(kind Kind, name string, handler Handler, cfg TaskConfig) error {
	if kind != Publisher && kind != Pusher {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownTaskKind, kind)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errspkg.ErrTaskNameRequired
	}
	if handler == nil {
		return fmt.Errorf("%w: %s %q", errspkg.ErrHandlerRequired, kind, name)
	}
	if cfg.Interval < 0 {
		return fmt.Errorf("scheduler: task %q has negative interval %s", name, cfg.Interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.tasks[kind]
	if !ok {
		byName = make(map[string]Task)
		r.tasks[kind] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("%w: %s %q", errspkg.ErrDuplicateTask, kind, name)
	}
	byName[name] = Task{
		Name:         name,
		Kind:         kind,
		Handler:      handler,
		Interval:     cfg.Interval,
		Channel:      strings.ToLower(cfg.Channel),
		WantsContext: cfg.WantsContext,
	}
	return nil
}

// MustRegister panics on registration errors. Meant for program setup.
func (r *Registry) MustRegister(kind Kind, name string, handler Handler, cfg TaskConfig) {
	if err := r.Register(kind, name, handler, cfg); err != nil {
		panic(err)
	}
}

// Publishers returns the publisher tasks sorted by name.
func (r *Registry) Publishers() []Task { return r.byKind(Publisher) }

// Pushers returns the pusher tasks sorted by name.
func (r *Registry) Pushers() []Task { return r.byKind(Pusher) }

func (r *Registry) byKind(kind Kind) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks[kind]))
	for _, t := range r.tasks[kind] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Channels lists the distinct default channels of all publishers, sorted.
func (r *Registry) Channels() []string {
	seen := map[string]struct{}{}
	for _, t := range r.Publishers() {
		seen[t.ResolveChannel(nil)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Tasks lists the names of all pusher tasks, sorted.
func (r *Registry) Tasks() []string {
	pushers := r.Pushers()
	out := make([]string, 0, len(pushers))
	for _, t := range pushers {
		out = append(out, t.Name)
	}
	return out
}

// Len is the total number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byName := range r.tasks {
		n += len(byName)
	}
	return n
}
