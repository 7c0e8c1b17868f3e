// Package registry is the startup-time mapping from task name to task
// kind, queue, priority, retry policy, and service label. It is the
// source of truth for dispatch; it never mutates after startup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gunaso/gunaso/internal/common/logger"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// Context carries per-attempt invocation state into a task body. The
// worker runtime constructs it for every delivered message.
type Context struct {
	TaskID   string
	TaskName string
	Attempt  int // 0 on first run
	Service  string
	Logger   *logger.Logger
}

// Body is a task implementation. It returns a result envelope on
// success; a returned error defers the retry decision to the lifecycle
// manager. Dependencies (LLM clients, repositories, composers) are
// captured at construction time.
type Body func(ctx context.Context, tc *Context, payload json.RawMessage) (*v1.TaskResult, error)

// Registration binds a task body to its name and kind configuration.
type Registration struct {
	Name   string
	Kind   TaskKind
	Config KindConfig
	Body   Body
}

// Registry holds all task registrations.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Registration
	configs map[TaskKind]KindConfig
}

// New creates a registry. queues overrides the default queue name per
// kind (from configuration); nil keeps the defaults.
func New(queues map[TaskKind]string) *Registry {
	return &Registry{
		tasks:   make(map[string]*Registration),
		configs: kindConfigs(queues),
	}
}

// Register attaches a task body to a name and type. Re-registration of
// the same name or an unknown kind is a startup error.
func (r *Registry) Register(name string, kind TaskKind, body Body) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[kind]
	if !ok {
		return fmt.Errorf("unknown task kind %q for task %q", kind, name)
	}
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q is already registered", name)
	}
	if body == nil {
		return fmt.Errorf("task %q has no body", name)
	}

	r.tasks[name] = &Registration{
		Name:   name,
		Kind:   kind,
		Config: cfg,
		Body:   body,
	}
	return nil
}

// MustRegister is Register that aborts boot on programmer error.
func (r *Registry) MustRegister(name string, kind TaskKind, body Body) {
	if err := r.Register(name, kind, body); err != nil {
		panic(err)
	}
}

// Get returns the registration for a task name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tasks[name]
	return reg, ok
}

// KindConfig returns the fixed configuration for a task kind.
func (r *Registry) KindConfig(kind TaskKind) (KindConfig, bool) {
	cfg, ok := r.configs[kind]
	return cfg, ok
}

// ListByQueue returns the names of all tasks dispatched to a queue,
// sorted. Worker pools use it to declare queue consumption.
func (r *Registry) ListByQueue(queue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, reg := range r.tasks {
		if reg.Config.Queue == queue {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Queues returns the distinct queues of all registered tasks, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, reg := range r.tasks {
		seen[reg.Config.Queue] = true
	}
	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
