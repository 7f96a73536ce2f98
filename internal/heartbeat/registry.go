package heartbeat

import (
	"context"
	"sync"
	"time"
)

// TaskFunc is a periodic callback. It runs on its own goroutine and is not
// awaited by the ticker; if an invocation outlives the task's interval, the
// next one starts anyway. Implementations that must not overlap need their
// own guard.
type TaskFunc func(ctx context.Context, call Call) error

// Call is what a task receives on each firing.
type Call struct {
	TaskID string
	// Count is the tick count at dispatch time.
	Count  uint64
	Args   []any
	Kwargs map[string]any
}

// Task is a registered callback. It is immutable once added to a Registry.
type Task struct {
	ID       string
	Fn       TaskFunc
	Interval time.Duration
	Args     []any
	Kwargs   map[string]any

	modulus uint64
}

// Modulus is the tick multiple the task fires on.
func (t *Task) Modulus() uint64 { return t.modulus }

func (t *Task) call(count uint64) Call {
	c := Call{TaskID: t.ID, Count: count}
	if len(t.Args) > 0 {
		c.Args = append([]any(nil), t.Args...)
	}
	c.Kwargs = make(map[string]any, len(t.Kwargs))
	for k, v := range t.Kwargs {
		c.Kwargs[k] = v
	}
	return c
}

// Registry holds tasks keyed by id in insertion order.
//
// Snapshot returns a shared immutable slice that is rebuilt only after a
// mutation, so per-tick scans do not allocate.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*Task
	order []*Task
	snap  []*Task
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Task{}}
}

func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[t.ID]; ok {
		return ErrDuplicateTaskID
	}
	r.byID[t.ID] = t
	r.order = append(r.order, t)
	r.snap = nil
	return nil
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, t := range r.order {
		if t.ID == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.snap = nil
	return true
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Snapshot returns the tasks in insertion order. Callers must not modify the
// returned slice.
func (r *Registry) Snapshot() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		r.snap = append(make([]*Task, 0, len(r.order)), r.order...)
	}
	return r.snap
}

// taskGoroutine names a task's invocations in the supervisor and the
// failure reporter.
func taskGoroutine(id string) string { return "task:" + id }
