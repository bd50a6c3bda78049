// Package registry tracks supervised tasks from registration to acknowledgment.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opsforge/warden/internal/agent"
	"github.com/opsforge/warden/internal/store"
	"github.com/opsforge/warden/pkg/models"
)

var (
	// ErrDuplicateTask is returned when registering an ID already in use.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrNotFound is returned when no task exists for the given ID.
	ErrNotFound = errors.New("task not found")

	// ErrNotTerminal is returned when acknowledging a task still in flight.
	ErrNotTerminal = errors.New("task not in a terminal state")
)

// Registry is the authoritative record of supervised tasks. Task records
// persist in the store; process handles live only for running workers.
type Registry struct {
	store   store.Store
	mu      sync.RWMutex
	handles map[string]*agent.Handle
}

// New creates a registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store:   st,
		handles: make(map[string]*agent.Handle),
	}
}

// Register records a new task. The ID must not already exist.
func (r *Registry) Register(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.Get(task.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	if task.Status == "" {
		task.Status = models.TaskStatusQueued
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	return r.store.Save(task)
}

// MarkRunning associates a live process handle with a registered task.
// The runner has already updated the task's status and PID.
func (r *Registry) MarkRunning(task *models.Task, handle *agent.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.Get(task.ID); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, task.ID)
	}

	r.handles[task.ID] = handle
	return r.store.Save(task)
}

// MarkTerminal records a task's final state. Calling it again for an
// already terminal task is a no-op, so late exit callbacks are safe.
func (r *Registry) MarkTerminal(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.Get(task.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, task.ID)
	}

	// First terminal write wins; late duplicate callbacks change nothing.
	if existing.IsTerminal() {
		log.Printf("registry_event=terminal_repeat task_id=%s status=%s", task.ID, existing.Status)
		delete(r.handles, task.ID)
		return nil
	}

	delete(r.handles, task.ID)
	return r.store.Save(task)
}

// Get returns the task record for the given ID.
func (r *Registry) Get(id string) (*models.Task, error) {
	task, err := r.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task, nil
}

// Acknowledge removes a terminal task from the registry. Running and
// queued tasks cannot be acknowledged away.
func (r *Registry) Acknowledge(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !task.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, task.Status)
	}

	return r.store.Delete(id)
}

// MarkPrimary designates a task as the protected primary. Any previous
// primary marker is cleared first.
func (r *Registry) MarkPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tasks, err := r.store.List(store.ListFilter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Primary && t.ID != id {
			t.Primary = false
			if err := r.store.Save(t); err != nil {
				return err
			}
		}
	}

	task.Primary = true
	return r.store.Save(task)
}

// List returns tasks matching the filter, newest first.
func (r *Registry) List(filter store.ListFilter) ([]*models.Task, error) {
	return r.store.List(filter)
}

// Running returns the tasks currently marked running.
func (r *Registry) Running() ([]*models.Task, error) {
	return r.store.List(store.ListFilter{
		Status: []models.TaskStatus{models.TaskStatusRunning},
	})
}

// Handle returns the live process handle for a running task.
func (r *Registry) Handle(id string) (*agent.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// PrimaryPID returns the PID of the running primary task, if any.
func (r *Registry) PrimaryPID() (int, bool) {
	running, err := r.Running()
	if err != nil {
		return 0, false
	}
	for _, t := range running {
		if t.Primary && t.PID > 0 {
			return t.PID, true
		}
	}
	return 0, false
}

// Counts summarizes tasks by status.
func (r *Registry) Counts() (map[models.TaskStatus]int, error) {
	tasks, err := r.store.List(store.ListFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}
