// Package supervisor coordinates task intake: admission, spawning, tracking,
// and completion delivery.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/warden/internal/admission"
	"github.com/opsforge/warden/internal/agent"
	"github.com/opsforge/warden/internal/coordflag"
	"github.com/opsforge/warden/internal/notify"
	"github.com/opsforge/warden/internal/probe"
	"github.com/opsforge/warden/internal/registry"
	"github.com/opsforge/warden/internal/store"
	"github.com/opsforge/warden/pkg/models"
)

// DefaultAdmitWait bounds how long a queued task waits for admission.
const DefaultAdmitWait = 10 * time.Minute

// Options configures a Supervisor.
type Options struct {
	WorkerCommand string
	RoleTag       string
	LogDir        string
	AdmitWait     time.Duration
	Limits        admission.Limits
}

// Stats is a point-in-time operational summary.
type Stats struct {
	Tasks       map[models.TaskStatus]int `json:"tasks"`
	LiveWorkers int                       `json:"live_workers"`
	FreeGB      float64                   `json:"free_gb"`
	FlagActive  bool                      `json:"flag_active"`
}

// Supervisor accepts tasks, holds them until the host admits another
// worker, spawns them, and records their outcomes.
type Supervisor struct {
	opts      Options
	registry  *registry.Registry
	runner    *agent.Runner
	admitter  *admission.Controller
	probe     probe.Probe
	flag      *coordflag.Flag
	notifier  notify.Notifier
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	observers map[string][]chan *models.Task
}

// New creates a supervisor. flag may be nil when no coordination marker is
// configured.
func New(opts Options, st store.Store, p probe.Probe, flag *coordflag.Flag, notifier notify.Notifier) *Supervisor {
	if opts.RoleTag == "" {
		opts.RoleTag = opts.WorkerCommand
	}
	if opts.AdmitWait <= 0 {
		opts.AdmitWait = DefaultAdmitWait
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		opts:      opts,
		registry:  registry.New(st),
		admitter:  admission.New(p, opts.Limits),
		probe:     p,
		flag:      flag,
		notifier:  notifier,
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[string][]chan *models.Task),
	}
	s.runner = agent.NewRunner(opts.WorkerCommand, opts.LogDir, s.onWorkerExit)
	return s
}

// Registry exposes the task registry for the watchdog's primary lookup.
func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// Submit registers a task and starts the admission wait in the background.
// The returned task is already queued; poll Status or use Wait for the
// outcome.
func (s *Supervisor) Submit(req models.SpawnRequest) (*models.Task, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	var timeout models.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = models.Duration(d)
	}

	task := &models.Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()[:8]),
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
		Status:    models.TaskStatusQueued,
		Primary:   req.Primary,
		CreatedAt: time.Now(),
		Timeout:   timeout,
	}

	if err := s.registry.Register(task); err != nil {
		return nil, err
	}

	log.Printf(
		"task_event=received task_id=%s status=%s primary=%t work_dir=%q",
		task.ID,
		task.Status,
		task.Primary,
		task.WorkDir,
	)

	s.wg.Add(1)
	go s.admitAndSpawn(task)

	// The spawn goroutine keeps mutating its own task instance; callers get
	// an isolated snapshot.
	return task.Clone(), nil
}

// admitAndSpawn waits for an admission slot and starts the worker. A task
// that never gets admitted fails with the last denial reason.
func (s *Supervisor) admitAndSpawn(task *models.Task) {
	defer s.wg.Done()

	decision, err := s.admitter.RetryRequest(s.ctx, s.opts.RoleTag, s.opts.AdmitWait)
	if err != nil {
		s.failTask(task, fmt.Sprintf("admission timed out: %s (%s)", decision.Reason, decision.Detail))
		return
	}

	handle, err := s.runner.Spawn(s.ctx, task)
	if err != nil {
		s.failTask(task, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	if err := s.registry.MarkRunning(task, handle); err != nil {
		log.Printf("task_event=mark_running_failed task_id=%s error=%q", task.ID, err)
		return
	}
	if task.Primary {
		if err := s.registry.MarkPrimary(task.ID); err != nil {
			log.Printf("task_event=mark_primary_failed task_id=%s error=%q", task.ID, err)
		}
	}
}

func (s *Supervisor) failTask(task *models.Task, reason string) {
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.ExitInfo = &models.ExitInfo{Code: -1, Error: reason}

	log.Printf("task_event=rejected task_id=%s error=%q", task.ID, reason)

	if err := s.registry.MarkTerminal(task); err != nil {
		log.Printf("task_event=mark_terminal_failed task_id=%s error=%q", task.ID, err)
	}
	s.notifier.Notify(task.ID, string(task.Status), reason)
	s.deliver(task)
}

// onWorkerExit is the runner's completion callback.
func (s *Supervisor) onWorkerExit(task *models.Task) {
	if err := s.registry.MarkTerminal(task); err != nil {
		log.Printf("task_event=mark_terminal_failed task_id=%s error=%q", task.ID, err)
	}

	if task.Status != models.TaskStatusCompleted {
		detail := ""
		if task.ExitInfo != nil {
			detail = task.ExitInfo.Error
		}
		s.notifier.Notify(task.ID, string(task.Status), detail)
	}
	s.deliver(task)
}

// Status returns the current record for a task.
func (s *Supervisor) Status(id string) (*models.Task, error) {
	return s.registry.Get(id)
}

// List returns task records matching the request, newest first.
func (s *Supervisor) List(req models.ListRequest) ([]*models.Task, error) {
	return s.registry.List(store.ListFilter{
		Status: req.Status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// Acknowledge removes a terminal task.
func (s *Supervisor) Acknowledge(id string) error {
	return s.registry.Acknowledge(id)
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return task, nil
	}

	ch := make(chan *models.Task, 1)
	s.mu.Lock()
	s.observers[id] = append(s.observers[id], ch)
	s.mu.Unlock()

	// The task may have finished between the status check and registering
	// the observer; re-check so the wait cannot hang.
	if task, err := s.registry.Get(id); err == nil && task.IsTerminal() {
		s.dropObserver(id, ch)
		return task, nil
	}

	select {
	case <-ctx.Done():
		s.dropObserver(id, ch)
		return nil, ctx.Err()
	case done := <-ch:
		return done, nil
	}
}

func (s *Supervisor) deliver(task *models.Task) {
	s.mu.Lock()
	chans := s.observers[task.ID]
	delete(s.observers, task.ID)
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- task.Clone()
	}
}

func (s *Supervisor) dropObserver(id string, ch chan *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.observers[id]
	for i, c := range chans {
		if c == ch {
			s.observers[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.observers[id]) == 0 {
		delete(s.observers, id)
	}
}

// Stats summarizes tasks and host pressure.
func (s *Supervisor) Stats() (*Stats, error) {
	counts, err := s.registry.Counts()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Tasks: counts}

	if workers, err := s.probe.LiveWorkers(s.opts.RoleTag); err == nil {
		stats.LiveWorkers = len(workers)
	}
	if free, err := s.probe.FreeMemoryGB(); err == nil {
		stats.FreeGB = free
	}
	if s.flag != nil {
		stats.FlagActive = s.flag.Active()
	}

	return stats, nil
}

// Shutdown stops admission waits and terminates running workers.
func (s *Supervisor) Shutdown() {
	log.Printf("supervisor_event=shutdown")
	s.cancel()
	s.runner.Shutdown()
	s.wg.Wait()
}
