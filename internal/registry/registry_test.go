package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsforge/warden/internal/store"
	"github.com/opsforge/warden/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	task := &models.Task{ID: "task-1", Prompt: "hello"}
	if err := reg.Register(task); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if task.Status != models.TaskStatusQueued {
		t.Errorf("Expected queued default, got %s", task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	got, err := reg.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Prompt != "hello" {
		t.Errorf("Expected prompt hello, got %s", got.Prompt)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Register(&models.Task{ID: "task-1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := reg.Register(&models.Task{ID: "task-1"})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("Expected ErrDuplicateTask, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMarkRunningAndTerminal(t *testing.T) {
	reg := newTestRegistry(t)

	task := &models.Task{ID: "task-1", Prompt: "x"}
	if err := reg.Register(task); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	task.Status = models.TaskStatusRunning
	task.PID = 4242
	if err := reg.MarkRunning(task, nil); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if _, ok := reg.Handle("task-1"); !ok {
		t.Error("Expected handle tracked for running task")
	}

	task.Status = models.TaskStatusCompleted
	task.ExitInfo = &models.ExitInfo{Code: 0}
	if err := reg.MarkTerminal(task); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if _, ok := reg.Handle("task-1"); ok {
		t.Error("Expected handle dropped for terminal task")
	}

	// A repeated terminal callback is a no-op, not an error.
	if err := reg.MarkTerminal(task); err != nil {
		t.Errorf("Repeated MarkTerminal should be a no-op: %v", err)
	}

	got, err := reg.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}

func TestAcknowledge(t *testing.T) {
	reg := newTestRegistry(t)

	task := &models.Task{ID: "task-1", Status: models.TaskStatusRunning}
	if err := reg.Register(task); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Acknowledge("task-1"); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("Expected ErrNotTerminal for running task, got %v", err)
	}

	task.Status = models.TaskStatusFailed
	if err := reg.MarkTerminal(task); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	if err := reg.Acknowledge("task-1"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if _, err := reg.Get("task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected task gone after acknowledge, got %v", err)
	}
	if err := reg.Acknowledge("task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound acknowledging twice, got %v", err)
	}
}

func TestMarkPrimary(t *testing.T) {
	reg := newTestRegistry(t)

	for _, id := range []string{"task-1", "task-2"} {
		task := &models.Task{ID: id, Status: models.TaskStatusRunning, PID: 100}
		if err := reg.Register(task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	if err := reg.MarkPrimary("task-1"); err != nil {
		t.Fatalf("MarkPrimary failed: %v", err)
	}

	// Moving the marker clears the previous primary.
	if err := reg.MarkPrimary("task-2"); err != nil {
		t.Fatalf("MarkPrimary failed: %v", err)
	}

	t1, _ := reg.Get("task-1")
	t2, _ := reg.Get("task-2")
	if t1.Primary {
		t.Error("Expected task-1 primary marker cleared")
	}
	if !t2.Primary {
		t.Error("Expected task-2 marked primary")
	}

	pid, ok := reg.PrimaryPID()
	if !ok || pid != 100 {
		t.Errorf("Expected primary PID 100, got %d ok=%v", pid, ok)
	}
}

func TestCounts(t *testing.T) {
	reg := newTestRegistry(t)

	statuses := []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusRunning,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
	}
	for i, s := range statuses {
		task := &models.Task{ID: string(rune('a' + i)), Status: s, CreatedAt: time.Now()}
		if err := reg.Register(task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	counts, err := reg.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[models.TaskStatusRunning] != 2 {
		t.Errorf("Expected 2 running, got %d", counts[models.TaskStatusRunning])
	}
	if counts[models.TaskStatusQueued] != 1 {
		t.Errorf("Expected 1 queued, got %d", counts[models.TaskStatusQueued])
	}
}
