package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsforge/warden/pkg/models"
)

// writeStubWorker creates a shell script that stands in for the worker CLI.
// The runner invokes it as: <script> -p <prompt>.
func writeStubWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-worker")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write stub worker: %v", err)
	}
	return path
}

func waitExit(t *testing.T, exited chan *models.Task) *models.Task {
	t.Helper()
	select {
	case task := <-exited:
		return task
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for worker exit")
		return nil
	}
}

func TestSpawnCompletes(t *testing.T) {
	stub := writeStubWorker(t, `echo "prompt was: $2"`)
	logDir := t.TempDir()

	exited := make(chan *models.Task, 1)
	runner := NewRunner(stub, logDir, func(task *models.Task) { exited <- task })

	task := &models.Task{
		ID:        "task-aaaa1111",
		Prompt:    "do the thing",
		WorkDir:   t.TempDir(),
		Status:    models.TaskStatusQueued,
		CreatedAt: time.Now(),
	}

	handle, err := runner.Spawn(context.Background(), task)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if task.Status != models.TaskStatusRunning {
		t.Errorf("Expected running after spawn, got %s", task.Status)
	}
	if task.PID == 0 {
		t.Error("Expected PID to be set")
	}

	done := waitExit(t, exited)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", done.Status)
	}
	if done.ExitInfo == nil || done.ExitInfo.Code != 0 {
		t.Errorf("Expected exit code 0, got %+v", done.ExitInfo)
	}
	if done.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
	if !strings.Contains(done.OutputTail, "do the thing") {
		t.Errorf("Expected prompt echoed in output tail, got %q", done.OutputTail)
	}
	if !strings.Contains(done.OutputTail, "task-aaaa1111") {
		t.Errorf("Expected task id prefix in prompt, got %q", done.OutputTail)
	}

	data, err := os.ReadFile(task.LogFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "do the thing") {
		t.Errorf("Expected output in log file, got %q", string(data))
	}

	if _, err := handle.Wait(context.Background()); err != nil {
		t.Errorf("Wait after exit should not error: %v", err)
	}
	if handle.Alive() {
		t.Error("Handle should report dead after exit")
	}
	if runner.IsRunning(task.ID) {
		t.Error("Runner should no longer track exited task")
	}
}

func TestSpawnFailurePropagatesExitCode(t *testing.T) {
	stub := writeStubWorker(t, "exit 3")

	exited := make(chan *models.Task, 1)
	runner := NewRunner(stub, t.TempDir(), func(task *models.Task) { exited <- task })

	task := &models.Task{ID: "task-bbbb2222", Prompt: "x", WorkDir: t.TempDir(), CreatedAt: time.Now()}
	if _, err := runner.Spawn(context.Background(), task); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	done := waitExit(t, exited)
	if done.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", done.Status)
	}
	if done.ExitInfo == nil || done.ExitInfo.Code != 3 {
		t.Errorf("Expected exit code 3, got %+v", done.ExitInfo)
	}
}

func TestSpawnTimeout(t *testing.T) {
	stub := writeStubWorker(t, "sleep 30")

	exited := make(chan *models.Task, 1)
	runner := NewRunner(stub, t.TempDir(), func(task *models.Task) { exited <- task })

	task := &models.Task{
		ID:        "task-cccc3333",
		Prompt:    "x",
		WorkDir:   t.TempDir(),
		CreatedAt: time.Now(),
		Timeout:   models.Duration(300 * time.Millisecond),
	}
	if _, err := runner.Spawn(context.Background(), task); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	done := waitExit(t, exited)
	if done.Status != models.TaskStatusTimedOut {
		t.Errorf("Expected timed_out, got %s", done.Status)
	}
	if done.ExitInfo == nil || done.ExitInfo.Error == "" {
		t.Errorf("Expected exit error recorded, got %+v", done.ExitInfo)
	}
}

func TestHandleKill(t *testing.T) {
	stub := writeStubWorker(t, "sleep 30")

	exited := make(chan *models.Task, 1)
	runner := NewRunner(stub, t.TempDir(), func(task *models.Task) { exited <- task })

	task := &models.Task{ID: "task-dddd4444", Prompt: "x", WorkDir: t.TempDir(), CreatedAt: time.Now()}
	handle, err := runner.Spawn(context.Background(), task)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !handle.Alive() {
		t.Fatal("Expected worker alive before kill")
	}

	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	done := waitExit(t, exited)
	if done.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed after kill, got %s", done.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	exit, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !exit.Signaled {
		t.Errorf("Expected signaled exit, got %+v", exit)
	}
}

func TestRunningCount(t *testing.T) {
	stub := writeStubWorker(t, "sleep 5")

	var wg sync.WaitGroup
	wg.Add(2)
	runner := NewRunner(stub, t.TempDir(), func(task *models.Task) { wg.Done() })

	handles := make([]*Handle, 0, 2)
	for i := 0; i < 2; i++ {
		task := &models.Task{
			ID:        fmt.Sprintf("task-count-%d", i),
			Prompt:    "x",
			WorkDir:   t.TempDir(),
			CreatedAt: time.Now(),
		}
		h, err := runner.Spawn(context.Background(), task)
		if err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		handles = append(handles, h)
	}

	if n := runner.RunningCount(); n != 2 {
		t.Errorf("Expected 2 running, got %d", n)
	}

	for _, h := range handles {
		h.Kill()
	}
	wg.Wait()

	if n := runner.RunningCount(); n != 0 {
		t.Errorf("Expected 0 running after kill, got %d", n)
	}
}
