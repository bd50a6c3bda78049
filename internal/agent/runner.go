// Package agent handles spawning and managing worker CLI processes.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opsforge/warden/pkg/models"
)

const (
	defaultLogDir    = ".warden/logs"
	outputTailLines  = 50
	maxOutputCapture = 1024 * 1024 // 1MB max output capture
)

// Runner spawns worker CLI processes and owns their lifecycle.
type Runner struct {
	command   string
	logDir    string
	processes map[string]*Process
	mu        sync.RWMutex
	onExit    func(task *models.Task)
}

// Process represents a running worker process.
type Process struct {
	cmd     *exec.Cmd
	task    *models.Task
	output  *strings.Builder
	logFile *os.File
	cancel  context.CancelFunc
	timeout context.Context
	done    chan struct{}
	exit    models.ExitInfo
}

// Handle is the narrow process-control surface handed to the registry.
type Handle struct {
	proc *Process
}

// NewRunner creates a worker runner. command is the worker CLI executable;
// onExit is invoked with the final task state after each worker ends.
func NewRunner(command, logDir string, onExit func(task *models.Task)) *Runner {
	if command == "" {
		command = "claude"
	}
	if logDir == "" {
		home, _ := os.UserHomeDir()
		logDir = filepath.Join(home, defaultLogDir)
	}
	// Ensure logDir is absolute so task.LogFile is a full path.
	if abs, err := filepath.Abs(logDir); err == nil {
		logDir = abs
	}
	os.MkdirAll(logDir, 0755)

	return &Runner{
		command:   command,
		logDir:    logDir,
		processes: make(map[string]*Process),
		onExit:    onExit,
	}
}

// Spawn starts a worker process for the task and returns its handle.
func (r *Runner) Spawn(ctx context.Context, task *models.Task) (*Handle, error) {
	// Prepend task_id to the prompt so the worker can report itself.
	prompt := fmt.Sprintf("You are the task_id: %s\n\n%s", task.ID, task.Prompt)

	var procCtx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, time.Duration(task.Timeout))
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(procCtx, r.command, "-p", prompt)
	cmd.Dir = task.WorkDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	logPath := filepath.Join(r.logDir, fmt.Sprintf("%s.log", task.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	task.LogFile = logPath

	output := &strings.Builder{}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	task.PID = cmd.Process.Pid
	now := time.Now()
	task.StartedAt = &now
	task.Status = models.TaskStatusRunning

	log.Printf(
		"task_event=started task_id=%s status=%s pid=%d log_file=%q work_dir=%q",
		task.ID,
		task.Status,
		task.PID,
		task.LogFile,
		task.WorkDir,
	)

	proc := &Process{
		cmd:     cmd,
		task:    task,
		output:  output,
		logFile: logFile,
		cancel:  cancel,
		timeout: procCtx,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[task.ID] = proc
	r.mu.Unlock()

	go r.captureOutput(proc, stdout, stderr)
	go r.waitForCompletion(proc)

	return &Handle{proc: proc}, nil
}

func (r *Runner) captureOutput(proc *Process, stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	capture := func(rd io.ReadCloser, prefix string) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			fmt.Fprintf(proc.logFile, "%s%s\n", prefix, line)

			if proc.output.Len() < maxOutputCapture {
				proc.output.WriteString(line)
				proc.output.WriteString("\n")
			}
		}
	}

	go capture(stdout, "")
	go capture(stderr, "[stderr] ")

	wg.Wait()
}

func (r *Runner) waitForCompletion(proc *Process) {
	defer close(proc.done)
	defer proc.logFile.Close()

	err := proc.cmd.Wait()

	now := time.Now()
	proc.task.CompletedAt = &now
	proc.task.OutputTail = tail(proc.output.String(), outputTailLines)

	if err != nil {
		if errors.Is(proc.timeout.Err(), context.DeadlineExceeded) {
			proc.task.Status = models.TaskStatusTimedOut
		} else {
			proc.task.Status = models.TaskStatusFailed
		}
		proc.exit = models.ExitInfo{Code: -1, Error: err.Error()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			proc.exit.Code = exitErr.ExitCode()
			proc.exit.Signaled = exitErr.ExitCode() == -1
		}
	} else {
		proc.task.Status = models.TaskStatusCompleted
		proc.exit = models.ExitInfo{Code: 0}
	}
	proc.task.ExitInfo = &proc.exit

	r.mu.Lock()
	delete(r.processes, proc.task.ID)
	r.mu.Unlock()

	log.Printf(
		"task_event=finished task_id=%s status=%s exit_code=%d error=%q log_file=%q",
		proc.task.ID,
		proc.task.Status,
		proc.exit.Code,
		proc.exit.Error,
		proc.task.LogFile,
	)

	if r.onExit != nil {
		r.onExit(proc.task)
	}
}

func tail(output string, lines int) string {
	allLines := strings.Split(output, "\n")
	if len(allLines) <= lines {
		return output
	}
	return strings.Join(allLines[len(allLines)-lines:], "\n")
}

// IsRunning checks if a task's worker is currently running.
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.processes[taskID]
	return exists
}

// RunningCount returns the number of currently running workers.
func (r *Runner) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes)
}

// Shutdown terminates all running workers, gracefully first.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
		if proc.cmd.Process != nil {
			proc.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-time.After(10 * time.Second):
			if proc.cmd.Process != nil {
				proc.cmd.Process.Kill()
			}
		}
	}
}

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.proc.done:
		return false
	default:
		return true
	}
}

// PID returns the worker's process ID.
func (h *Handle) PID() int {
	return h.proc.task.PID
}

// Terminate sends a graceful stop signal, allowing the worker to clean up.
func (h *Handle) Terminate() error {
	if h.proc.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.proc.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill terminates the worker immediately, sacrificing cleanup for speed.
func (h *Handle) Kill() error {
	if h.proc.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	h.proc.cancel()
	return h.proc.cmd.Process.Kill()
}

// Wait blocks until the worker exits or ctx is done, yielding exit info.
func (h *Handle) Wait(ctx context.Context) (models.ExitInfo, error) {
	select {
	case <-ctx.Done():
		return models.ExitInfo{}, ctx.Err()
	case <-h.proc.done:
		return h.proc.exit, nil
	}
}
