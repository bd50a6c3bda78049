// Package repolock serializes mutating commands against a shared repository
// across process and container boundaries.
//
// Mutual exclusion comes from a kernel advisory lock on a file inside the
// repository's own .git directory, so every process sharing the repository's
// filesystem view contends on the same lock regardless of namespace. The
// metadata written into the lock file is diagnostic only; the OS lock state
// is the single source of truth.
package repolock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds the wait for the advisory lock.
const DefaultTimeout = 120 * time.Second

// LockFileName is the lock file kept inside the repository's .git directory.
const LockFileName = "warden.lock"

// ErrInvalidResource indicates the path does not look like a repository.
// It fails fast and is never retried.
var ErrInvalidResource = errors.New("invalid lock resource")

// Status classifies the outcome of a WithLock call.
type Status int

const (
	// StatusOK means the lock was held and the command ran; Result.ExitCode
	// is the command's own exit status, propagated verbatim.
	StatusOK Status = iota
	// StatusLockTimeout means the lock could not be acquired within the
	// timeout. The wrapped command never ran.
	StatusLockTimeout
	// StatusInvalidResource means the resource failed validation.
	StatusInvalidResource
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusLockTimeout:
		return "lock_timeout"
	case StatusInvalidResource:
		return "invalid_resource"
	default:
		return "unknown"
	}
}

// Result is the structured outcome of a WithLock call. Lock timeouts are an
// expected steady-state condition under contention and are reported here,
// not as an error.
type Result struct {
	Status   Status
	ExitCode int
}

// Broker acquires per-repository advisory locks and runs commands under them.
type Broker struct {
	hostname string
}

// NewBroker returns a lock broker. The hostname is recorded in lock file
// metadata for operators investigating contention.
func NewBroker() *Broker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Broker{hostname: host}
}

// LockPath returns the lock file path for a repository, or ErrInvalidResource
// when the repository's .git control directory is absent. Validating up front
// catches path typos before a lock file lands in the wrong place.
func LockPath(repoPath string) (string, error) {
	gitDir := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s has no .git", ErrInvalidResource, repoPath)
	}
	if !info.IsDir() {
		// Worktrees keep a .git file pointing at the real control dir;
		// the lock still lives next to it so all checkouts contend.
		return filepath.Join(repoPath, ".git-"+LockFileName), nil
	}
	return filepath.Join(gitDir, LockFileName), nil
}

// WithLock runs argv with the repository's advisory lock held, blocking up
// to timeout for acquisition (DefaultTimeout when zero).
//
// The lock is released when the file descriptor closes, which the kernel
// guarantees on process death, so a crashed holder can never leave the lock
// stuck. Callers on different repositories never contend.
func (b *Broker) WithLock(ctx context.Context, repoPath string, argv []string, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{Status: StatusInvalidResource, ExitCode: -1}, fmt.Errorf("%w: empty command", ErrInvalidResource)
	}
	lockPath, err := LockPath(repoPath)
	if err != nil {
		return Result{Status: StatusInvalidResource, ExitCode: -1}, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return Result{Status: StatusInvalidResource, ExitCode: -1}, fmt.Errorf("open lock file: %w", err)
	}

	if ok := b.acquire(ctx, f, timeout); !ok {
		return Result{Status: StatusLockTimeout, ExitCode: -1}, nil
	}
	defer func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}()

	b.writeHolderMetadata(f, argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = repoPath
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Status: StatusOK, ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{Status: StatusOK, ExitCode: -1}, fmt.Errorf("run command: %w", err)
	}

	return Result{Status: StatusOK, ExitCode: 0}, nil
}

// acquire blocks on the kernel lock in its own goroutine and races it
// against the timeout. The kernel primitive does the waiting, not a poll
// loop, so heavy contention cannot starve a waiter by priority inversion.
// If the wait is abandoned and the kernel grants the lock later, the
// goroutine releases it immediately.
func (b *Broker) acquire(ctx context.Context, f *os.File, timeout time.Duration) bool {
	fd := int(f.Fd())
	granted := make(chan error, 1)

	go func() {
		granted <- unix.Flock(fd, unix.LOCK_EX)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-granted:
		return err == nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Abandoned wait: exactly one value always arrives on granted, so a
	// cleanup goroutine can take ownership of the eventual grant.
	go func() {
		if err := <-granted; err == nil {
			unix.Flock(fd, unix.LOCK_UN)
		}
		f.Close()
	}()
	return false
}

// writeHolderMetadata overwrites the lock file with pid:host:timestamp:command.
// Stale metadata from a previous holder is clobbered on purpose; nothing
// ever parses this for correctness.
func (b *Broker) writeHolderMetadata(f *os.File, argv []string) {
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d:%s:%s:%s\n",
		os.Getpid(),
		b.hostname,
		time.Now().Format(time.RFC3339),
		strings.Join(argv, " "),
	)
	f.Sync()
}
