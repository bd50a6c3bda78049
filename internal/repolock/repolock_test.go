package repolock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func makeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatalf("Failed to create .git dir: %v", err)
	}
	return dir
}

func TestInvalidResource(t *testing.T) {
	broker := NewBroker()

	res, err := broker.WithLock(context.Background(), t.TempDir(), []string{"true"}, time.Second)
	if !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("Expected ErrInvalidResource, got %v", err)
	}
	if res.Status != StatusInvalidResource {
		t.Errorf("Expected StatusInvalidResource, got %s", res.Status)
	}
}

func TestEmptyCommand(t *testing.T) {
	broker := NewBroker()

	_, err := broker.WithLock(context.Background(), makeRepo(t), nil, time.Second)
	if !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("Expected ErrInvalidResource for empty argv, got %v", err)
	}
}

func TestExitCodePropagation(t *testing.T) {
	broker := NewBroker()
	repo := makeRepo(t)

	res, err := broker.WithLock(context.Background(), repo, []string{"sh", "-c", "exit 42"}, 5*time.Second)
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Expected StatusOK, got %s", res.Status)
	}
	if res.ExitCode != 42 {
		t.Errorf("Expected exit code 42, got %d", res.ExitCode)
	}
}

func TestHolderMetadataWritten(t *testing.T) {
	broker := NewBroker()
	repo := makeRepo(t)

	if _, err := broker.WithLock(context.Background(), repo, []string{"true"}, 5*time.Second); err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repo, ".git", LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 4)
	if len(parts) != 4 {
		t.Fatalf("Expected pid:host:timestamp:command metadata, got %q", data)
	}
	if parts[3] != "true" {
		t.Errorf("Expected command in metadata, got %q", parts[3])
	}
}

func TestLockTimeout(t *testing.T) {
	broker := NewBroker()
	repo := makeRepo(t)

	// Hold the lock directly so WithLock has to wait.
	lockPath, err := LockPath(repo)
	if err != nil {
		t.Fatalf("LockPath failed: %v", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Failed to open lock file: %v", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		t.Fatalf("Failed to take lock: %v", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	start := time.Now()
	res, err := broker.WithLock(context.Background(), repo, []string{"true"}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if res.Status != StatusLockTimeout {
		t.Fatalf("Expected StatusLockTimeout, got %s", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout not a hard bound, waited %v", elapsed)
	}
}

func TestSecondCallerProceedsAfterFirstReleases(t *testing.T) {
	broker := NewBroker()
	repo := makeRepo(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		broker.WithLock(context.Background(), repo, []string{"sleep", "0.3"}, 5*time.Second)
	}()

	// Give A a head start at taking the lock.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	res, err := broker.WithLock(context.Background(), repo, []string{"true"}, 5*time.Second)
	elapsed := time.Since(start)
	wg.Wait()

	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Expected StatusOK, got %s", res.Status)
	}
	// B should proceed as soon as A's command finishes, well before the
	// 5s timeout.
	if elapsed > 3*time.Second {
		t.Errorf("Second caller waited %v, expected it right after release", elapsed)
	}
}

func TestConcurrentCallersSerialized(t *testing.T) {
	broker := NewBroker()
	repo := makeRepo(t)

	// Each command fails if it finds another holder's marker in place.
	script := `test ! -f busy || exit 9; touch busy; sleep 0.1; rm busy`

	const callers = 4
	results := make(chan Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := broker.WithLock(context.Background(), repo, []string{"sh", "-c", script}, 10*time.Second)
			if err != nil {
				t.Errorf("WithLock failed: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.Status != StatusOK {
			t.Errorf("Expected StatusOK, got %s", res.Status)
		}
		if res.ExitCode != 0 {
			t.Errorf("Command observed a concurrent holder (exit %d)", res.ExitCode)
		}
	}
}

func TestDifferentReposDoNotContend(t *testing.T) {
	broker := NewBroker()
	repoA := makeRepo(t)
	repoB := makeRepo(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		broker.WithLock(context.Background(), repoA, []string{"sleep", "0.5"}, 5*time.Second)
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	res, err := broker.WithLock(context.Background(), repoB, []string{"true"}, 5*time.Second)
	elapsed := time.Since(start)
	wg.Wait()

	if err != nil || res.Status != StatusOK {
		t.Fatalf("WithLock on second repo failed: %v %s", err, res.Status)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("Callers on different repos contended: waited %v", elapsed)
	}
}
