package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsforge/warden/internal/probe"
)

type fakeProbe struct {
	mu        sync.Mutex
	workers   []probe.WorkerProc
	freeGB    float64
	workerErr error
	memErr    error
}

func (f *fakeProbe) LiveWorkers(roleTag string) ([]probe.WorkerProc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers, f.workerErr
}

func (f *fakeProbe) setWorkers(workers []probe.WorkerProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = workers
}

func (f *fakeProbe) ProcessAge(pid int32) (time.Duration, bool) { return 0, false }

func (f *fakeProbe) FreeMemoryGB() (float64, error) { return f.freeGB, f.memErr }

func (f *fakeProbe) StaleArtifacts(dir, pattern string) ([]probe.Artifact, error) {
	return nil, nil
}

func (f *fakeProbe) ZombieCount() (int, error) { return 0, nil }

func nWorkers(n int) []probe.WorkerProc {
	workers := make([]probe.WorkerProc, n)
	for i := range workers {
		workers[i] = probe.WorkerProc{PID: int32(100 + i), StartedAt: time.Now()}
	}
	return workers
}

func TestAdmitsBelowCeiling(t *testing.T) {
	ctrl := New(&fakeProbe{workers: nWorkers(1), freeGB: 8}, Limits{MaxConcurrent: 2, MinFreeGB: 4})

	d := ctrl.Request("warden-worker")
	if !d.Admitted {
		t.Errorf("Expected admission with 1 live worker under ceiling 2, got %s", d.Reason)
	}
}

func TestCeilingBoundaryIsExact(t *testing.T) {
	fp := &fakeProbe{freeGB: 8}
	ctrl := New(fp, Limits{MaxConcurrent: 2, MinFreeGB: 4})

	// 0 and 1 live workers admit; 2 denies.
	for n := 0; n < 2; n++ {
		fp.setWorkers(nWorkers(n))
		if d := ctrl.Request("w"); !d.Admitted {
			t.Errorf("Expected admission with %d live workers, got %s", n, d.Reason)
		}
	}

	fp.setWorkers(nWorkers(2))
	d := ctrl.Request("w")
	if d.Admitted {
		t.Error("Expected denial at ceiling")
	}
	if d.Reason != DenyConcurrencyCeiling {
		t.Errorf("Expected concurrency_ceiling, got %s", d.Reason)
	}
}

func TestDeniesOnLowMemory(t *testing.T) {
	ctrl := New(&fakeProbe{freeGB: 3.5}, Limits{MaxConcurrent: 2, MinFreeGB: 4})

	d := ctrl.Request("w")
	if d.Admitted {
		t.Fatal("Expected denial on low memory")
	}
	if d.Reason != DenyInsufficientMemory {
		t.Errorf("Expected insufficient_memory, got %s", d.Reason)
	}
}

func TestDeniesOnProbeFailure(t *testing.T) {
	ctrl := New(&fakeProbe{workerErr: probe.ErrProbeUnavailable}, DefaultLimits())

	d := ctrl.Request("w")
	if d.Admitted {
		t.Fatal("Probe failure must deny, not admit")
	}
	if d.Reason != DenyProbeUnavailable {
		t.Errorf("Expected probe_unavailable, got %s", d.Reason)
	}

	ctrl = New(&fakeProbe{memErr: probe.ErrProbeUnavailable}, DefaultLimits())
	if d := ctrl.Request("w"); d.Admitted || d.Reason != DenyProbeUnavailable {
		t.Errorf("Memory probe failure must deny with probe_unavailable, got %+v", d)
	}
}

func TestRetryRequestEventuallyAdmits(t *testing.T) {
	fp := &fakeProbe{workers: nWorkers(2), freeGB: 8}
	ctrl := New(fp, Limits{MaxConcurrent: 2, MinFreeGB: 4})

	// Free a slot shortly after the first denial.
	go func() {
		time.Sleep(500 * time.Millisecond)
		fp.setWorkers(nWorkers(1))
	}()

	d, err := ctrl.RetryRequest(context.Background(), "w", 30*time.Second)
	if err != nil {
		t.Fatalf("RetryRequest failed: %v", err)
	}
	if !d.Admitted {
		t.Errorf("Expected eventual admission, got %s", d.Reason)
	}
}

func TestRetryRequestRespectsContext(t *testing.T) {
	ctrl := New(&fakeProbe{workers: nWorkers(2), freeGB: 8}, Limits{MaxConcurrent: 2, MinFreeGB: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	d, err := ctrl.RetryRequest(ctx, "w", time.Hour)
	if err == nil {
		t.Fatal("Expected error when context expires before admission")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline error, got %v", err)
	}
	if d.Admitted {
		t.Error("Decision should remain denied")
	}
}
