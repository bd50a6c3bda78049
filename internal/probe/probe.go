// Package probe provides read-only, point-in-time samples of host state.
//
// All values are sampled at call time with no consistency guarantee across
// calls; a process counted as live may exit before the caller acts on it.
package probe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrProbeUnavailable indicates a sample could not be taken. Callers treat
// it conservatively: admission denies, the watchdog skips the check.
var ErrProbeUnavailable = errors.New("probe unavailable")

// WorkerProc describes one live process matched by a role tag.
type WorkerProc struct {
	PID       int32
	StartedAt time.Time
	Age       time.Duration
	Cmdline   string
}

// Artifact describes one stale session file candidate.
type Artifact struct {
	Path    string
	ModTime time.Time
}

// Probe is the read-only host query surface shared by the admission
// controller and the watchdog.
type Probe interface {
	LiveWorkers(roleTag string) ([]WorkerProc, error)
	ProcessAge(pid int32) (time.Duration, bool)
	FreeMemoryGB() (float64, error)
	StaleArtifacts(dir, pattern string) ([]Artifact, error)
	ZombieCount() (int, error)
}

// SystemProbe implements Probe against the local host.
type SystemProbe struct{}

// NewSystemProbe returns a probe backed by the local /proc view.
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{}
}

// LiveWorkers returns currently-running processes whose command line contains
// the role tag, oldest first.
func (p *SystemProbe) LiveWorkers(roleTag string) ([]WorkerProc, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("%w: process listing: %v", ErrProbeUnavailable, err)
	}

	var workers []WorkerProc
	now := time.Now()
	for _, pr := range procs {
		cmdline, err := pr.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, roleTag) {
			continue
		}
		createMs, err := pr.CreateTime()
		if err != nil {
			continue
		}
		started := time.UnixMilli(createMs)
		workers = append(workers, WorkerProc{
			PID:       pr.Pid,
			StartedAt: started,
			Age:       now.Sub(started),
			Cmdline:   cmdline,
		})
	}

	sort.Slice(workers, func(i, j int) bool {
		if workers[i].StartedAt.Equal(workers[j].StartedAt) {
			return workers[i].PID < workers[j].PID
		}
		return workers[i].StartedAt.Before(workers[j].StartedAt)
	})

	return workers, nil
}

// ProcessAge returns how long the process has been running. The second
// return value is false when the process no longer exists; callers must
// skip it rather than act on it.
func (p *SystemProbe) ProcessAge(pid int32) (time.Duration, bool) {
	pr, err := process.NewProcess(pid)
	if err != nil {
		return 0, false
	}
	createMs, err := pr.CreateTime()
	if err != nil {
		return 0, false
	}
	return time.Since(time.UnixMilli(createMs)), true
}

// FreeMemoryGB returns currently available memory in gigabytes.
func (p *SystemProbe) FreeMemoryGB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("%w: memory sample: %v", ErrProbeUnavailable, err)
	}
	return float64(vm.Available) / (1 << 30), nil
}

// StaleArtifacts lists files in dir matching pattern, oldest first.
func (p *SystemProbe) StaleArtifacts(dir, pattern string) ([]Artifact, error) {
	return ListArtifactsOldestFirst(dir, pattern)
}

// ZombieCount returns the number of defunct processes on the host.
func (p *SystemProbe) ZombieCount() (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("%w: process listing: %v", ErrProbeUnavailable, err)
	}
	count := 0
	for _, pr := range procs {
		statuses, err := pr.Status()
		if err != nil {
			continue
		}
		for _, st := range statuses {
			if st == process.Zombie {
				count++
				break
			}
		}
	}
	return count, nil
}

// ListArtifactsOldestFirst lists files in dir matching pattern sorted by
// modification time ascending. A missing directory yields an empty list.
func ListArtifactsOldestFirst(dir, pattern string) ([]Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: bad artifact pattern %q: %v", ErrProbeUnavailable, pattern, err)
	}

	artifacts := make([]Artifact, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		artifacts = append(artifacts, Artifact{Path: m, ModTime: info.ModTime()})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.Before(artifacts[j].ModTime)
	})

	return artifacts, nil
}
