// Package watchdog runs the periodic enforcement sweep: worker ceiling,
// session pruning, runaway builds, zombie accounting, service health, and
// critical memory pressure.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/opsforge/warden/internal/coordflag"
	"github.com/opsforge/warden/internal/notify"
	"github.com/opsforge/warden/internal/probe"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 60 * time.Second

// DefaultHealthRecheckDelay separates the two health probes of a sweep so a
// momentary blip never triggers a restart.
const DefaultHealthRecheckDelay = 10 * time.Second

// Killer signals processes. Split out so sweeps are testable without
// touching real PIDs.
type Killer interface {
	Terminate(pid int32) error
	Kill(pid int32) error
}

// SignalKiller signals real host processes.
type SignalKiller struct{}

// Terminate sends SIGTERM.
func (SignalKiller) Terminate(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (SignalKiller) Kill(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGKILL)
}

// Options configures the sweep checks.
type Options struct {
	Interval         time.Duration
	RoleTag          string
	MaxWorkers       int
	SessionDir       string
	SessionPattern   string
	SessionRetention int
	BuildTag         string
	BuildAgeLimit    time.Duration
	BuildAgeExtended time.Duration
	CriticalFreeGB   float64
	HealthURL        string
	RestartCommand   string
	ActionLog        string
}

// Watchdog owns the periodic sweep.
type Watchdog struct {
	opts     Options
	probe    probe.Probe
	flag     *coordflag.Flag
	killer   Killer
	notifier notify.Notifier

	// primaryPID resolves the protected primary worker, if one is marked.
	primaryPID func() (int, bool)

	httpClient         *http.Client
	healthRecheckDelay time.Duration
}

// New creates a watchdog. primaryPID may be nil when no registry is
// available; the oldest worker is then spared instead.
func New(opts Options, p probe.Probe, flag *coordflag.Flag, primaryPID func() (int, bool), notifier notify.Notifier) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Watchdog{
		opts:               opts,
		probe:              p,
		flag:               flag,
		killer:             SignalKiller{},
		notifier:           notifier,
		primaryPID:         primaryPID,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		healthRecheckDelay: DefaultHealthRecheckDelay,
	}
}

// SetKiller replaces the process signaller.
func (w *Watchdog) SetKiller(k Killer) {
	w.killer = k
}

// Run sweeps until ctx is cancelled. The first sweep happens immediately.
func (w *Watchdog) Run(ctx context.Context) {
	log.Printf("watchdog_event=started interval=%s max_workers=%d", w.opts.Interval, w.opts.MaxWorkers)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("watchdog_event=stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs every check once. A panic or error in one check never blocks
// the others.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.runCheck("worker_ceiling", w.checkWorkerCeiling)
	w.runCheck("session_pruning", w.checkSessionPruning)
	w.runCheck("runaway_builds", w.checkRunawayBuilds)
	w.runCheck("zombie_count", w.checkZombies)
	w.runCheck("service_health", func() error { return w.checkServiceHealth(ctx) })
	w.runCheck("critical_memory", w.checkCriticalMemory)
}

func (w *Watchdog) runCheck(name string, check func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watchdog_event=check_panic check=%s panic=%v", name, r)
		}
	}()

	if err := check(); err != nil {
		log.Printf("watchdog_event=check_failed check=%s error=%q", name, err)
	}
}

// checkWorkerCeiling kills excess workers oldest first, sparing the primary.
// Enforcement is suspended while the coordination flag is active.
func (w *Watchdog) checkWorkerCeiling() error {
	workers, err := w.probe.LiveWorkers(w.opts.RoleTag)
	if err != nil {
		return err
	}
	if len(workers) <= w.opts.MaxWorkers {
		return nil
	}

	if w.flag != nil && w.flag.Active() {
		w.logAction("ceiling_suspended", fmt.Sprintf("workers=%d max=%d flag=%s",
			len(workers), w.opts.MaxWorkers, w.flag.Path()))
		return nil
	}

	excess := len(workers) - w.opts.MaxWorkers
	spared := w.sparedPID(workers)

	killed := 0
	for _, worker := range workers {
		if killed >= excess {
			break
		}
		if worker.PID == spared {
			continue
		}
		if err := w.killer.Terminate(worker.PID); err != nil {
			log.Printf("watchdog_event=kill_failed pid=%d error=%q", worker.PID, err)
			continue
		}
		killed++
		w.logAction("worker_killed", fmt.Sprintf("pid=%d age=%s workers=%d max=%d",
			worker.PID, worker.Age.Round(time.Second), len(workers), w.opts.MaxWorkers))
	}

	if killed > 0 {
		w.notifier.Notify("", "ceiling_enforced",
			fmt.Sprintf("killed %d of %d workers over ceiling %d", killed, len(workers), w.opts.MaxWorkers))
	}
	return nil
}

// sparedPID returns the PID to protect: the marked primary when one is
// running, otherwise the oldest worker.
func (w *Watchdog) sparedPID(workers []probe.WorkerProc) int32 {
	if w.primaryPID != nil {
		if pid, ok := w.primaryPID(); ok {
			for _, worker := range workers {
				if int(worker.PID) == pid {
					return worker.PID
				}
			}
		}
	}
	if len(workers) > 0 {
		// Workers arrive oldest first.
		return workers[0].PID
	}
	return 0
}

// checkSessionPruning removes the oldest session artifacts beyond the
// retention count.
func (w *Watchdog) checkSessionPruning() error {
	if w.opts.SessionDir == "" || w.opts.SessionRetention <= 0 {
		return nil
	}

	artifacts, err := w.probe.StaleArtifacts(w.opts.SessionDir, w.opts.SessionPattern)
	if err != nil {
		return err
	}
	if len(artifacts) <= w.opts.SessionRetention {
		return nil
	}

	for _, a := range artifacts[:len(artifacts)-w.opts.SessionRetention] {
		if err := os.Remove(a.Path); err != nil {
			log.Printf("watchdog_event=prune_failed path=%q error=%q", a.Path, err)
			continue
		}
		w.logAction("session_pruned", fmt.Sprintf("path=%q mod_time=%s",
			a.Path, a.ModTime.Format(time.RFC3339)))
	}
	return nil
}

// checkRunawayBuilds hard-kills build processes past the age ceiling. A
// runaway build may be wedged and cannot be trusted to honor a graceful
// signal. The active coordination flag raises the ceiling instead of
// suspending the check, so a protected job gets a longer leash but a truly
// stuck build still dies.
func (w *Watchdog) checkRunawayBuilds() error {
	if w.opts.BuildTag == "" {
		return nil
	}

	ceiling := w.opts.BuildAgeLimit
	if w.flag != nil && w.flag.Active() {
		ceiling = w.opts.BuildAgeExtended
	}

	builds, err := w.probe.LiveWorkers(w.opts.BuildTag)
	if err != nil {
		return err
	}

	for _, build := range builds {
		if build.Age <= ceiling {
			continue
		}
		if err := w.killer.Kill(build.PID); err != nil {
			log.Printf("watchdog_event=kill_failed pid=%d error=%q", build.PID, err)
			continue
		}
		w.logAction("build_killed", fmt.Sprintf("pid=%d age=%s limit=%s",
			build.PID, build.Age.Round(time.Second), ceiling))
	}
	return nil
}

// checkZombies counts defunct processes. Reaping belongs to their parents,
// so this check only reports.
func (w *Watchdog) checkZombies() error {
	count, err := w.probe.ZombieCount()
	if err != nil {
		return err
	}
	if count > 0 {
		log.Printf("watchdog_event=zombies_observed count=%d", count)
		w.logAction("zombies_observed", fmt.Sprintf("count=%d", count))
	}
	return nil
}

// checkServiceHealth probes the health URL and restarts the service after
// two failed probes separated by the recheck delay. Both probes happen
// within one sweep, so no state survives between sweeps and a single
// cron-style invocation can still restart a dead sibling.
func (w *Watchdog) checkServiceHealth(ctx context.Context) error {
	if w.opts.HealthURL == "" {
		return nil
	}

	if w.probeHealth(ctx) {
		return nil
	}

	log.Printf("watchdog_event=health_failed url=%q action=recheck delay=%s",
		w.opts.HealthURL, w.healthRecheckDelay)

	select {
	case <-time.After(w.healthRecheckDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if w.probeHealth(ctx) {
		return nil
	}

	w.logAction("service_restart", fmt.Sprintf("url=%q command=%q", w.opts.HealthURL, w.opts.RestartCommand))
	w.notifier.Notify("", "service_restart",
		fmt.Sprintf("health probe %s failed twice, restarting", w.opts.HealthURL))

	if w.opts.RestartCommand == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", w.opts.RestartCommand)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("restart command failed: %w (output: %s)", err, out)
	}
	return nil
}

func (w *Watchdog) probeHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.opts.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// checkCriticalMemory kills all non-primary workers when free memory drops
// below the critical floor. The coordination flag does not suspend this
// check; an out-of-memory host takes everything down anyway.
func (w *Watchdog) checkCriticalMemory() error {
	if w.opts.CriticalFreeGB <= 0 {
		return nil
	}

	freeGB, err := w.probe.FreeMemoryGB()
	if err != nil {
		return err
	}
	if freeGB >= w.opts.CriticalFreeGB {
		return nil
	}

	workers, err := w.probe.LiveWorkers(w.opts.RoleTag)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}

	spared := w.sparedPID(workers)
	killed := 0
	for _, worker := range workers {
		if worker.PID == spared {
			continue
		}
		if err := w.killer.Kill(worker.PID); err != nil {
			log.Printf("watchdog_event=kill_failed pid=%d error=%q", worker.PID, err)
			continue
		}
		killed++
		w.logAction("memory_kill", fmt.Sprintf("pid=%d free_gb=%.2f critical_gb=%.2f",
			worker.PID, freeGB, w.opts.CriticalFreeGB))
	}

	if killed > 0 {
		w.notifier.Notify("", "critical_memory",
			fmt.Sprintf("free memory %.2fGB below %.2fGB, killed %d workers", freeGB, w.opts.CriticalFreeGB, killed))
	}
	return nil
}

// logAction appends a timestamped line to the action log. Every destructive
// decision leaves a durable trace even if process logs rotate away.
func (w *Watchdog) logAction(action, detail string) {
	log.Printf("watchdog_event=action action=%s %s", action, detail)

	if w.opts.ActionLog == "" {
		return
	}
	f, err := os.OpenFile(w.opts.ActionLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("watchdog_event=action_log_failed error=%q", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s action=%s %s\n", time.Now().Format(time.RFC3339), action, detail)
}
