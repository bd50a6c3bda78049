// Package coordflag implements the durable protected-mode marker shared by
// a long-running job and the watchdog.
//
// The marker is a plain file so it survives crashes and is visible across
// container boundaries that share the filesystem. Discipline, not locking,
// keeps it safe: the protected job is the sole writer (Activate/Clear), the
// watchdog is the sole reader and the only agent allowed to clear it on
// staleness.
package coordflag

import (
	"fmt"
	"log"
	"os"
	"time"
)

// DefaultStaleAfter is the staleness window after which an unrefreshed
// marker is treated as the leftover of a crashed job.
const DefaultStaleAfter = 30 * time.Minute

// Flag is a timestamped marker file with staleness auto-expiry.
type Flag struct {
	path       string
	staleAfter time.Duration
}

// New returns a flag at path. staleAfter <= 0 selects DefaultStaleAfter.
func New(path string, staleAfter time.Duration) *Flag {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Flag{path: path, staleAfter: staleAfter}
}

// Path returns the marker file location.
func (f *Flag) Path() string {
	return f.path
}

// Activate creates the marker or refreshes its timestamp. Idempotent.
func (f *Flag) Activate() error {
	now := time.Now()
	if err := os.Chtimes(f.path, now, now); err == nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create flag marker: %w", err)
	}
	return file.Close()
}

// Clear removes the marker. Clearing an absent marker is not an error.
func (f *Flag) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear flag marker: %w", err)
	}
	return nil
}

// Active reports whether the marker exists and is within the staleness
// window. A stale marker is cleared as a side effect so a crashed protected
// job can never wedge the watchdog into permissive mode.
func (f *Flag) Active() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}

	age := time.Since(info.ModTime())
	if age > f.staleAfter {
		log.Printf("flag_event=stale_cleared path=%s age=%s stale_after=%s",
			f.path, age.Round(time.Second), f.staleAfter)
		os.Remove(f.path)
		return false
	}
	return true
}
