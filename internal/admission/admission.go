// Package admission decides whether a new worker may be started now.
//
// The controller is stateless between calls: it samples the probe, applies
// the limits, and answers. Admission is advisory, not a lease: simultaneous
// callers can race past the ceiling by a small margin, and the watchdog is
// the backstop that corrects overshoot after the fact.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opsforge/warden/internal/probe"
)

// Default limits for heavyweight background agents.
const (
	DefaultMaxConcurrent = 2
	DefaultMinFreeGB     = 4.0
)

// DenyReason classifies why admission was refused.
type DenyReason string

const (
	DenyConcurrencyCeiling DenyReason = "concurrency_ceiling"
	DenyInsufficientMemory DenyReason = "insufficient_memory"
	DenyProbeUnavailable   DenyReason = "probe_unavailable"
)

// Decision is the structured outcome of an admission request. Denials are
// expected steady-state conditions under load, not errors.
type Decision struct {
	Admitted bool
	Reason   DenyReason
	Detail   string
}

// Limits bound concurrent workers and required free memory.
type Limits struct {
	MaxConcurrent int
	MinFreeGB     float64
}

// DefaultLimits returns the default admission limits.
func DefaultLimits() Limits {
	return Limits{MaxConcurrent: DefaultMaxConcurrent, MinFreeGB: DefaultMinFreeGB}
}

// Controller gates new worker starts against live host state.
type Controller struct {
	probe  probe.Probe
	limits Limits
}

// New creates an admission controller. Zero limit fields fall back to the
// defaults.
func New(p probe.Probe, limits Limits) *Controller {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = DefaultMaxConcurrent
	}
	if limits.MinFreeGB <= 0 {
		limits.MinFreeGB = DefaultMinFreeGB
	}
	return &Controller{probe: p, limits: limits}
}

// Request decides whether a worker tagged roleTag may start now.
// Probe failure denies rather than admits: under uncertainty the host is
// assumed loaded.
func (c *Controller) Request(roleTag string) Decision {
	workers, err := c.probe.LiveWorkers(roleTag)
	if err != nil {
		return Decision{Reason: DenyProbeUnavailable, Detail: err.Error()}
	}
	if len(workers) >= c.limits.MaxConcurrent {
		return Decision{
			Reason: DenyConcurrencyCeiling,
			Detail: fmt.Sprintf("%d live workers, ceiling %d", len(workers), c.limits.MaxConcurrent),
		}
	}

	freeGB, err := c.probe.FreeMemoryGB()
	if err != nil {
		return Decision{Reason: DenyProbeUnavailable, Detail: err.Error()}
	}
	if freeGB < c.limits.MinFreeGB {
		return Decision{
			Reason: DenyInsufficientMemory,
			Detail: fmt.Sprintf("%.1fGB free, need %.1fGB", freeGB, c.limits.MinFreeGB),
		}
	}

	return Decision{Admitted: true}
}

// ErrAdmissionTimeout is returned by RetryRequest when the wait budget is
// exhausted before admission succeeds.
var ErrAdmissionTimeout = errors.New("admission retry budget exhausted")

// RetryRequest retries Request with exponential backoff until admission
// succeeds, ctx is done, or maxWait elapses. This packages the caller-side
// retry policy the controller itself deliberately does not hold.
func (c *Controller) RetryRequest(ctx context.Context, roleTag string, maxWait time.Duration) (Decision, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = maxWait

	var last Decision
	operation := func() error {
		last = c.Request(roleTag)
		if last.Admitted {
			return nil
		}
		return fmt.Errorf("denied: %s", last.Reason)
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, fmt.Errorf("%w: last denial %s", ErrAdmissionTimeout, last.Reason)
	}
	return last, nil
}
