// Package schedule computes the next sleep duration at the end of a wake
// cycle. The result is always inside the configured safety range so a bad
// server directive can never make the device unreachable.
package schedule

import (
	"time"

	"epdnode/internal/config"
	appLog "epdnode/internal/log"
)

// Inputs carries the wake-cycle facts the policy depends on.
type Inputs struct {
	// IncompleteDownload requests the fixed short retry, overriding any
	// server directive.
	IncompleteDownload bool
	// LowBattery doubles the default.
	LowBattery bool
	// DirectiveMicros is the server's explicit sleep duration; 0 = absent.
	DirectiveMicros uint64
	// EpochMillis is the server's wall clock; 0 = absent. Used only for
	// alignment.
	EpochMillis uint64
}

// Scheduler applies the configured sleep policy.
type Scheduler struct {
	cfg config.SleepConfig
}

func New(cfg config.SleepConfig) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Compute picks the sleep duration in priority order: incomplete-download
// retry, low-battery extension, server directive, default. When the server
// reported its epoch and alignment is enabled, the duration is trimmed so
// the next wake lands on a wall-clock boundary of the chosen interval,
// keeping a fleet in lockstep instead of drifting.
func (s *Scheduler) Compute(in Inputs) time.Duration {
	def := time.Duration(s.cfg.DefaultSeconds) * time.Second

	var d time.Duration
	switch {
	case in.IncompleteDownload:
		d = time.Duration(s.cfg.RetrySeconds) * time.Second
	case in.LowBattery:
		d = 2 * def
	case in.DirectiveMicros > 0:
		d = time.Duration(in.DirectiveMicros) * time.Microsecond
	default:
		d = def
	}

	if s.cfg.AlignToEpoch && in.EpochMillis > 0 && !in.IncompleteDownload {
		d = alignToEpoch(d, in.EpochMillis)
	}

	return s.clamp(d)
}

// alignToEpoch rounds d down to the next boundary of itself relative to the
// server's wall clock: d - (epoch mod d).
func alignToEpoch(d time.Duration, epochMillis uint64) time.Duration {
	if d <= 0 {
		return d
	}
	epoch := time.Duration(epochMillis) * time.Millisecond
	aligned := d - epoch%d
	appLog.Debug("aligned sleep to epoch", "requested", d, "aligned", aligned)
	return aligned
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	min := time.Duration(s.cfg.MinSeconds) * time.Second
	max := time.Duration(s.cfg.MaxSeconds) * time.Second
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
