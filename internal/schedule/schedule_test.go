package schedule

import (
	"testing"
	"time"

	"epdnode/internal/config"
)

func testConfig() config.SleepConfig {
	return config.SleepConfig{
		DefaultSeconds: 3600,
		RetrySeconds:   900,
		MinSeconds:     300,
		MaxSeconds:     24 * 3600,
		AlignToEpoch:   false,
	}
}

func TestComputePriorityOrder(t *testing.T) {
	s := New(testConfig())

	cases := []struct {
		name string
		in   Inputs
		want time.Duration
	}{
		{"default", Inputs{}, time.Hour},
		{"server directive wins over default", Inputs{DirectiveMicros: 1800_000_000}, 30 * time.Minute},
		{"low battery doubles default despite directive", Inputs{LowBattery: true, DirectiveMicros: 1800_000_000}, 2 * time.Hour},
		{"incomplete download overrides everything", Inputs{IncompleteDownload: true, LowBattery: true, DirectiveMicros: 1800_000_000}, 15 * time.Minute},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := s.Compute(c.in); got != c.want {
				t.Errorf("Compute(%+v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestComputeClampsToSafetyRange(t *testing.T) {
	s := New(testConfig())

	// Directive below the minimum.
	if got := s.Compute(Inputs{DirectiveMicros: 1_000_000}); got != 5*time.Minute {
		t.Errorf("tiny directive: got %v, want clamp to 5m", got)
	}
	// Directive above the maximum.
	if got := s.Compute(Inputs{DirectiveMicros: 72 * 3600 * 1_000_000}); got != 24*time.Hour {
		t.Errorf("huge directive: got %v, want clamp to 24h", got)
	}
}

func TestComputeEpochAlignment(t *testing.T) {
	cfg := testConfig()
	cfg.AlignToEpoch = true
	s := New(cfg)

	// Server clock is 10 minutes past an hour boundary; the next hourly
	// boundary is 50 minutes away.
	epoch := uint64(10 * 60 * 1000)
	if got := s.Compute(Inputs{EpochMillis: epoch}); got != 50*time.Minute {
		t.Errorf("aligned sleep = %v, want 50m", got)
	}

	// Exactly on a boundary keeps the full interval.
	if got := s.Compute(Inputs{EpochMillis: 3600 * 1000}); got != time.Hour {
		t.Errorf("boundary sleep = %v, want 1h", got)
	}
}

func TestAlignmentSkippedForRetrySleep(t *testing.T) {
	cfg := testConfig()
	cfg.AlignToEpoch = true
	s := New(cfg)

	in := Inputs{IncompleteDownload: true, EpochMillis: 10 * 60 * 1000}
	if got := s.Compute(in); got != 15*time.Minute {
		t.Errorf("retry sleep = %v, want fixed 15m", got)
	}
}

func TestAlignmentClampedWhenBoundaryTooClose(t *testing.T) {
	cfg := testConfig()
	cfg.AlignToEpoch = true
	s := New(cfg)

	// 1 minute before the boundary: the raw aligned value (1m) is under the
	// safety minimum and must be pulled up.
	epoch := uint64(59 * 60 * 1000)
	if got := s.Compute(Inputs{EpochMillis: epoch}); got != 5*time.Minute {
		t.Errorf("near-boundary sleep = %v, want clamp to 5m", got)
	}
}
