// Package power samples the battery and classifies its health for the wake
// cycle's gating decisions.
package power

import (
	"context"

	"epdnode/internal/config"
)

// LiPo discharge curve anchor points.
const (
	vMax     = 4.2
	vNominal = 3.7
	vMin     = 3.0
)

// chargingThreshold is the minimum voltage rise since the previous wake that
// counts as "on charger". 50mV clears normal sample-to-sample noise.
const chargingThreshold = 0.05

// noBaseline marks a previous-voltage value below which no charging
// comparison is possible (first wake after full power loss).
const noBaseline = 0.1

// Reading is one wake's battery assessment. Never persisted beyond the wake
// except through the retention record's voltage field.
type Reading struct {
	Voltage  float64
	Percent  int
	Charging bool
}

// Sampler abstracts the raw 12-bit ADC read so the monitor can run against
// the I2C fuel gauge on hardware and a fixed value in development and tests.
type Sampler interface {
	Sample(ctx context.Context) (int, error)
}

// Monitor converts raw samples into calibrated readings.
type Monitor struct {
	sampler Sampler
	cfg     config.BatteryConfig
}

func NewMonitor(sampler Sampler, cfg config.BatteryConfig) *Monitor {
	return &Monitor{sampler: sampler, cfg: cfg}
}

// Sample takes one raw reading and derives the full assessment. prevVoltage
// is the retained voltage from the previous wake.
func (m *Monitor) Sample(ctx context.Context, prevVoltage float64) (Reading, error) {
	raw, err := m.sampler.Sample(ctx)
	if err != nil {
		return Reading{}, err
	}

	v := float64(raw) / 4096.0 * m.cfg.DividerScale
	return Reading{
		Voltage:  v,
		Percent:  Percentage(v),
		Charging: DetectCharging(v, prevVoltage),
	}, nil
}

// Critical reports whether the reading is below the deployment's low-battery
// threshold; the wake cycle then skips the network stage entirely.
func (m *Monitor) Critical(r Reading) bool {
	return r.Voltage < m.cfg.CriticalVoltage
}

// UpdateSafe reports whether a firmware update may be attempted: either the
// battery holds a charge-safe voltage or the device is externally powered.
func (m *Monitor) UpdateSafe(r Reading) bool {
	return r.Voltage >= m.cfg.ChargeSafeVoltage || r.Charging
}

// Percentage maps a voltage to 0..100 along a three-point piecewise-linear
// LiPo discharge approximation: 100% at 4.2V, 50% at 3.7V, 0% at 3.0V.
func Percentage(voltage float64) int {
	if voltage >= vMax {
		return 100
	}
	if voltage <= vMin {
		return 0
	}

	var percent int
	if voltage >= vNominal {
		percent = 50 + int((voltage-vNominal)/(vMax-vNominal)*50.0)
	} else {
		percent = int((voltage - vMin) / (vNominal - vMin) * 50.0)
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return percent
}

// DetectCharging compares against the previous wake's voltage. With no
// baseline (first wake) charging is never reported.
func DetectCharging(current, previous float64) bool {
	if previous < noBaseline {
		return false
	}
	return current-previous > chargingThreshold
}

// FixedSampler returns a constant raw reading; used by dry-run mode and
// boards without battery monitoring (they report a full battery).
type FixedSampler int

func (s FixedSampler) Sample(context.Context) (int, error) {
	return int(s), nil
}

// FullBatteryRaw yields 4.2V under the given divider scale.
func FullBatteryRaw(dividerScale float64) FixedSampler {
	return FixedSampler(vMax / dividerScale * 4096.0)
}
