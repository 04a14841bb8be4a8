// Package wake recovers why the device powered on. On this board the PMU
// cuts power entirely between wakes, so the cause is reconstructed at boot
// from two read-only sources: a latch file the PMU helper writes, and the
// button lines themselves (a press that cut short the sleep is still held
// low while the user's finger is on it).
package wake

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"epdnode/internal/config"
	appLog "epdnode/internal/log"
)

// Trigger identifiers, in button order.
const (
	TriggerRefresh  = 0
	TriggerPrevious = 1
	TriggerNext     = 2
)

// TriggerNone marks a wake that no button caused.
const TriggerNone = -1

// Cause classifies one power-on event. Unknown causes carry timer-wake
// semantics so a glitchy latch can never wedge the device.
type Cause struct {
	External bool
	Trigger  int
}

// Timer reports whether the wake follows the scheduled path.
func (c Cause) Timer() bool {
	return !c.External
}

// Action names the backend verb for a button trigger, empty otherwise.
func (c Cause) Action() string {
	switch c.Trigger {
	case TriggerRefresh:
		return "refresh"
	case TriggerPrevious:
		return "previous"
	case TriggerNext:
		return "next"
	}
	return ""
}

// Classifier reads the wake sources configured for the board.
type Classifier struct {
	cfg config.WakeConfig
}

func NewClassifier(cfg config.WakeConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify inspects the latch file first, then the button lines. It never
// fails; every ambiguity resolves to a timer wake.
func (c *Classifier) Classify() Cause {
	if cause, ok := c.fromLatch(); ok {
		return cause
	}
	if cause, ok := c.fromButtons(); ok {
		return cause
	}
	return Cause{External: false, Trigger: TriggerNone}
}

// fromLatch parses the PMU helper's record: "timer" or "button:<n>". The
// file is consumed (removed) so a stale record cannot leak into the next
// wake.
func (c *Classifier) fromLatch() (Cause, bool) {
	if c.cfg.LatchPath == "" {
		return Cause{}, false
	}
	data, err := os.ReadFile(c.cfg.LatchPath)
	if err != nil {
		return Cause{}, false
	}
	_ = os.Remove(c.cfg.LatchPath)

	s := strings.TrimSpace(string(data))
	if s == "timer" {
		return Cause{External: false, Trigger: TriggerNone}, true
	}
	if rest, ok := strings.CutPrefix(s, "button:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 || n >= len(c.cfg.ButtonPins) {
			appLog.Warn("unparseable wake latch, assuming timer wake", "latch", s)
			return Cause{External: false, Trigger: TriggerNone}, true
		}
		return Cause{External: true, Trigger: n}, true
	}

	appLog.Warn("unknown wake latch value, assuming timer wake", "latch", s)
	return Cause{External: false, Trigger: TriggerNone}, true
}

// fromButtons samples the active-low button lines once at boot.
func (c *Classifier) fromButtons() (Cause, bool) {
	if len(c.cfg.ButtonPins) == 0 {
		return Cause{}, false
	}
	if _, err := host.Init(); err != nil {
		return Cause{}, false
	}

	for i, bcm := range c.cfg.ButtonPins {
		pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", bcm))
		if pin == nil {
			continue
		}
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			continue
		}
		if pin.Read() == gpio.Low {
			appLog.Info("button wake", "trigger", i)
			return Cause{External: true, Trigger: i}, true
		}
	}
	return Cause{}, false
}
