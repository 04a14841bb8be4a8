// Package netmgr brings the radio up and down around a wake cycle, talking
// to NetworkManager over D-Bus. The credentials and connection profile are
// system configuration; the agent only controls whether the radio is powered
// and waits for connectivity.
package netmgr

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/Wifx/gonetworkmanager/v3"

	"epdnode/internal/config"
	appLog "epdnode/internal/log"
)

// Session wraps one wake cycle's radio usage.
type Session struct {
	cfg config.NetworkConfig
	nm  gonetworkmanager.NetworkManager
}

// NewSession connects to the NetworkManager D-Bus service.
func NewSession(cfg config.NetworkConfig) (*Session, error) {
	nm, err := gonetworkmanager.NewNetworkManager()
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, nm: nm}, nil
}

// Connect powers the radio and waits for site or global connectivity within
// the fixed retry budget. probe is the liveness hook, invoked every attempt
// so a slow association cannot trip the watchdog. Returns false once the
// budget is exhausted; the radio is powered back off on every failed return
// so a dead access point cannot leak through the deep-sleep period.
func (s *Session) Connect(ctx context.Context, probe func()) bool {
	if err := s.nm.SetPropertyWirelessEnabled(true); err != nil {
		appLog.Error("failed to enable wireless", err)
		return false
	}

	delay := time.Duration(s.cfg.ConnectDelayMs) * time.Millisecond
	for attempt := 0; attempt < s.cfg.ConnectAttempts; attempt++ {
		probe()
		if ctx.Err() != nil {
			s.Teardown()
			return false
		}

		state, err := s.nm.GetPropertyState()
		if err == nil && connected(state) {
			appLog.Info("network connected", "attempts", attempt+1)
			return true
		}
		time.Sleep(delay)
	}

	appLog.Warn("network connect budget exhausted", "attempts", s.cfg.ConnectAttempts)
	s.Teardown()
	return false
}

func connected(state gonetworkmanager.NmState) bool {
	return state == gonetworkmanager.NmStateConnectedSite ||
		state == gonetworkmanager.NmStateConnectedGlobal
}

// Teardown powers the radio off. Always invoked exactly once per wake, on
// every exit path that reached a successful Connect; leaving the radio up
// during deep sleep dominates the leakage budget.
func (s *Session) Teardown() {
	if err := s.nm.SetPropertyWirelessEnabled(false); err != nil {
		appLog.Error("failed to disable wireless", err)
		return
	}
	appLog.Info("radio disabled")
}

var signalRe = regexp.MustCompile(`Signal level=(-?\d+) dBm`)

// SignalStrength reports the current RSSI in dBm, best-effort; 0 when the
// link state cannot be read.
func (s *Session) SignalStrength() int {
	output, err := exec.Command("iwconfig").CombinedOutput()
	if err != nil {
		return 0
	}
	m := signalRe.FindSubmatch(output)
	if len(m) < 2 {
		return 0
	}
	dBm, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return dBm
}
