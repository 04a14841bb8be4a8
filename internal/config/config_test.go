package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID == "" || cfg.ServerHost == "" {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := DefaultConfig()
	want.DeviceID = "node-kitchen"
	want.Battery.DividerScale = 6.8
	want.Sleep.DefaultSeconds = 1800
	want.Quantizer.BGR = true

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.DeviceID != "node-kitchen" {
		t.Errorf("DeviceID = %q", got.DeviceID)
	}
	if got.Battery.DividerScale != 6.8 {
		t.Errorf("DividerScale = %v", got.Battery.DividerScale)
	}
	if got.Sleep.DefaultSeconds != 1800 {
		t.Errorf("DefaultSeconds = %d", got.Sleep.DefaultSeconds)
	}
	if !got.Quantizer.BGR {
		t.Error("BGR lost in roundtrip")
	}
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "device_id: node-hall\nsleep:\n  default_seconds: 7200\n"
	if err := os.WriteFile(path, []byte(partial), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID != "node-hall" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.Sleep.DefaultSeconds != 7200 {
		t.Errorf("DefaultSeconds = %d", cfg.Sleep.DefaultSeconds)
	}

	def := DefaultConfig()
	if cfg.Battery.DividerScale != def.Battery.DividerScale {
		t.Errorf("DividerScale = %v, want default %v", cfg.Battery.DividerScale, def.Battery.DividerScale)
	}
	if len(cfg.Quantizer.Theoretical) != len(def.Quantizer.Theoretical) {
		t.Errorf("theoretical palette not defaulted: %d entries", len(cfg.Quantizer.Theoretical))
	}
	if cfg.Panel.Width != def.Panel.Width {
		t.Errorf("Panel.Width = %d, want default %d", cfg.Panel.Width, def.Panel.Width)
	}
}

func TestNormalizeClampsNonsense(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()

	def := DefaultConfig()
	if cfg.Sleep.MinSeconds != def.Sleep.MinSeconds || cfg.Sleep.MaxSeconds != def.Sleep.MaxSeconds {
		t.Errorf("sleep bounds = %d..%d", cfg.Sleep.MinSeconds, cfg.Sleep.MaxSeconds)
	}
	if cfg.Network.ConnectAttempts <= 0 {
		t.Errorf("ConnectAttempts = %d", cfg.Network.ConnectAttempts)
	}
	if cfg.Battery.CriticalVoltage <= 0 {
		t.Errorf("CriticalVoltage = %v", cfg.Battery.CriticalVoltage)
	}
}
