package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PaletteEntry is one display-native color with its 4-bit panel index.
type PaletteEntry struct {
	R     uint8 `yaml:"r" json:"r"`
	G     uint8 `yaml:"g" json:"g"`
	B     uint8 `yaml:"b" json:"b"`
	Index uint8 `yaml:"index" json:"index"`
}

// QuantizerConfig selects the palettes and channel order used when decoding
// raw pixel streams. Both palettes are per-deployment calibration data: the
// theoretical palette is what server-side dithering targets, the measured
// palette is what the physical panel actually renders.
type QuantizerConfig struct {
	// BGR treats incoming triples as blue-green-red instead of red-green-blue.
	BGR bool `yaml:"bgr" json:"bgr"`

	Theoretical []PaletteEntry `yaml:"theoretical" json:"theoretical"`
	Measured    []PaletteEntry `yaml:"measured" json:"measured"`
}

// BatteryConfig holds the per-board battery calibration.
type BatteryConfig struct {
	// I2CBus is the periph.io bus identifier ("" for the platform default).
	I2CBus string `yaml:"i2c_bus" json:"i2c_bus"`
	// I2CAddr is the 7-bit address of the fuel gauge.
	I2CAddr uint16 `yaml:"i2c_addr" json:"i2c_addr"`

	// ADCEnablePin is the BCM GPIO that powers the battery divider while
	// sampling. Negative disables the enable/settle/disable sequence.
	ADCEnablePin int `yaml:"adc_enable_pin" json:"adc_enable_pin"`

	// DividerScale converts a 12-bit raw ADC reading to volts:
	// volts = raw / 4096 * DividerScale. Board-specific.
	DividerScale float64 `yaml:"divider_scale" json:"divider_scale"`

	// CriticalVoltage gates the whole network stage; below it the device
	// goes straight back to an extended sleep.
	CriticalVoltage float64 `yaml:"critical_voltage" json:"critical_voltage"`

	// ChargeSafeVoltage is the minimum voltage at which a firmware update
	// may be attempted while on battery.
	ChargeSafeVoltage float64 `yaml:"charge_safe_voltage" json:"charge_safe_voltage"`
}

// PanelConfig describes the output panel geometry.
type PanelConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// NetworkConfig bounds the radio bring-up.
type NetworkConfig struct {
	// ConnectAttempts is the retry budget for the session bring-up.
	ConnectAttempts int `yaml:"connect_attempts" json:"connect_attempts"`
	// ConnectDelayMs is the fixed delay between attempts.
	ConnectDelayMs int `yaml:"connect_delay_ms" json:"connect_delay_ms"`
}

// SleepConfig holds the sleep-duration policy, all values in seconds.
type SleepConfig struct {
	DefaultSeconds int `yaml:"default_seconds" json:"default_seconds"`
	// RetrySeconds is used after an incomplete download, independent of any
	// server directive.
	RetrySeconds int `yaml:"retry_seconds" json:"retry_seconds"`
	MinSeconds   int `yaml:"min_seconds" json:"min_seconds"`
	MaxSeconds   int `yaml:"max_seconds" json:"max_seconds"`
	// AlignToEpoch rounds the chosen duration to the next wall-clock
	// boundary when the server reports its epoch, so a fleet wakes in
	// lockstep.
	AlignToEpoch bool `yaml:"align_to_epoch" json:"align_to_epoch"`
}

// WakeConfig describes how the wake cause is recovered after boot.
type WakeConfig struct {
	// ButtonPins are BCM GPIO numbers for the wake buttons, in trigger
	// order (refresh, previous, next). Active-low.
	ButtonPins []int `yaml:"button_pins" json:"button_pins"`
	// LatchPath is an optional file written by the PMU helper recording the
	// wake reason ("timer" or "button:<n>").
	LatchPath string `yaml:"latch_path" json:"latch_path"`
}

// OTAConfig controls the firmware self-update check.
type OTAConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DownloadPath is where a newer firmware image is staged for the
	// updater service to pick up.
	DownloadPath string `yaml:"download_path" json:"download_path"`
}

// Config is the top-level agent configuration.
type Config struct {
	// DeviceID identifies this node to the content service.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// ServerHost is the primary content service, host:port.
	ServerHost string `yaml:"server_host" json:"server_host"`

	// RetentionPath is where the cross-wake retention record lives. It must
	// be on storage that survives the PMU power cut (tmpfs does not).
	RetentionPath string `yaml:"retention_path" json:"retention_path"`

	// LoopCron schedules wake cycles in resident (-loop) mode.
	LoopCron string `yaml:"loop_cron" json:"loop_cron"`

	OTA OTAConfig `yaml:"ota" json:"ota"`

	Panel     PanelConfig     `yaml:"panel" json:"panel"`
	Battery   BatteryConfig   `yaml:"battery" json:"battery"`
	Network   NetworkConfig   `yaml:"network" json:"network"`
	Sleep     SleepConfig     `yaml:"sleep" json:"sleep"`
	Wake      WakeConfig      `yaml:"wake" json:"wake"`
	Quantizer QuantizerConfig `yaml:"quantizer" json:"quantizer"`
}

// Spectra 6 panel indices.
const (
	IdxBlack  = 0x0
	IdxWhite  = 0x1
	IdxYellow = 0x2
	IdxRed    = 0x3
	IdxBlue   = 0x5
	IdxGreen  = 0x6
)

// DefaultTheoreticalPalette is what correctly dithered server output
// contains.
func DefaultTheoreticalPalette() []PaletteEntry {
	return []PaletteEntry{
		{R: 0, G: 0, B: 0, Index: IdxBlack},
		{R: 255, G: 255, B: 255, Index: IdxWhite},
		{R: 255, G: 255, B: 0, Index: IdxYellow},
		{R: 255, G: 0, B: 0, Index: IdxRed},
		{R: 0, G: 0, B: 255, Index: IdxBlue},
		{R: 0, G: 255, B: 0, Index: IdxGreen},
	}
}

// DefaultMeasuredPalette is the calibrated response of the physical panel,
// which differs substantially from the theoretical values.
func DefaultMeasuredPalette() []PaletteEntry {
	return []PaletteEntry{
		{R: 2, G: 2, B: 2, Index: IdxBlack},
		{R: 190, G: 200, B: 200, Index: IdxWhite},
		{R: 205, G: 202, B: 0, Index: IdxYellow},
		{R: 135, G: 19, B: 0, Index: IdxRed},
		{R: 5, G: 64, B: 158, Index: IdxBlue},
		{R: 39, G: 102, B: 60, Index: IdxGreen},
	}
}

// DefaultConfig returns an in-memory default configuration matching the
// shipped board variant.
func DefaultConfig() *Config {
	return &Config{
		DeviceID:      "epdnode-001",
		ServerHost:    "192.168.1.124:3000",
		RetentionPath: "/var/lib/epdnode/retention.bin",
		LoopCron:      "0 * * * *",
		OTA: OTAConfig{
			Enabled:      false,
			DownloadPath: "/var/lib/epdnode/firmware.next",
		},
		Panel: PanelConfig{
			Width:  1200,
			Height: 1600,
		},
		Battery: BatteryConfig{
			I2CBus:            "",
			I2CAddr:           0x57,
			ADCEnablePin:      6,
			DividerScale:      7.16,
			CriticalVoltage:   3.3,
			ChargeSafeVoltage: 3.9,
		},
		Network: NetworkConfig{
			ConnectAttempts: 20,
			ConnectDelayMs:  500,
		},
		Sleep: SleepConfig{
			DefaultSeconds: 3600,
			RetrySeconds:   15 * 60,
			MinSeconds:     5 * 60,
			MaxSeconds:     24 * 3600,
			AlignToEpoch:   true,
		},
		Wake: WakeConfig{
			ButtonPins: []int{2, 3, 5},
			LatchPath:  "/var/lib/epdnode/wake-latch",
		},
		Quantizer: QuantizerConfig{
			BGR:         false,
			Theoretical: DefaultTheoreticalPalette(),
			Measured:    DefaultMeasuredPalette(),
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.DeviceID == "" {
		c.DeviceID = def.DeviceID
	}
	if c.ServerHost == "" {
		c.ServerHost = def.ServerHost
	}
	if c.RetentionPath == "" {
		c.RetentionPath = def.RetentionPath
	}
	if c.LoopCron == "" {
		c.LoopCron = def.LoopCron
	}
	if c.OTA.DownloadPath == "" {
		c.OTA.DownloadPath = def.OTA.DownloadPath
	}
	if c.Panel.Width <= 0 {
		c.Panel.Width = def.Panel.Width
	}
	if c.Panel.Height <= 0 {
		c.Panel.Height = def.Panel.Height
	}
	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = def.Battery.I2CAddr
	}
	if c.Battery.DividerScale <= 0 {
		c.Battery.DividerScale = def.Battery.DividerScale
	}
	if c.Battery.CriticalVoltage <= 0 {
		c.Battery.CriticalVoltage = def.Battery.CriticalVoltage
	}
	if c.Battery.ChargeSafeVoltage <= 0 {
		c.Battery.ChargeSafeVoltage = def.Battery.ChargeSafeVoltage
	}
	if c.Network.ConnectAttempts <= 0 {
		c.Network.ConnectAttempts = def.Network.ConnectAttempts
	}
	if c.Network.ConnectDelayMs <= 0 {
		c.Network.ConnectDelayMs = def.Network.ConnectDelayMs
	}
	if c.Sleep.DefaultSeconds <= 0 {
		c.Sleep.DefaultSeconds = def.Sleep.DefaultSeconds
	}
	if c.Sleep.RetrySeconds <= 0 {
		c.Sleep.RetrySeconds = def.Sleep.RetrySeconds
	}
	if c.Sleep.MinSeconds <= 0 {
		c.Sleep.MinSeconds = def.Sleep.MinSeconds
	}
	if c.Sleep.MaxSeconds <= 0 {
		c.Sleep.MaxSeconds = def.Sleep.MaxSeconds
	}
	if c.Sleep.MaxSeconds < c.Sleep.MinSeconds {
		c.Sleep.MaxSeconds = c.Sleep.MinSeconds
	}
	if len(c.Wake.ButtonPins) == 0 {
		c.Wake.ButtonPins = def.Wake.ButtonPins
	}
	if len(c.Quantizer.Theoretical) == 0 {
		c.Quantizer.Theoretical = DefaultTheoreticalPalette()
	}
	if len(c.Quantizer.Measured) == 0 {
		c.Quantizer.Measured = DefaultMeasuredPalette()
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".epdnode-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}
