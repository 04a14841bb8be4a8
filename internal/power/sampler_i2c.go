package power

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"epdnode/internal/config"
)

// Fuel-gauge registers: 12-bit raw ADC split across two registers.
const (
	regRawHigh = 0x22
	regRawLow  = 0x23
)

// settleDelay is the divider settling time after the enable pin goes high,
// per the board's datasheet.
const settleDelay = 10 * time.Millisecond

// i2cSampler reads the raw battery ADC value from the board's fuel gauge.
// The connection is opened per sample; a wake cycle samples once, so there
// is nothing to keep warm.
type i2cSampler struct {
	busName   string
	addr      uint16
	enablePin int
}

// NewI2CSampler constructs the hardware-backed Sampler from the battery
// calibration block.
func NewI2CSampler(cfg config.BatteryConfig) Sampler {
	return &i2cSampler{
		busName:   cfg.I2CBus,
		addr:      cfg.I2CAddr,
		enablePin: cfg.ADCEnablePin,
	}
}

func (s *i2cSampler) Sample(_ context.Context) (int, error) {
	if runtime.GOOS != "linux" {
		return 0, errors.New("power: i2c sampler unavailable on this platform")
	}
	if _, err := host.Init(); err != nil {
		return 0, err
	}

	// Power the divider only while reading; it leaks otherwise.
	if s.enablePin >= 0 {
		pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", s.enablePin))
		if pin == nil {
			return 0, fmt.Errorf("power: gpio GPIO%d not found", s.enablePin)
		}
		if err := pin.Out(gpio.High); err != nil {
			return 0, err
		}
		time.Sleep(settleDelay)
		defer pin.Out(gpio.Low)
	}

	bus, err := i2creg.Open(s.busName)
	if err != nil {
		return 0, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: s.addr}

	readReg := func(reg byte) (byte, error) {
		w := []byte{reg}
		buf := []byte{0}
		if err := dev.Tx(w, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	high, err := readReg(regRawHigh)
	if err != nil {
		return 0, err
	}
	low, err := readReg(regRawLow)
	if err != nil {
		return 0, err
	}

	raw := int(uint16(high)<<8|uint16(low)) & 0x0FFF
	return raw, nil
}
