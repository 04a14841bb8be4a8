//go:build linux

package epd

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	appLog "epdnode/internal/log"
)

// BCM pin assignments for the 13.3" E6 HAT. The panel has two cascaded
// controllers: M drives the left half, S the right half; DC, RST and BUSY
// are shared.
const (
	bcmCSM  = 8
	bcmCSS  = 7
	bcmDC   = 25
	bcmRST  = 17
	bcmBUSY = 24
	bcmPWR  = 18
)

// Controller commands (vendor reference sequence).
const (
	cmdPSR  = 0x00 // panel setting
	cmdPWR  = 0x01 // power setting
	cmdPOF  = 0x02 // power off
	cmdPON  = 0x04 // power on
	cmdBTST = 0x06 // booster soft start
	cmdDSLP = 0x07 // deep sleep
	cmdDTM  = 0x10 // data transmission
	cmdDRF  = 0x12 // display refresh
	cmdTRES = 0x61 // resolution setting
)

// busyTimeout bounds a refresh wait; a full Spectra 6 refresh runs 30-45s.
const busyTimeout = 90 * time.Second

// SPIPanel is the periph.io-backed Panel implementation.
type SPIPanel struct {
	width  int
	height int
	probe  func()

	port spi.PortCloser
	conn spi.Conn

	csM  gpio.PinOut
	csS  gpio.PinOut
	dc   gpio.PinOut
	rst  gpio.PinOut
	pwr  gpio.PinOut
	busy gpio.PinIn
}

// NewSPIPanel opens the SPI bus and claims the control pins. probe is the
// liveness hook, invoked during the long busy waits.
func NewSPIPanel(width, height int, probe func()) (*SPIPanel, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open("")
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}
	conn, err := port.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	p := &SPIPanel{
		width:  width,
		height: height,
		probe:  probe,
		port:   port,
		conn:   conn,
	}
	if p.probe == nil {
		p.probe = func() {}
	}

	out := func(num int, lvl gpio.Level) (gpio.PinOut, error) {
		pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", num))
		if pin == nil {
			return nil, fmt.Errorf("epd: gpio GPIO%d not found", num)
		}
		if err := pin.Out(lvl); err != nil {
			return nil, fmt.Errorf("epd: gpio GPIO%d: %w", num, err)
		}
		return pin, nil
	}

	if p.csM, err = out(bcmCSM, gpio.High); err != nil {
		port.Close()
		return nil, err
	}
	if p.csS, err = out(bcmCSS, gpio.High); err != nil {
		port.Close()
		return nil, err
	}
	if p.dc, err = out(bcmDC, gpio.Low); err != nil {
		port.Close()
		return nil, err
	}
	if p.rst, err = out(bcmRST, gpio.Low); err != nil {
		port.Close()
		return nil, err
	}
	if p.pwr, err = out(bcmPWR, gpio.Low); err != nil {
		port.Close()
		return nil, err
	}

	busyPin := gpioreg.ByName(fmt.Sprintf("GPIO%d", bcmBUSY))
	if busyPin == nil {
		port.Close()
		return nil, fmt.Errorf("epd: gpio GPIO%d not found", bcmBUSY)
	}
	if err := busyPin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		port.Close()
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}
	p.busy = busyPin

	return p, nil
}

// Init powers the rail and walks both controllers through the wake-up
// sequence.
func (p *SPIPanel) Init(ctx context.Context) error {
	p.pwr.Out(gpio.High)
	time.Sleep(100 * time.Millisecond) // rail settling

	p.reset()

	// Booster, power and panel settings, both controllers.
	if err := p.command(bothCS, cmdBTST, 0x17, 0x17, 0x28, 0x17); err != nil {
		return err
	}
	if err := p.command(bothCS, cmdPWR, 0x07, 0x00); err != nil {
		return err
	}
	if err := p.command(bothCS, cmdPSR, 0x0F, 0x29); err != nil {
		return err
	}
	// Each controller owns half the columns.
	half := p.width / 2
	if err := p.command(bothCS, cmdTRES,
		byte(half>>8), byte(half), byte(p.height>>8), byte(p.height)); err != nil {
		return err
	}

	if err := p.command(bothCS, cmdPON); err != nil {
		return err
	}
	return p.waitNotBusy(ctx)
}

// Clear floods both controllers with one color and refreshes.
func (p *SPIPanel) Clear(ctx context.Context, color byte) error {
	packed := (color << 4) | (color & 0x0F)
	rowBytes := p.width / 2
	half := make([]byte, rowBytes/2)
	for i := range half {
		half[i] = packed
	}

	if err := p.command(csMaster, cmdDTM); err != nil {
		return err
	}
	for y := 0; y < p.height; y++ {
		if err := p.data(csMaster, half); err != nil {
			return err
		}
	}
	if err := p.command(csSlave, cmdDTM); err != nil {
		return err
	}
	for y := 0; y < p.height; y++ {
		if err := p.data(csSlave, half); err != nil {
			return err
		}
	}

	return p.refresh(ctx)
}

// Push streams the packed framebuffer, row by row, left half to the master
// controller and right half to the slave, then refreshes.
func (p *SPIPanel) Push(ctx context.Context, frame []byte) error {
	rowBytes := p.width / 2
	if len(frame) != rowBytes*p.height {
		return fmt.Errorf("epd: frame is %d bytes, want %d", len(frame), rowBytes*p.height)
	}
	half := rowBytes / 2

	if err := p.command(csMaster, cmdDTM); err != nil {
		return err
	}
	for y := 0; y < p.height; y++ {
		row := frame[y*rowBytes:]
		if err := p.data(csMaster, row[:half]); err != nil {
			return err
		}
	}

	if err := p.command(csSlave, cmdDTM); err != nil {
		return err
	}
	for y := 0; y < p.height; y++ {
		row := frame[y*rowBytes:]
		if err := p.data(csSlave, row[half:rowBytes]); err != nil {
			return err
		}
	}

	appLog.Info("framebuffer transferred, refreshing panel")
	return p.refresh(ctx)
}

// Sleep puts both controllers into deep sleep.
func (p *SPIPanel) Sleep() error {
	return p.command(bothCS, cmdDSLP, 0xA5)
}

// Teardown cuts the panel's power rail. The rail stays low through the
// deep-sleep period to stop leakage through the panel.
func (p *SPIPanel) Teardown() {
	p.rst.Out(gpio.Low)
	p.pwr.Out(gpio.Low)
	if p.port != nil {
		p.port.Close()
		p.port = nil
	}
	appLog.Info("panel powered down")
}

func (p *SPIPanel) reset() {
	p.rst.Out(gpio.High)
	time.Sleep(30 * time.Millisecond)
	p.rst.Out(gpio.Low)
	time.Sleep(10 * time.Millisecond)
	p.rst.Out(gpio.High)
	time.Sleep(30 * time.Millisecond)
}

// refresh powers on, triggers the display refresh, waits out the busy
// period, and powers off again.
func (p *SPIPanel) refresh(ctx context.Context) error {
	if err := p.command(bothCS, cmdPON); err != nil {
		return err
	}
	if err := p.waitNotBusy(ctx); err != nil {
		return err
	}
	if err := p.command(bothCS, cmdDRF, 0x00); err != nil {
		return err
	}
	if err := p.waitNotBusy(ctx); err != nil {
		return err
	}
	return p.command(bothCS, cmdPOF)
}

// chip select target for a transfer.
type csTarget int

const (
	csMaster csTarget = iota
	csSlave
	bothCS
)

func (p *SPIPanel) selectCS(t csTarget, active bool) {
	lvl := gpio.High
	if active {
		lvl = gpio.Low
	}
	switch t {
	case csMaster:
		p.csM.Out(lvl)
	case csSlave:
		p.csS.Out(lvl)
	case bothCS:
		p.csM.Out(lvl)
		p.csS.Out(lvl)
	}
}

// command sends a command byte followed by optional parameter data.
func (p *SPIPanel) command(t csTarget, reg byte, params ...byte) error {
	p.dc.Out(gpio.Low)
	p.selectCS(t, true)
	err := p.conn.Tx([]byte{reg}, nil)
	p.selectCS(t, false)
	if err != nil {
		return fmt.Errorf("epd: command %#02x: %w", reg, err)
	}
	if len(params) == 0 {
		return nil
	}
	return p.data(t, params)
}

// data sends a payload block with DC high. The block is chunked to the SPI
// driver's transfer limit.
func (p *SPIPanel) data(t csTarget, payload []byte) error {
	const maxTx = 4096

	p.dc.Out(gpio.High)
	p.selectCS(t, true)
	defer p.selectCS(t, false)

	for len(payload) > 0 {
		n := len(payload)
		if n > maxTx {
			n = maxTx
		}
		if err := p.conn.Tx(payload[:n], nil); err != nil {
			return fmt.Errorf("epd: data transfer: %w", err)
		}
		payload = payload[n:]
	}
	return nil
}

// waitNotBusy polls the shared busy line, feeding the liveness probe; a
// refresh on this panel runs well past the watchdog deadline.
func (p *SPIPanel) waitNotBusy(ctx context.Context) error {
	deadline := time.Now().Add(busyTimeout)
	for p.busy.Read() == gpio.Low {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("epd: busy wait timed out after %s", busyTimeout)
		}
		p.probe()
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
