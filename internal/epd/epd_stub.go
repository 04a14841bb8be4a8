//go:build !linux

package epd

import (
	"context"
	"errors"
)

// SPIPanel is only available on linux; this stub keeps the package building
// on development hosts.
type SPIPanel struct{}

func NewSPIPanel(width, height int, probe func()) (*SPIPanel, error) {
	return nil, errors.New("epd: SPI panel is only available on linux")
}

func (p *SPIPanel) Init(context.Context) error { return errors.New("epd: unsupported platform") }

func (p *SPIPanel) Clear(context.Context, byte) error { return errors.New("epd: unsupported platform") }

func (p *SPIPanel) Push(context.Context, []byte) error { return errors.New("epd: unsupported platform") }

func (p *SPIPanel) Sleep() error { return errors.New("epd: unsupported platform") }

func (p *SPIPanel) Teardown() {}
