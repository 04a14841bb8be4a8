// Package epd drives the 13.3" Spectra 6 e-paper panel. The rest of the
// agent only sees the Panel capability; the SPI implementation is selected
// at startup.
package epd

import "context"

// Palette indices understood by the panel controller.
const (
	Black  = 0x0
	White  = 0x1
	Yellow = 0x2
	Red    = 0x3
	Blue   = 0x5
	Green  = 0x6
)

// Panel is the output capability. A refresh sequence is Init, optional
// Clear, Push, then Sleep; Teardown cuts the power rail and is safe to call
// at any point.
type Panel interface {
	// Init powers the rail and runs the controller's wake sequence.
	Init(ctx context.Context) error
	// Clear floods the panel with one palette color (a full refresh,
	// 30-45s on this panel).
	Clear(ctx context.Context, color byte) error
	// Push writes a packed framebuffer (two 4-bit indices per byte) and
	// triggers the refresh.
	Push(ctx context.Context, frame []byte) error
	// Sleep puts the controller into its retention state.
	Sleep() error
	// Teardown drops the power rail for the deep-sleep period.
	Teardown()
}

// Null is a no-op Panel that records calls; used by dry-run mode and tests.
type Null struct {
	Inited   bool
	Cleared  []byte
	Pushed   [][]byte
	Slept    bool
	TornDown bool
}

func (n *Null) Init(context.Context) error { n.Inited = true; return nil }

func (n *Null) Clear(_ context.Context, color byte) error {
	n.Cleared = append(n.Cleared, color)
	return nil
}

func (n *Null) Push(_ context.Context, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.Pushed = append(n.Pushed, cp)
	return nil
}

func (n *Null) Sleep() error { n.Slept = true; return nil }

func (n *Null) Teardown() { n.TornDown = true }
