package frame

import (
	"epdnode/internal/config"
)

// Quantizer maps an input color triple to one of the panel's six native
// palette indices.
//
// Two-tier lookup: exact match against the theoretical palette first (the
// values a correctly dithered source already contains, so the common case
// never pays for distance math), then nearest neighbour by squared Euclidean
// distance against the measured palette, which tracks what the physical
// panel actually renders.
type Quantizer struct {
	theoretical []config.PaletteEntry
	measured    []config.PaletteEntry
	bgr         bool
}

// NewQuantizer builds a Quantizer from per-deployment calibration.
func NewQuantizer(cfg config.QuantizerConfig) *Quantizer {
	theo := cfg.Theoretical
	if len(theo) == 0 {
		theo = config.DefaultTheoreticalPalette()
	}
	meas := cfg.Measured
	if len(meas) == 0 {
		meas = config.DefaultMeasuredPalette()
	}
	return &Quantizer{
		theoretical: theo,
		measured:    meas,
		bgr:         cfg.BGR,
	}
}

// Quantize returns the palette index for one pixel.
func (q *Quantizer) Quantize(r, g, b uint8) uint8 {
	if q.bgr {
		r, b = b, r
	}

	// Fast path: exact match against the theoretical palette.
	for _, pc := range q.theoretical {
		if r == pc.R && g == pc.G && b == pc.B {
			return pc.Index
		}
	}

	// Fallback: nearest neighbour against the measured palette.
	best := uint32(1<<32 - 1)
	idx := uint8(config.IdxWhite)
	for _, pc := range q.measured {
		dr := int(r) - int(pc.R)
		dg := int(g) - int(pc.G)
		db := int(b) - int(pc.B)
		dist := uint32(dr*dr + dg*dg + db*db)
		if dist < best {
			best = dist
			idx = pc.Index
			if best == 0 {
				break
			}
		}
	}
	return idx
}
