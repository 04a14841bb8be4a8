package frame

import (
	"context"
	"errors"
	"io"

	appLog "epdnode/internal/log"
)

// ErrIncompleteDownload is returned when the stream ended before enough of
// the image arrived to be worth showing.
var ErrIncompleteDownload = errors.New("frame: incomplete download")

// chunkSize bounds each streaming read. Raw-triple reads are aligned down to
// a multiple of 3 so a chunk never splits a pixel.
const chunkSize = 4096

// minDecodedRatio is the fraction of the panel's pixels that must decode for
// the raw-triple branch to count as success; trailing truncation from a
// dropped connection is tolerated up to this point.
const minDecodedRatio = 0.9

// Decoder converts a binary payload into the packed framebuffer.
type Decoder struct {
	pool   *Pool
	quant  *Quantizer
	width  int
	height int
}

// NewDecoder wires the decoder to the shared pool and quantizer for a panel
// of the given geometry.
func NewDecoder(pool *Pool, quant *Quantizer, width, height int) *Decoder {
	return &Decoder{pool: pool, quant: quant, width: width, height: height}
}

// Decode reads the payload from r and fills the framebuffer.
//
// The wire format is inferred from the declared length: a payload of exactly
// the packed size is copied directly; anything else is treated as a raw
// per-pixel triple stream and quantized. probe is the liveness hook, invoked
// once per chunk so long downloads never trip the watchdog.
//
// On success the caller owns the returned buffer and must Release it after
// the panel push. On any failure the buffer is released here and the caller
// gets nil.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, declaredLen int64, probe func()) (*Buffer, error) {
	buf, err := d.pool.Acquire()
	if err != nil {
		// Allocation failure is fatal to this operation, no retry.
		return nil, err
	}

	packed := declaredLen == int64(buf.Cap())
	if packed {
		appLog.Info("decoding pre-packed framebuffer", "bytes", declaredLen)
		if err := d.copyPacked(ctx, r, buf, probe); err != nil {
			buf.Release()
			return nil, err
		}
		return buf, nil
	}

	appLog.Info("decoding raw pixel stream", "declared_bytes", declaredLen)
	if err := d.convertTriples(ctx, r, buf, probe); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// copyPacked streams a pre-packed payload straight into the framebuffer.
// Success requires the buffer to be completely filled.
func (d *Decoder) copyPacked(ctx context.Context, r io.Reader, buf *Buffer, probe func()) error {
	data := buf.Bytes()
	total := 0
	for total < len(data) {
		if err := ctx.Err(); err != nil {
			return ErrIncompleteDownload
		}
		limit := total + chunkSize
		if limit > len(data) {
			limit = len(data)
		}
		n, err := r.Read(data[total:limit])
		total += n
		probe()
		if err != nil {
			if err == io.EOF {
				break
			}
			appLog.Error("packed read failed", err, "bytes_read", total)
			break
		}
	}

	if total < len(data) {
		appLog.Warn("packed download incomplete", "bytes_read", total, "expected", len(data))
		return ErrIncompleteDownload
	}
	return nil
}

// convertTriples streams raw triples, quantizes each pixel, and packs two
// 4-bit indices per output byte.
func (d *Decoder) convertTriples(ctx context.Context, r io.Reader, buf *Buffer, probe func()) error {
	totalPixels := d.width * d.height
	chunk := make([]byte, chunkSize)

	pixel := 0
	carry := 0 // bytes of a split triple carried into the next chunk
	for pixel < totalPixels {
		if err := ctx.Err(); err != nil {
			break
		}

		// Fill after any carried bytes, then align down to whole triples.
		n, err := r.Read(chunk[carry:])
		n += carry
		usable := (n / 3) * 3

		for i := 0; i < usable && pixel < totalPixels; i += 3 {
			idx := d.quant.Quantize(chunk[i], chunk[i+1], chunk[i+2])
			buf.SetPixel(pixel, idx)
			pixel++
		}

		carry = n - usable
		if carry > 0 {
			copy(chunk, chunk[usable:n])
		}
		probe()

		if err != nil {
			if err != io.EOF {
				appLog.Error("raw stream read failed", err, "pixels", pixel)
			}
			break
		}
	}

	if float64(pixel) < float64(totalPixels)*minDecodedRatio {
		appLog.Warn("raw download incomplete", "pixels", pixel, "expected", totalPixels)
		return ErrIncompleteDownload
	}
	appLog.Info("raw stream decoded", "pixels", pixel, "expected", totalPixels)
	return nil
}
