// Package frame owns the packed indexed-color framebuffer and the streaming
// decode path that fills it from the content service.
package frame

import (
	"errors"
	"sync"
)

// ErrBufferBusy is returned by Acquire while a previously acquired buffer
// has not been released. The memory budget allows exactly one outstanding
// framebuffer; a second allocation mid-wake is always a bug upstream.
var ErrBufferBusy = errors.New("frame: buffer already in use")

// Pool hands out the single shared framebuffer. The backing array is
// allocated once and reused across wakes in loop mode.
type Pool struct {
	mu   sync.Mutex
	busy bool
	data []byte
}

// NewPool creates a pool for a packed framebuffer of capacity bytes
// (panelWidth * panelHeight / 2).
func NewPool(capacity int) *Pool {
	return &Pool{data: make([]byte, capacity)}
}

// Acquire returns the framebuffer, zeroed, or ErrBufferBusy if it is still
// held from a previous acquisition.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return nil, ErrBufferBusy
	}
	p.busy = true
	for i := range p.data {
		p.data[i] = 0
	}
	return &Buffer{pool: p, data: p.data}, nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

// Buffer is the packed framebuffer: two 4-bit palette indices per byte.
// It has exactly one owner at a time and must be released on every exit
// path of the function that acquired it.
type Buffer struct {
	pool     *Pool
	data     []byte
	released bool
}

// Bytes exposes the packed bytes for the panel push. The slice is invalid
// after Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// SetPixel writes a 4-bit palette index for pixel i. Even pixels occupy the
// high nibble of byte i/2, odd pixels the low nibble of the same byte.
func (b *Buffer) SetPixel(i int, idx uint8) {
	byteIndex := i / 2
	if i%2 == 0 {
		b.data[byteIndex] = (b.data[byteIndex] & 0x0F) | (idx << 4)
	} else {
		b.data[byteIndex] = (b.data[byteIndex] & 0xF0) | (idx & 0x0F)
	}
}

// Release returns the buffer to the pool. Safe to call more than once; only
// the first call has effect.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	b.data = nil
	b.pool.release()
}
