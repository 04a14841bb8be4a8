// Package retention persists the minimal cross-wake state. The record is a
// fixed-layout binary file so a partially written or truncated file is cheap
// to detect and safe to discard.
package retention

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
)

// Record layout, little-endian:
//
//	[0:65)   last content id, NUL-padded (64 chars + terminator)
//	[65:69)  last battery voltage, float32
//	[69:73)  wake counter, uint32
const (
	ContentIDMax = 64
	recordSize   = ContentIDMax + 1 + 4 + 4
)

// State survives the device's low-power cycle but not a full power loss.
type State struct {
	// LastContentID is updated only after a confirmed successful render.
	LastContentID string
	// LastBatteryVoltage is the previous wake's sample, used only for
	// charging-delta detection.
	LastBatteryVoltage float32
	// WakeCount is incremented once per wake.
	WakeCount uint32
}

// Load reads the retention record from path. A missing, short, or corrupt
// file yields the zero state, which is the first-boot semantics: empty
// content id, no voltage baseline, counter at zero.
func Load(path string) State {
	data, err := os.ReadFile(path)
	if err != nil || len(data) != recordSize {
		return State{}
	}

	id := data[:ContentIDMax+1]
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}

	bits := binary.LittleEndian.Uint32(data[ContentIDMax+1:])
	count := binary.LittleEndian.Uint32(data[ContentIDMax+5:])

	return State{
		LastContentID:      string(id),
		LastBatteryVoltage: math.Float32frombits(bits),
		WakeCount:          count,
	}
}

// Save writes the record atomically (temp file + rename). A content id
// longer than ContentIDMax is truncated to fit the fixed layout.
func Save(path string, st State) error {
	if path == "" {
		return errors.New("retention: path is empty")
	}

	buf := make([]byte, recordSize)
	id := st.LastContentID
	if len(id) > ContentIDMax {
		id = id[:ContentIDMax]
	}
	copy(buf, id)
	binary.LittleEndian.PutUint32(buf[ContentIDMax+1:], math.Float32bits(st.LastBatteryVoltage))
	binary.LittleEndian.PutUint32(buf[ContentIDMax+5:], st.WakeCount)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdnode-retention-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
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
	return os.Rename(tmpName, path)
}
