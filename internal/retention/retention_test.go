package retention

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsZeroState(t *testing.T) {
	st := Load(filepath.Join(t.TempDir(), "nope.bin"))
	if st.LastContentID != "" || st.LastBatteryVoltage != 0 || st.WakeCount != 0 {
		t.Fatalf("expected zero state, got %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.bin")

	in := State{
		LastContentID:      "abc123",
		LastBatteryVoltage: 3.87,
		WakeCount:          42,
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out := Load(path)
	if out.LastContentID != in.LastContentID {
		t.Errorf("LastContentID = %q, want %q", out.LastContentID, in.LastContentID)
	}
	if out.LastBatteryVoltage != in.LastBatteryVoltage {
		t.Errorf("LastBatteryVoltage = %v, want %v", out.LastBatteryVoltage, in.LastBatteryVoltage)
	}
	if out.WakeCount != in.WakeCount {
		t.Errorf("WakeCount = %d, want %d", out.WakeCount, in.WakeCount)
	}
}

func TestSaveTruncatesOverlongContentID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.bin")

	long := ""
	for i := 0; i < 80; i++ {
		long += "x"
	}
	if err := Save(path, State{LastContentID: long}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out := Load(path)
	if len(out.LastContentID) != ContentIDMax {
		t.Fatalf("len = %d, want %d", len(out.LastContentID), ContentIDMax)
	}
}

func TestLoadRejectsWrongSizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.bin")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	st := Load(path)
	if st != (State{}) {
		t.Fatalf("expected zero state for truncated file, got %+v", st)
	}
}
