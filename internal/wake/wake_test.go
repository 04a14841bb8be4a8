package wake

import (
	"os"
	"path/filepath"
	"testing"

	"epdnode/internal/config"
)

func classifierWithLatch(t *testing.T, content string) *Classifier {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wake-latch")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return NewClassifier(config.WakeConfig{
		ButtonPins: []int{2, 3, 5},
		LatchPath:  path,
	})
}

func TestClassifyTimerLatch(t *testing.T) {
	c := classifierWithLatch(t, "timer\n")
	got := c.Classify()
	if got.External || got.Trigger != TriggerNone {
		t.Fatalf("got %+v, want timer wake", got)
	}
	if !got.Timer() {
		t.Error("Timer() should be true")
	}
}

func TestClassifyButtonLatch(t *testing.T) {
	cases := []struct {
		latch   string
		trigger int
		action  string
	}{
		{"button:0", TriggerRefresh, "refresh"},
		{"button:1", TriggerPrevious, "previous"},
		{"button:2", TriggerNext, "next"},
	}
	for _, tc := range cases {
		c := classifierWithLatch(t, tc.latch)
		got := c.Classify()
		if !got.External || got.Trigger != tc.trigger {
			t.Errorf("latch %q: got %+v, want trigger %d", tc.latch, got, tc.trigger)
		}
		if got.Action() != tc.action {
			t.Errorf("latch %q: Action() = %q, want %q", tc.latch, got.Action(), tc.action)
		}
	}
}

func TestClassifyUnknownLatchDefaultsToTimer(t *testing.T) {
	for _, latch := range []string{"garbage", "button:9", "button:x", ""} {
		c := classifierWithLatch(t, latch)
		got := c.Classify()
		if got.External {
			t.Errorf("latch %q: got external wake, want timer semantics", latch)
		}
	}
}

func TestClassifyConsumesLatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wake-latch")
	if err := os.WriteFile(path, []byte("button:1"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := NewClassifier(config.WakeConfig{LatchPath: path, ButtonPins: []int{2, 3, 5}})

	first := c.Classify()
	if !first.External {
		t.Fatalf("first classify: got %+v", first)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("latch file should be removed after classification")
	}
}

func TestTimerCauseHasNoAction(t *testing.T) {
	c := Cause{External: false, Trigger: TriggerNone}
	if c.Action() != "" {
		t.Errorf("Action() = %q, want empty", c.Action())
	}
}
