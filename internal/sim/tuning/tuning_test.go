package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValid(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if d.Sync.BatchDelay() != 500*time.Millisecond || d.Vehicles.CacheTTL() != 250*time.Millisecond {
		t.Fatalf("unexpected durations: %v %v", d.Sync.BatchDelay(), d.Vehicles.CacheTTL())
	}
	if d.TickDuration() != 50*time.Millisecond {
		t.Fatalf("tick duration: %v", d.TickDuration())
	}
}

func TestLoadPartialOverride(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	body := "tick_rate_hz: 10\ncapacity:\n  base_capacity: 80\nvehicles:\n  ships:\n    galley: 1200\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickRateHz != 10 || tu.Capacity.BaseCapacity != 80 {
		t.Fatalf("override not applied: %+v", tu)
	}
	if tu.Sync.BatchDelayMs != 500 {
		t.Fatalf("unset fields keep defaults, got %d", tu.Sync.BatchDelayMs)
	}
	if tu.Vehicles.Ships["galley"] != 1200 || tu.Vehicles.Ships["brigg"] != 5000 {
		t.Fatalf("ship table: %v", tu.Vehicles.Ships)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_rate_hz: 0\naggregation:\n  max_depth: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(p)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "tick_rate_hz") || !strings.Contains(err.Error(), "max_depth") {
		t.Fatalf("error should name both fields: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file should surface os.IsNotExist, got %v", err)
	}
}
