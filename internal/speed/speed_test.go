package speed

import (
	"errors"
	"testing"
)

func TestRawToPercentage(t *testing.T) {
	tests := []struct {
		raw  int
		want int
	}{
		{0, 0},
		{-5, 0},
		{1, 25},
		{30, 25},
		{60, 25},
		{61, 24},
		{64, 25},
		{128, 50},
		{191, 75},
		{254, 100},
		{255, 100},
		{300, 100},
	}

	for _, tt := range tests {
		if got := RawToPercentage(tt.raw); got != tt.want {
			t.Errorf("RawToPercentage(%d) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestRawToPercentageLowBandCollapses(t *testing.T) {
	for raw := 1; raw <= MinSpeed; raw++ {
		if got := RawToPercentage(raw); got != MinPercentage {
			t.Fatalf("RawToPercentage(%d) = %d, want %d", raw, got, MinPercentage)
		}
	}
}

func TestPercentageToRaw(t *testing.T) {
	tests := []struct {
		pct  int
		want int
	}{
		{0, 0},
		{25, 64},
		{50, 128},
		{75, 191},
		{100, 255},
		{-10, 0},
		{150, 255},
	}

	for _, tt := range tests {
		if got := PercentageToRaw(tt.pct); got != tt.want {
			t.Errorf("PercentageToRaw(%d) = %d, want %d", tt.pct, got, tt.want)
		}
	}
}

func TestRoundTripLattice(t *testing.T) {
	for _, p := range []int{0, 25, 50, 75, 100} {
		if got := RawToPercentage(PercentageToRaw(p)); got != p {
			t.Errorf("round trip %d%% = %d%%", p, got)
		}
	}
	// Every quantized UI value survives the trip.
	for p := MinPercentage; p <= 100; p += Step {
		if got := RawToPercentage(PercentageToRaw(p)); got != p {
			t.Errorf("round trip %d%% = %d%%", p, got)
		}
	}
}

func TestRoundTripLowRawIsLossy(t *testing.T) {
	// A raw value under MinSpeed reads as 25% and comes back as 64.
	raw := 30
	back := PercentageToRaw(RawToPercentage(raw))
	if back != 64 {
		t.Errorf("raw %d round trip = %d, want 64", raw, back)
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name    string
		pct     int
		want    int
		wantErr error
	}{
		{"exact", 50, 50, nil},
		{"round down", 52, 50, nil},
		{"round up", 53, 55, nil},
		{"floor", 25, 25, nil},
		{"just above floor", 26, 25, nil},
		{"near max", 98, 100, nil},
		{"max", 100, 100, nil},
		{"just below floor", 24, 0, ErrBelowMinimum},
		{"below floor", 23, 0, ErrBelowMinimum},
		{"just above max", 101, 0, ErrAboveMaximum},
		{"zero", 0, 0, ErrBelowMinimum},
		{"negative", -5, 0, ErrBelowMinimum},
		{"above max", 103, 0, ErrAboveMaximum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Quantize(tt.pct)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Quantize(%d) err = %v, want %v", tt.pct, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Quantize(%d) unexpected err: %v", tt.pct, err)
			}
			if got != tt.want {
				t.Errorf("Quantize(%d) = %d, want %d", tt.pct, got, tt.want)
			}
		})
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		preset Preset
		want   int
	}{
		{PresetNight, 25},
		{PresetDay, 50},
		{PresetBoost, 100},
	}
	for _, tt := range tests {
		got, ok := tt.preset.Percentage()
		if !ok || got != tt.want {
			t.Errorf("%s = %d (%v), want %d", tt.preset, got, ok, tt.want)
		}
		back, ok := PresetFor(got)
		if !ok || back != tt.preset {
			t.Errorf("PresetFor(%d) = %q, want %q", got, back, tt.preset)
		}
	}

	if _, ok := Preset("turbo").Percentage(); ok {
		t.Error("unknown preset reported ok")
	}
	if _, ok := PresetFor(35); ok {
		t.Error("PresetFor(35) reported ok")
	}
}

func TestToggleRaw(t *testing.T) {
	if got := ToggleRaw(0); got != MinSpeed {
		t.Errorf("ToggleRaw(0) = %d, want %d", got, MinSpeed)
	}
	if got := ToggleRaw(200); got != 0 {
		t.Errorf("ToggleRaw(200) = %d, want 0", got)
	}
	if got := RawToPercentage(ToggleRaw(0)); got != MinPercentage {
		t.Errorf("toggled on reads %d%%, want %d%%", got, MinPercentage)
	}
}
