// Package speed maps between the device's raw fan speed and the
// user-facing percentage.
//
// The two directions are not exact inverses: every raw value in (0, MinSpeed]
// reads back as MinPercentage because the motor does not spin reliably
// below MinSpeed.
package speed

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxSpeed is the largest raw value the device accepts.
	MaxSpeed = 255
	// MinSpeed is the lowest raw value at which the motor spins.
	MinSpeed = 60
	// MinPercentage is the floor shown for any non-zero speed up to MinSpeed.
	MinPercentage = 25
	// Step is the percentage granularity offered to users.
	Step = 5
)

var (
	ErrBelowMinimum = fmt.Errorf("percentage below %d%%", MinPercentage)
	ErrAboveMaximum = errors.New("percentage above 100%")
)

// RawToPercentage converts a raw device speed to a percentage in [0, 100].
func RawToPercentage(raw int) int {
	if raw <= 0 {
		return 0
	}
	if raw <= MinSpeed {
		return MinPercentage
	}
	return clamp(int(math.Round(float64(raw*100)/MaxSpeed)), 0, 100)
}

// PercentageToRaw converts a percentage to a raw device speed in [0, MaxSpeed].
func PercentageToRaw(pct int) int {
	return clamp(int(math.Round(float64(pct*MaxSpeed)/100)), 0, MaxSpeed)
}

// Quantize applies the UI policy to a requested percentage: values outside
// [MinPercentage, 100] are rejected rather than clamped, and accepted values
// are snapped to the nearest multiple of Step. Switching off goes through a
// separate path.
func Quantize(pct int) (int, error) {
	switch {
	case pct < MinPercentage:
		return 0, fmt.Errorf("%d%%: %w", pct, ErrBelowMinimum)
	case pct > 100:
		return 0, fmt.Errorf("%d%%: %w", pct, ErrAboveMaximum)
	}
	return int(math.Round(float64(pct)/Step)) * Step, nil
}

// Preset is a named speed shortcut.
type Preset string

const (
	PresetNight Preset = "night"
	PresetDay   Preset = "day"
	PresetBoost Preset = "boost"
)

// Presets lists the known presets in display order.
var Presets = []Preset{PresetNight, PresetDay, PresetBoost}

// Percentage returns the preset's percentage, or false for unknown names.
func (p Preset) Percentage() (int, bool) {
	switch p {
	case PresetNight:
		return MinPercentage, true
	case PresetDay:
		return 50, true
	case PresetBoost:
		return 100, true
	}
	return 0, false
}

// PresetFor returns the preset matching a percentage, if any.
func PresetFor(pct int) (Preset, bool) {
	for _, p := range Presets {
		if v, _ := p.Percentage(); v == pct {
			return p, true
		}
	}
	return "", false
}

// ToggleRaw returns the raw speed that flips the fan's power state:
// off becomes MinSpeed, anything else becomes off.
func ToggleRaw(current int) int {
	if current == 0 {
		return MinSpeed
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
