// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"math"
)

// ProfilePoint is one stop of a stage temperature profile: the stage
// position and the two sample thermocouples read there.
type ProfilePoint struct {
	Position int     `yaml:"position" json:"position"`
	Thermo1  float64 `yaml:"thermo_1" json:"thermo_1"`
	Thermo2  float64 `yaml:"thermo_2" json:"thermo_2"`
}

// EquilibriumPosition returns the first profile position where
// thermo_1 - thermo_2 changes sign, i.e. where the sample sits on the hot
// spot. Without a sign change it returns maxPosition/2.
func EquilibriumPosition(profile []ProfilePoint, maxPosition int) int {
	sign := func(v float64) float64 {
		if v == 0 || math.IsNaN(v) {
			return 0
		}
		return math.Copysign(1, v)
	}
	for i := 1; i < len(profile); i++ {
		prev := sign(profile[i-1].Thermo1 - profile[i-1].Thermo2)
		cur := sign(profile[i].Thermo1 - profile[i].Thermo2)
		if prev != cur {
			return profile[i-1].Position
		}
	}
	return maxPosition / 2
}

// Corrections bundles the calibrations the step runner applies.
type Corrections struct {
	// Temperature maps desired sample temperature to furnace setpoint.
	Temperature Lookup
	// Stage maps target temperature to stage position. Nil when the lab
	// has no stage calibration.
	Stage Lookup
	// Equilibrium is the hot-spot position, used when Stage is nil.
	Equilibrium int
	MaxPosition int
}

// Indicated returns the setpoint that holds the sample at target, rounded
// to 2 decimals.
func (c Corrections) Indicated(target float64) float64 {
	v := target
	if c.Temperature != nil {
		v = c.Temperature.Lookup(target)
	}
	return math.Round(v*100) / 100
}

// Position returns the stage position for target. ok is false when no
// stage calibration is loaded.
func (c Corrections) Position(target float64) (pos int, ok bool) {
	switch {
	case c.Stage != nil:
		pos = int(math.Round(c.Stage.Lookup(target)))
	case c.Equilibrium > 0:
		pos = c.Equilibrium
	default:
		return 0, false
	}
	if c.MaxPosition > 0 && pos > c.MaxPosition {
		pos = c.MaxPosition
	}
	if pos < 0 {
		pos = 0
	}
	return pos, true
}
