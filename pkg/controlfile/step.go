// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package controlfile loads the experiment step table.
package controlfile

import (
	"math"
	"time"

	"furnace-lab/pkg/fugacity"
)

// Step is one row of the control file plus the columns Plan derives.
type Step struct {
	Index      int          `json:"index"`
	TargetTemp float64      `json:"target_temp"` // C
	HoldLength float64      `json:"hold_length"` // hours
	HeatRate   float64      `json:"heat_rate"`   // C/min
	Interval   float64      `json:"interval"`    // minutes
	Buffer     string       `json:"buffer"`
	Offset     float64      `json:"offset"`
	FO2Gas     fugacity.Gas `json:"fo2_gas"`

	PreviousTarget   float64 `json:"previous_target"`
	PreviousHeatRate float64 `json:"previous_heat_rate"`
	EstTotalMinutes  int     `json:"est_total_mins"`
}

// Heating reports whether the step heats or holds rather than cools.
func (s Step) Heating() bool {
	return s.TargetTemp >= s.PreviousTarget
}

// IntervalDuration is the polling interval.
func (s Step) IntervalDuration() time.Duration {
	return time.Duration(s.Interval * float64(time.Minute))
}

// HoldDuration is the hold length.
func (s Step) HoldDuration() time.Duration {
	return time.Duration(s.HoldLength * float64(time.Hour))
}

// EstimatedDuration is EstTotalMinutes as a duration.
func (s Step) EstimatedDuration() time.Duration {
	return time.Duration(s.EstTotalMinutes) * time.Minute
}

// Plan fills the derived columns. The first step ramps from the furnace's
// current setpoint and heating rate. The input is not modified.
func Plan(steps []Step, startSetpoint, startRate float64) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		if i == 0 {
			out[i].PreviousTarget = startSetpoint
			out[i].PreviousHeatRate = startRate
		} else {
			out[i].PreviousTarget = out[i-1].TargetTemp
			out[i].PreviousHeatRate = out[i-1].HeatRate
		}
		ramp := (out[i].TargetTemp - out[i].PreviousTarget) / out[i].HeatRate
		out[i].EstTotalMinutes = int(math.Abs(ramp + out[i].HoldLength*60))
	}
	return out
}

// TotalMinutes sums the per-step estimates.
func TotalMinutes(steps []Step) int {
	total := 0
	for _, s := range steps {
		total += s.EstTotalMinutes
	}
	return total
}

// LongestInterval returns the largest polling interval in steps.
func LongestInterval(steps []Step) time.Duration {
	var d time.Duration
	for _, s := range steps {
		if iv := s.IntervalDuration(); iv > d {
			d = iv
		}
	}
	return d
}
