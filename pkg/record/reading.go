// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package record defines the per-cycle Reading and the sinks that
// persist it.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Furnace holds the controller's setpoint 1 and process value.
type Furnace struct {
	Target    float64
	Indicated float64
}

// DAQ holds one thermopower scan.
type DAQ struct {
	Reference float64
	Thermo1   float64
	Thermo2   float64
	Voltage   float64
}

// MeanTemperature is the mean of both sample thermocouples.
func (d DAQ) MeanTemperature() float64 {
	return (d.Thermo1 + d.Thermo2) / 2
}

// Fugacity is the oxygen fugacity the gas mix was set for.
type Fugacity struct {
	LogFugacity float64
	Ratio       float64
	Offset      float64
}

// Impedance is one point of a frequency sweep.
type Impedance struct {
	Z     float64
	Theta float64 // radians
}

// Reading is one polling cycle. Values that could not be read are NaN.
type Reading struct {
	Time          time.Time
	Step          int
	Cycle         int
	StagePosition float64
	Furnace       Furnace
	DAQ           DAQ
	Gas           map[string]float64 // mass flow by controller name
	Fugacity      Fugacity
	Impedance     []Impedance
}

// NewReading returns a reading with every value NaN.
func NewReading(at time.Time, step, cycle int) Reading {
	nan := math.NaN()
	return Reading{
		Time:          at,
		Step:          step,
		Cycle:         cycle,
		StagePosition: nan,
		Furnace:       Furnace{nan, nan},
		DAQ:           DAQ{nan, nan, nan, nan},
		Gas:           map[string]float64{},
		Fugacity:      Fugacity{nan, nan, nan},
	}
}

// StepStart marks the start of a control file step.
type StepStart struct {
	Step       int
	Time       time.Time
	TargetTemp float64
	HoldLength float64
	HeatRate   float64
	Interval   float64
	Buffer     string
	Offset     float64
	Gas        string
}

// Sink receives the readings of a run.
type Sink interface {
	StepStarted(ctx context.Context, s StepStart) error
	Append(ctx context.Context, r Reading) error
	Close() error
}

// Multi fans out to several sinks. Every sink is called even when an
// earlier one fails.
type Multi []Sink

func (m Multi) StepStarted(ctx context.Context, s StepStart) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.StepStarted(ctx, s))
	}
	return errors.Join(errs...)
}

func (m Multi) Append(ctx context.Context, r Reading) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Append(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) StepStarted(context.Context, StepStart) error { return nil }
func (Discard) Append(context.Context, Reading) error        { return nil }
func (Discard) Close() error                                 { return nil }

// jsonFloat is a float64 that encodes NaN and Inf as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = jsonFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type impedanceJSON struct {
	Z     jsonFloat `json:"z"`
	Theta jsonFloat `json:"theta"`
}

func (i Impedance) MarshalJSON() ([]byte, error) {
	return json.Marshal(impedanceJSON{jsonFloat(i.Z), jsonFloat(i.Theta)})
}

func (i *Impedance) UnmarshalJSON(b []byte) error {
	var v impedanceJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	i.Z, i.Theta = float64(v.Z), float64(v.Theta)
	return nil
}

type readingJSON struct {
	Time          time.Time            `json:"time"`
	Step          int                  `json:"step"`
	Cycle         int                  `json:"cycle"`
	StagePosition jsonFloat            `json:"stage_position"`
	Target        jsonFloat            `json:"target"`
	Indicated     jsonFloat            `json:"indicated"`
	Reference     jsonFloat            `json:"reference"`
	Thermo1       jsonFloat            `json:"thermo_1"`
	Thermo2       jsonFloat            `json:"thermo_2"`
	Voltage       jsonFloat            `json:"voltage"`
	Gas           map[string]jsonFloat `json:"gas"`
	LogFugacity   jsonFloat            `json:"fugacity"`
	Ratio         jsonFloat            `json:"ratio"`
	Offset        jsonFloat            `json:"offset"`
	Impedance     []Impedance          `json:"impedance"`
}

// MarshalJSON flattens the reading. NaN values become null.
func (r Reading) MarshalJSON() ([]byte, error) {
	gas := make(map[string]jsonFloat, len(r.Gas))
	for k, v := range r.Gas {
		gas[k] = jsonFloat(v)
	}
	return json.Marshal(readingJSON{
		Time:          r.Time,
		Step:          r.Step,
		Cycle:         r.Cycle,
		StagePosition: jsonFloat(r.StagePosition),
		Target:        jsonFloat(r.Furnace.Target),
		Indicated:     jsonFloat(r.Furnace.Indicated),
		Reference:     jsonFloat(r.DAQ.Reference),
		Thermo1:       jsonFloat(r.DAQ.Thermo1),
		Thermo2:       jsonFloat(r.DAQ.Thermo2),
		Voltage:       jsonFloat(r.DAQ.Voltage),
		Gas:           gas,
		LogFugacity:   jsonFloat(r.Fugacity.LogFugacity),
		Ratio:         jsonFloat(r.Fugacity.Ratio),
		Offset:        jsonFloat(r.Fugacity.Offset),
		Impedance:     r.Impedance,
	})
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var v readingJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Reading{
		Time:          v.Time,
		Step:          v.Step,
		Cycle:         v.Cycle,
		StagePosition: float64(v.StagePosition),
		Furnace:       Furnace{float64(v.Target), float64(v.Indicated)},
		DAQ:           DAQ{float64(v.Reference), float64(v.Thermo1), float64(v.Thermo2), float64(v.Voltage)},
		Gas:           make(map[string]float64, len(v.Gas)),
		Fugacity:      Fugacity{float64(v.LogFugacity), float64(v.Ratio), float64(v.Offset)},
		Impedance:     v.Impedance,
	}
	for k, g := range v.Gas {
		r.Gas[k] = float64(g)
	}
	return nil
}
