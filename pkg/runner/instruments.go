// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package runner

import (
	"context"
	"time"

	"furnace-lab/pkg/daq"
	"furnace-lab/pkg/lcr"
	"furnace-lab/pkg/safety"
)

// Furnace is the temperature controller as the runner uses it.
type Furnace interface {
	Indicated(ctx context.Context) (float64, error)
	Setpoint1(ctx context.Context) (float64, error)
	SetSetpoint1(ctx context.Context, temp float64) error
	HeatingRate(ctx context.Context) (float64, error)
	SetHeatingRate(ctx context.Context, rate float64) error
	ResetTimer(ctx context.Context) error
	SetTimerDuration(ctx context.Context, d time.Duration) error
	Shutdown(ctx context.Context) error
}

// DAQ reads the sample thermocouples and routes the sample leads.
type DAQ interface {
	Thermopower(ctx context.Context) (daq.Thermopower, error)
	ToggleSwitch(ctx context.Context, mode daq.Mode) error
	Shutdown(ctx context.Context) error
}

// LCR sweeps the sample impedance.
type LCR interface {
	Configure(ctx context.Context, freqs []float64) error
	Frequencies() []float64
	Sweep(ctx context.Context, n int) ([]lcr.Impedance, error)
	Shutdown(ctx context.Context) error
}

// GasBank sets the buffer gas mix.
type GasBank interface {
	Limits() map[string]float64
	GetAll(ctx context.Context) (map[string]float64, error)
	SetAll(ctx context.Context, flows map[string]float64) error
	Shutdown(ctx context.Context) error
}

// Stage positions the sample in the furnace, in controller pulses.
type Stage interface {
	Position(ctx context.Context) (int, error)
	GoTo(ctx context.Context, position int) error
}

// errorQueue is implemented by instruments that report queued errors.
type errorQueue interface {
	Errors(ctx context.Context) ([]string, error)
}

// connector is implemented by instruments that can report their link.
type connector interface {
	Connected(ctx context.Context) bool
}

// Instruments is the bench. Furnace and DAQ are required; the rest may
// be nil when the lab runs without them.
type Instruments struct {
	Furnace Furnace
	DAQ     DAQ
	LCR     LCR
	Gas     GasBank
	Stage   Stage
}

// RegisterShutdown adds the instruments to m in shutdown order: furnace,
// gas, stage, DAQ, LCR.
func RegisterShutdown(m *safety.Manager, in Instruments) {
	if in.Furnace != nil {
		m.Register("furnace", in.Furnace)
	}
	if in.Gas != nil {
		m.Register("gas", in.Gas)
	}
	if s, ok := in.Stage.(safety.Shutdowner); ok {
		m.Register("stage", s)
	}
	if in.DAQ != nil {
		m.Register("daq", in.DAQ)
	}
	if in.LCR != nil {
		m.Register("lcr", in.LCR)
	}
}
