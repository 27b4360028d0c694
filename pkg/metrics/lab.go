// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"math"
	"sync"
	"time"

	"furnace-lab/pkg/record"
)

// LabMetrics are the gauges and counters exported while a run is active.
type LabMetrics struct {
	registry *Registry

	FurnaceIndicated *Gauge
	FurnaceTarget    *Gauge
	Thermocouple     *Gauge
	Voltage          *Gauge
	StagePosition    *Gauge
	GasFlow          *Gauge
	LogFugacity      *Gauge
	CurrentStep      *Gauge

	Cycles           *Counter
	StepsCompleted   *Counter
	InstrumentErrors *Counter
	Shutdowns        *Counter

	CycleDuration *Histogram

	mu   sync.RWMutex
	last *record.Reading
}

// NewLabMetrics creates and registers the lab metrics on a fresh registry.
func NewLabMetrics() *LabMetrics {
	m := &LabMetrics{
		registry: NewRegistry(),

		FurnaceIndicated: NewGauge("lab_furnace_indicated_celsius", "Furnace process value"),
		FurnaceTarget:    NewGauge("lab_furnace_target_celsius", "Furnace setpoint 1"),
		Thermocouple:     NewGauge("lab_thermocouple_celsius", "DAQ thermocouple temperature"),
		Voltage:          NewGauge("lab_thermopower_volts", "Thermopower voltage across the sample"),
		StagePosition:    NewGauge("lab_stage_position_mm", "Linear stage position"),
		GasFlow:          NewGauge("lab_gas_flow_sccm", "Mass flow per gas controller"),
		LogFugacity:      NewGauge("lab_log_fugacity", "Log oxygen fugacity the gas mix is set for"),
		CurrentStep:      NewGauge("lab_current_step", "Index of the running control file step"),

		Cycles:           NewCounter("lab_cycles_total", "Measurement cycles completed"),
		StepsCompleted:   NewCounter("lab_steps_completed_total", "Control file steps completed"),
		InstrumentErrors: NewCounter("lab_instrument_errors_total", "Instrument communication failures"),
		Shutdowns:        NewCounter("lab_shutdowns_total", "Run shutdowns by reason"),

		CycleDuration: NewHistogram("lab_cycle_duration_seconds", "Time spent reading instruments per cycle", CycleBuckets()),
	}
	m.registry.MustRegister(
		m.FurnaceIndicated, m.FurnaceTarget, m.Thermocouple, m.Voltage,
		m.StagePosition, m.GasFlow, m.LogFugacity, m.CurrentStep,
		m.Cycles, m.StepsCompleted, m.InstrumentErrors, m.Shutdowns,
		m.CycleDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *LabMetrics) Registry() *Registry {
	return m.registry
}

// Gather returns all metrics in Prometheus text format.
func (m *LabMetrics) Gather() string {
	return m.registry.Gather()
}

// Observe records one cycle. NaN values leave the previous gauge value.
func (m *LabMetrics) Observe(r record.Reading, took time.Duration) {
	setGauge(m.FurnaceIndicated, nil, r.Furnace.Indicated)
	setGauge(m.FurnaceTarget, nil, r.Furnace.Target)
	setGauge(m.Thermocouple, Labels{"sensor": "reference"}, r.DAQ.Reference)
	setGauge(m.Thermocouple, Labels{"sensor": "thermo_1"}, r.DAQ.Thermo1)
	setGauge(m.Thermocouple, Labels{"sensor": "thermo_2"}, r.DAQ.Thermo2)
	setGauge(m.Voltage, nil, r.DAQ.Voltage)
	setGauge(m.StagePosition, nil, r.StagePosition)
	for name, flow := range r.Gas {
		setGauge(m.GasFlow, Labels{"gas": name}, flow)
	}
	setGauge(m.LogFugacity, nil, r.Fugacity.LogFugacity)
	m.CurrentStep.Set(nil, float64(r.Step))
	m.Cycles.Inc(nil)
	m.CycleDuration.ObserveDuration(nil, took)

	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
}

// Last returns the most recent observed reading.
func (m *LabMetrics) Last() (record.Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return record.Reading{}, false
	}
	return *m.last, true
}

func (m *LabMetrics) StepCompleted() {
	m.StepsCompleted.Inc(nil)
}

func (m *LabMetrics) RecordInstrumentError(instrument string) {
	m.InstrumentErrors.Inc(Labels{"instrument": instrument})
}

func (m *LabMetrics) RecordShutdown(reason string) {
	m.Shutdowns.Inc(Labels{"reason": reason})
}

func setGauge(g *Gauge, l Labels, v float64) {
	if math.IsNaN(v) {
		return
	}
	g.Set(l, v)
}
