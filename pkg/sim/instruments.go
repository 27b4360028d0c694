// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/daq"
	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/lcr"
)

// Ambient is the room temperature the furnace starts at, in C.
const Ambient = 25.0

// Furnace ramps its process value towards setpoint 1 at the heating rate.
type Furnace struct {
	fault
	clock *Clock

	mu        sync.Mutex
	temp      float64
	setpoint  float64
	rate      float64 // C/min
	updated   time.Time
	timer     time.Duration
	timerSet  time.Time
	shutdowns int
}

func NewFurnace(clock *Clock) *Furnace {
	return &Furnace{clock: clock, temp: Ambient, setpoint: Ambient, rate: 10, updated: clock.Now()}
}

// step advances the model to the clock. Caller holds f.mu.
func (f *Furnace) step() {
	now := f.clock.Now()
	minutes := now.Sub(f.updated).Minutes()
	f.updated = now
	if minutes <= 0 {
		return
	}
	delta := f.rate * minutes
	switch {
	case f.temp < f.setpoint:
		f.temp = math.Min(f.setpoint, f.temp+delta)
	case f.temp > f.setpoint:
		f.temp = math.Max(f.setpoint, f.temp-delta)
	}
}

// Temperature is the current process value without fault checks.
func (f *Furnace) Temperature() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step()
	return f.temp
}

func (f *Furnace) Indicated(ctx context.Context) (float64, error) {
	if err := f.check("furnace", "indicated temperature"); err != nil {
		return 0, err
	}
	return f.Temperature(), nil
}

func (f *Furnace) Setpoint1(ctx context.Context) (float64, error) {
	if err := f.check("furnace", "setpoint 1"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setpoint, nil
}

func (f *Furnace) SetSetpoint1(ctx context.Context, temp float64) error {
	if err := f.check("furnace", "setpoint 1"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step()
	f.setpoint = temp
	return nil
}

func (f *Furnace) HeatingRate(ctx context.Context) (float64, error) {
	if err := f.check("furnace", "heating rate"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate, nil
}

func (f *Furnace) SetHeatingRate(ctx context.Context, rate float64) error {
	if err := f.check("furnace", "heating rate"); err != nil {
		return err
	}
	if rate <= 0 {
		return laberrors.InstrumentWrite("furnace", "heating rate", fmt.Errorf("rate %v must be positive", rate))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step()
	f.rate = rate
	return nil
}

func (f *Furnace) ResetTimer(ctx context.Context) error {
	if err := f.check("furnace", "timer status"); err != nil {
		return err
	}
	f.mu.Lock()
	f.timerSet = f.clock.Now()
	f.mu.Unlock()
	return nil
}

func (f *Furnace) SetTimerDuration(ctx context.Context, d time.Duration) error {
	if err := f.check("furnace", "timer duration"); err != nil {
		return err
	}
	f.mu.Lock()
	f.timer = d
	f.mu.Unlock()
	return nil
}

// TimerDuration returns the last dwell length written.
func (f *Furnace) TimerDuration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timer
}

// Shutdown returns setpoint 1 to 40 C. It ignores faults so shutdown
// can always be observed.
func (f *Furnace) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step()
	f.setpoint = 40
	f.shutdowns++
	return nil
}

// Shutdowns counts Shutdown calls.
func (f *Furnace) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Seebeck is the simulated sample thermopower in V/K.
const Seebeck = -2e-4

// DAQ reads thermocouples a little either side of the furnace temperature.
type DAQ struct {
	fault
	furnace *Furnace

	mu        sync.Mutex
	mode      daq.Mode
	toggles   []daq.Mode
	shutdowns int
}

func NewDAQ(furnace *Furnace) *DAQ {
	return &DAQ{furnace: furnace, mode: daq.ModeThermo}
}

func (d *DAQ) Thermopower(ctx context.Context) (daq.Thermopower, error) {
	if err := d.check("daq", "thermopower"); err != nil {
		return daq.Thermopower{}, err
	}
	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()
	if mode != daq.ModeThermo {
		return daq.Thermopower{}, laberrors.InstrumentRead("daq", "thermopower", fmt.Errorf("switch is in %s mode", mode))
	}
	t := d.furnace.Temperature()
	t1, t2 := t+0.3, t-0.3
	return daq.Thermopower{
		Temperatures: daq.Temperatures{Reference: Ambient, Thermo1: t1, Thermo2: t2},
		Voltage:      Seebeck * (t1 - t2),
	}, nil
}

func (d *DAQ) ToggleSwitch(ctx context.Context, mode daq.Mode) error {
	if err := d.check("daq", "switch"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	d.toggles = append(d.toggles, mode)
	return nil
}

// Mode returns the switch position.
func (d *DAQ) Mode() daq.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Toggles returns every switch position set, in order.
func (d *DAQ) Toggles() []daq.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]daq.Mode(nil), d.toggles...)
}

// Errors reports a fault as a queued instrument error.
func (d *DAQ) Errors(ctx context.Context) ([]string, error) {
	if err := d.check("daq", "error queue"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *DAQ) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = daq.ModeThermo
	d.shutdowns++
	return nil
}

func (d *DAQ) Shutdowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

// LCR returns the impedance of a parallel RC element in series with a
// lead resistance. The element resistance falls with temperature.
type LCR struct {
	fault
	furnace *Furnace
	daq     *DAQ

	Series      float64 // ohm
	Capacitance float64 // F

	mu        sync.Mutex
	freqs     []float64
	shutdowns int
}

func NewLCR(furnace *Furnace, d *DAQ) *LCR {
	return &LCR{furnace: furnace, daq: d, Series: 20, Capacitance: 1e-9}
}

// Resistance is the element resistance at temp C.
func Resistance(temp float64) float64 {
	return 1e4 * math.Exp(4000*(1/(temp+273.15)-1/(1000+273.15)))
}

func (l *LCR) Configure(ctx context.Context, freqs []float64) error {
	if err := l.check("lcr", "frequency list"); err != nil {
		return err
	}
	if len(freqs) == 0 {
		return laberrors.InstrumentWrite("lcr", "frequency list", fmt.Errorf("empty frequency list"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freqs = append([]float64(nil), freqs...)
	return nil
}

func (l *LCR) Frequencies() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.freqs...)
}

// Sweep measures n points of the configured list. The DAQ switch must be
// routed to the meter.
func (l *LCR) Sweep(ctx context.Context, n int) ([]lcr.Impedance, error) {
	if err := l.check("lcr", "impedance"); err != nil {
		return nil, err
	}
	if l.daq != nil && l.daq.Mode() != daq.ModeImpedance {
		return nil, laberrors.InstrumentRead("lcr", "impedance", fmt.Errorf("sample is not switched to the meter"))
	}
	freqs := l.Frequencies()
	if n > len(freqs) {
		return nil, laberrors.InstrumentRead("lcr", "impedance", fmt.Errorf("sweep of %d points exceeds %d frequencies", n, len(freqs)))
	}
	r := Resistance(l.furnace.Temperature())
	out := make([]lcr.Impedance, n)
	for i, f := range freqs[:n] {
		w := 2 * math.Pi * f
		z := complex(l.Series, 0) + complex(r, 0)/complex(1, w*r*l.Capacitance)
		out[i] = lcr.Impedance{Z: cmplx.Abs(z), Theta: cmplx.Phase(z)}
	}
	return out, nil
}

func (l *LCR) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdowns++
	return nil
}

func (l *LCR) Shutdowns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdowns
}

// Gas echoes setpoints as mass flows.
type Gas struct {
	fault

	mu      sync.Mutex
	limits  map[string]float64
	flows   map[string]float64
	history []map[string]float64
	resets  int
}

func NewGas(controllers []config.GasController) *Gas {
	g := &Gas{limits: make(map[string]float64), flows: make(map[string]float64)}
	for _, c := range controllers {
		g.limits[c.Name] = c.UpperLimit
		g.flows[c.Name] = 0
	}
	return g
}

func (g *Gas) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.limits))
	for n := range g.limits {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *Gas) Limits() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.limits))
	for k, v := range g.limits {
		out[k] = v
	}
	return out
}

func (g *Gas) GetAll(ctx context.Context) (map[string]float64, error) {
	if err := g.check("gas", "mass flow"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.flows))
	for k, v := range g.flows {
		out[k] = v
	}
	return out, nil
}

func (g *Gas) SetAll(ctx context.Context, flows map[string]float64) error {
	if err := g.check("gas", "setpoint"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, v := range flows {
		limit, ok := g.limits[name]
		if !ok {
			return laberrors.InstrumentWrite("gas "+name, "setpoint", fmt.Errorf("no controller named %q", name))
		}
		if v < 0 || v > limit {
			return laberrors.InstrumentWrite("gas "+name, "setpoint", fmt.Errorf("%v outside 0 to %v sccm", v, limit))
		}
	}
	applied := make(map[string]float64, len(flows))
	for name, v := range flows {
		g.flows[name] = v
		applied[name] = v
	}
	g.history = append(g.history, applied)
	return nil
}

// History returns every flow map applied with SetAll.
func (g *Gas) History() []map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]float64(nil), g.history...)
}

func (g *Gas) ResetAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.flows {
		g.flows[k] = 0
	}
	g.resets++
	return nil
}

func (g *Gas) Shutdown(ctx context.Context) error {
	return g.ResetAll(ctx)
}

func (g *Gas) Resets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resets
}

// Stage holds a position in pulses.
type Stage struct {
	fault

	mu       sync.Mutex
	position int
	max      int
	moves    []int
}

func NewStage(position, maxPosition int) *Stage {
	return &Stage{position: position, max: maxPosition}
}

func (s *Stage) Position(ctx context.Context) (int, error) {
	if err := s.check("stage", "position"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *Stage) GoTo(ctx context.Context, position int) error {
	if err := s.check("stage", "position"); err != nil {
		return err
	}
	// Out of range targets clamp to the travel, as the controller does.
	if position < 0 {
		position = 0
	}
	if s.max > 0 && position > s.max {
		position = s.max
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
	s.moves = append(s.moves, position)
	return nil
}

// Connected reports false while a fault is active.
func (s *Stage) Connected(ctx context.Context) bool {
	return s.check("stage", "status") == nil
}

// Moves returns every position passed to GoTo.
func (s *Stage) Moves() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.moves...)
}

func (s *Stage) Shutdown(ctx context.Context) error { return nil }

// Lab is a full simulated bench sharing one clock.
type Lab struct {
	Clock   *Clock
	Furnace *Furnace
	DAQ     *DAQ
	LCR     *LCR
	Gas     *Gas
	Stage   *Stage
}

// NewLab builds a bench whose clock starts at start.
func NewLab(start time.Time, controllers []config.GasController, maxPosition int) *Lab {
	clock := NewClock(start)
	f := NewFurnace(clock)
	d := NewDAQ(f)
	return &Lab{
		Clock:   clock,
		Furnace: f,
		DAQ:     d,
		LCR:     NewLCR(f, d),
		Gas:     NewGas(controllers),
		Stage:   NewStage(maxPosition/2, maxPosition),
	}
}
