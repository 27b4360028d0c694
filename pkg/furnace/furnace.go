// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package furnace drives a Eurotherm 3216 temperature controller over
// Modbus RTU. Temperatures are in degrees C.
package furnace

import (
	"context"
	"fmt"
	"math"
	"time"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/modbus"
	"furnace-lab/pkg/transport"
)

// Register addresses
const (
	RegIndicated       uint16 = 1
	RegSetpointSelect  uint16 = 15
	RegTimerStatus     uint16 = 23
	RegSetpoint1       uint16 = 24
	RegSetpoint2       uint16 = 25
	RegHeatingRate     uint16 = 35
	RegDisplay         uint16 = 106
	RegInstrumentType  uint16 = 107
	RegTimerType       uint16 = 320
	RegTimerResolution uint16 = 321
	RegTimerDuration   uint16 = 324
	RegTimerEndType    uint16 = 328
)

// instrumentType3216 is the value of RegInstrumentType on a 3216.
const instrumentType3216 = 531

// MaxTimerDuration is the longest timer the controller accepts at M:S resolution.
const MaxTimerDuration = 99*time.Minute + 59*time.Second

const name = "furnace"

// Client talks to one controller.
type Client struct {
	bus              *modbus.Client
	slave            byte
	maxTries         int
	resetTemperature float64
	log              *log.Logger
}

// Options configures a Client.
type Options struct {
	Slave            int
	MaxTries         int
	ResetTemperature float64
}

// New returns a controller client on conn.
func New(conn transport.Conn, opts Options) *Client {
	if opts.Slave == 0 {
		opts.Slave = 1
	}
	if opts.MaxTries < 1 {
		opts.MaxTries = 1
	}
	return &Client{
		bus:              modbus.NewClient(conn),
		slave:            byte(opts.Slave),
		maxTries:         opts.MaxTries,
		resetTemperature: opts.ResetTemperature,
		log:              log.GetLogger(name),
	}
}

func (c *Client) read(ctx context.Context, reg uint16, decimals int, what string) (float64, error) {
	var v float64
	err := transport.Retry(ctx, c.maxTries, func() error {
		var err error
		v, err = c.bus.ReadRegister(ctx, c.slave, reg, decimals, false)
		return err
	})
	if err != nil {
		return 0, laberrors.InstrumentRead(name, what, err).SetContext("register", reg)
	}
	c.log.Debug("%s = %v", what, v)
	return v, nil
}

func (c *Client) write(ctx context.Context, reg uint16, value float64, decimals int, what string) error {
	c.log.Debug("setting %s to %v", what, value)
	err := transport.Retry(ctx, c.maxTries, func() error {
		return c.bus.WriteRegister(ctx, c.slave, reg, value, decimals, false)
	})
	if err != nil {
		return laberrors.InstrumentWrite(name, what, err).SetContext("register", reg)
	}
	return nil
}

// Probe checks that a 3216 answers on the line.
func (c *Client) Probe(ctx context.Context) error {
	v, err := c.read(ctx, RegInstrumentType, 0, "instrument type")
	if err != nil {
		return laberrors.InstrumentConnect(name, err)
	}
	if int(v) != instrumentType3216 {
		return laberrors.InstrumentResponse(name, fmt.Sprintf("instrument type %v", v))
	}
	return nil
}

// Configure prepares the controller for a run. Setpoint 2 becomes the
// reset temperature that the dwell timer transfers to if the host stops
// resetting it.
func (c *Client) Configure(ctx context.Context) error {
	c.log.Info("configuring furnace")
	steps := []func() error{
		func() error { return c.SetSetpoint2(ctx, c.resetTemperature) },
		func() error { return c.SelectSetpoint(ctx, Setpoint1) },
		func() error { return c.SetDisplay(ctx, DisplayTimeRemaining) },
		func() error { return c.SetTimerType(ctx, TimerDwell) },
		func() error { return c.SetTimerEndType(ctx, EndTransfer) },
		func() error { return c.SetTimerResolution(ctx, ResolutionMinSec) },
		func() error { return c.SetTimerStatus(ctx, TimerReset) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Indicated returns the measured process value.
func (c *Client) Indicated(ctx context.Context) (float64, error) {
	return c.read(ctx, RegIndicated, 0, "indicated temperature")
}

// Setpoint1 returns the working target.
func (c *Client) Setpoint1(ctx context.Context) (float64, error) {
	return c.read(ctx, RegSetpoint1, 0, "setpoint 1")
}

// SetSetpoint1 sets the working target.
func (c *Client) SetSetpoint1(ctx context.Context, temp float64) error {
	return c.write(ctx, RegSetpoint1, temp, 0, "setpoint 1")
}

// Setpoint2 returns the fallback target.
func (c *Client) Setpoint2(ctx context.Context) (float64, error) {
	return c.read(ctx, RegSetpoint2, 0, "setpoint 2")
}

// SetSetpoint2 sets the fallback target.
func (c *Client) SetSetpoint2(ctx context.Context, temp float64) error {
	return c.write(ctx, RegSetpoint2, temp, 0, "setpoint 2")
}

// HeatingRate returns the ramp rate in C/min.
func (c *Client) HeatingRate(ctx context.Context) (float64, error) {
	return c.read(ctx, RegHeatingRate, 1, "heating rate")
}

// SetHeatingRate sets the ramp rate in C/min.
func (c *Client) SetHeatingRate(ctx context.Context, rate float64) error {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return fmt.Errorf("furnace: heating rate must be positive and finite, got %v", rate)
	}
	return c.write(ctx, RegHeatingRate, rate, 1, "heating rate")
}

// Setpoint returns the active setpoint selection.
func (c *Client) Setpoint(ctx context.Context) (Setpoint, error) {
	v, err := c.read(ctx, RegSetpointSelect, 0, "setpoint select")
	if err != nil {
		return 0, err
	}
	sp := Setpoint(v)
	if sp != Setpoint1 && sp != Setpoint2 {
		return 0, laberrors.InstrumentResponse(name, fmt.Sprintf("setpoint select %v", v))
	}
	return sp, nil
}

// SelectSetpoint chooses the working setpoint.
func (c *Client) SelectSetpoint(ctx context.Context, sp Setpoint) error {
	if sp != Setpoint1 && sp != Setpoint2 {
		return fmt.Errorf("furnace: invalid setpoint %d", sp)
	}
	return c.write(ctx, RegSetpointSelect, float64(sp), 0, "setpoint select")
}

// SetDisplay selects what the front panel shows.
func (c *Client) SetDisplay(ctx context.Context, d Display) error {
	if d < DisplayStandard || d > DisplayCompositeTime {
		return fmt.Errorf("furnace: invalid display %d", d)
	}
	return c.write(ctx, RegDisplay, float64(d), 0, "display")
}

// TimerStatus returns the timer state.
func (c *Client) TimerStatus(ctx context.Context) (TimerStatus, error) {
	v, err := c.read(ctx, RegTimerStatus, 0, "timer status")
	if err != nil {
		return 0, err
	}
	s := TimerStatus(v)
	if s < TimerReset || s > TimerEnd {
		return 0, laberrors.InstrumentResponse(name, fmt.Sprintf("timer status %v", v))
	}
	return s, nil
}

// SetTimerStatus controls the timer. TimerEnd is read-only.
func (c *Client) SetTimerStatus(ctx context.Context, s TimerStatus) error {
	if s < TimerReset || s > TimerHold {
		return fmt.Errorf("furnace: timer status %s cannot be set", s)
	}
	return c.write(ctx, RegTimerStatus, float64(s), 0, "timer status")
}

// ResetTimer restarts the dwell timer from zero.
func (c *Client) ResetTimer(ctx context.Context) error {
	if err := c.SetTimerStatus(ctx, TimerReset); err != nil {
		return err
	}
	return c.SetTimerStatus(ctx, TimerRun)
}

// TimerType returns the timer mode.
func (c *Client) TimerType(ctx context.Context) (TimerType, error) {
	v, err := c.read(ctx, RegTimerType, 0, "timer type")
	if err != nil {
		return 0, err
	}
	return TimerType(v), nil
}

// SetTimerType sets the timer mode.
func (c *Client) SetTimerType(ctx context.Context, t TimerType) error {
	if t < TimerOff || t > TimerSoftStart {
		return fmt.Errorf("furnace: invalid timer type %d", t)
	}
	return c.write(ctx, RegTimerType, float64(t), 0, "timer type")
}

// TimerEndType returns what happens when the timer runs out.
func (c *Client) TimerEndType(ctx context.Context) (EndType, error) {
	v, err := c.read(ctx, RegTimerEndType, 0, "timer end type")
	if err != nil {
		return 0, err
	}
	return EndType(v), nil
}

// SetTimerEndType sets what happens when the timer runs out.
func (c *Client) SetTimerEndType(ctx context.Context, e EndType) error {
	if e < EndOff || e > EndTransfer {
		return fmt.Errorf("furnace: invalid timer end type %d", e)
	}
	return c.write(ctx, RegTimerEndType, float64(e), 0, "timer end type")
}

// SetTimerResolution selects H:M or M:S.
func (c *Client) SetTimerResolution(ctx context.Context, r Resolution) error {
	if r != ResolutionHourMin && r != ResolutionMinSec {
		return fmt.Errorf("furnace: invalid timer resolution %d", r)
	}
	return c.write(ctx, RegTimerResolution, float64(r), 0, "timer resolution")
}

// TimerResolution returns the timer resolution.
func (c *Client) TimerResolution(ctx context.Context) (Resolution, error) {
	v, err := c.read(ctx, RegTimerResolution, 0, "timer resolution")
	if err != nil {
		return 0, err
	}
	return Resolution(v), nil
}

// TimerDuration returns the dwell length.
func (c *Client) TimerDuration(ctx context.Context) (time.Duration, error) {
	v, err := c.read(ctx, RegTimerDuration, 0, "timer duration")
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

// SetTimerDuration sets the dwell length, truncated to whole seconds.
func (c *Client) SetTimerDuration(ctx context.Context, d time.Duration) error {
	if d < 0 || d > MaxTimerDuration {
		return fmt.Errorf("furnace: timer duration %v exceeds %v", d, MaxTimerDuration)
	}
	return c.write(ctx, RegTimerDuration, float64(int(d/time.Second)), 0, "timer duration")
}

// Shutdown returns setpoint 1 to the reset temperature and resets the
// timer. Both are attempted even if the first fails.
func (c *Client) Shutdown(ctx context.Context) error {
	c.log.Warn("resetting furnace to %.0f C", c.resetTemperature)
	err1 := c.SetSetpoint1(ctx, c.resetTemperature)
	err2 := c.SetTimerStatus(ctx, TimerReset)
	if err1 != nil {
		return err1
	}
	return err2
}

// Close closes the line.
func (c *Client) Close() error {
	return c.bus.Close()
}
