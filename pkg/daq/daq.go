// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package daq drives a Keysight 34970A data logger wired for thermopower
// and for switching the sample leads to the LCR meter.
package daq

import (
	"context"
	"fmt"
	"math"
	"strings"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/scpi"
	"furnace-lab/pkg/transport"
)

const name = "daq"

// Mode selects where the sample leads go.
type Mode int

const (
	// ModeThermo opens the switch for thermopower measurements.
	ModeThermo Mode = iota
	// ModeImpedance closes the switch to route the sample to the LCR meter.
	ModeImpedance
)

func (m Mode) String() string {
	if m == ModeImpedance {
		return "impedance"
	}
	return "thermo"
}

// Wiring names the channels as physically wired in the logger.
type Wiring struct {
	Reference      string // thermistor
	ElectrodeA     string // S-type thermocouple
	ElectrodeB     string // S-type thermocouple
	Voltage        string
	Switch         []string
	LCR            []string
	ThermistorKOhm float64
	TempNPLC       float64
	VoltNPLC       float64
}

// DefaultWiring is the wiring of the lab logger.
func DefaultWiring() Wiring {
	return Wiring{
		Reference:      "101",
		ElectrodeA:     "104",
		ElectrodeB:     "105",
		Voltage:        "103",
		Switch:         []string{"205", "206"},
		LCR:            []string{"203", "204", "207", "208"},
		ThermistorKOhm: 10,
		TempNPLC:       10,
		VoltNPLC:       10,
	}
}

// Temperatures is one scan of the temperature channels in C.
type Temperatures struct {
	Reference float64
	Thermo1   float64
	Thermo2   float64
}

// Mean returns the average of the two sample thermocouples.
func (t Temperatures) Mean() float64 {
	return (t.Thermo1 + t.Thermo2) / 2
}

// Thermopower is a temperature scan plus the sample voltage.
type Thermopower struct {
	Temperatures
	Voltage float64
}

// Client talks to one logger.
type Client struct {
	scpi   *scpi.Client
	wiring Wiring
	log    *log.Logger
}

// New returns a logger client on conn.
func New(conn transport.Conn, wiring Wiring, maxTries int) *Client {
	return &Client{
		scpi:   scpi.NewClient(name, conn, maxTries),
		wiring: wiring,
		log:    log.GetLogger(name),
	}
}

// Wiring returns the channel assignment.
func (c *Client) Wiring() Wiring { return c.wiring }

// Configure resets the logger and programs every channel.
func (c *Client) Configure(ctx context.Context) error {
	c.log.Info("configuring DAQ")
	w := c.wiring
	temps := scpi.ChannelList(w.Reference, w.ElectrodeA, w.ElectrodeB)
	tcs := scpi.ChannelList(w.ElectrodeA, w.ElectrodeB)
	cmds := []string{
		fmt.Sprintf("CONF:TEMP TC,S,%s", tcs),
		fmt.Sprintf("CONF:TEMP THER,%d,%s", int(w.ThermistorKOhm*1000), scpi.ChannelList(w.Reference)),
		fmt.Sprintf("UNIT:TEMP C,%s", temps),
		fmt.Sprintf("SENS:TEMP:TRAN:TC:RJUN:TYPE EXT,%s", tcs),
		fmt.Sprintf("SENS:TEMP:NPLC %g,%s", w.TempNPLC, temps),
		fmt.Sprintf("CONF:VOLT:DC %s", scpi.ChannelList(w.Voltage)),
		fmt.Sprintf("SENS:VOLT:DC:NPLC %g,%s", w.VoltNPLC, scpi.ChannelList(w.Voltage)),
	}
	if err := c.Reset(ctx); err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := c.scpi.Write(ctx, cmd); err != nil {
			return err
		}
	}
	return c.ToggleSwitch(ctx, ModeThermo)
}

// Reset clears the logger and closes the LCR actuator channels.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.scpi.Reset(ctx); err != nil {
		return err
	}
	return c.CloseChannels(ctx, c.wiring.LCR...)
}

func (c *Client) scan(ctx context.Context, want int, channels ...string) ([]float64, error) {
	if err := c.scpi.Write(ctx, "ROUT:SCAN "+scpi.ChannelList(channels...)); err != nil {
		return nil, err
	}
	vals, err := c.scpi.QueryFloats(ctx, "READ?")
	if err != nil {
		return nil, err
	}
	if len(vals) != want {
		return nil, laberrors.InstrumentResponse(name,
			fmt.Sprintf("%d values for scan of %s", len(vals), strings.Join(channels, ",")))
	}
	return vals, nil
}

// Temperatures scans the reference and both thermocouples.
func (c *Client) Temperatures(ctx context.Context) (Temperatures, error) {
	w := c.wiring
	vals, err := c.scan(ctx, 3, w.Reference, w.ElectrodeA, w.ElectrodeB)
	if err != nil {
		return Temperatures{}, err
	}
	return Temperatures{Reference: vals[0], Thermo1: vals[1], Thermo2: vals[2]}, nil
}

// Voltage scans the voltage channel.
func (c *Client) Voltage(ctx context.Context) (float64, error) {
	vals, err := c.scan(ctx, 1, c.wiring.Voltage)
	if err != nil {
		return math.NaN(), err
	}
	return vals[0], nil
}

// Thermopower reads temperatures then voltage.
func (c *Client) Thermopower(ctx context.Context) (Thermopower, error) {
	temps, err := c.Temperatures(ctx)
	if err != nil {
		return Thermopower{}, err
	}
	v, err := c.Voltage(ctx)
	if err != nil {
		return Thermopower{}, err
	}
	return Thermopower{Temperatures: temps, Voltage: v}, nil
}

// MeanTemperature returns the mean sample temperature.
func (c *Client) MeanTemperature(ctx context.Context) (float64, error) {
	temps, err := c.Temperatures(ctx)
	if err != nil {
		return math.NaN(), err
	}
	return temps.Mean(), nil
}

// ToggleSwitch routes the sample leads.
func (c *Client) ToggleSwitch(ctx context.Context, mode Mode) error {
	c.log.Debug("switch to %s", mode)
	switch mode {
	case ModeThermo:
		return c.OpenChannels(ctx, c.wiring.Switch...)
	case ModeImpedance:
		return c.CloseChannels(ctx, c.wiring.Switch...)
	}
	return fmt.Errorf("daq: unknown switch mode %d", mode)
}

// OpenChannels opens relay channels.
func (c *Client) OpenChannels(ctx context.Context, channels ...string) error {
	return c.route(ctx, "OPEN", channels)
}

// CloseChannels closes relay channels.
func (c *Client) CloseChannels(ctx context.Context, channels ...string) error {
	return c.route(ctx, "CLOS", channels)
}

func (c *Client) route(ctx context.Context, op string, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	return c.scpi.Write(ctx, fmt.Sprintf("ROUT:%s %s", op, scpi.ChannelList(channels...)))
}

// maxErrorReads bounds Errors if the queue never empties.
const maxErrorReads = 20

// Errors drains the error queue. An empty queue reads "+0,No error".
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	var out []string
	for i := 0; i < maxErrorReads; i++ {
		resp, err := c.scpi.Query(ctx, "SYST:ERR?")
		if err != nil {
			return out, err
		}
		if strings.HasPrefix(resp, "+0") || strings.HasPrefix(resp, "0,") {
			break
		}
		out = append(out, resp)
	}
	for _, e := range out {
		c.log.Warn("instrument error: %s", e)
	}
	return out, nil
}

// Shutdown resets the logger and closes the line.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.Reset(ctx)
	if cerr := c.scpi.Close(); err == nil {
		err = cerr
	}
	c.log.Warn("DAQ shut down and port closed")
	return err
}
