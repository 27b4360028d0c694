// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package lcr drives a Keysight E4980A precision LCR meter in list-sweep
// mode, measuring impedance magnitude and phase.
package lcr

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/scpi"
	"furnace-lab/pkg/transport"
)

const name = "lcr"

// Frequency limits of the meter in Hz.
const (
	MinFrequency = 20.0
	MaxFrequency = 2e6
)

// Impedance is one complex impedance point: magnitude in ohms and phase
// in radians. An overflowed reading is NaN.
type Impedance struct {
	Z     float64 `json:"z"`
	Theta float64 `json:"theta"`
}

// Client talks to one meter.
type Client struct {
	scpi  *scpi.Client
	freqs []float64
	log   *log.Logger
}

// New returns a meter client on conn.
func New(conn transport.Conn, maxTries int) *Client {
	return &Client{
		scpi: scpi.NewClient(name, conn, maxTries),
		log:  log.GetLogger(name),
	}
}

// Frequencies builds a sweep of n points between min and max, rounded to
// whole Hz. Points are geometrically spaced when logScale is set.
func Frequencies(min, max float64, n int, logScale bool) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("lcr: need at least one frequency, got %d", n)
	}
	if min > max {
		return nil, fmt.Errorf("lcr: minimum frequency %g above maximum %g", min, max)
	}
	if err := checkRange(min); err != nil {
		return nil, err
	}
	if err := checkRange(max); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = math.Round(min)
		return out, nil
	}
	for i := range out {
		frac := float64(i) / float64(n-1)
		if logScale {
			out[i] = math.Round(min * math.Pow(max/min, frac))
		} else {
			out[i] = math.Round(min + (max-min)*frac)
		}
	}
	return out, nil
}

func checkRange(f float64) error {
	if f < MinFrequency || f > MaxFrequency {
		return fmt.Errorf("lcr: frequency %g Hz outside %g..%g Hz", f, MinFrequency, MaxFrequency)
	}
	return nil
}

// FrequencyList formats freqs for :LIST:FREQ.
func FrequencyList(freqs []float64) string {
	parts := make([]string, len(freqs))
	for i, f := range freqs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Configure resets the meter and loads the sweep list.
func (c *Client) Configure(ctx context.Context, freqs []float64) error {
	if len(freqs) == 0 {
		return laberrors.Setup("no frequencies selected for measurement")
	}
	for _, f := range freqs {
		if err := checkRange(f); err != nil {
			return laberrors.Wrap(err, laberrors.ErrSetup, "invalid sweep").SetInstrument(name)
		}
	}
	c.log.Info("configuring LCR meter with %d frequencies", len(freqs))
	if err := c.scpi.Reset(ctx); err != nil {
		return err
	}
	cmds := []string{
		"FORM:ASC:LONG ON",
		"DISP:PAGE LIST",
		"FUNC:IMP ZTR",
		":LIST:FREQ " + FrequencyList(freqs),
		"LIST:MODE STEP",
		"TRIG:SOUR BUS",
		"INIT:CONT ON",
	}
	for _, cmd := range cmds {
		if err := c.scpi.Write(ctx, cmd); err != nil {
			return err
		}
	}
	c.freqs = append([]float64(nil), freqs...)
	return nil
}

// Frequencies returns the loaded sweep list.
func (c *Client) Frequencies() []float64 {
	return c.freqs
}

// Impedance triggers and fetches the next list point.
func (c *Client) Impedance(ctx context.Context) (Impedance, error) {
	if err := c.scpi.Write(ctx, "TRIG:IMM"); err != nil {
		return Impedance{}, err
	}
	vals, err := c.scpi.QueryFloats(ctx, "FETCh?")
	if err != nil {
		return Impedance{}, err
	}
	// FETCh? may append a status field after Z and theta.
	if len(vals) < 2 {
		return Impedance{}, laberrors.InstrumentResponse(name, fmt.Sprintf("%d values from FETCh?", len(vals)))
	}
	return Impedance{Z: vals[0], Theta: vals[1]}, nil
}

// Sweep takes n impedance points, one per list frequency.
func (c *Client) Sweep(ctx context.Context, n int) ([]Impedance, error) {
	out := make([]Impedance, 0, n)
	for i := 0; i < n; i++ {
		z, err := c.Impedance(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, z)
	}
	return out, nil
}

// Shutdown resets the meter and closes the line.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.scpi.Reset(ctx)
	if cerr := c.scpi.Close(); err == nil {
		err = cerr
	}
	c.log.Warn("LCR meter shut down and port closed")
	return err
}
