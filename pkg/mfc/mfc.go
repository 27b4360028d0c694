// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mfc drives Alicat mass flow controllers that share one serial
// line and are addressed by a unit letter.
package mfc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/transport"
)

// Status is one data frame from a controller.
type Status struct {
	Pressure       float64 `json:"pressure"`        // psia
	Temperature    float64 `json:"temperature"`     // C
	VolumetricFlow float64 `json:"volumetric_flow"` // ccm
	MassFlow       float64 `json:"mass_flow"`       // sccm
	Setpoint       float64 `json:"setpoint"`        // sccm
	Gas            string  `json:"gas"`
}

// ParseStatus parses "<unit> +p +t +vol +mass +setpoint GAS".
func ParseStatus(unit, line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return Status{}, fmt.Errorf("mfc: short data frame %q", line)
	}
	if fields[0] != unit {
		return Status{}, fmt.Errorf("mfc: frame from unit %s, want %s", fields[0], unit)
	}
	var nums [5]float64
	for i := range nums {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return Status{}, fmt.Errorf("mfc: field %d of %q: %w", i+1, line, err)
		}
		nums[i] = v
	}
	return Status{
		Pressure:       nums[0],
		Temperature:    nums[1],
		VolumetricFlow: nums[2],
		MassFlow:       nums[3],
		Setpoint:       nums[4],
		Gas:            fields[len(fields)-1],
	}, nil
}

// Controller is one flow controller on a shared line.
type Controller struct {
	Name       string
	Unit       string
	UpperLimit float64
	Precision  int

	line     *transport.LineConn
	maxTries int
	log      *log.Logger
}

// NewController returns the controller with the given unit letter on line.
func NewController(line *transport.LineConn, name, unit string, upperLimit float64, precision, maxTries int) *Controller {
	if maxTries < 1 {
		maxTries = 1
	}
	return &Controller{
		Name:       name,
		Unit:       unit,
		UpperLimit: upperLimit,
		Precision:  precision,
		line:       line,
		maxTries:   maxTries,
		log:        log.GetLogger("gas").WithPrefix("gas." + name),
	}
}

func (c *Controller) instrument() string { return "gas " + c.Name }

// Get polls the controller.
func (c *Controller) Get(ctx context.Context) (Status, error) {
	var st Status
	err := transport.Retry(ctx, c.maxTries, func() error {
		resp, err := c.line.Query(c.Unit)
		if err != nil {
			return err
		}
		st, err = ParseStatus(c.Unit, resp)
		return err
	})
	if err != nil {
		return Status{}, laberrors.InstrumentRead(c.instrument(), "status", err)
	}
	return st, nil
}

// MassFlow returns the mass flow in sccm.
func (c *Controller) MassFlow(ctx context.Context) (float64, error) {
	st, err := c.Get(ctx)
	if err != nil {
		return math.NaN(), err
	}
	return st.MassFlow, nil
}

// Round rounds v to the controller's precision.
func (c *Controller) Round(v float64) float64 {
	p := math.Pow10(c.Precision)
	return math.Round(v*p) / p
}

// SetSetpoint sets the flow in sccm.
func (c *Controller) SetSetpoint(ctx context.Context, v float64) error {
	if v < 0 || v > c.UpperLimit {
		return laberrors.New(laberrors.ErrInstrumentWrite,
			fmt.Sprintf("%v is an invalid flow rate, upper limit is %v sccm", v, c.UpperLimit)).
			SetInstrument(c.instrument())
	}
	v = c.Round(v)
	cmd := c.Unit + "S" + strconv.FormatFloat(v, 'f', c.Precision, 64)
	c.log.Debug("setting %s to %v sccm", c.Name, v)
	err := transport.Retry(ctx, c.maxTries, func() error {
		resp, err := c.line.Query(cmd)
		if err != nil {
			return err
		}
		_, err = ParseStatus(c.Unit, resp)
		return err
	})
	if err != nil {
		return laberrors.InstrumentWrite(c.instrument(), "setpoint", err)
	}
	return nil
}

// Reset stops the flow.
func (c *Controller) Reset(ctx context.Context) error {
	return c.SetSetpoint(ctx, 0)
}
