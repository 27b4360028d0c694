// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package stage drives the linear stage that positions the furnace
// around the sample. Positions are in controller pulses.
package stage

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

const name = "stage"

// Geometry describes the drive train.
type Geometry struct {
	Pitch       float64 // mm per revolution
	StepAngle   float64 // degrees per full step
	Subdivision int     // microsteps per step
	MaxPosition int     // pulses
}

// PulseEquivalent returns the travel of one pulse in mm.
func (g Geometry) PulseEquivalent() float64 {
	return g.Pitch * g.StepAngle / (360 * float64(g.Subdivision))
}

// Client talks to one motion controller.
type Client struct {
	line     *transport.LineConn
	geom     Geometry
	pulse    float64
	maxTries int
	log      *log.Logger
}

// New returns a stage client on conn.
func New(conn transport.Conn, geom Geometry, maxTries int) (*Client, error) {
	if geom.Pitch <= 0 || geom.StepAngle <= 0 || geom.Subdivision <= 0 {
		return nil, fmt.Errorf("stage: invalid geometry %+v", geom)
	}
	if maxTries < 1 {
		maxTries = 1
	}
	return &Client{
		line:     transport.NewLineConnTerms(conn, transport.TermCR, transport.TermLF),
		geom:     geom,
		pulse:    geom.PulseEquivalent(),
		maxTries: maxTries,
		log:      log.GetLogger(name),
	}, nil
}

// Geometry returns the drive geometry.
func (c *Client) Geometry() Geometry { return c.geom }

// query sends cmd and returns the reply. Replies may echo the command
// before the result, so the whole reply is searched.
func (c *Client) query(ctx context.Context, cmd string) (string, error) {
	var resp string
	err := transport.Retry(ctx, c.maxTries, func() error {
		var err error
		resp, err = c.line.Query(cmd)
		return err
	})
	return resp, err
}

func (c *Client) write(ctx context.Context, cmd, what string) error {
	c.log.Debug("%s (%s)", what, cmd)
	var last string
	err := transport.Retry(ctx, c.maxTries, func() error {
		resp, err := c.line.Query(cmd)
		if err != nil {
			return err
		}
		last = resp
		if !strings.Contains(resp, "OK") {
			return fmt.Errorf("stage: %q not acknowledged: %q", cmd, resp)
		}
		return nil
	})
	if err != nil {
		if last != "" {
			return laberrors.Wrap(err, laberrors.ErrInstrumentResponse, what).SetInstrument(name)
		}
		return laberrors.InstrumentWrite(name, what, err)
	}
	return nil
}

func (c *Client) readInt(ctx context.Context, cmd, what string) (int, error) {
	var v int
	err := transport.Retry(ctx, c.maxTries, func() error {
		resp, err := c.line.Query(cmd)
		if err != nil {
			return err
		}
		if strings.Contains(resp, "ERR") {
			return fmt.Errorf("stage: %s returned %q", cmd, resp)
		}
		v, err = parseDigits(strings.TrimPrefix(resp, cmd))
		return err
	})
	if err != nil {
		return 0, laberrors.InstrumentRead(name, what, err)
	}
	return v, nil
}

// parseDigits extracts a signed integer from a reply such as "X=+5500".
func parseDigits(s string) (int, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.String() == "-" {
		return 0, fmt.Errorf("stage: no number in %q", s)
	}
	return strconv.Atoi(b.String())
}

// Connected reports whether the controller answers ?R with OK.
func (c *Client) Connected(ctx context.Context) bool {
	resp, err := c.query(ctx, "?R")
	return err == nil && strings.Contains(resp, "OK")
}

// Position returns the absolute position in pulses.
func (c *Client) Position(ctx context.Context) (int, error) {
	return c.readInt(ctx, "?X", "position")
}

// Move displaces the stage by mm, positive or negative.
func (c *Client) Move(ctx context.Context, mm float64) error {
	pulses := int(math.Round(math.Abs(mm) / c.pulse))
	dir := "+"
	if mm < 0 {
		dir = "-"
	}
	return c.write(ctx, "X"+dir+strconv.Itoa(pulses), fmt.Sprintf("moving %gmm", mm))
}

// GoTo moves to an absolute position, clamped to the travel. Positions at
// or below zero home the stage.
func (c *Client) GoTo(ctx context.Context, position int) error {
	if position > c.geom.MaxPosition {
		position = c.geom.MaxPosition
	}
	if position <= 0 {
		return c.Reset(ctx)
	}
	current, err := c.Position(ctx)
	if err != nil {
		return err
	}
	displacement := position - current
	if displacement == 0 {
		return nil
	}
	return c.write(ctx, fmt.Sprintf("X%+d", displacement), "setting position")
}

// Center moves to the middle of the travel.
func (c *Client) Center(ctx context.Context) error {
	return c.GoTo(ctx, c.geom.MaxPosition/2)
}

// Reset homes the stage so the absolute position becomes 0.
func (c *Client) Reset(ctx context.Context) error {
	return c.write(ctx, "HX0", "resetting stage")
}

// Speed returns the speed in mm/s.
func (c *Client) Speed(ctx context.Context) (float64, error) {
	v, err := c.readInt(ctx, "?V", "speed")
	if err != nil {
		return 0, err
	}
	return math.Round(float64(v+1)*c.pulse/0.03*100) / 100, nil
}

// SetSpeed sets the speed in mm/s.
func (c *Client) SetSpeed(ctx context.Context, mmPerSec float64) error {
	if mmPerSec <= 0 {
		return fmt.Errorf("stage: speed must be positive, got %v", mmPerSec)
	}
	v := int(math.Round(mmPerSec*0.03/c.pulse - 1))
	return c.write(ctx, "V"+strconv.Itoa(v), "setting speed")
}

// Close closes the line.
func (c *Client) Close() error {
	return c.line.Conn().Close()
}
