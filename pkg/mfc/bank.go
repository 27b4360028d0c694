// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mfc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/transport"
)

// Bank is the set of controllers sharing the gas line, keyed by gas name.
type Bank struct {
	conn        transport.Conn
	order       []string
	controllers map[string]*Controller
	log         *log.Logger
}

// NewBank builds the controllers described by cfgs on conn.
func NewBank(conn transport.Conn, cfgs []config.GasController, maxTries int) *Bank {
	line := transport.NewLineConn(conn, transport.TermCR)
	b := &Bank{
		conn:        conn,
		controllers: make(map[string]*Controller, len(cfgs)),
		log:         log.GetLogger("gas"),
	}
	for _, g := range cfgs {
		b.order = append(b.order, g.Name)
		b.controllers[g.Name] = NewController(line, g.Name, g.Unit, g.UpperLimit, g.Precision, maxTries)
	}
	return b
}

// Names returns the gases in configured order.
func (b *Bank) Names() []string {
	return append([]string(nil), b.order...)
}

// Controller returns the named controller.
func (b *Bank) Controller(name string) (*Controller, bool) {
	c, ok := b.controllers[name]
	return c, ok
}

// Limits returns the upper limit of every controller.
func (b *Bank) Limits() map[string]float64 {
	out := make(map[string]float64, len(b.controllers))
	for name, c := range b.controllers {
		out[name] = c.UpperLimit
	}
	return out
}

// GetAll returns the mass flow of every controller.
func (b *Bank) GetAll(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(b.order))
	for _, name := range b.order {
		v, err := b.controllers[name].MassFlow(ctx)
		if err != nil {
			return out, err
		}
		out[name] = v
	}
	return out, nil
}

// SetAll applies setpoints in sorted gas order. Unknown gases are errors.
func (b *Bank) SetAll(ctx context.Context, flows map[string]float64) error {
	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c, ok := b.controllers[name]
		if !ok {
			return fmt.Errorf("mfc: no controller for gas %q", name)
		}
		if err := c.SetSetpoint(ctx, flows[name]); err != nil {
			return err
		}
	}
	return nil
}

// ResetAll zeroes every controller, attempting all of them.
func (b *Bank) ResetAll(ctx context.Context) error {
	var errs []error
	for _, name := range b.order {
		if err := b.controllers[name].Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown zeroes every controller and closes the line.
func (b *Bank) Shutdown(ctx context.Context) error {
	err := b.ResetAll(ctx)
	if cerr := b.conn.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	b.log.Warn("gas controllers reset and port closed")
	return err
}
