// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/daq"
	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/furnace"
	"furnace-lab/pkg/lcr"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/mfc"
	"furnace-lab/pkg/runner"
	"furnace-lab/pkg/safety"
	"furnace-lab/pkg/sim"
	"furnace-lab/pkg/stage"
	"furnace-lab/pkg/transport"
)

// bench is the set of instruments a command talks to.
type bench struct {
	in runner.Instruments
	// lab is set for a simulated bench.
	lab *sim.Lab

	stage   *stage.Client
	closers []io.Closer
	release func()
}

// Close releases every instrument link. Links the instruments already
// closed during shutdown are skipped.
func (b *bench) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(errs...)
}

// RegisterShutdown adds the bench to m. The stage has no safe state of
// its own, so shutting it down closes its line.
func (b *bench) RegisterShutdown(m *safety.Manager) {
	in := b.in
	if b.stage != nil {
		st := b.stage
		in.Stage = stageShutdown{Stage: st, ShutdownFunc: func(context.Context) error { return st.Close() }}
	}
	runner.RegisterShutdown(m, in)
}

type stageShutdown struct {
	runner.Stage
	safety.ShutdownFunc
}

func daqWiring(c config.DAQConfig) daq.Wiring {
	return daq.Wiring{
		Reference:      c.ReferenceChannel,
		ElectrodeA:     c.ElectrodeAChannel,
		ElectrodeB:     c.ElectrodeBChannel,
		Voltage:        c.VoltageChannel,
		Switch:         c.SwitchChannels,
		LCR:            c.LCRChannels,
		ThermistorKOhm: c.ThermistorKOhm,
		TempNPLC:       c.TempNPLC,
		VoltNPLC:       c.VoltNPLC,
	}
}

func stageGeometry(c config.StageConfig) stage.Geometry {
	return stage.Geometry{
		Pitch:       c.Pitch,
		StepAngle:   c.StepAngle,
		Subdivision: c.Subdivision,
		MaxPosition: c.MaxPosition,
	}
}

func dial(ctx context.Context, name, port string, baud int, timeout time.Duration) (transport.Conn, error) {
	conn, err := transport.Dial(ctx, port, transport.Options{BaudRate: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, laberrors.InstrumentConnect(name, err)
	}
	return conn, nil
}

// connect opens and configures the lab instruments. The furnace and the
// DAQ are required; the LCR meter, gas bank and stage are skipped when
// their port is empty.
func connect(ctx context.Context, cfg *config.LabConfig) (*bench, error) {
	logger := log.GetLogger("labctl")
	b := &bench{}
	tries := cfg.Experiment.MaxTries
	fail := func(err error) (*bench, error) {
		_ = b.Close()
		return nil, err
	}

	if cfg.Furnace.Port == "" || cfg.DAQ.Port == "" {
		return nil, laberrors.Setup("furnace and daq ports are required")
	}

	conn, err := dial(ctx, "furnace", cfg.Furnace.Port, cfg.Furnace.Baud, cfg.Furnace.Timeout)
	if err != nil {
		return fail(err)
	}
	f := furnace.New(conn, furnace.Options{
		Slave:            cfg.Furnace.Slave,
		MaxTries:         tries,
		ResetTemperature: cfg.Furnace.ResetTemperature,
	})
	b.closers = append(b.closers, f)
	if err := f.Probe(ctx); err != nil {
		return fail(err)
	}
	if err := f.Configure(ctx); err != nil {
		return fail(err)
	}
	b.in.Furnace = f

	if conn, err = dial(ctx, "daq", cfg.DAQ.Port, cfg.DAQ.Baud, 0); err != nil {
		return fail(err)
	}
	b.closers = append(b.closers, conn)
	d := daq.New(conn, daqWiring(cfg.DAQ), tries)
	if err := d.Configure(ctx); err != nil {
		return fail(err)
	}
	b.in.DAQ = d

	if cfg.LCR.Port != "" {
		if conn, err = dial(ctx, "lcr", cfg.LCR.Port, 0, 0); err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, conn)
		b.in.LCR = lcr.New(conn, tries)
	} else {
		logger.Warn("no LCR port configured; impedance will not be measured")
	}

	if cfg.Gas.Port != "" {
		if conn, err = dial(ctx, "gas", cfg.Gas.Port, cfg.Gas.Baud, 0); err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, conn)
		b.in.Gas = mfc.NewBank(conn, cfg.Gas.Controllers, tries)
	} else {
		logger.Warn("no gas port configured; the gas mix will not be set")
	}

	if cfg.Stage.Port != "" {
		if conn, err = dial(ctx, "stage", cfg.Stage.Port, cfg.Stage.Baud, 0); err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, conn)
		st, err := stage.New(conn, stageGeometry(cfg.Stage), tries)
		if err != nil {
			return fail(laberrors.Wrap(err, laberrors.ErrSetup, "invalid stage geometry"))
		}
		if !st.Connected(ctx) {
			return fail(laberrors.InstrumentConnect("stage", errors.New("no reply to position query")))
		}
		b.stage = st
		b.in.Stage = st
	}
	return b, nil
}

// simulate builds a bench of simulated instruments on a fake clock that
// starts at start, so a whole run completes without waiting.
func simulate(cfg *config.LabConfig, start time.Time) *bench {
	lab := sim.NewLab(start, cfg.Gas.Controllers, cfg.Stage.MaxPosition)
	return &bench{
		lab: lab,
		in: runner.Instruments{
			Furnace: lab.Furnace,
			DAQ:     lab.DAQ,
			LCR:     lab.LCR,
			Gas:     lab.Gas,
			Stage:   lab.Stage,
		},
	}
}

// simulateWire builds a simulated bench whose gas bank and stage are the
// real drivers talking to wire-level emulators.
func simulateWire(ctx context.Context, cfg *config.LabConfig, start time.Time) (*bench, error) {
	b := simulate(cfg, start)
	_, release := sim.RegisterTransports(cfg.Gas.Controllers, cfg.Stage.MaxPosition/2)
	b.release = release

	conn, err := dial(ctx, "gas", sim.GasAddress, 0, 0)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.closers = append(b.closers, conn)
	b.in.Gas = mfc.NewBank(conn, cfg.Gas.Controllers, cfg.Experiment.MaxTries)

	if conn, err = dial(ctx, "stage", sim.StageAddress, 0, 0); err != nil {
		_ = b.Close()
		return nil, err
	}
	b.closers = append(b.closers, conn)
	st, err := stage.New(conn, stageGeometry(cfg.Stage), cfg.Experiment.MaxTries)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.stage = st
	b.in.Stage = st
	return b, nil
}
