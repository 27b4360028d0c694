// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"strings"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/mfc"
	"furnace-lab/pkg/stage"
	"furnace-lab/pkg/transport"
)

// Addresses dialled by the wire-level emulators.
const (
	GasAddress   = "sim://gas"
	StageAddress = "sim://stage"
)

// Emulators are wire-level simulators that run the real drivers.
type Emulators struct {
	Gas   *mfc.Emulator
	Stage *stage.Emulator
}

// RegisterTransports registers Alicat and stage controller emulators so
// the real drivers can dial GasAddress and StageAddress. Call the returned
// function to unregister them.
func RegisterTransports(controllers []config.GasController, stagePosition int) (*Emulators, func()) {
	units := make(map[string]string, len(controllers))
	for _, c := range controllers {
		gas, _, _ := strings.Cut(c.Name, "_")
		units[c.Unit] = strings.ToUpper(gas)
	}
	e := &Emulators{
		Gas:   mfc.NewEmulator(units),
		Stage: stage.NewEmulator(stagePosition),
	}
	transport.RegisterSim(strings.TrimPrefix(GasAddress, "sim://"), func() (transport.Conn, error) {
		return transport.NewFake(e.Gas.Handle), nil
	})
	transport.RegisterSim(strings.TrimPrefix(StageAddress, "sim://"), func() (transport.Conn, error) {
		return transport.NewFake(e.Stage.Handle), nil
	})
	return e, func() {
		transport.UnregisterSim(strings.TrimPrefix(GasAddress, "sim://"))
		transport.UnregisterSim(strings.TrimPrefix(StageAddress, "sim://"))
	}
}
