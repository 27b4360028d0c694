package mfc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Emulator answers the Alicat ASCII protocol for a set of units. The mass
// flow follows the setpoint immediately. Plug Handle into transport.NewFake.
type Emulator struct {
	mu     sync.Mutex
	units  map[string]*emulated
	silent map[string]bool
}

type emulated struct {
	gas      string
	setpoint float64
}

// NewEmulator returns an emulator for the given unit letter to gas label map.
func NewEmulator(units map[string]string) *Emulator {
	e := &Emulator{units: make(map[string]*emulated), silent: make(map[string]bool)}
	for unit, gas := range units {
		e.units[unit] = &emulated{gas: gas}
	}
	return e
}

// Setpoint returns the last setpoint written to unit.
func (e *Emulator) Setpoint(unit string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.units[unit]; ok {
		return u.setpoint
	}
	return 0
}

// Silence stops unit from answering.
func (e *Emulator) Silence(unit string, on bool) {
	e.mu.Lock()
	e.silent[unit] = on
	e.mu.Unlock()
}

// Handle answers one command line.
func (e *Emulator) Handle(req []byte) []byte {
	cmd := strings.TrimRight(string(req), "\r")
	if cmd == "" {
		return nil
	}
	unit := cmd[:1]

	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[unit]
	if !ok || e.silent[unit] {
		return nil
	}
	if rest := cmd[1:]; strings.HasPrefix(rest, "S") {
		v, err := strconv.ParseFloat(rest[1:], 64)
		if err != nil {
			return []byte(unit + " ?\r")
		}
		u.setpoint = v
	}
	return []byte(fmt.Sprintf("%s +014.70 +024.90 %+08.3f %+08.3f %+08.3f %s\r",
		unit, u.setpoint*0.99, u.setpoint, u.setpoint, u.gas))
}
