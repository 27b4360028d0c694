package stage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Emulator answers the motion controller protocol with an in-memory
// position. Plug Handle into transport.NewFake.
type Emulator struct {
	mu       sync.Mutex
	position int
	speed    int
	silent   bool
}

// NewEmulator returns a controller sitting at position.
func NewEmulator(position int) *Emulator {
	return &Emulator{position: position, speed: 100}
}

// Position returns the emulated position.
func (e *Emulator) Position() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Silence stops the controller from answering.
func (e *Emulator) Silence(on bool) {
	e.mu.Lock()
	e.silent = on
	e.mu.Unlock()
}

// Handle answers one command.
func (e *Emulator) Handle(req []byte) []byte {
	cmd := strings.TrimRight(string(req), "\r")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.silent {
		return nil
	}
	reply := func(s string) []byte { return []byte(cmd + "\r" + s + "\n") }
	switch {
	case cmd == "?R":
		return reply("OK")
	case cmd == "?X":
		return reply(fmt.Sprintf("%d", e.position))
	case cmd == "?V":
		return reply(fmt.Sprintf("%d", e.speed))
	case cmd == "HX0":
		e.position = 0
		return reply("OK")
	case strings.HasPrefix(cmd, "X"):
		n, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return reply("ERR")
		}
		e.position += n
		return reply("OK")
	case strings.HasPrefix(cmd, "V"):
		n, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return reply("ERR")
		}
		e.speed = n
		return reply("OK")
	}
	return reply("ERR")
}
