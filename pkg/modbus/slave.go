// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package modbus

import "sync"

// Slave emulates a device holding a register map. Its Handle method
// answers request frames and plugs into transport.NewFake.
type Slave struct {
	mu        sync.Mutex
	ID        byte
	Registers map[uint16]uint16

	// OnWrite, when set, is called after a register write.
	OnWrite func(reg, value uint16)
	// OnRead, when set, may replace the value returned for reg.
	OnRead func(reg, value uint16) uint16

	exception byte
	silent    bool
}

// NewSlave returns a device with an empty register map.
func NewSlave(id byte) *Slave {
	return &Slave{ID: id, Registers: make(map[uint16]uint16)}
}

// Set stores a raw register value.
func (s *Slave) Set(reg, value uint16) {
	s.mu.Lock()
	s.Registers[reg] = value
	s.mu.Unlock()
}

// Get returns a raw register value.
func (s *Slave) Get(reg uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registers[reg]
}

// Fail makes every following request return exception code.
// Zero restores normal replies.
func (s *Slave) Fail(code byte) {
	s.mu.Lock()
	s.exception = code
	s.mu.Unlock()
}

// Silence stops the device from answering.
func (s *Slave) Silence(on bool) {
	s.mu.Lock()
	s.silent = on
	s.mu.Unlock()
}

// Handle answers one RTU request frame.
func (s *Slave) Handle(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.silent || len(req) != 8 || req[0] != s.ID || !checkCRC(req) {
		return nil
	}
	if s.exception != 0 {
		return appendCRC([]byte{s.ID, req[1] | exceptionBit, s.exception})
	}
	reg := uint16(req[2])<<8 | uint16(req[3])
	switch req[1] {
	case FuncReadHolding:
		v := s.Registers[reg]
		if s.OnRead != nil {
			v = s.OnRead(reg, v)
		}
		return appendCRC([]byte{s.ID, FuncReadHolding, 2, byte(v >> 8), byte(v)})
	case FuncWriteSingle:
		v := uint16(req[4])<<8 | uint16(req[5])
		s.Registers[reg] = v
		if s.OnWrite != nil {
			s.OnWrite(reg, v)
		}
		return append([]byte(nil), req...)
	}
	return appendCRC([]byte{s.ID, req[1] | exceptionBit, 1})
}
