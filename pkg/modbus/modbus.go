// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package modbus is a minimal Modbus RTU master for single-register access.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"furnace-lab/pkg/log"
	"furnace-lab/pkg/transport"
)

// Function codes
const (
	FuncReadHolding  byte = 0x03
	FuncWriteSingle  byte = 0x06
	exceptionBit     byte = 0x80
	maxResponseBytes      = 256
)

var (
	ErrCRC           = errors.New("modbus: bad CRC")
	ErrShortResponse = errors.New("modbus: short response")
	ErrEcho          = errors.New("modbus: write echo mismatch")
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception %d (%s) for function 0x%02x", e.Code, exceptionName(e.Code), e.Function)
}

func exceptionName(code byte) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "slave device failure"
	case 6:
		return "slave device busy"
	}
	return "unknown"
}

// Client is a Modbus RTU master over one line.
type Client struct {
	mu   sync.Mutex
	conn transport.Conn
	log  *log.Logger
}

// NewClient returns a master talking over conn.
func NewClient(conn transport.Conn) *Client {
	return &Client{conn: conn, log: log.GetLogger("modbus")}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Scale converts an engineering value to a raw register value.
func Scale(value float64, decimals int, signed bool) (uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("modbus: value %v is not finite", value)
	}
	raw := math.Round(value * math.Pow10(decimals))
	if signed {
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return 0, fmt.Errorf("modbus: value %v out of signed register range", value)
		}
		return uint16(int16(raw)), nil
	}
	if raw < 0 || raw > math.MaxUint16 {
		return 0, fmt.Errorf("modbus: value %v out of register range", value)
	}
	return uint16(raw), nil
}

// Unscale converts a raw register value to an engineering value.
func Unscale(raw uint16, decimals int, signed bool) float64 {
	v := float64(raw)
	if signed {
		v = float64(int16(raw))
	}
	return v / math.Pow10(decimals)
}

// ReadRegister reads one holding register with function 0x03.
func (c *Client) ReadRegister(ctx context.Context, slave byte, reg uint16, decimals int, signed bool) (float64, error) {
	req := []byte{slave, FuncReadHolding, byte(reg >> 8), byte(reg), 0x00, 0x01}
	resp, err := c.exchange(ctx, req, 7)
	if err != nil {
		return 0, err
	}
	if resp[2] != 2 {
		return 0, fmt.Errorf("modbus: byte count %d, want 2", resp[2])
	}
	raw := uint16(resp[3])<<8 | uint16(resp[4])
	return Unscale(raw, decimals, signed), nil
}

// WriteRegister writes one register with function 0x06 and checks the echo.
func (c *Client) WriteRegister(ctx context.Context, slave byte, reg uint16, value float64, decimals int, signed bool) error {
	raw, err := Scale(value, decimals, signed)
	if err != nil {
		return err
	}
	req := []byte{slave, FuncWriteSingle, byte(reg >> 8), byte(reg), byte(raw >> 8), byte(raw)}
	resp, err := c.exchange(ctx, req, 8)
	if err != nil {
		return err
	}
	for i := range req {
		if resp[i] != req[i] {
			return ErrEcho
		}
	}
	return nil
}

// exchange sends req and reads a response of want bytes, or a 5-byte
// exception frame.
func (c *Client) exchange(ctx context.Context, req []byte, want int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := appendCRC(append([]byte(nil), req...))
	if err := c.conn.Flush(); err != nil {
		return nil, fmt.Errorf("modbus: flush: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus: write: %w", err)
	}
	c.log.Debug("tx % x", frame)

	resp, err := c.readN(ctx, nil, 2)
	if err != nil {
		return nil, err
	}
	if resp[0] != req[0] {
		return nil, fmt.Errorf("modbus: response from slave %d, want %d", resp[0], req[0])
	}
	if resp[1] == req[1]|exceptionBit {
		resp, err = c.readN(ctx, resp, 5)
		if err != nil {
			return nil, err
		}
		if !checkCRC(resp) {
			return nil, ErrCRC
		}
		return nil, &ExceptionError{Function: req[1], Code: resp[2]}
	}
	if resp[1] != req[1] {
		return nil, fmt.Errorf("modbus: response function 0x%02x, want 0x%02x", resp[1], req[1])
	}
	resp, err = c.readN(ctx, resp, want)
	if err != nil {
		return nil, err
	}
	c.log.Debug("rx % x", resp)
	if !checkCRC(resp) {
		return nil, ErrCRC
	}
	return resp, nil
}

// readN reads until buf holds n bytes.
func (c *Client) readN(ctx context.Context, buf []byte, n int) ([]byte, error) {
	chunk := make([]byte, maxResponseBytes)
	deadline := time.Now().Add(5 * time.Second)
	for len(buf) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrShortResponse
		}
		got, err := c.conn.Read(chunk[:n-len(buf)])
		buf = append(buf, chunk[:got]...)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortResponse, len(buf), n)
			}
			return nil, err
		}
	}
	return buf, nil
}
