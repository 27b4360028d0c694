// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package transport provides the byte streams the instrument drivers talk over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"furnace-lab/pkg/serial"
)

// Conn is a bidirectional byte stream to one instrument.
type Conn interface {
	io.ReadWriteCloser
	Flush() error
	SetReadTimeout(d time.Duration)
}

// Options configures Dial.
type Options struct {
	BaudRate    int
	Parity      serial.Parity
	TwoStopBits bool
	ReadTimeout time.Duration
}

// Common errors
var (
	ErrTimeout = errors.New("transport: read timed out")
	ErrClosed  = errors.New("transport: connection closed")
)

// SimFactory creates a simulated connection.
type SimFactory func() (Conn, error)

var (
	simMu sync.RWMutex
	sims  = make(map[string]SimFactory)
)

// RegisterSim makes sim://name dial f.
func RegisterSim(name string, f SimFactory) {
	simMu.Lock()
	sims[name] = f
	simMu.Unlock()
}

// UnregisterSim removes a simulator registered with RegisterSim.
func UnregisterSim(name string) {
	simMu.Lock()
	delete(sims, name)
	simMu.Unlock()
}

// Dial opens address. Accepted forms are tcp://host:port, sim://name and a
// serial device path.
func Dial(ctx context.Context, address string, opts Options) (Conn, error) {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}
	switch {
	case address == "":
		return nil, errors.New("transport: empty address")
	case strings.HasPrefix(address, "sim://"):
		name := strings.TrimPrefix(address, "sim://")
		simMu.RLock()
		f, ok := sims[name]
		simMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("transport: no simulator registered as %q", name)
		}
		conn, err := f()
		if err != nil {
			return nil, err
		}
		conn.SetReadTimeout(opts.ReadTimeout)
		return conn, nil
	case strings.HasPrefix(address, "tcp://"):
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(address, "tcp://"))
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", address, err)
		}
		return &netConn{Conn: nc, timeout: opts.ReadTimeout}, nil
	default:
		port, err := serial.Open(serial.Config{
			Device:           address,
			BaudRate:         opts.BaudRate,
			Parity:           opts.Parity,
			TwoStopBits:      opts.TwoStopBits,
			ReadTimeout:      opts.ReadTimeout,
			AssertModemLines: true,
		})
		if err != nil {
			return nil, err
		}
		return serialConn{port}, nil
	}
}

// serialConn maps serial timeouts onto ErrTimeout.
type serialConn struct {
	*serial.Port
}

func (c serialConn) Read(p []byte) (int, error) {
	n, err := c.Port.Read(p)
	if errors.Is(err, serial.ErrTimeout) {
		return n, ErrTimeout
	}
	return n, err
}

// netConn applies the read timeout as a per-read deadline.
type netConn struct {
	net.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (c *netConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

func (c *netConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Flush drains anything already buffered on the socket.
func (c *netConn) Flush() error {
	buf := make([]byte, 256)
	for {
		if err := c.Conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := c.Conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Retry runs fn up to tries times and returns nil on the first success.
// It stops early if ctx is done. The last error is returned.
func Retry(ctx context.Context, tries int, fn func() error) error {
	if tries < 1 {
		tries = 1
	}
	var err error
	for i := 0; i < tries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				return cerr
			}
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
