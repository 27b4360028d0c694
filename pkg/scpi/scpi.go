// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package scpi is a text-command client for SCPI instruments.
package scpi

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/transport"
)

// Overflow is the value SCPI instruments report for an out-of-range reading.
const Overflow = 9.9e37

// Client sends SCPI commands over a line connection. Every operation is
// retried up to MaxTries times before it fails. Operations are serialized,
// retries included, so a shutdown command never lands between the attempts
// of a query running on another goroutine.
type Client struct {
	mu       sync.Mutex
	name     string
	line     *transport.LineConn
	maxTries int
	log      *log.Logger
}

// NewClient returns a client for the instrument called name.
func NewClient(name string, conn transport.Conn, maxTries int) *Client {
	if maxTries < 1 {
		maxTries = 1
	}
	return &Client{
		name:     name,
		line:     transport.NewLineConn(conn, transport.TermLF),
		maxTries: maxTries,
		log:      log.GetLogger(name),
	}
}

// Name returns the instrument name used in errors and logs.
func (c *Client) Name() string { return c.name }

// Write sends cmd.
func (c *Client) Write(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("> %s", cmd)
	err := transport.Retry(ctx, c.maxTries, func() error {
		return c.line.WriteLine(cmd)
	})
	if err != nil {
		return laberrors.InstrumentWrite(c.name, cmd, err)
	}
	return nil
}

// Query sends cmd and returns the reply line.
func (c *Client) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var resp string
	err := transport.Retry(ctx, c.maxTries, func() error {
		var err error
		resp, err = c.line.Query(cmd)
		return err
	})
	if err != nil {
		return "", laberrors.InstrumentRead(c.name, cmd, err)
	}
	c.log.Debug("< %s", resp)
	return strings.TrimSpace(resp), nil
}

// QueryFloats sends cmd and parses a comma-separated list of numbers.
// Overflow readings become NaN.
func (c *Client) QueryFloats(ctx context.Context, cmd string) ([]float64, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	vals, err := ParseFloats(resp)
	if err != nil {
		return nil, laberrors.Wrap(err, laberrors.ErrInstrumentResponse,
			fmt.Sprintf("unexpected response %q", resp)).SetInstrument(c.name)
	}
	return vals, nil
}

// Reset sends *RST and *CLS.
func (c *Client) Reset(ctx context.Context) error {
	return c.Write(ctx, "*RST;*CLS")
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.line.Conn().Close()
}

// ParseFloats parses ASCII values such as "+2.345E+01,-1.0E-03".
func ParseFloats(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("scpi: empty response")
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("scpi: parse %q: %w", p, err)
		}
		if math.Abs(v) >= Overflow {
			v = math.NaN()
		}
		out = append(out, v)
	}
	return out, nil
}

// ChannelList formats channels as an SCPI channel list, e.g. (@101,104).
func ChannelList(channels ...string) string {
	return "(@" + strings.Join(channels, ",") + ")"
}
