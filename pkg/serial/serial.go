// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package serial opens raw termios lines for the bench instruments.
package serial

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Parity of a serial frame.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

var parityNames = map[string]Parity{
	"": ParityNone, "n": ParityNone, "none": ParityNone,
	"e": ParityEven, "even": ParityEven,
	"o": ParityOdd, "odd": ParityOdd,
}

// ParseParity accepts none/even/odd and their N/E/O initials.
func ParseParity(s string) (Parity, error) {
	if p, ok := parityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return ParityNone, fmt.Errorf("serial: unknown parity %q", s)
}

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return "none"
}

// Config describes one line. Frames are always 8 data bits.
type Config struct {
	Device      string // /dev/ttyUSB0 or a /dev/serial/by-id link
	BaudRate    int    // 9600 when zero
	Parity      Parity
	TwoStopBits bool

	// ReadTimeout bounds the wait for the first byte of a Read. One
	// second when zero.
	ReadTimeout time.Duration

	// AssertModemLines raises RTS and DTR after opening. Some RS-232
	// adapters power the instrument side from them.
	AssertModemLines bool
}

// DefaultConfig is 9600 8N1 with a one second read timeout.
func DefaultConfig() Config {
	return Config{BaudRate: 9600, ReadTimeout: time.Second, AssertModemLines: true}
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	return c
}

var standardSpeeds = map[int]uint32{
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// standardSpeed returns the B* code for baud, if there is one.
func standardSpeed(baud int) (uint32, bool) {
	code, ok := standardSpeeds[baud]
	return code, ok
}

// ListPorts returns the candidate instrument lines on this host, with
// by-id links resolved and duplicates removed.
func ListPorts() ([]string, error) {
	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range portPatterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if resolved, err := filepath.EvalSymlinks(m); err == nil {
				m = resolved
			}
			if !seen[m] {
				seen[m] = true
				ports = append(ports, m)
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}

// ResolveDevice follows /dev/serial/by-id and by-path links. Other paths
// are returned unchanged.
func ResolveDevice(device string) (string, error) {
	if !strings.HasPrefix(device, "/dev/serial/") {
		return device, nil
	}
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		return "", fmt.Errorf("serial: resolve %s: %w", device, err)
	}
	return resolved, nil
}

// makeRaw turns off all line discipline processing.
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	// Reads return whatever is buffered; Port.Read does the waiting.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1
}

// applyFrame sets character size, parity and stop bits on t.
func applyFrame(t *unix.Termios, cfg Config) {
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	switch cfg.Parity {
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	}
	if cfg.TwoStopBits {
		t.Cflag |= unix.CSTOPB
	}
}

// Port is an open serial line.
type Port struct {
	mu     sync.Mutex
	fd     int
	device string
	cfg    Config
	closed bool
	saved  *unix.Termios // restored on Close
}

// Open configures and opens cfg.Device.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	cfg = cfg.withDefaults()
	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	// O_NONBLOCK keeps open from waiting on carrier detect.
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	saved, err := setup(fd, cfg)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	p := &Port{fd: fd, device: device, cfg: cfg, saved: saved}
	if cfg.AssertModemLines {
		// Adapters without modem lines reject this.
		_ = p.modemLines(unix.TIOCM_RTS|unix.TIOCM_DTR, true)
	}
	return p, nil
}

// setup applies cfg to fd and returns the settings it replaced.
func setup(fd int, cfg Config) (*unix.Termios, error) {
	saved, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}
	t := *saved
	makeRaw(&t)
	applyFrame(&t, cfg)
	setSpeed(&t, cfg.BaudRate)
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := applyCustomSpeed(fd, cfg.BaudRate); err != nil {
		return nil, fmt.Errorf("serial: set %d baud: %w", cfg.BaudRate, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}
	return saved, nil
}

// open returns the descriptor and read timeout, or ErrClosed.
func (p *Port) open() (int, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, 0, ErrClosed
	}
	return p.fd, p.cfg.ReadTimeout, nil
}

// Read waits up to the read timeout for data and returns what is
// buffered. It returns ErrTimeout if nothing arrives.
func (p *Port) Read(buf []byte) (int, error) {
	fd, timeout, err := p.open()
	if err != nil {
		return 0, err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	switch {
	case errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("serial: poll: %w", err)
	case ready == 0:
		return 0, ErrTimeout
	case pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
		return 0, io.EOF
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Write writes all of buf.
func (p *Port) Write(buf []byte) (int, error) {
	fd, _, err := p.open()
	if err != nil {
		return 0, err
	}
	var done int
	for done < len(buf) {
		n, err := unix.Write(fd, buf[done:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return done, fmt.Errorf("serial: write: %w", err)
		}
		done += n
	}
	return done, nil
}

// Flush drops unread input and unsent output.
func (p *Port) Flush() error {
	fd, _, err := p.open()
	if err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, ioctlFlush, unix.TCIOFLUSH)
}

func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.cfg.ReadTimeout = d
	p.mu.Unlock()
}

// Device is the resolved device path.
func (p *Port) Device() string { return p.device }

// Close restores the line settings found at Open and closes the port.
// Closing twice is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.saved)
	return unix.Close(p.fd)
}

func (p *Port) SetRTS(on bool) error { return p.setModemLine(unix.TIOCM_RTS, on) }

func (p *Port) SetDTR(on bool) error { return p.setModemLine(unix.TIOCM_DTR, on) }

func (p *Port) setModemLine(mask int, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.modemLines(mask, on)
}

// modemLines raises or drops the TIOCM bits in mask. p.mu is held or the
// port is not yet shared.
func (p *Port) modemLines(mask int, on bool) error {
	status, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		return err
	}
	if on {
		status |= mask
	} else {
		status &^= mask
	}
	return unix.IoctlSetInt(p.fd, unix.TIOCMSET, status)
}
