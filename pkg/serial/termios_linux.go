// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlFlush      = unix.TCFLSH
)

var portPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyS*",
	"/dev/serial/by-id/*",
}

// setSpeed writes baud into t. Rates outside the B* table use BOTHER.
func setSpeed(t *unix.Termios, baud int) {
	t.Cflag &^= unix.CBAUD
	if code, ok := standardSpeed(baud); ok {
		t.Cflag |= code
		t.Ispeed, t.Ospeed = code, code
		return
	}
	t.Cflag |= unix.BOTHER
	t.Ispeed, t.Ospeed = uint32(baud), uint32(baud)
}

// applyCustomSpeed is a no-op: BOTHER already carries the rate.
func applyCustomSpeed(int, int) error { return nil }
