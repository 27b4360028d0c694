// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlFlush      = unix.TIOCFLUSH
)

var portPatterns = []string{
	"/dev/tty.usbserial*",
	"/dev/cu.usbserial*",
	"/dev/cu.usbmodem*",
}

// setSpeed writes baud into t. Nonstandard rates are left at 9600 here
// and set after tcsetattr by applyCustomSpeed.
func setSpeed(t *unix.Termios, baud int) {
	code, ok := standardSpeed(baud)
	if !ok {
		code = unix.B9600
	}
	t.Ispeed, t.Ospeed = uint64(code), uint64(code)
}

// IOSSIOSPEED, _IOW('T', 2, speed_t).
const ioctlSetSpeed = 0x80045402

func applyCustomSpeed(fd, baud int) error {
	if _, ok := standardSpeed(baud); ok {
		return nil
	}
	return unix.IoctlSetPointerInt(fd, ioctlSetSpeed, baud)
}
