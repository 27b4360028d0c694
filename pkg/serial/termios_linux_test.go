//go:build linux

package serial

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSetSpeedLinux(t *testing.T) {
	var term unix.Termios
	setSpeed(&term, 9600)
	if term.Cflag&unix.CBAUD != unix.B9600 || term.Ispeed != unix.B9600 {
		t.Errorf("9600: Cflag = %#x Ispeed = %#x", term.Cflag, term.Ispeed)
	}

	setSpeed(&term, 250000)
	if term.Cflag&unix.CBAUD != unix.BOTHER {
		t.Errorf("250000: Cflag = %#x, want BOTHER", term.Cflag)
	}
	if term.Ospeed != 250000 {
		t.Errorf("250000: Ospeed = %d, want 250000", term.Ospeed)
	}
}
