package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestLabErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *LabError
		want string
	}{
		{
			name: "plain",
			err:  New(ErrSetup, "no frequencies selected"),
			want: "[SETUP] no frequencies selected",
		},
		{
			name: "instrument with cause",
			err:  InstrumentRead("furnace", "setpoint 1", io.ErrUnexpectedEOF),
			want: "[INSTRUMENT_READ:furnace] reading setpoint 1 failed: unexpected EOF",
		},
		{
			name: "step and context",
			err:  ControlFile("unknown buffer").SetStep(3).SetContext("buffer", "xyz"),
			want: "[CONTROLFILE_INVALID] step 3: unknown buffer (buffer=xyz)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsFollowsChain(t *testing.T) {
	inner := InstrumentWrite("gas", "co2 setpoint", io.EOF)
	outer := Aborted("instrument failure", fmt.Errorf("cycle 4: %w", inner))

	if !Is(outer, ErrAborted) {
		t.Error("Is(outer, ErrAborted) = false, want true")
	}
	if !Is(outer, ErrInstrumentWrite) {
		t.Error("Is(outer, ErrInstrumentWrite) = false, want true")
	}
	if Is(outer, ErrCalibration) {
		t.Error("Is(outer, ErrCalibration) = true, want false")
	}
	if !IsInstrument(outer) {
		t.Error("IsInstrument(outer) = false, want true")
	}
	if got := InstrumentOf(outer); got != "gas" {
		t.Errorf("InstrumentOf() = %q, want gas", got)
	}
	if !stderrors.Is(outer, io.EOF) {
		t.Error("stderrors.Is(outer, io.EOF) = false, want true")
	}
}

func TestIsNonLabError(t *testing.T) {
	if Is(io.EOF, ErrSetup) {
		t.Error("Is(io.EOF, ErrSetup) = true, want false")
	}
	if IsConfig(nil) {
		t.Error("IsConfig(nil) = true, want false")
	}
	if InstrumentOf(io.EOF) != "" {
		t.Error("InstrumentOf(io.EOF) should be empty")
	}
}
