package daq

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/transport"
)

// scanner answers READ? with the values for the last ROUT:SCAN.
func scanner(results map[string]string) (*transport.Fake, *[]string) {
	var errs []string
	last := ""
	fake := transport.NewFake(nil)
	fake.Handler = func(req []byte) []byte {
		cmd := string(req[:len(req)-1])
		switch {
		case len(cmd) > 10 && cmd[:10] == "ROUT:SCAN ":
			last = cmd[10:]
		case cmd == "READ?":
			if r, ok := results[last]; ok {
				return []byte(r + "\n")
			}
		case cmd == "SYST:ERR?":
			if len(errs) > 0 {
				e := errs[0]
				errs = errs[1:]
				return []byte(e + "\n")
			}
			return []byte("+0,\"No error\"\n")
		}
		return nil
	}
	return fake, &errs
}

func TestConfigure(t *testing.T) {
	fake, _ := scanner(nil)
	c := New(fake, DefaultWiring(), 1)

	require.NoError(t, c.Configure(context.Background()))

	want := []string{
		"*RST;*CLS",
		"ROUT:CLOS (@203,204,207,208)",
		"CONF:TEMP TC,S,(@104,105)",
		"CONF:TEMP THER,10000,(@101)",
		"UNIT:TEMP C,(@101,104,105)",
		"SENS:TEMP:TRAN:TC:RJUN:TYPE EXT,(@104,105)",
		"SENS:TEMP:NPLC 10,(@101,104,105)",
		"CONF:VOLT:DC (@103)",
		"SENS:VOLT:DC:NPLC 10,(@103)",
		"ROUT:OPEN (@205,206)",
	}
	if diff := cmp.Diff(want, fake.Lines("\n")); diff != "" {
		t.Errorf("Configure() commands mismatch (-want +got):\n%s", diff)
	}
}

func TestThermopower(t *testing.T) {
	fake, _ := scanner(map[string]string{
		"(@101,104,105)": "+2.45E+01,+8.012E+02,+7.988E+02",
		"(@103)":         "-1.25E-03",
	})
	c := New(fake, DefaultWiring(), 1)

	tp, err := c.Thermopower(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 24.5, tp.Reference, 1e-9)
	assert.InDelta(t, 801.2, tp.Thermo1, 1e-9)
	assert.InDelta(t, 798.8, tp.Thermo2, 1e-9)
	assert.InDelta(t, -1.25e-3, tp.Voltage, 1e-12)
	assert.InDelta(t, 800.0, tp.Mean(), 1e-9)

	mean, err := c.MeanTemperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 800.0, mean, 1e-9)
}

func TestScanWrongCount(t *testing.T) {
	fake, _ := scanner(map[string]string{"(@101,104,105)": "+2.45E+01"})
	c := New(fake, DefaultWiring(), 1)

	_, err := c.Temperatures(context.Background())
	assert.True(t, laberrors.Is(err, laberrors.ErrInstrumentResponse))
}

func TestToggleSwitch(t *testing.T) {
	fake, _ := scanner(nil)
	c := New(fake, DefaultWiring(), 1)

	require.NoError(t, c.ToggleSwitch(context.Background(), ModeImpedance))
	require.NoError(t, c.ToggleSwitch(context.Background(), ModeThermo))
	assert.Equal(t, []string{"ROUT:CLOS (@205,206)", "ROUT:OPEN (@205,206)"}, fake.Lines("\n"))
	assert.Error(t, c.ToggleSwitch(context.Background(), Mode(7)))
}

func TestErrors(t *testing.T) {
	fake, queue := scanner(nil)
	*queue = []string{"-113,\"Undefined header\"", "-222,\"Data out of range\""}
	c := New(fake, DefaultWiring(), 1)

	errs, err := c.Errors(context.Background())
	require.NoError(t, err)
	assert.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Undefined header")
}

func TestShutdownClosesPort(t *testing.T) {
	fake, _ := scanner(nil)
	c := New(fake, DefaultWiring(), 1)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, fake.Closed())
}
