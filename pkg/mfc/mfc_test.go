package mfc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furnace-lab/pkg/config"
	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/transport"
)

func newTestBank(t *testing.T) (*Bank, *Emulator, *transport.Fake) {
	t.Helper()
	emu := NewEmulator(map[string]string{"A": "CO2", "B": "CO", "C": "CO", "D": "H2"})
	fake := transport.NewFake(emu.Handle)
	return NewBank(fake, config.DefaultGasControllers(), 2), emu, fake
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("A", "A +014.86 +024.83 +019.80 +020.00 +020.00 CO2")
	require.NoError(t, err)
	assert.Equal(t, Status{
		Pressure:       14.86,
		Temperature:    24.83,
		VolumetricFlow: 19.8,
		MassFlow:       20,
		Setpoint:       20,
		Gas:            "CO2",
	}, st)

	_, err = ParseStatus("A", "B +014.86 +024.83 +019.80 +020.00 +020.00 CO2")
	assert.Error(t, err)
	_, err = ParseStatus("A", "A +014.86")
	assert.Error(t, err)
	_, err = ParseStatus("A", "A +014.86 +024.83 x +020.00 +020.00 CO2")
	assert.Error(t, err)
}

func TestSetAllAndGetAll(t *testing.T) {
	ctx := context.Background()
	bank, emu, _ := newTestBank(t)

	require.NoError(t, bank.SetAll(ctx, map[string]float64{"co2": 20, "co_a": 15, "co_b": 1.2, "h2": 7.67}))
	assert.Equal(t, 20.0, emu.Setpoint("A"))
	assert.Equal(t, 1.2, emu.Setpoint("C"))

	flows, err := bank.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"co2": 20, "co_a": 15, "co_b": 1.2, "h2": 7.67}, flows)
}

func TestSetpointRounding(t *testing.T) {
	bank, emu, fake := newTestBank(t)
	co2, ok := bank.Controller("co2")
	require.True(t, ok)

	require.NoError(t, co2.SetSetpoint(context.Background(), 12.5749))
	assert.Equal(t, 12.57, emu.Setpoint("A"))
	assert.Contains(t, fake.Lines("\r"), "AS12.57")
}

func TestSetpointAboveLimit(t *testing.T) {
	bank, _, fake := newTestBank(t)

	err := bank.SetAll(context.Background(), map[string]float64{"co_b": 5})
	require.Error(t, err)
	assert.Equal(t, "gas co_b", laberrors.InstrumentOf(err))
	assert.Empty(t, fake.Requests())
}

func TestSetAllUnknownGas(t *testing.T) {
	bank, _, _ := newTestBank(t)
	err := bank.SetAll(context.Background(), map[string]float64{"argon": 5})
	assert.ErrorContains(t, err, "argon")
}

func TestSilentController(t *testing.T) {
	bank, emu, _ := newTestBank(t)
	emu.Silence("D", true)

	_, err := bank.GetAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, "gas h2", laberrors.InstrumentOf(err))
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	bank, emu, fake := newTestBank(t)
	require.NoError(t, bank.SetAll(ctx, map[string]float64{"co2": 100, "h2": 10}))

	require.NoError(t, bank.Shutdown(ctx))
	for _, unit := range []string{"A", "B", "C", "D"} {
		assert.Zero(t, emu.Setpoint(unit), "unit %s", unit)
	}
	assert.True(t, fake.Closed())
}

func TestLimits(t *testing.T) {
	bank, _, _ := newTestBank(t)
	assert.Equal(t, map[string]float64{"co2": 200, "co_a": 50, "co_b": 2, "h2": 50}, bank.Limits())
	assert.Equal(t, []string{"co2", "co_a", "co_b", "h2"}, bank.Names())
}
