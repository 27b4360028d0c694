package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/transport"
)

var labGeometry = Geometry{Pitch: 4, StepAngle: 0.9, Subdivision: 2, MaxPosition: 10000}

func newTestStage(t *testing.T, position int) (*Client, *Emulator, *transport.Fake) {
	t.Helper()
	emu := NewEmulator(position)
	fake := transport.NewFake(emu.Handle)
	c, err := New(fake, labGeometry, 2)
	require.NoError(t, err)
	return c, emu, fake
}

func TestPulseEquivalent(t *testing.T) {
	assert.InDelta(t, 0.005, labGeometry.PulseEquivalent(), 1e-12)
}

func TestInvalidGeometry(t *testing.T) {
	_, err := New(transport.NewFake(nil), Geometry{Pitch: 4, StepAngle: 0.9}, 1)
	assert.Error(t, err)
}

func TestPositionAndConnected(t *testing.T) {
	c, _, _ := newTestStage(t, 5500)
	pos, err := c.Position(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5500, pos)
	assert.True(t, c.Connected(context.Background()))
}

func TestGoTo(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		target  int
		want    int
		command string
	}{
		{"forward", 5000, 5500, 5500, "X+500"},
		{"backward", 5000, 4000, 4000, "X-1000"},
		{"clamped", 9000, 20000, 10000, "X+1000"},
		{"home", 3000, 0, 0, "HX0"},
		{"negative homes", 3000, -5, 0, "HX0"},
		{"no move", 5000, 5000, 5000, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, emu, fake := newTestStage(t, tt.start)
			require.NoError(t, c.GoTo(context.Background(), tt.target))
			assert.Equal(t, tt.want, emu.Position())

			lines := fake.Lines("\r")
			if tt.command == "" {
				assert.NotContains(t, lines, "X+0")
				for _, l := range lines {
					assert.Equal(t, "?X", l)
				}
				return
			}
			assert.Equal(t, tt.command, lines[len(lines)-1])
		})
	}
}

func TestMove(t *testing.T) {
	c, emu, fake := newTestStage(t, 1000)
	require.NoError(t, c.Move(context.Background(), 1))
	assert.Equal(t, 1200, emu.Position())
	require.NoError(t, c.Move(context.Background(), -2.5))
	assert.Equal(t, 700, emu.Position())
	assert.Equal(t, []string{"X+200", "X-500"}, fake.Lines("\r"))
}

func TestSpeed(t *testing.T) {
	ctx := context.Background()
	c, _, fake := newTestStage(t, 0)

	require.NoError(t, c.SetSpeed(ctx, 1.5))
	assert.Equal(t, "V8", fake.Lines("\r")[0])

	v, err := c.Speed(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-9)

	assert.Error(t, c.SetSpeed(ctx, 0))
}

func TestCenter(t *testing.T) {
	c, emu, _ := newTestStage(t, 0)
	require.NoError(t, c.Center(context.Background()))
	assert.Equal(t, 5000, emu.Position())
}

func TestErrorsReported(t *testing.T) {
	c, emu, _ := newTestStage(t, 100)
	emu.Silence(true)

	_, err := c.Position(context.Background())
	assert.True(t, laberrors.Is(err, laberrors.ErrInstrumentRead))
	assert.False(t, c.Connected(context.Background()))

	err = c.Reset(context.Background())
	assert.True(t, laberrors.Is(err, laberrors.ErrInstrumentWrite))
}

func TestUnacknowledgedWrite(t *testing.T) {
	fake := transport.NewFake(func(req []byte) []byte { return []byte("ERR\n") })
	c, err := New(fake, labGeometry, 1)
	require.NoError(t, err)

	err = c.Reset(context.Background())
	assert.True(t, laberrors.Is(err, laberrors.ErrInstrumentResponse))

	_, err = c.Position(context.Background())
	assert.True(t, laberrors.Is(err, laberrors.ErrInstrumentRead))
}

func TestParseDigits(t *testing.T) {
	v, err := parseDigits("\r5500")
	require.NoError(t, err)
	assert.Equal(t, 5500, v)
	v, err = parseDigits("X=-120")
	require.NoError(t, err)
	assert.Equal(t, -120, v)
	_, err = parseDigits("OK")
	assert.Error(t, err)
}
