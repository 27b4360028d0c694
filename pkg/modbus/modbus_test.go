package modbus

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furnace-lab/pkg/transport"
)

func newSlave() (*Slave, *Client) {
	s := NewSlave(1)
	return s, NewClient(transport.NewFake(s.Handle))
}

func TestCRC16KnownFrame(t *testing.T) {
	lo, hi := CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, byte(0x84), lo)
	assert.Equal(t, byte(0x0a), hi)
	assert.True(t, checkCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0a}))
	assert.False(t, checkCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x0a, 0x84}))
}

func TestReadRegister(t *testing.T) {
	s, c := newSlave()
	s.Set(1, 8125) // 812.5 with one decimal
	s.Set(2, 0xfff6)

	v, err := c.ReadRegister(context.Background(), 1, 1, 1, false)
	require.NoError(t, err)
	assert.InDelta(t, 812.5, v, 1e-9)

	v, err = c.ReadRegister(context.Background(), 1, 2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, -10.0, v)
}

func TestWriteRegister(t *testing.T) {
	s, c := newSlave()
	require.NoError(t, c.WriteRegister(context.Background(), 1, 35, 5.0, 1, false))
	assert.Equal(t, uint16(50), s.Get(35))

	require.NoError(t, c.WriteRegister(context.Background(), 1, 24, 1234, 0, false))
	assert.Equal(t, uint16(1234), s.Get(24))
}

func TestException(t *testing.T) {
	s, c := newSlave()
	s.Fail(2)

	_, err := c.ReadRegister(context.Background(), 1, 999, 0, false)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, FuncReadHolding, exc.Function)
	assert.Equal(t, byte(2), exc.Code)
	assert.Contains(t, exc.Error(), "illegal data address")
}

func TestBadCRC(t *testing.T) {
	s := NewSlave(1)
	corrupt := func(req []byte) []byte {
		resp := s.Handle(req)
		resp[len(resp)-1] ^= 0xff
		return resp
	}
	c := NewClient(transport.NewFake(corrupt))
	_, err := c.ReadRegister(context.Background(), 1, 1, 0, false)
	assert.ErrorIs(t, err, ErrCRC)
}

func TestUnsupportedFunction(t *testing.T) {
	s := NewSlave(1)
	req := appendCRC([]byte{1, 0x10, 0, 1, 0, 1})
	resp := s.Handle(req)
	require.Len(t, resp, 5)
	assert.Equal(t, byte(0x90), resp[1])
	assert.True(t, checkCRC(resp))
}

func TestNoResponse(t *testing.T) {
	_, c := newSlave()
	// Nobody answers slave 7.
	_, err := c.ReadRegister(context.Background(), 7, 1, 0, false)
	assert.ErrorIs(t, err, ErrShortResponse)
}

func TestCancelledContext(t *testing.T) {
	_, c := newSlave()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ReadRegister(ctx, 1, 1, 0, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScale(t *testing.T) {
	tests := []struct {
		value    float64
		decimals int
		signed   bool
		want     uint16
		wantErr  bool
	}{
		{400, 0, false, 400, false},
		{2.56, 1, false, 26, false},
		{-1, 0, true, 0xffff, false},
		{-1, 0, false, 0, true},
		{70000, 0, false, 0, true},
		{40000, 0, true, 0, true},
		{math.NaN(), 1, false, 0, true},
		{math.NaN(), 1, true, 0, true},
		{math.Inf(1), 0, false, 0, true},
		{math.Inf(-1), 0, true, 0, true},
	}
	for _, tt := range tests {
		got, err := Scale(tt.value, tt.decimals, tt.signed)
		if tt.wantErr {
			assert.Error(t, err, "Scale(%v)", tt.value)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "Scale(%v, %d)", tt.value, tt.decimals)
	}
}
