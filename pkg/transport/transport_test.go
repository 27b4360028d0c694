package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineConnQuery(t *testing.T) {
	fake := NewFake(LineScript(TermLF, map[string]string{"*IDN?": "Keysight,34970A,0,1.0"}))
	lc := NewLineConn(fake, TermLF)

	resp, err := lc.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Keysight,34970A,0,1.0", resp)
	assert.Equal(t, []string{"*IDN?"}, fake.Lines(TermLF))
}

func TestLineConnAcceptsCRLF(t *testing.T) {
	fake := NewFake(func(req []byte) []byte { return []byte("OK\r\n") })
	lc := NewLineConn(fake, TermCR)

	first, err := lc.Query("?R")
	require.NoError(t, err)
	assert.Equal(t, "OK", first)

	// The trailing LF of the previous reply must not leak into the next.
	fake.Inject([]byte("\nnext\r"))
	next, err := lc.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", next)
}

func TestLineConnSplitsBufferedLines(t *testing.T) {
	fake := NewFake(nil)
	fake.Inject([]byte("one\ntwo\n"))
	lc := NewLineConn(fake, TermLF)

	a, err := lc.ReadLine()
	require.NoError(t, err)
	b, err := lc.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "one", a)
	assert.Equal(t, "two", b)

	_, err = lc.ReadLine()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLineConnWriteError(t *testing.T) {
	fake := NewFake(nil)
	fake.WriteErr = errors.New("unplugged")
	lc := NewLineConn(fake, TermLF)

	err := lc.WriteLine("*RST")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("no reply")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 4, func() error {
		calls++
		return errors.New("still no reply")
	})
	assert.EqualError(t, err, "still no reply")
	assert.Equal(t, 4, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, func() error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 1, calls)

	err = Retry(ctx, 3, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialSim(t *testing.T) {
	fake := NewFake(nil)
	RegisterSim("furnace-test", func() (Conn, error) { return fake, nil })
	defer UnregisterSim("furnace-test")

	conn, err := Dial(context.Background(), "sim://furnace-test", Options{})
	require.NoError(t, err)
	assert.Same(t, fake, conn)

	_, err = Dial(context.Background(), "sim://missing", Options{})
	assert.Error(t, err)

	_, err = Dial(context.Background(), "", Options{})
	assert.Error(t, err)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		if string(buf[:n]) == "READ?\n" {
			c.Write([]byte("+2.5E+01\n"))
		}
		// Hold the connection until the client closes.
		c.Read(buf)
	}()

	conn, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), Options{ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	lc := NewLineConn(conn, TermLF)

	resp, err := lc.Query("READ?")
	require.NoError(t, err)
	assert.Equal(t, "+2.5E+01", resp)

	conn.SetReadTimeout(20 * time.Millisecond)
	_, err = lc.ReadLine()
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, conn.Close())
	<-done
}

func TestLineConnSplitTerminators(t *testing.T) {
	fake := NewFake(func(req []byte) []byte {
		if string(req) == "?R\r" {
			return []byte("?R\rOK\n")
		}
		return nil
	})
	lc := NewLineConnTerms(fake, TermCR, TermLF)

	resp, err := lc.Query("?R")
	require.NoError(t, err)
	assert.Equal(t, "?R\rOK", resp)
}
