// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Line terminators used by the lab instruments.
const (
	TermLF = "\n"
	TermCR = "\r"
)

// LineConn speaks a line-oriented ASCII protocol over a Conn. It is safe
// for concurrent use; each Query holds the line for its whole exchange.
type LineConn struct {
	mu    sync.Mutex
	conn  Conn
	wterm string
	rterm string
	extra []byte
}

// NewLineConn wraps conn using term as the line terminator for both
// directions. A CR terminator also accepts CRLF responses.
func NewLineConn(conn Conn, term string) *LineConn {
	return NewLineConnTerms(conn, term, term)
}

// NewLineConnTerms wraps conn for devices that end commands and replies
// differently.
func NewLineConnTerms(conn Conn, writeTerm, readTerm string) *LineConn {
	if writeTerm == "" {
		writeTerm = TermLF
	}
	if readTerm == "" {
		readTerm = writeTerm
	}
	return &LineConn{conn: conn, wterm: writeTerm, rterm: readTerm}
}

// Conn returns the underlying connection.
func (l *LineConn) Conn() Conn { return l.conn }

// WriteLine writes cmd followed by the terminator.
func (l *LineConn) WriteLine(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLine(cmd)
}

// ReadLine reads one line and strips the terminator.
func (l *LineConn) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLine()
}

// Query discards stale input, writes cmd and reads one line.
func (l *LineConn) Query(cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extra = l.extra[:0]
	if err := l.conn.Flush(); err != nil {
		return "", fmt.Errorf("transport: flush: %w", err)
	}
	if err := l.writeLine(cmd); err != nil {
		return "", err
	}
	return l.readLine()
}

func (l *LineConn) writeLine(cmd string) error {
	if _, err := io.WriteString(l.conn, cmd+l.wterm); err != nil {
		return fmt.Errorf("transport: write %q: %w", cmd, err)
	}
	return nil
}

func (l *LineConn) readLine() (string, error) {
	term := []byte(l.rterm)
	buf := make([]byte, 128)
	for {
		if i := bytes.Index(l.extra, term); i >= 0 {
			line := string(bytes.Trim(l.extra[:i], "\r\n"))
			l.extra = append(l.extra[:0], l.extra[i+len(term):]...)
			return line, nil
		}
		n, err := l.conn.Read(buf)
		l.extra = append(l.extra, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(l.extra) > 0 {
				line := string(bytes.Trim(l.extra, "\r\n"))
				l.extra = l.extra[:0]
				return line, nil
			}
			return "", err
		}
		if n == 0 {
			// An interrupted poll returns no data and no error.
			continue
		}
	}
}
