// Log rotation tests
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "lab", "control.log")

	w, err := OpenRotating(RotationConfig{Filename: logFile, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("OpenRotating() error = %v", err)
	}
	defer w.Close()

	msg := "furnace connected\n"
	n, err := w.Write([]byte(msg))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(msg) {
		t.Errorf("Write() = %d, want %d", n, len(msg))
	}
	if err := w.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if string(data) != msg {
		t.Errorf("file contents = %q, want %q", data, msg)
	}
}

func TestRotatingFileRollsOver(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "control.log")

	w, err := OpenRotating(RotationConfig{Filename: logFile, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("OpenRotating() error = %v", err)
	}
	defer w.Close()

	// Pretend the file is full so every write rotates.
	for i := 0; i < 4; i++ {
		w.mu.Lock()
		w.size = w.maxSize
		w.mu.Unlock()
		if _, err := w.Write([]byte(strings.Repeat("x", i+1) + "\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	for _, name := range []string{logFile, logFile + ".1", logFile + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected %s.3 to be pruned", logFile)
	}

	data, _ := os.ReadFile(logFile)
	if string(data) != "xxxx\n" {
		t.Errorf("current file = %q, want newest line", data)
	}
}

func TestRotatingFileRequiresName(t *testing.T) {
	if _, err := OpenRotating(RotationConfig{}); err == nil {
		t.Error("OpenRotating() with no filename should fail")
	}
}

func TestRotatingFileClosed(t *testing.T) {
	w, err := OpenRotating(RotationConfig{Filename: filepath.Join(t.TempDir(), "a.log")})
	if err != nil {
		t.Fatalf("OpenRotating() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("Write() after Close should fail")
	}
}
