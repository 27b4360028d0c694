// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package watch reacts to files dropped into the data directory while a
// run is active.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"furnace-lab/pkg/log"
)

// AbortFile is the name of the file that stops a run when created in the
// data directory.
const AbortFile = "STOP"

// ErrAbortFilePresent is returned by Start when a previous abort file
// was never removed.
var ErrAbortFilePresent = errors.New("abort file present")

// Stats counts the events the watcher acted on.
type Stats struct {
	Aborts        int
	ControlEdits  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher watches the data directory for the abort file and the control
// file for edits.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	logger      *log.Logger
	dataDir     string
	abortPath   string
	controlFile string
	onAbort     func()
	onEdit      func(path string)

	debounceMap map[string]time.Time
	debounceDur time.Duration
	aborted     bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	stats Stats
}

// Options configures a Watcher.
type Options struct {
	DataDir     string
	ControlFile string
	// OnAbort is called once when the abort file appears.
	OnAbort func()
	// OnControlEdit is called after edits to the control file settle.
	OnControlEdit func(path string)
	Debounce      time.Duration
}

// New creates a watcher. Nothing is watched until Start.
func New(opts Options) (*Watcher, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("watch: data directory is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		watcher:     fw,
		logger:      log.GetLogger("watch"),
		dataDir:     filepath.Clean(opts.DataDir),
		abortPath:   filepath.Join(filepath.Clean(opts.DataDir), AbortFile),
		onAbort:     opts.OnAbort,
		onEdit:      opts.OnControlEdit,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if opts.ControlFile != "" {
		if abs, err := filepath.Abs(opts.ControlFile); err == nil {
			w.controlFile = abs
		} else {
			w.controlFile = filepath.Clean(opts.ControlFile)
		}
	}
	return w, nil
}

// AbortPath returns the path of the abort file.
func (w *Watcher) AbortPath() string {
	return w.abortPath
}

// Start begins watching. It fails if the abort file already exists.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return fmt.Errorf("watch: create data dir: %w", err)
	}
	if _, err := os.Stat(w.abortPath); err == nil {
		return fmt.Errorf("watch: %w: remove %s to start", ErrAbortFilePresent, w.abortPath)
	}
	if err := w.watcher.Add(w.dataDir); err != nil {
		return fmt.Errorf("watch: %s: %w", w.dataDir, err)
	}
	if w.controlFile != "" {
		dir := filepath.Dir(w.controlFile)
		if abs, err := filepath.Abs(w.dataDir); err != nil || abs != dir {
			if err := w.watcher.Add(dir); err != nil {
				w.logger.Warn("cannot watch control file directory %s: %v", dir, err)
			}
		}
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	w.logger.Info("watching %s (create %s to stop the run)", w.dataDir, AbortFile)
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("error closing watcher: %v", err)
	}
}

// Stats returns a copy of the event counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(w.debounceDur / 5)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(event.Name)
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	abortPath, _ := filepath.Abs(w.abortPath)

	switch {
	case name == abortPath && event.Has(fsnotify.Create):
		w.abort(event.Name)
	case w.controlFile != "" && name == w.controlFile:
		w.mu.Lock()
		w.debounceMap[name] = time.Now()
		w.mu.Unlock()
	}
}

func (w *Watcher) abort(path string) {
	w.mu.Lock()
	if w.aborted {
		w.mu.Unlock()
		return
	}
	w.aborted = true
	w.stats.Aborts++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = path
	onAbort := w.onAbort
	w.mu.Unlock()

	w.logger.Warn("abort file %s created, stopping run", path)
	if onAbort != nil {
		onAbort()
	}
}

func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.stats.ControlEdits += len(settled)
	if len(settled) > 0 {
		w.stats.LastEventTime = now
		w.stats.LastEventPath = settled[len(settled)-1]
	}
	onEdit := w.onEdit
	w.mu.Unlock()

	for _, path := range settled {
		w.logger.Warn("control file %s changed; edits apply to the next run only", path)
		if onEdit != nil {
			onEdit(path)
		}
	}
}
