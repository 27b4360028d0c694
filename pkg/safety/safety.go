// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package safety puts the lab into a safe state when a run ends or fails.
// It owns the shutdown state machine and the measurement loop watchdog.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"furnace-lab/pkg/log"
)

// ShutdownState represents the lab's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates the lab was shut down cleanly.
	StateShutdown

	// StateError indicates a failure-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the lab was shut down.
type ShutdownReason string

const (
	ReasonNone              ShutdownReason = ""
	ReasonUserRequest       ShutdownReason = "user_request"
	ReasonInstrumentFailure ShutdownReason = "instrument_failure"
	ReasonWatchdogTimeout   ShutdownReason = "watchdog_timeout"
	ReasonRunError          ShutdownReason = "run_error"
	ReasonCompleted         ShutdownReason = "completed"
)

// ErrShutdown is returned by CheckOperational once the lab is shut down.
var ErrShutdown = errors.New("safety: lab is shut down")

// Shutdowner returns an instrument to a safe state.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdowner.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) Shutdown(ctx context.Context) error { return f(ctx) }

type component struct {
	name string
	s    Shutdowner
}

// Manager manages the shutdown state and the watchdog.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time
	shutdownErr    error

	// Shut down in registration order.
	components []component

	watchdogCancel  context.CancelFunc
	watchdogDone    chan struct{}
	watchdogTimeout time.Duration
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	log *log.Logger
	now func() time.Time
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 30 * time.Minute,
		checkInterval:   time.Second,
		shutdownTimeout: 30 * time.Second,
		log:             log.GetLogger("safety"),
		now:             time.Now,
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
	CheckInterval   time.Duration
	// ShutdownTimeout bounds a shutdown started by the watchdog.
	ShutdownTimeout time.Duration
}

// WatchdogFor returns the default watchdog timeout for a run whose
// longest polling interval is longest.
func WatchdogFor(longest time.Duration) time.Duration {
	return 3 * longest
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
	if cfg.CheckInterval > 0 {
		m.checkInterval = cfg.CheckInterval
	}
	if cfg.ShutdownTimeout > 0 {
		m.shutdownTimeout = cfg.ShutdownTimeout
	}
}

// Register adds an instrument to the shutdown sequence.
func (m *Manager) Register(name string, s Shutdowner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, s: s})
}

// Components returns the registered names in shutdown order.
func (m *Manager) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.components))
	for i, c := range m.components {
		names[i] = c.name
	}
	return names
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsShutdown returns true once the shutdown sequence has finished.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// IsOperational returns true if the lab is running normally.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns an error if the lab is not operational.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// Abort shuts the lab down because a run failed.
func (m *Manager) Abort(ctx context.Context, reason ShutdownReason, msg string) error {
	return m.invokeShutdown(ctx, reason, msg)
}

// Complete shuts the lab down after the last step.
func (m *Manager) Complete(ctx context.Context) error {
	return m.invokeShutdown(ctx, ReasonCompleted, "all steps complete")
}

// RequestShutdown shuts the lab down by user request.
func (m *Manager) RequestShutdown(ctx context.Context, msg string) error {
	return m.invokeShutdown(ctx, ReasonUserRequest, msg)
}

// WatchdogTimeout shuts the lab down because the loop stopped heartbeating.
func (m *Manager) WatchdogTimeout(ctx context.Context) error {
	return m.invokeShutdown(ctx, ReasonWatchdogTimeout, "measurement loop heartbeat timeout")
}

// invokeShutdown runs the shutdown sequence once. Every component is
// called even if an earlier one fails; their errors are joined.
func (m *Manager) invokeShutdown(ctx context.Context, reason ShutdownReason, msg string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = m.now()
	components := make([]component, len(m.components))
	copy(components, m.components)
	m.mu.Unlock()

	m.StopWatchdog()
	m.log.WithFields(log.Fields{"reason": string(reason)}).Warnf("Shutting down the lab: %s", msg)

	var errs []error
	for _, c := range components {
		// Shutdown must reach the instruments even if the run context is gone.
		if err := c.s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			m.log.WithField("instrument", c.name).WithError(err).Error("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	err := errors.Join(errs...)

	m.mu.Lock()
	finalState := StateShutdown
	if reason == ReasonInstrumentFailure || reason == ReasonWatchdogTimeout || reason == ReasonRunError {
		finalState = StateError
	}
	m.state = finalState
	m.shutdownErr = err

	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}
	if err == nil {
		m.log.Info("Lab shut down")
	}
	return err
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.watchdogDone = make(chan struct{})
	m.lastHeartbeat = m.now()

	go m.watchdogLoop(ctx, cancel, m.watchdogDone)
}

// StopWatchdog stops the watchdog timer and waits for it to exit.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	cancel, done := m.watchdogCancel, m.watchdogDone
	m.watchdogCancel, m.watchdogDone = nil, nil
	m.watchdogMu.Unlock()

	if cancel != nil {
		cancel()
		if done != nil {
			<-done
		}
	}
}

// Heartbeat updates the watchdog timer.
// Call this once per measurement cycle.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = m.now()
}

func (m *Manager) watchdogLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	m.watchdogMu.Lock()
	interval := m.checkInterval
	m.watchdogMu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(done)
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := m.now().Sub(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			shutdownTimeout := m.shutdownTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				// invokeShutdown stops the watchdog, which waits on done.
				m.watchdogMu.Lock()
				if m.watchdogDone == done {
					m.watchdogCancel, m.watchdogDone = nil, nil
				}
				m.watchdogMu.Unlock()
				cancel()
				close(done)

				sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
				_ = m.WatchdogTimeout(sctx)
				stop()
				return
			}
		}
	}
}

// Reset returns a shut down manager to running for the next run.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning || m.state == StateShuttingDown {
		return errors.New("safety: cannot reset while running or shutting down")
	}

	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	m.shutdownErr = nil

	return nil
}

// Status returns a status struct for reporting.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	ShutdownError  string    `json:"shutdown_error,omitempty"`
	IsOperational  bool      `json:"operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
	if m.shutdownErr != nil {
		s.ShutdownError = m.shutdownErr.Error()
	}
	return s
}
