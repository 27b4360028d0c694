// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package store keeps a SQLite database of runs and their readings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"furnace-lab/pkg/record"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// ErrNoRun is returned when readings arrive before BeginRun.
var ErrNoRun = errors.New("store: no active run")

// Run is one row of the runs table.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Project     string     `json:"project"`
	ControlFile string     `json:"control_file"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Readings    int        `json:"readings"`
}

// Store is a run database. It implements record.Sink for the run most
// recently started with BeginRun.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	active uuid.UUID
	now    func() time.Time
}

var _ record.Sink = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// BeginRun records a new run and makes it the active one.
func (s *Store) BeginRun(ctx context.Context, project, controlFile string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project, control_file, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		id.String(), project, controlFile, formatTime(s.now()), StatusRunning)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin run: %w", err)
	}
	s.active = id
	return id, nil
}

// ActiveRun returns the run readings are written to.
func (s *Store) ActiveRun() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, reason = ? WHERE id = ?`,
		formatTime(s.now()), status, reason, id.String())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to finish run: %s not found", id)
	}
	if s.active == id {
		s.active = uuid.Nil
	}
	return nil
}

// StepStarted implements record.Sink.
func (s *Store) StepStarted(ctx context.Context, st record.StepStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == uuid.Nil {
		return ErrNoRun
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, step, started_at, target_temp, hold_length, heat_rate, interval_min, buffer, fo2_offset, gas)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.active.String(), st.Step, formatTime(st.Time), st.TargetTemp, st.HoldLength, st.HeatRate,
		st.Interval, st.Buffer, st.Offset, st.Gas)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// Append implements record.Sink.
func (s *Store) Append(ctx context.Context, r record.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == uuid.Nil {
		return ErrNoRun
	}
	gas := make(map[string]*float64, len(r.Gas))
	for k, v := range r.Gas {
		gas[k] = nullable(v)
	}
	gasJSON, err := json.Marshal(gas)
	if err != nil {
		return fmt.Errorf("failed to marshal gas: %w", err)
	}
	impJSON, err := json.Marshal(r.Impedance)
	if err != nil {
		return fmt.Errorf("failed to marshal impedance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO readings (run_id, step, cycle, time, stage_position, target, indicated, reference,
		 thermo_1, thermo_2, voltage, gas, log_fugacity, ratio, fo2_offset, impedance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.active.String(), r.Step, r.Cycle, formatTime(r.Time), nullable(r.StagePosition),
		nullable(r.Furnace.Target), nullable(r.Furnace.Indicated), nullable(r.DAQ.Reference),
		nullable(r.DAQ.Thermo1), nullable(r.DAQ.Thermo2), nullable(r.DAQ.Voltage), string(gasJSON),
		nullable(r.Fugacity.LogFugacity), nullable(r.Fugacity.Ratio), nullable(r.Fugacity.Offset), string(impJSON))
	if err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.project, r.control_file, r.started_at, r.finished_at, r.status, r.reason,
		       (SELECT COUNT(*) FROM readings WHERE run_id = r.id)
		FROM runs r ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run              Run
			id, started      string
			finished, reason sql.NullString
		)
		if err := rows.Scan(&id, &run.Project, &run.ControlFile, &started, &finished, &run.Status, &reason, &run.Readings); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", id, err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		run.Reason = reason.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Steps returns the step starts of a run in order.
func (s *Store) Steps(ctx context.Context, id uuid.UUID) ([]record.StepStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, started_at, target_temp, hold_length, heat_rate, interval_min, buffer, fo2_offset, gas
		FROM steps WHERE run_id = ? ORDER BY started_at, step`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []record.StepStart
	for rows.Next() {
		var (
			st      record.StepStart
			started string
		)
		if err := rows.Scan(&st.Step, &started, &st.TargetTemp, &st.HoldLength, &st.HeatRate,
			&st.Interval, &st.Buffer, &st.Offset, &st.Gas); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if st.Time, err = parseTime(started); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Readings returns the readings of a run in order.
func (s *Store) Readings(ctx context.Context, id uuid.UUID) ([]record.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, cycle, time, stage_position, target, indicated, reference, thermo_1, thermo_2,
		       voltage, gas, log_fugacity, ratio, fo2_offset, impedance
		FROM readings WHERE run_id = ? ORDER BY rowid`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []record.Reading
	for rows.Next() {
		var (
			r                               record.Reading
			at, gasJSON, impJSON            string
			stage, target, indicated, ref   sql.NullFloat64
			te1, te2, volt, fo2, ratio, off sql.NullFloat64
		)
		if err := rows.Scan(&r.Step, &r.Cycle, &at, &stage, &target, &indicated, &ref, &te1, &te2,
			&volt, &gasJSON, &fo2, &ratio, &off, &impJSON); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if r.Time, err = parseTime(at); err != nil {
			return nil, err
		}
		r.StagePosition = orNaN(stage)
		r.Furnace = record.Furnace{Target: orNaN(target), Indicated: orNaN(indicated)}
		r.DAQ = record.DAQ{Reference: orNaN(ref), Thermo1: orNaN(te1), Thermo2: orNaN(te2), Voltage: orNaN(volt)}
		r.Fugacity = record.Fugacity{LogFugacity: orNaN(fo2), Ratio: orNaN(ratio), Offset: orNaN(off)}

		var gas map[string]*float64
		if err := json.Unmarshal([]byte(gasJSON), &gas); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gas: %w", err)
		}
		r.Gas = make(map[string]float64, len(gas))
		for k, v := range gas {
			if v == nil {
				r.Gas[k] = math.NaN()
			} else {
				r.Gas[k] = *v
			}
		}
		if err := json.Unmarshal([]byte(impJSON), &r.Impedance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal impedance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
