package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furnace-lab/pkg/record"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lab", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendWithoutRun(t *testing.T) {
	s := openTest(t)
	err := s.Append(context.Background(), record.NewReading(time.Now(), 1, 1))
	assert.ErrorIs(t, err, ErrNoRun)
	assert.ErrorIs(t, s.StepStarted(context.Background(), record.StepStart{Step: 1}), ErrNoRun)
}

func TestRunLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	id, err := s.BeginRun(ctx, "olivine", "olivine.csv")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, id, s.ActiveRun())

	step := record.StepStart{Step: 1, Time: start, TargetTemp: 600, HoldLength: 0, HeatRate: 5,
		Interval: 10, Buffer: "qfm", Offset: 0, Gas: "co"}
	require.NoError(t, s.StepStarted(ctx, step))

	r := record.NewReading(start.Add(10*time.Minute), 1, 1)
	r.Furnace = record.Furnace{Target: 612.5, Indicated: 598.25}
	r.DAQ = record.DAQ{Reference: 24.8, Thermo1: 597.1, Thermo2: 598.3, Voltage: 0.000123}
	r.Gas = map[string]float64{"co2": 50, "co_a": math.NaN()}
	r.Fugacity = record.Fugacity{LogFugacity: -5.9, Ratio: 40.7, Offset: 0}
	r.Impedance = []record.Impedance{{Z: 1520.5, Theta: -3.2}, {Z: math.NaN(), Theta: math.NaN()}}
	require.NoError(t, s.Append(ctx, r))

	s.now = func() time.Time { return start.Add(time.Hour) }
	require.NoError(t, s.FinishRun(ctx, id, StatusAborted, "furnace not responding"))
	assert.Equal(t, uuid.Nil, s.ActiveRun())

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, StatusAborted, runs[0].Status)
	assert.Equal(t, "furnace not responding", runs[0].Reason)
	assert.Equal(t, 1, runs[0].Readings)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(start.Add(time.Hour)))

	steps, err := s.Steps(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff([]record.StepStart{step}, steps); diff != "" {
		t.Errorf("Steps() mismatch (-want +got):\n%s", diff)
	}

	got, err := s.Readings(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(r, got[0], cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("Readings() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		id, err := s.BeginRun(ctx, "p", "c.csv")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestFinishUnknownRun(t *testing.T) {
	s := openTest(t)
	assert.Error(t, s.FinishRun(context.Background(), uuid.New(), StatusCompleted, ""))
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.BeginRun(context.Background(), "p", "c.csv")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
