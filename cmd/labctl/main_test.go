package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furnace-lab/pkg/fugacity"
	"furnace-lab/pkg/record"
	"furnace-lab/pkg/store"
	"furnace-lab/pkg/watch"
)

const controlCSV = `target_temp,hold_length,heat_rate,interval,buffer,offset,fo2_gas
100,0,10,5,qfm,0,co
60,0.5,10,5,qfm,-1,co
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// labDir writes a control file and a lab.cfg whose data directory is
// inside a temp dir.
func labDir(t *testing.T) (dir, cfgPath, controlPath string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "lab.cfg")
	controlPath = filepath.Join(dir, "steps.csv")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[experiment]\nproject: demo\ndata_dir: data\n\n[lcr]\nfreq_count: 12\n"), 0o644))
	require.NoError(t, os.WriteFile(controlPath, []byte(controlCSV), 0o644))
	return dir, cfgPath, controlPath
}

func TestParseStart(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"21:30", time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC)},
		{"09:15", time.Date(2026, 3, 3, 9, 15, 0, 0, time.UTC)},
		{"2026-03-04T08:00:00Z", time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseStart(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}
	_, err := parseStart("tomorrow", now)
	assert.Error(t, err)
}

func TestDataFileName(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	assert.Equal(t, "olivine_20260302_0905.dat", dataFileName("/lab/olivine.csv", at))
}

func TestCheck(t *testing.T) {
	_, cfgPath, controlPath := labDir(t)

	out, err := execute(t, "check", controlPath, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "total")
	assert.Contains(t, out, "qfm")

	out, err = execute(t, "check", controlPath, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var plan struct {
		TotalMinutes int `json:"total_minutes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	// 40 -> 100 takes 6 minutes. The cooling ramp counts against the
	// 30 minute hold: |-4 + 30|.
	assert.Equal(t, 6+26, plan.TotalMinutes)
}

func TestCheckRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("target_temp,hold_length\nhot,1\n"), 0o644))
	_, err := execute(t, "check", path)
	assert.Error(t, err)
}

func TestFugacity(t *testing.T) {
	out, err := execute(t, "fugacity", "--buffer", "qfm", "--temp", "1000", "--gas", "co", "--json")
	require.NoError(t, err)
	var got fugacity.GasMix
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	want, err := fugacity.Mix("qfm", 0, 1000, fugacity.GasCO, nil)
	require.NoError(t, err)
	assert.InDelta(t, want.LogFugacity, got.LogFugacity, 1e-9)
	assert.Equal(t, want.Flows, got.Flows)

	out, err = execute(t, "fugacity", "--buffer", "qfm", "--temp", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "co2")

	_, err = execute(t, "fugacity", "--gas", "ar")
	assert.Error(t, err)
}

func TestIndicatedDefaults(t *testing.T) {
	out, err := execute(t, "indicated", "800", "1000.5")
	require.NoError(t, err)
	assert.Contains(t, out, "800.00")
	assert.Contains(t, out, "1000.50")
	assert.Contains(t, out, "5500")

	_, err = execute(t, "indicated", "warm")
	assert.Error(t, err)
}

func TestRunRequiresConfig(t *testing.T) {
	_, _, controlPath := labDir(t)
	_, err := execute(t, "run", controlPath)
	assert.Error(t, err)
}

func TestRunSimulated(t *testing.T) {
	dir, cfgPath, controlPath := labDir(t)

	out, err := execute(t, "run", controlPath, "--config", cfgPath, "--simulate", "--json")
	require.NoError(t, err)
	var res struct {
		ID       string `json:"id"`
		DataFile string `json:"data_file"`
		Summary  struct {
			StepsCompleted int `json:"steps_completed"`
			Cycles         int `json:"cycles"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Summary.StepsCompleted)
	assert.Equal(t, 9, res.Summary.Cycles)

	project := filepath.Join(dir, "data", "demo")
	assert.FileExists(t, filepath.Join(project, "lab.log"))
	assert.FileExists(t, filepath.Join(project, "runs.db"))
	require.Equal(t, project, filepath.Dir(res.DataFile))

	f, err := record.ParseFile(res.DataFile)
	require.NoError(t, err)
	assert.Len(t, f.Readings, 9)
	assert.Len(t, f.Frequencies, 12)

	out, err = execute(t, "runs", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, res.ID, runs[0].ID.String())
	assert.Equal(t, store.StatusCompleted, runs[0].Status)
	assert.Equal(t, 9, runs[0].Readings)

	out, err = execute(t, "runs", res.ID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"), out)

	out, err = execute(t, "process", res.DataFile, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var rows []struct {
		Step  int `json:"step"`
		Cycle int `json:"cycle"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 9)
	assert.Equal(t, 2, rows[8].Step)
	assert.Equal(t, 6, rows[8].Cycle)
}

func TestRunRefusesStaleAbortFile(t *testing.T) {
	dir, cfgPath, controlPath := labDir(t)
	project := filepath.Join(dir, "data", "demo")
	require.NoError(t, os.MkdirAll(project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, watch.AbortFile), nil, 0o644))

	_, err := execute(t, "run", controlPath, "--config", cfgPath, "--simulate")
	require.Error(t, err)
	assert.ErrorIs(t, err, watch.ErrAbortFilePresent)

	out, err := execute(t, "runs", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, store.StatusAborted)
}

func TestRunAbortsWhenWatcherFails(t *testing.T) {
	_, cfgPath, controlPath := labDir(t)
	errWatch := errors.New("inotify limit reached")
	orig := newWatcher
	newWatcher = func(watch.Options) (*watch.Watcher, error) { return nil, errWatch }
	t.Cleanup(func() { newWatcher = orig })

	_, err := execute(t, "run", controlPath, "--config", cfgPath, "--simulate")
	require.ErrorIs(t, err, errWatch)

	out, err := execute(t, "runs", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusAborted, runs[0].Status)
	assert.Contains(t, runs[0].Reason, "inotify limit reached")
	assert.Equal(t, 0, runs[0].Readings)
}

func TestStatusSimulated(t *testing.T) {
	out, err := execute(t, "status", "--simulate", "--json")
	require.NoError(t, err)
	var s struct {
		Furnace struct {
			Indicated float64 `json:"indicated"`
		} `json:"furnace"`
		Gas   map[string]float64 `json:"gas"`
		Stage *int               `json:"stage"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, 25.0, s.Furnace.Indicated)
	assert.Len(t, s.Gas, 4)
	require.NotNil(t, s.Stage)
	assert.Equal(t, 5000, *s.Stage)
}
