package controlfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/fugacity"
)

const sample = `target_temp,hold_length,heat_rate,interval,buffer,offset,fo2_gas
600,,5,10,qfm,0,co
800,2,2.5,15,iw,-1,h2
500,0.5,5,10,nno,0.5,co
`

func TestParseCSV(t *testing.T) {
	steps, err := Parse(strings.NewReader(sample), FormatCSV)
	require.NoError(t, err)

	want := []Step{
		{Index: 1, TargetTemp: 600, HoldLength: 0, HeatRate: 5, Interval: 10, Buffer: "qfm", Offset: 0, FO2Gas: fugacity.GasCO},
		{Index: 2, TargetTemp: 800, HoldLength: 2, HeatRate: 2.5, Interval: 15, Buffer: "iw", Offset: -1, FO2Gas: fugacity.GasH2},
		{Index: 3, TargetTemp: 500, HoldLength: 0.5, HeatRate: 5, Interval: 10, Buffer: "nno", Offset: 0.5, FO2Gas: fugacity.GasCO},
	}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
steps:
  - {target_temp: 600, heat_rate: 5, interval: 10, buffer: qfm, offset: 0, fo2_gas: co}
  - {target_temp: 800, hold_length: 2, heat_rate: 2.5, interval: 15, buffer: IW, offset: -1, fo2_gas: h2}
`
	steps, err := Parse(strings.NewReader(doc), FormatYAML)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 0.0, steps[0].HoldLength)
	assert.Equal(t, "iw", steps[1].Buffer)
	assert.Equal(t, 15*time.Minute, steps[1].IntervalDuration())
	assert.Equal(t, 2*time.Hour, steps[1].HoldDuration())
}

func TestParseErrors(t *testing.T) {
	header := "target_temp,hold_length,heat_rate,interval,buffer,offset,fo2_gas\n"
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing column", "target_temp,hold_length,heat_rate,interval,buffer,offset\n600,0,5,10,qfm,0\n", "missing column fo2_gas"},
		{"extra column", "target_temp,hold_length,heat_rate,interval,buffer,offset,fo2_gas,notes\n600,0,5,10,qfm,0,co,x\n", "unexpected column notes"},
		{"not numeric", header + "hot,0,5,10,qfm,0,co\n", "target_temp must be numeric"},
		{"later hold empty", header + "600,0,5,10,qfm,0,co\n700,,5,10,qfm,0,co\n", "hold_length must be numeric"},
		{"bad buffer", header + "600,0,5,10,fsqm,0,co\n", "unexpected buffer type"},
		{"bad gas", header + "600,0,5,10,qfm,0,n2\n", "unexpected gas type"},
		{"zero rate", header + "600,0,0,10,qfm,0,co\n", "heat_rate must be positive"},
		{"zero interval", header + "600,0,5,0,qfm,0,co\n", "interval must be positive"},
		{"nan rate", header + "800,1,NaN,10,qfm,0,co\n", "heat_rate must be finite"},
		{"inf interval", header + "800,1,5,Inf,qfm,0,co\n", "interval must be finite"},
		{"nan target", header + "nan,1,5,10,qfm,0,co\n", "target_temp must be finite"},
		{"negative inf hold", header + "800,-Inf,5,10,qfm,0,co\n", "hold_length must be finite"},
		{"nan offset", header + "800,1,5,10,qfm,NaN,co\n", "offset must be finite"},
		{"no steps", header, "no steps"},
		{"empty", "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.in), FormatCSV)
			require.Error(t, err)
			assert.True(t, laberrors.Is(err, laberrors.ErrControlFile))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseYAMLMissingKey(t *testing.T) {
	doc := "steps:\n  - {target_temp: 600, hold_length: 0, heat_rate: 5, interval: 10, buffer: qfm, offset: 0}\n"
	_, err := Parse(strings.NewReader(doc), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column fo2_gas")
}

func TestPlan(t *testing.T) {
	steps, err := Parse(strings.NewReader(sample), FormatCSV)
	require.NoError(t, err)

	planned := Plan(steps, 25, 10)
	assert.Equal(t, 0.0, steps[0].PreviousTarget, "input must not be modified")

	assert.Equal(t, 25.0, planned[0].PreviousTarget)
	assert.Equal(t, 10.0, planned[0].PreviousHeatRate)
	assert.Equal(t, 600.0, planned[1].PreviousTarget)
	assert.Equal(t, 5.0, planned[1].PreviousHeatRate)

	// (600-25)/5 = 115; (800-600)/2.5 + 120 = 200; |(500-800)/5 + 30| = 30
	got := []int{planned[0].EstTotalMinutes, planned[1].EstTotalMinutes, planned[2].EstTotalMinutes}
	assert.Equal(t, []int{115, 200, 30}, got)
	assert.Equal(t, 345, TotalMinutes(planned))
	assert.True(t, planned[1].Heating())
	assert.False(t, planned[2].Heating())
	assert.Equal(t, 15*time.Minute, LongestInterval(planned))
}

func TestTable(t *testing.T) {
	steps, err := Parse(strings.NewReader(sample), FormatCSV)
	require.NoError(t, err)
	var buf bytes.Buffer
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, Table(&buf, Plan(steps, 25, 10), start))

	out := buf.String()
	assert.Contains(t, out, "qfm")
	assert.Contains(t, out, "Mon 02 Mar 10:55")
	assert.Contains(t, out, "5h 45m")
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "0h 45m", FormatMinutes(45))
	assert.Equal(t, "5h 45m", FormatMinutes(345))
	assert.Equal(t, "1d 02h 05m", FormatMinutes(24*60+125))
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	steps, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, steps, 3)

	assert.Equal(t, FormatYAML, FormatOf("x.YML"))
	_, err = Load(filepath.Join(dir, "missing.csv"))
	assert.True(t, laberrors.Is(err, laberrors.ErrControlFile))
}
