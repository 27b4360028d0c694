package calibration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "furnace-lab/pkg/errors"
)

func TestTableLookup(t *testing.T) {
	table, err := NewTable([]CalibrationPoint{{X: 800, Y: 830}, {X: 400, Y: 420}, {X: 600, Y: 625}})
	require.NoError(t, err)

	tests := []struct {
		x    float64
		want float64
	}{
		{400, 420},
		{500, 522.5},
		{600, 625},
		{700, 727.5},
		{800, 830},
		// extrapolation along the end segments
		{300, 317.5},
		{900, 932.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, table.Lookup(tt.x), 1e-9, "Lookup(%v)", tt.x)
	}
	assert.Equal(t, 400.0, table.Points()[0].X)
}

func TestNewTableErrors(t *testing.T) {
	_, err := NewTable([]CalibrationPoint{{X: 1, Y: 1}})
	assert.True(t, laberrors.Is(err, laberrors.ErrCalibration))

	_, err = NewTable([]CalibrationPoint{{X: 1, Y: 1}, {X: 1, Y: 2}})
	assert.ErrorContains(t, err, "duplicate")
}

func TestValidate(t *testing.T) {
	ok, err := NewTable([]CalibrationPoint{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 2}})
	require.NoError(t, err)
	assert.NoError(t, ok.Validate())

	bad, err := NewTable([]CalibrationPoint{{X: 1, Y: 1}, {X: 2, Y: 3}, {X: 3, Y: 2}})
	require.NoError(t, err)
	assert.Error(t, bad.Validate())
}

func TestFitQuadratic(t *testing.T) {
	// y = 0.0001x^2 + 0.9x + 15
	xs := []float64{300, 400, 500, 600, 700, 800}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 0.0001*x*x + 0.9*x + 15
	}
	p, err := FitQuadratic(xs, ys)
	require.NoError(t, err)
	require.Len(t, p.Coeffs, 3)
	assert.InDelta(t, 0.0001, p.Coeffs[0], 1e-9)
	assert.InDelta(t, 0.9, p.Coeffs[1], 1e-6)
	assert.InDelta(t, 15, p.Coeffs[2], 1e-3)
	assert.InDelta(t, 0.0001*1000*1000+900+15, p.Lookup(1000), 1e-3)

	_, err = FitQuadratic([]float64{1, 2}, []float64{1, 2})
	assert.Error(t, err)
	_, err = FitQuadratic([]float64{1, 2, 3}, []float64{1, 2})
	assert.Error(t, err)
}

func TestCorrections(t *testing.T) {
	table, err := NewTable([]CalibrationPoint{{X: 400, Y: 420.123}, {X: 800, Y: 830.456}})
	require.NoError(t, err)
	stage, err := NewTable([]CalibrationPoint{{X: 400, Y: 5200}, {X: 800, Y: 5800}})
	require.NoError(t, err)

	c := Corrections{Temperature: table, Stage: stage, MaxPosition: 6000}
	assert.Equal(t, 420.12, c.Indicated(400))
	pos, ok := c.Position(600)
	assert.True(t, ok)
	assert.Equal(t, 5500, pos)
	pos, _ = c.Position(1200)
	assert.Equal(t, 6000, pos)

	none := Corrections{}
	assert.Equal(t, 512.35, none.Indicated(512.346))
	_, ok = none.Position(600)
	assert.False(t, ok)

	eq := Corrections{Equilibrium: 5550}
	pos, ok = eq.Position(600)
	assert.True(t, ok)
	assert.Equal(t, 5550, pos)
}

func TestEquilibriumPosition(t *testing.T) {
	profile := []ProfilePoint{
		{Position: 5000, Thermo1: 795, Thermo2: 801},
		{Position: 5100, Thermo1: 798, Thermo2: 800},
		{Position: 5200, Thermo1: 801, Thermo2: 799},
		{Position: 5300, Thermo1: 803, Thermo2: 796},
	}
	assert.Equal(t, 5100, EquilibriumPosition(profile, 10000))
	assert.Equal(t, 5000, EquilibriumPosition(profile[2:], 10000))
	assert.Equal(t, 5000, EquilibriumPosition(nil, 10000))
}

func TestParseTemperatureOffset(t *testing.T) {
	lists := `
sample: [400, 600, 800]
indicated: [420, 625, 830]
`
	l, err := ParseTemperatureOffset(strings.NewReader(lists), "lists.yaml")
	require.NoError(t, err)
	assert.InDelta(t, 522.5, l.Lookup(500), 1e-9)

	points := `
fit: quadratic
points:
  - {x: 300, y: 324}
  - {x: 500, y: 490}
  - {x: 700, y: 694}
  - {x: 900, y: 936}
`
	l, err = ParseTemperatureOffset(strings.NewReader(points), "points.yaml")
	require.NoError(t, err)
	_, isPoly := l.(Polynomial)
	assert.True(t, isPoly)

	_, err = ParseTemperatureOffset(strings.NewReader("sample: [1]\nindicated: [1, 2]\n"), "bad.yaml")
	assert.Error(t, err)
	_, err = ParseTemperatureOffset(strings.NewReader("fit: cubic\npoints: [{x: 1, y: 1}, {x: 2, y: 2}]\n"), "bad.yaml")
	assert.Error(t, err)
	_, err = ParseTemperatureOffset(strings.NewReader("bogus: 1\n"), "bad.yaml")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	offset := filepath.Join(dir, "offset.yaml")
	profile := filepath.Join(dir, "stage.yaml")
	require.NoError(t, os.WriteFile(offset, []byte("points: [{x: 400, y: 420}, {x: 800, y: 830}]\n"), 0o644))
	require.NoError(t, os.WriteFile(profile, []byte(`
profile:
  - {position: 5000, thermo_1: 795, thermo_2: 801}
  - {position: 5100, thermo_1: 802, thermo_2: 800}
`), 0o644))

	c, err := Load(offset, profile, 10000)
	require.NoError(t, err)
	assert.Equal(t, 420.0, c.Indicated(400))
	assert.Equal(t, 5000, c.Equilibrium)
	pos, ok := c.Position(700)
	assert.True(t, ok)
	assert.Equal(t, 5000, pos)

	c, err = Load("", "", 10000)
	require.NoError(t, err)
	assert.Equal(t, 700.0, c.Indicated(700))

	_, err = Load(filepath.Join(dir, "missing.yaml"), "", 10000)
	assert.True(t, laberrors.Is(err, laberrors.ErrCalibration))
}

func TestLoadStageProfileRejectsNonMonotonicPositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"positions: [{x: 400, y: 5000}, {x: 600, y: 6000}, {x: 800, y: 4000}]\n"), 0o644))

	_, err := LoadStageProfile(path)
	require.Error(t, err)
	assert.True(t, laberrors.Is(err, laberrors.ErrCalibration))
	assert.Contains(t, err.Error(), "not monotonic")

	_, err = Load("", path, 10000)
	assert.Error(t, err)
}

func TestLoadStageProfilePositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"positions: [{x: 400, y: 4000}, {x: 800, y: 6000}]\n"), 0o644))

	sp, err := LoadStageProfile(path)
	require.NoError(t, err)
	require.NotNil(t, sp.Positions)
	assert.Equal(t, 5000.0, sp.Positions.Lookup(600))
}
