// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package calibration maps desired sample temperatures to furnace
// setpoints and stage positions.
package calibration

import (
	"fmt"
	"math"
	"sort"

	laberrors "furnace-lab/pkg/errors"
)

// CalibrationPoint is one measured pair.
type CalibrationPoint struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Lookup maps x to a calibrated y.
type Lookup interface {
	Lookup(x float64) float64
}

// Table interpolates linearly between calibration points. Outside the
// measured range it extrapolates along the first or last segment.
type Table struct {
	points []CalibrationPoint
}

// NewTable sorts points by X. At least two points with distinct X are required.
func NewTable(points []CalibrationPoint) (*Table, error) {
	if len(points) < 2 {
		return nil, laberrors.Calibration(fmt.Sprintf("need at least 2 points, got %d", len(points)))
	}
	pts := append([]CalibrationPoint(nil), points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return nil, laberrors.Calibration(fmt.Sprintf("point %d is NaN", i))
		}
		if i > 0 && p.X == pts[i-1].X {
			return nil, laberrors.Calibration(fmt.Sprintf("duplicate x value %v", p.X))
		}
	}
	return &Table{points: pts}, nil
}

// Points returns a copy of the sorted points.
func (t *Table) Points() []CalibrationPoint {
	return append([]CalibrationPoint(nil), t.points...)
}

// Validate reports a table whose Y values are not monotonic, which would
// make the inverse mapping ambiguous.
func (t *Table) Validate() error {
	var up, down bool
	for i := 1; i < len(t.points); i++ {
		switch d := t.points[i].Y - t.points[i-1].Y; {
		case d > 0:
			up = true
		case d < 0:
			down = true
		}
	}
	if up && down {
		return laberrors.Calibration("y values are not monotonic")
	}
	return nil
}

// Lookup interpolates y at x.
func (t *Table) Lookup(x float64) float64 {
	pts := t.points
	i := sort.Search(len(pts), func(i int) bool { return pts[i].X >= x })
	switch {
	case i == 0:
		i = 1
	case i == len(pts):
		i = len(pts) - 1
	}
	a, b := pts[i-1], pts[i]
	return a.Y + (x-a.X)*(b.Y-a.Y)/(b.X-a.X)
}

// Identity maps every x to itself, for a lab without calibration.
type Identity struct{}

// Lookup returns x.
func (Identity) Lookup(x float64) float64 { return x }
