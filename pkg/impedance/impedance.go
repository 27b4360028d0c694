// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package impedance turns recorded frequency sweeps into sample
// resistance and conductivity.
package impedance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"furnace-lab/pkg/record"
)

// ErrTooFewPoints is returned when a sweep has fewer than 3 usable points.
var ErrTooFewPoints = errors.New("impedance: need at least 3 points")

// Point is one complex impedance point. Im is the magnitude of the
// reactive part, so a capacitive arc lies above the real axis.
type Point struct {
	Re float64
	Im float64
}

// FromPolar converts |Z| and theta (radians) to a Point.
func FromPolar(z, theta float64) Point {
	return Point{Re: z * math.Cos(theta), Im: math.Abs(z * math.Sin(theta))}
}

// Circle is a fitted arc.
type Circle struct {
	CX, CY   float64
	Radius   float64
	Residual float64 // sum of squared radial deviations
}

// Intercepts returns where the circle crosses the real axis, lowest
// first. ok is false when it does not reach the axis.
func (c Circle) Intercepts() (lo, hi float64, ok bool) {
	d := c.Radius*c.Radius - c.CY*c.CY
	if d < 0 {
		return 0, 0, false
	}
	s := math.Sqrt(d)
	return c.CX - s, c.CX + s, true
}

// FitCircle fits a circle through points by algebraic least squares
// (Kasa): x^2 + y^2 + Dx + Ey + F = 0.
func FitCircle(points []Point) (Circle, error) {
	var pts []Point
	for _, p := range points {
		if !math.IsNaN(p.Re) && !math.IsNaN(p.Im) && !math.IsInf(p.Re, 0) && !math.IsInf(p.Im, 0) {
			pts = append(pts, p)
		}
	}
	if len(pts) < 3 {
		return Circle{}, ErrTooFewPoints
	}
	a := mat.NewDense(len(pts), 3, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		a.Set(i, 0, p.Re)
		a.Set(i, 1, p.Im)
		a.Set(i, 2, 1)
		b.SetVec(i, -(p.Re*p.Re + p.Im*p.Im))
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Circle{}, fmt.Errorf("impedance: circle fit: %w", err)
	}
	c := Circle{CX: -sol.AtVec(0) / 2, CY: -sol.AtVec(1) / 2}
	r2 := c.CX*c.CX + c.CY*c.CY - sol.AtVec(2)
	if r2 <= 0 {
		return Circle{}, fmt.Errorf("impedance: degenerate circle fit")
	}
	c.Radius = math.Sqrt(r2)
	for _, p := range pts {
		d := math.Hypot(p.Re-c.CX, p.Im-c.CY) - c.Radius
		c.Residual += d * d
	}
	return c, nil
}

// Fit is the result of fitting one sweep.
type Fit struct {
	Circle     Circle
	Resistance float64 // ohm
}

// FitSweep fits the arc of one sweep and takes the real-axis intercept on
// the low-frequency side as the bulk resistance. The first skip points
// (in frequency order, highest first) are left out of the fit. When the
// arc does not reach the real axis, the diameter is used.
func FitSweep(freqs []float64, sweep []record.Impedance, skip int) (Fit, error) {
	if len(freqs) != len(sweep) {
		return Fit{}, fmt.Errorf("impedance: %d frequencies but %d points", len(freqs), len(sweep))
	}
	idx := make([]int, len(freqs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return freqs[idx[i]] > freqs[idx[j]] })
	if skip < 0 || skip >= len(idx) {
		skip = 0
	}
	idx = idx[skip:]

	pts := make([]Point, len(idx))
	for i, k := range idx {
		pts[i] = FromPolar(sweep[k].Z, sweep[k].Theta)
	}
	c, err := FitCircle(pts)
	if err != nil {
		return Fit{}, err
	}
	f := Fit{Circle: c, Resistance: 2 * c.Radius}
	if lo, hi, ok := c.Intercepts(); ok {
		lowest := pts[len(pts)-1].Re
		f.Resistance = hi
		if math.Abs(lowest-lo) < math.Abs(lowest-hi) {
			f.Resistance = lo
		}
	}
	return f, nil
}

// Geometry is the sample cylinder in millimetres.
type Geometry struct {
	Thickness float64
	Diameter  float64
}

// Area is the electrode face area in m^2.
func (g Geometry) Area() float64 {
	r := g.Diameter / 2 * 1e-3
	return math.Pi * r * r
}

// Resistivity converts resistance (ohm) to resistivity (ohm m).
func Resistivity(resistance float64, g Geometry) float64 {
	return resistance * g.Area() / (g.Thickness * 1e-3)
}

// Conductivity converts resistance (ohm) to conductivity (S/m).
func Conductivity(resistance float64, g Geometry) float64 {
	return 1 / Resistivity(resistance, g)
}

// Row is one processed cycle.
type Row struct {
	Time         time.Time `json:"time"`
	Step         int       `json:"step"`
	Cycle        int       `json:"cycle"`
	Temperature  float64   `json:"temperature"`
	Resistance   float64   `json:"resistance"`
	Resistivity  float64   `json:"resistivity"`
	Conductivity float64   `json:"conductivity"`
	Err          string    `json:"error,omitempty"`
}

// Process fits every reading of a data file. Readings whose sweep cannot
// be fitted are kept with the error and NaN values.
func Process(f *record.File, g Geometry, skip int) []Row {
	rows := make([]Row, 0, len(f.Readings))
	for _, r := range f.Readings {
		row := Row{
			Time:         r.Time,
			Step:         r.Step,
			Cycle:        r.Cycle,
			Temperature:  r.DAQ.MeanTemperature(),
			Resistance:   math.NaN(),
			Resistivity:  math.NaN(),
			Conductivity: math.NaN(),
		}
		fit, err := FitSweep(f.Frequencies, r.Impedance, skip)
		if err != nil {
			row.Err = err.Error()
		} else {
			row.Resistance = fit.Resistance
			row.Resistivity = Resistivity(fit.Resistance, g)
			row.Conductivity = Conductivity(fit.Resistance, g)
		}
		rows = append(rows, row)
	}
	return rows
}
