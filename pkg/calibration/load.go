// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	laberrors "furnace-lab/pkg/errors"
)

// document is the YAML layout of a calibration file. A temperature offset
// file gives either points or parallel sample/indicated lists. A stage
// file gives a profile and optionally explicit temperature to position points.
type document struct {
	Fit       string             `yaml:"fit"`
	Points    []CalibrationPoint `yaml:"points"`
	Sample    []float64          `yaml:"sample"`
	Indicated []float64          `yaml:"indicated"`
	Profile   []ProfilePoint     `yaml:"profile"`
	Positions []CalibrationPoint `yaml:"positions"`
}

func decode(r io.Reader, name string) (document, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return doc, laberrors.Wrap(err, laberrors.ErrCalibration, "parse "+name)
	}
	return doc, nil
}

func readFile(path string) (document, error) {
	f, err := os.Open(path)
	if err != nil {
		return document{}, laberrors.Wrap(err, laberrors.ErrCalibration, "open calibration")
	}
	defer f.Close()
	return decode(f, path)
}

// ParseTemperatureOffset reads an open-furnace calibration mapping sample
// temperature to indicated setpoint. fit: quadratic selects a least-squares
// parabola instead of linear interpolation.
func ParseTemperatureOffset(r io.Reader, name string) (Lookup, error) {
	doc, err := decode(r, name)
	if err != nil {
		return nil, err
	}
	points := doc.Points
	if len(points) == 0 {
		if len(doc.Sample) != len(doc.Indicated) {
			return nil, laberrors.Calibration(fmt.Sprintf("%s: %d sample but %d indicated values",
				name, len(doc.Sample), len(doc.Indicated)))
		}
		for i := range doc.Sample {
			points = append(points, CalibrationPoint{X: doc.Sample[i], Y: doc.Indicated[i]})
		}
	}
	switch doc.Fit {
	case "", "linear":
		t, err := NewTable(points)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		return t, nil
	case "quadratic":
		xs := make([]float64, len(points))
		ys := make([]float64, len(points))
		for i, p := range points {
			xs[i], ys[i] = p.X, p.Y
		}
		return FitQuadratic(xs, ys)
	}
	return nil, laberrors.Calibration(fmt.Sprintf("%s: unknown fit %q", name, doc.Fit))
}

// LoadTemperatureOffset reads ParseTemperatureOffset input from path.
func LoadTemperatureOffset(path string) (Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, laberrors.Wrap(err, laberrors.ErrCalibration, "open calibration")
	}
	defer f.Close()
	return ParseTemperatureOffset(f, path)
}

// StageProfile is a stage calibration file.
type StageProfile struct {
	Profile   []ProfilePoint
	Positions *Table
}

// LoadStageProfile reads a stage calibration from path.
func LoadStageProfile(path string) (StageProfile, error) {
	doc, err := readFile(path)
	if err != nil {
		return StageProfile{}, err
	}
	sp := StageProfile{Profile: doc.Profile}
	if len(doc.Positions) > 0 {
		t, err := NewTable(doc.Positions)
		if err != nil {
			return StageProfile{}, err
		}
		if err := t.Validate(); err != nil {
			return StageProfile{}, laberrors.Wrap(err, laberrors.ErrCalibration, path+": stage positions")
		}
		sp.Positions = t
	}
	if len(sp.Profile) == 0 && sp.Positions == nil {
		return StageProfile{}, laberrors.Calibration(path + ": neither profile nor positions given")
	}
	return sp, nil
}

// Load builds Corrections from the configured files. Empty paths leave
// the matching correction unset.
func Load(temperatureOffset, stageProfile string, maxPosition int) (Corrections, error) {
	c := Corrections{Temperature: Identity{}, MaxPosition: maxPosition}
	if temperatureOffset != "" {
		l, err := LoadTemperatureOffset(temperatureOffset)
		if err != nil {
			return c, err
		}
		c.Temperature = l
	}
	if stageProfile != "" {
		sp, err := LoadStageProfile(stageProfile)
		if err != nil {
			return c, err
		}
		if sp.Positions != nil {
			c.Stage = sp.Positions
		}
		if len(sp.Profile) > 0 {
			c.Equilibrium = EquilibriumPosition(sp.Profile, maxPosition)
		}
	}
	return c, nil
}
