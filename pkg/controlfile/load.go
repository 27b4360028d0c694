// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package controlfile

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/fugacity"
)

// Columns is the required header of a control file.
var Columns = []string{"target_temp", "hold_length", "heat_rate", "interval", "buffer", "offset", "fo2_gas"}

var numericColumns = []string{"target_temp", "hold_length", "heat_rate", "interval", "offset"}

// Buffers accepted in the buffer column.
var Buffers = []string{"qfm", "fmq", "fqm", "iw", "wm", "mh", "qif", "nno", "mmo", "cco"}

// Format selects the control file syntax.
type Format int

const (
	FormatCSV Format = iota
	FormatYAML
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatCSV
}

// Load reads and validates the control file at path.
func Load(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, laberrors.Wrap(err, laberrors.ErrControlFile, "open control file")
	}
	defer f.Close()
	steps, err := Parse(f, FormatOf(path))
	if err != nil {
		if le, ok := err.(*laberrors.LabError); ok {
			le.SetContext("file", path)
		}
		return nil, err
	}
	return steps, nil
}

// Parse reads and validates a control file.
func Parse(r io.Reader, format Format) ([]Step, error) {
	var (
		rows []map[string]string
		err  error
	)
	switch format {
	case FormatYAML:
		rows, err = yamlRows(r)
	default:
		rows, err = csvRows(r)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, laberrors.ControlFile("control file has no steps")
	}
	steps := make([]Step, 0, len(rows))
	for i, row := range rows {
		s, err := parseRow(i, row)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func csvRows(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, laberrors.Wrap(err, laberrors.ErrControlFile, "read csv")
	}
	if len(records) == 0 {
		return nil, laberrors.ControlFile("control file is empty")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	if err := checkColumns(header); err != nil {
		return nil, err
	}
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			row[h] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func yamlRows(r io.Reader) ([]map[string]string, error) {
	var doc struct {
		Steps []map[string]string `yaml:"steps"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, laberrors.ControlFile("control file is empty")
		}
		return nil, laberrors.Wrap(err, laberrors.ErrControlFile, "parse yaml")
	}
	for i, row := range doc.Steps {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		if _, ok := row["hold_length"]; !ok && i == 0 {
			keys = append(keys, "hold_length")
		}
		if err := checkColumns(keys); err != nil {
			return nil, err.SetStep(i + 1)
		}
	}
	return doc.Steps, nil
}

func checkColumns(have []string) *laberrors.LabError {
	seen := make(map[string]bool, len(have))
	var extra []string
	for _, h := range have {
		if seen[h] {
			return laberrors.ControlFile(fmt.Sprintf("duplicate column %q", h))
		}
		seen[h] = true
		if !contains(Columns, h) {
			extra = append(extra, h)
		}
	}
	var missing []string
	for _, c := range Columns {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	sort.Strings(extra)
	switch {
	case len(extra) > 0:
		return laberrors.ControlFile("unexpected column " + strings.Join(extra, ", ")).
			SetContext("expected", strings.Join(Columns, ","))
	case len(missing) > 0:
		return laberrors.ControlFile("missing column " + strings.Join(missing, ", ")).
			SetContext("expected", strings.Join(Columns, ","))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func parseRow(i int, row map[string]string) (Step, error) {
	s := Step{Index: i + 1}
	num := make(map[string]float64, len(numericColumns))
	for _, col := range numericColumns {
		raw := strings.TrimSpace(row[col])
		if raw == "" && col == "hold_length" && i == 0 {
			num[col] = 0
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, laberrors.ControlFile(fmt.Sprintf("%s must be numeric, got %q", col, raw)).SetStep(s.Index)
		}
		// ParseFloat accepts NaN and Inf, which slip past every range check below.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return s, laberrors.ControlFile(fmt.Sprintf("%s must be finite, got %q", col, raw)).SetStep(s.Index)
		}
		num[col] = v
	}
	s.TargetTemp = num["target_temp"]
	s.HoldLength = num["hold_length"]
	s.HeatRate = num["heat_rate"]
	s.Interval = num["interval"]
	s.Offset = num["offset"]

	switch {
	case s.HeatRate <= 0:
		return s, laberrors.ControlFile(fmt.Sprintf("heat_rate must be positive, got %v", s.HeatRate)).SetStep(s.Index)
	case s.Interval <= 0:
		return s, laberrors.ControlFile(fmt.Sprintf("interval must be positive, got %v", s.Interval)).SetStep(s.Index)
	case s.HoldLength < 0:
		return s, laberrors.ControlFile(fmt.Sprintf("hold_length must not be negative, got %v", s.HoldLength)).SetStep(s.Index)
	}

	s.Buffer = strings.ToLower(strings.TrimSpace(row["buffer"]))
	if !contains(Buffers, s.Buffer) {
		return s, laberrors.ControlFile(fmt.Sprintf("unexpected buffer type %q", s.Buffer)).
			SetStep(s.Index).SetContext("allowed", strings.Join(Buffers, ","))
	}
	gas, err := fugacity.ParseGas(strings.ToLower(strings.TrimSpace(row["fo2_gas"])))
	if err != nil {
		return s, laberrors.ControlFile(fmt.Sprintf("unexpected gas type %q", row["fo2_gas"])).
			SetStep(s.Index).SetContext("allowed", "h2,co")
	}
	s.FO2Gas = gas
	return s, nil
}
