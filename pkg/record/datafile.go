// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package record

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Data file line tags.
const (
	TagStep      = "S"
	TagTime      = "T"
	TagStage     = "M"
	TagFurnace   = "F"
	TagDAQ       = "D"
	TagGas       = "G"
	TagFugacity  = "X"
	TagImpedance = "Z"
)

// TimeLayout is the timestamp layout of S and T lines.
const TimeLayout = time.RFC3339

// Header is written once at the top of a new data file.
type Header struct {
	Project     string
	ControlFile string
	RunID       string
	Frequencies []float64
}

// Writer appends readings to a data file as tagged lines.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewWriter writes the header to w and returns a Writer on it.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	dw := &Writer{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		dw.c = c
	}
	if err := dw.header(h); err != nil {
		return nil, err
	}
	return dw, nil
}

// Create opens path for appending, creating its directory. The header
// is only written when the file is new or empty.
func Create(path string, h Header) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("record: create data directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("record: open data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("record: stat data file: %w", err)
	}
	dw := &Writer{w: bufio.NewWriter(f), c: f}
	if info.Size() == 0 {
		if err := dw.header(h); err != nil {
			f.Close()
			return nil, err
		}
	}
	return dw, nil
}

func (dw *Writer) header(h Header) error {
	fmt.Fprintln(dw.w, "# furnace-lab data file")
	if h.Project != "" {
		fmt.Fprintf(dw.w, "# project: %s\n", h.Project)
	}
	if h.ControlFile != "" {
		fmt.Fprintf(dw.w, "# control file: %s\n", h.ControlFile)
	}
	if h.RunID != "" {
		fmt.Fprintf(dw.w, "# run: %s\n", h.RunID)
	}
	freqs := make([]string, len(h.Frequencies))
	for i, f := range h.Frequencies {
		freqs[i] = formatFloat(f)
	}
	fmt.Fprintf(dw.w, "frequencies: [%s]\n", strings.Join(freqs, ", "))
	return dw.w.Flush()
}

// StepStarted writes an S line.
func (dw *Writer) StepStarted(_ context.Context, s StepStart) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	fmt.Fprintf(dw.w, "%s %s %d\n", TagStep, s.Time.Format(TimeLayout), s.Step)
	return dw.w.Flush()
}

// Append writes a T line followed by the reading's values.
func (dw *Writer) Append(_ context.Context, r Reading) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	w := dw.w
	fmt.Fprintf(w, "%s %s\n", TagTime, r.Time.Format(TimeLayout))
	fmt.Fprintf(w, "%s %s\n", TagStage, formatFloat(r.StagePosition))
	fmt.Fprintf(w, "%s %s %s\n", TagFurnace, formatFloat(r.Furnace.Target), formatFloat(r.Furnace.Indicated))
	fmt.Fprintf(w, "%s %s %s %s %s\n", TagDAQ, formatFloat(r.DAQ.Reference), formatFloat(r.DAQ.Thermo1),
		formatFloat(r.DAQ.Thermo2), formatFloat(r.DAQ.Voltage))
	names := make([]string, 0, len(r.Gas))
	for name := range r.Gas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %s %s\n", TagGas, name, formatFloat(r.Gas[name]))
	}
	fmt.Fprintf(w, "%s %.5f %.5f %s\n", TagFugacity, r.Fugacity.LogFugacity, r.Fugacity.Ratio, formatFloat(r.Fugacity.Offset))
	for _, z := range r.Impedance {
		fmt.Fprintf(w, "%s %s %s\n", TagImpedance, formatFloat(z.Z), formatFloat(z.Theta))
	}
	return w.Flush()
}

// Close flushes and closes the underlying file.
func (dw *Writer) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	err := dw.w.Flush()
	if dw.c != nil {
		if cerr := dw.c.Close(); err == nil {
			err = cerr
		}
		dw.c = nil
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// File is a parsed data file.
type File struct {
	Frequencies []float64
	Steps       []StepStart
	Readings    []Reading
}

// ParseError reports a malformed data file line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record: line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseFile parses the data file at path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a data file written by Writer.
func Parse(r io.Reader) (*File, error) {
	var (
		out   File
		cur   *Reading
		step  int
		cycle int
		n     int
	)
	flush := func() {
		if cur != nil {
			out.Readings = append(out.Readings, *cur)
			cur = nil
		}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fail := func(err error) (*File, error) {
			return nil, &ParseError{Line: n, Text: line, Err: err}
		}
		fields := strings.Fields(line)
		tag, args := fields[0], fields[1:]

		if tag == "frequencies:" {
			list := strings.NewReplacer("[", " ", "]", " ", ",", " ").Replace(strings.Join(args, " "))
			vals, err := parseFloats(strings.Fields(list), -1)
			if err != nil {
				return fail(err)
			}
			out.Frequencies = vals
			continue
		}

		switch tag {
		case TagStep:
			flush()
			if len(args) != 2 {
				return fail(fmt.Errorf("want time and step"))
			}
			at, err := time.Parse(TimeLayout, args[0])
			if err != nil {
				return fail(err)
			}
			if step, err = strconv.Atoi(args[1]); err != nil {
				return fail(err)
			}
			cycle = 0
			out.Steps = append(out.Steps, StepStart{Step: step, Time: at})
			continue
		case TagTime:
			flush()
			if len(args) != 1 {
				return fail(fmt.Errorf("want time"))
			}
			at, err := time.Parse(TimeLayout, args[0])
			if err != nil {
				return fail(err)
			}
			cycle++
			rd := NewReading(at, step, cycle)
			cur = &rd
			continue
		}

		if cur == nil {
			return fail(fmt.Errorf("%s line before first %s line", tag, TagTime))
		}
		switch tag {
		case TagStage:
			v, err := parseFloats(args, 1)
			if err != nil {
				return fail(err)
			}
			cur.StagePosition = v[0]
		case TagFurnace:
			v, err := parseFloats(args, 2)
			if err != nil {
				return fail(err)
			}
			cur.Furnace = Furnace{v[0], v[1]}
		case TagDAQ:
			v, err := parseFloats(args, 4)
			if err != nil {
				return fail(err)
			}
			cur.DAQ = DAQ{v[0], v[1], v[2], v[3]}
		case TagGas:
			if len(args) < 2 {
				return fail(fmt.Errorf("want gas name and mass flow"))
			}
			v, err := parseFloats(args[1:2], 1)
			if err != nil {
				return fail(err)
			}
			cur.Gas[args[0]] = v[0]
		case TagFugacity:
			v, err := parseFloats(args, 3)
			if err != nil {
				return fail(err)
			}
			cur.Fugacity = Fugacity{v[0], v[1], v[2]}
		case TagImpedance:
			v, err := parseFloats(args, 2)
			if err != nil {
				return fail(err)
			}
			cur.Impedance = append(cur.Impedance, Impedance{v[0], v[1]})
		default:
			return fail(fmt.Errorf("unknown tag %q", tag))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return &out, nil
}

func parseFloats(fields []string, want int) ([]float64, error) {
	if want >= 0 && len(fields) != want {
		return nil, fmt.Errorf("want %d values, got %d", want, len(fields))
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Cycles returns the readings of step in file order.
func (f *File) Cycles(step int) []Reading {
	var out []Reading
	for _, r := range f.Readings {
		if r.Step == step {
			out = append(out, r)
		}
	}
	return out
}
