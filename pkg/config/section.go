// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Section is one [section] of lab.cfg. Every option read through a getter,
// or asked for with a fallback, is marked used.
type Section struct {
	name    string
	options map[string]string

	mu   sync.RWMutex
	used map[string]bool
}

func newSection(name string, options map[string]string) *Section {
	s := &Section{
		name:    name,
		options: make(map[string]string, len(options)),
		used:    make(map[string]bool),
	}
	for k, v := range options {
		s.options[strings.ToLower(k)] = v
	}
	return s
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// Suffix is the part of the name after the first space: "co2" for
// [gas co2].
func (s *Section) Suffix() string {
	_, rest, ok := strings.Cut(s.name, " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(rest)
}

func (s *Section) lookup(option string, hasFallback bool) (string, bool) {
	key := strings.ToLower(option)
	v, ok := s.options[key]
	if ok || hasFallback {
		s.mu.Lock()
		s.used[key] = true
		s.mu.Unlock()
	}
	return v, ok
}

// GetUnusedOptions lists, sorted, the options no getter has read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var unused []string
	for key := range s.options {
		if !s.used[key] {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	return unused
}

// HasOption reports whether the option is set.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// read is the common path of the typed getters: parse the value if set,
// else take the fallback, else report the option missing. parse returns
// false when the value is not of the wanted kind.
func read[T any](s *Section, option string, fallback []T, kind string, parse func(string) (T, bool)) (T, error) {
	var zero T
	raw, ok := s.lookup(option, len(fallback) > 0)
	switch {
	case ok:
		v, good := parse(raw)
		if !good {
			return zero, ErrInvalidValue(s.name, option, raw, kind)
		}
		return v, nil
	case len(fallback) > 0:
		return fallback[0], nil
	default:
		return zero, ErrMissingOption(s.name, option)
	}
}

func parseInt(raw string) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(raw))
	return i, err == nil
}

func parseFloat(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	return f, err == nil
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Get returns the raw value. Without a fallback a missing option is an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return read(s, option, fallback, "string", func(raw string) (string, bool) { return raw, true })
}

func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return read(s, option, fallback, "integer", parseInt)
}

func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return read(s, option, fallback, "float", parseFloat)
}

// GetBool accepts 1/0, true/false, yes/no and on/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return read(s, option, fallback, "boolean (true/false/yes/no/on/off/1/0)", parseBool)
}

// FloatBounds limits GetFloatWithBounds. Nil fields are not checked.
type FloatBounds struct {
	MinVal *float64 // v >= MinVal
	MaxVal *float64 // v <= MaxVal
	Above  *float64 // v > Above
}

// Float returns a pointer to v, for FloatBounds literals.
func Float(v float64) *float64 { return &v }

func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	str := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	var broken string
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		broken = "must have minimum of " + str(*bounds.MinVal)
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		broken = "must have maximum of " + str(*bounds.MaxVal)
	case bounds.Above != nil && v <= *bounds.Above:
		broken = "must be above " + str(*bounds.Above)
	default:
		return v, nil
	}
	return 0, ErrOutOfRange(s.name, option, v, broken)
}

// GetChoice matches the value case-insensitively and returns the choice
// as spelled in choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

func splitList(raw, sep string) []string {
	items := []string{}
	for _, p := range strings.Split(raw, sep) {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

// listOf parses every item of a sep-separated list with parse.
func listOf[T any](s *Section, option, sep string, fallback [][]T, kind string, parse func(string) (T, bool)) ([]T, error) {
	raw, ok := s.lookup(option, len(fallback) > 0)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, ErrMissingOption(s.name, option)
	}
	items := splitList(raw, sep)
	out := make([]T, 0, len(items))
	for _, item := range items {
		v, good := parse(item)
		if !good {
			return nil, ErrInvalidValue(s.name, option, item, kind)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetList splits the value on sep and drops empty items.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	return listOf(s, option, sep, fallback, "string", func(item string) (string, bool) { return item, true })
}

func (s *Section) GetFloatList(option string, sep string, fallback ...[]float64) ([]float64, error) {
	return listOf(s, option, sep, fallback, "float", parseFloat)
}

func (s *Section) GetIntList(option string, sep string, fallback ...[]int) ([]int, error) {
	return listOf(s, option, sep, fallback, "integer", parseInt)
}
