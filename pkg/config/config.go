// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed lab.cfg. It remembers which sections were read so
// leftovers can be reported as probable typos.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string // file order
	read     map[string]bool
}

// New returns an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		read:     make(map[string]bool),
	}
}

// Load parses the file at path. [include pattern] headers are resolved
// against the including file's directory.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.loadFile(path, map[string]bool{}); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses data. Includes resolve against the working directory.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, name: "<string>", dir: ".", open: map[string]bool{}}
	if err := p.run(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

// loadFile parses one file. open holds the files being parsed further up
// the include chain.
func (c *Config) loadFile(path string, open map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if open[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	open[abs] = true
	defer delete(open, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	p := &parser{cfg: c, name: path, dir: filepath.Dir(abs), open: open}
	return p.run(f)
}

// parser holds the state of one file being read.
type parser struct {
	cfg  *Config
	name string
	dir  string
	open map[string]bool

	line    int
	section string
	options map[string]string
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("config: line %d in %s: %s", p.line, p.name, fmt.Sprintf(format, args...))
}

// flush stores the section collected so far.
func (p *parser) flush() {
	if p.section != "" {
		p.cfg.addSection(p.section, p.options)
	}
	p.section, p.options = "", nil
}

func (p *parser) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.line++
		text := stripComment(scanner.Text())
		if text == "" {
			continue
		}
		if err := p.handle(text); err != nil {
			return err
		}
	}
	p.flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", p.name, err)
	}
	return nil
}

func (p *parser) handle(text string) error {
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		p.flush()
		header := strings.TrimSpace(text[1 : len(text)-1])
		if header == "" {
			return p.errorf("empty section header")
		}
		if pattern, ok := strings.CutPrefix(header, "include "); ok {
			if err := p.include(strings.TrimSpace(pattern)); err != nil {
				return p.errorf("%v", err)
			}
			return nil
		}
		p.section, p.options = header, make(map[string]string)
		return nil
	}

	// Options before the first section are ignored.
	if p.section == "" {
		return nil
	}
	sep := strings.IndexAny(text, ":=")
	if sep <= 0 {
		return p.errorf("expected 'option: value', got %q", text)
	}
	p.options[strings.TrimSpace(text[:sep])] = strings.TrimSpace(text[sep+1:])
	return nil
}

func (p *parser) include(pattern string) error {
	if pattern == "" {
		return errors.New("empty include")
	}
	glob := pattern
	if !filepath.IsAbs(glob) {
		glob = filepath.Join(p.dir, pattern)
	}
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.cfg.loadFile(m, p.open); err != nil {
			return err
		}
	}
	return nil
}

// stripComment drops everything after '#' or ';' and trims the rest.
func stripComment(line string) string {
	if i := strings.IndexAny(line, "#;"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// addSection merges repeated headers into the first occurrence.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		for k, v := range options {
			sec.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section or a missing-section error.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.read[name] = true
	return sec, nil
}

// GetSectionOptional returns the named section, or an empty one so that
// every getter falls back to its default.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		c.read[name] = true
		return sec
	}
	return newSection(name, nil)
}

func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns the section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetPrefixSections returns, in file order, the sections whose name
// starts with prefix, such as every [gas ...].
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.read[name] = true
			out = append(out, c.sections[name])
		}
	}
	return out
}

// GetUnusedSections lists, sorted, the sections nothing asked for.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var unused []string
	for name := range c.sections {
		if !c.read[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}

// CheckUnused returns a ConfigError naming every section and option that
// was never read.
func (c *Config) CheckUnused() error {
	var problems []string
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		problems = append(problems, fmt.Sprintf("unused sections %v", unused))
	}

	c.mu.RLock()
	for _, name := range c.order {
		if !c.read[name] {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	c.mu.RUnlock()

	if len(problems) == 0 {
		return nil
	}
	return NewConfigError("", "", strings.Join(problems, "; "))
}
