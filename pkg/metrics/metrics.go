// Prometheus text-format metrics
//
// Counters, gauges and histograms with label sets, gathered in
// registration order. Label sets are written sorted so scrapes are stable.
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

var typeNames = [...]string{"counter", "gauge", "histogram"}

func (t MetricType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Labels names one series of a metric.
type Labels map[string]string

func (l Labels) sorted() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key identifies the label set independent of map order.
func (l Labels) Key() string {
	pairs := make([]string, 0, len(l))
	for _, k := range l.sorted() {
		pairs = append(pairs, k+"="+l[k])
	}
	return strings.Join(pairs, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// String renders {k="v",...}, or nothing for an empty set.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(l))
	for _, k := range l.sorted() {
		pairs = append(pairs, k+`="`+labelEscaper.Replace(l[k])+`"`)
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// with returns a copy of l with one more label.
func (l Labels) with(k, v string) Labels {
	out := l.Clone()
	out[k] = v
	return out
}

// Metric is anything the Registry can write out.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

type desc struct {
	name, help string
	kind       MetricType
}

func (d desc) Name() string     { return d.name }
func (d desc) Help() string     { return d.help }
func (d desc) Type() MetricType { return d.kind }

func (d desc) header(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// family holds one value per label set.
type family[T any] struct {
	mu     sync.Mutex
	labels map[string]Labels
	values map[string]*T
	init   func() *T
}

// update runs fn on the value for l, creating it first if needed.
func (f *family[T]) update(l Labels, fn func(*T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.labels, f.values = map[string]Labels{}, map[string]*T{}
	}
	key := l.Key()
	v, ok := f.values[key]
	if !ok {
		v = f.init()
		f.values[key], f.labels[key] = v, l.Clone()
	}
	fn(v)
}

// read runs fn on the value for l and reports whether it exists.
func (f *family[T]) read(l Labels, fn func(*T)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[l.Key()]
	if ok {
		fn(v)
	}
	return ok
}

// each visits every series in label order.
func (f *family[T]) each(fn func(Labels, *T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(f.labels[k], f.values[k])
	}
}

// Counter only goes up.
type Counter struct {
	desc
	f family[uint64]
}

func NewCounter(name, help string) *Counter {
	return &Counter{desc: desc{name, help, TypeCounter}, f: family[uint64]{init: func() *uint64 { return new(uint64) }}}
}

func (c *Counter) Inc(l Labels) { c.Add(l, 1) }

func (c *Counter) Add(l Labels, delta uint64) {
	c.f.update(l, func(v *uint64) { *v += delta })
}

// Get returns the count for l, zero if never incremented.
func (c *Counter) Get(l Labels) (n uint64) {
	c.f.read(l, func(v *uint64) { n = *v })
	return n
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb)
	c.f.each(func(l Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, *v)
	})
}

// Gauge holds the last value set.
type Gauge struct {
	desc
	f family[float64]
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{desc: desc{name, help, TypeGauge}, f: family[float64]{init: func() *float64 { return new(float64) }}}
}

func (g *Gauge) Set(l Labels, value float64) {
	g.f.update(l, func(v *float64) { *v = value })
}

func (g *Gauge) Add(l Labels, delta float64) {
	g.f.update(l, func(v *float64) { *v += delta })
}

func (g *Gauge) Get(l Labels) (x float64) {
	g.f.read(l, func(v *float64) { x = *v })
	return x
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb)
	g.f.each(func(l Labels, v *float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(*v))
	})
}

// Histogram counts observations into buckets with inclusive upper bounds.
type Histogram struct {
	desc
	bounds []float64
	f      family[observations]
}

type observations struct {
	count  uint64
	sum    float64
	counts []uint64 // per bucket, not cumulative
}

// cumulative calls fn with each bound and the count at or below it.
func (o *observations) cumulative(bounds []float64, fn func(bound float64, n uint64)) {
	var n uint64
	for i, b := range bounds {
		n += o.counts[i]
		fn(b, n)
	}
}

// NewHistogram sorts buckets; they need not be given in order.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return &Histogram{
		desc:   desc{name, help, TypeHistogram},
		bounds: bounds,
		f: family[observations]{init: func() *observations {
			return &observations{counts: make([]uint64, len(bounds))}
		}},
	}
}

// CycleBuckets are seconds spans for one measurement cycle, from a few
// seconds up to ten minutes.
func CycleBuckets() []float64 {
	return []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600}
}

func LinearBuckets(start, width float64, count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = start + float64(i)*width
	}
	return out
}

func (h *Histogram) Observe(l Labels, value float64) {
	h.f.update(l, func(o *observations) {
		o.count++
		o.sum += value
		if i := sort.SearchFloat64s(h.bounds, value); i < len(h.bounds) {
			o.counts[i]++
		}
	})
}

func (h *Histogram) ObserveDuration(l Labels, d time.Duration) {
	h.Observe(l, d.Seconds())
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb)
	h.f.each(func(l Labels, o *observations) {
		o.cumulative(h.bounds, func(b float64, n uint64) {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", formatFloat(b)), n)
		})
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", "+Inf"), o.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(o.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, o.count)
	})
}

// HistogramSnapshot is a copy of one series. Buckets are cumulative.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

func (h *Histogram) GetSnapshot(l Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	h.f.read(l, func(o *observations) {
		snap.Count, snap.Sum = o.count, o.sum
		o.cumulative(h.bounds, func(b float64, n uint64) { snap.Buckets[b] = n })
	})
	return snap
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 0):
		if v > 0 {
			return "+Inf"
		}
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Registry writes its metrics in the order they were registered.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Metric
	order  []Metric
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Metric)}
}

// Register fails if a metric of the same name is already present.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.Name()]; dup {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.byName[m.Name()] = m
	r.order = append(r.order, m)
	return nil
}

func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Gather renders every metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, m := range r.order {
		m.Write(&sb)
	}
	return sb.String()
}
