package metrics

import (
	"math"
	"strings"
	"testing"
	"time"

	"furnace-lab/pkg/record"
)

func TestLabMetricsObserve(t *testing.T) {
	m := NewLabMetrics()
	r := record.NewReading(time.Now(), 3, 1)
	r.Furnace = record.Furnace{Target: 800, Indicated: 790.5}
	r.DAQ = record.DAQ{Reference: 24.1, Thermo1: 801, Thermo2: 799, Voltage: -0.0012}
	r.StagePosition = 5100
	r.Gas = map[string]float64{"co2": 180, "co_a": 20}
	r.Fugacity.LogFugacity = -14.2

	m.Observe(r, 12*time.Second)

	if v := m.FurnaceIndicated.Get(nil); v != 790.5 {
		t.Errorf("indicated = %v, want 790.5", v)
	}
	if v := m.Thermocouple.Get(Labels{"sensor": "thermo_1"}); v != 801 {
		t.Errorf("thermo_1 = %v, want 801", v)
	}
	if v := m.GasFlow.Get(Labels{"gas": "co_a"}); v != 20 {
		t.Errorf("co_a flow = %v, want 20", v)
	}
	if v := m.CurrentStep.Get(nil); v != 3 {
		t.Errorf("current step = %v, want 3", v)
	}
	if v := m.Cycles.Get(nil); v != 1 {
		t.Errorf("cycles = %d, want 1", v)
	}
	if snap := m.CycleDuration.GetSnapshot(nil); snap.Count != 1 || snap.Sum != 12 {
		t.Errorf("cycle duration snapshot = %+v", snap)
	}

	last, ok := m.Last()
	if !ok || last.Step != 3 {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestLabMetricsNaNKeepsPrevious(t *testing.T) {
	m := NewLabMetrics()
	r := record.NewReading(time.Now(), 1, 1)
	r.Furnace.Indicated = 400
	m.Observe(r, time.Second)

	r = record.NewReading(time.Now(), 1, 2)
	m.Observe(r, time.Second)

	if v := m.FurnaceIndicated.Get(nil); v != 400 {
		t.Errorf("indicated = %v, want previous 400", v)
	}
	if strings.Contains(m.Gather(), "NaN") {
		t.Error("NaN readings should not reach the exposition")
	}
	if !math.IsNaN(r.DAQ.Voltage) {
		t.Fatal("test reading should be NaN")
	}
}

func TestLabMetricsCounters(t *testing.T) {
	m := NewLabMetrics()
	m.StepCompleted()
	m.StepCompleted()
	m.RecordInstrumentError("daq")
	m.RecordShutdown("instrument_failure")

	out := m.Gather()
	for _, line := range []string{
		"lab_steps_completed_total 2",
		`lab_instrument_errors_total{instrument="daq"} 1`,
		`lab_shutdowns_total{reason="instrument_failure"} 1`,
	} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %q in:\n%s", line, out)
		}
	}
	if _, ok := m.Last(); ok {
		t.Error("Last() should be empty before any reading")
	}
}
