package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadString(t *testing.T) {
	data := `
# lab wiring
[furnace]
port: /dev/ttyUSB0
slave = 1   ; modbus address

[daq]
port: tcp://192.168.1.20:5025
switch_channels: 205, 206
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	if !cfg.HasSection("furnace") {
		t.Error("expected [furnace] section to exist")
	}
	if cfg.HasSection("stage") {
		t.Error("expected [stage] section to not exist")
	}

	furnace, err := cfg.GetSection("furnace")
	if err != nil {
		t.Fatalf("GetSection(furnace) failed: %v", err)
	}
	port, _ := furnace.Get("port")
	if port != "/dev/ttyUSB0" {
		t.Errorf("Get(port) = %q, want /dev/ttyUSB0", port)
	}
	slave, err := furnace.GetInt("slave")
	if err != nil || slave != 1 {
		t.Errorf("GetInt(slave) = %d, %v, want 1", slave, err)
	}

	daq, _ := cfg.GetSection("daq")
	addr, _ := daq.Get("port")
	if addr != "tcp://192.168.1.20:5025" {
		t.Errorf("Get(port) = %q, want the full address", addr)
	}
	sw, _ := daq.GetList("switch_channels", ",")
	if !reflect.DeepEqual(sw, []string{"205", "206"}) {
		t.Errorf("GetList(switch_channels) = %v", sw)
	}
}

func TestLoadStringRejectsGarbage(t *testing.T) {
	if _, err := LoadString("[furnace]\nthis line has no separator\n"); err == nil {
		t.Error("expected an error for a line without ':' or '='")
	}
	if _, err := LoadString("[]\n"); err == nil {
		t.Error("expected an error for an empty section header")
	}
}

func TestSectionGetters(t *testing.T) {
	cfg, err := LoadString(`
[test]
string_val: hello
int_val: 42
float_val: 3.5
bool_yes: yes
bool_off: off
bad_int: forty
choice: JSON
floats: 1, 2.5,3
ints: 1,2,3
`)
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("test")

	tests := []struct {
		name    string
		got     func() (interface{}, error)
		want    interface{}
		wantErr bool
	}{
		{"string", func() (interface{}, error) { return sec.Get("string_val") }, "hello", false},
		{"string fallback", func() (interface{}, error) { return sec.Get("missing", "dflt") }, "dflt", false},
		{"string missing", func() (interface{}, error) { return sec.Get("missing") }, "", true},
		{"int", func() (interface{}, error) { return sec.GetInt("int_val") }, 42, false},
		{"bad int", func() (interface{}, error) { return sec.GetInt("bad_int") }, 0, true},
		{"float", func() (interface{}, error) { return sec.GetFloat("float_val") }, 3.5, false},
		{"bool yes", func() (interface{}, error) { return sec.GetBool("bool_yes") }, true, false},
		{"bool off", func() (interface{}, error) { return sec.GetBool("bool_off") }, false, false},
		{"choice", func() (interface{}, error) { return sec.GetChoice("choice", []string{"text", "json"}) }, "json", false},
		{"bad choice", func() (interface{}, error) { return sec.GetChoice("string_val", []string{"text", "json"}) }, "", true},
		{"floats", func() (interface{}, error) { return sec.GetFloatList("floats", ",") }, []float64{1, 2.5, 3}, false},
		{"ints", func() (interface{}, error) { return sec.GetIntList("ints", ",") }, []int{1, 2, 3}, false},
		{"bounded", func() (interface{}, error) {
			return sec.GetFloatWithBounds("float_val", FloatBounds{MaxVal: Float(3)})
		}, 0.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.got()
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestCheckUnused(t *testing.T) {
	cfg, err := LoadString(`
[furnace]
port: /dev/ttyUSB0
slve: 1

[oven]
port: x
`)
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("furnace")
	_, _ = sec.Get("port")

	err = cfg.CheckUnused()
	if err == nil {
		t.Fatal("expected unused options to be reported")
	}
	msg := err.Error()
	if !strings.Contains(msg, "oven") || !strings.Contains(msg, "slve") {
		t.Errorf("CheckUnused() = %q, want it to name [oven] and slve", msg)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "gas.cfg"), "[gas]\nport: /dev/ttyUSB2\n")
	writeFile(t, filepath.Join(dir, "lab.cfg"), "[include gas.cfg]\n[furnace]\nport: /dev/ttyUSB0\n")

	cfg, err := Load(filepath.Join(dir, "lab.cfg"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.HasSection("gas") || !cfg.HasSection("furnace") {
		t.Errorf("sections = %v, want gas and furnace", cfg.GetSectionNames())
	}
}

func TestLoadRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.cfg"), "[include b.cfg]\n")
	writeFile(t, filepath.Join(dir, "b.cfg"), "[include a.cfg]\n")

	if _, err := Load(filepath.Join(dir, "a.cfg")); err == nil {
		t.Error("expected a recursive include error")
	}
}

func TestParseLabDefaults(t *testing.T) {
	cfg, err := LoadString("")
	if err != nil {
		t.Fatal(err)
	}
	lab, err := ParseLab(cfg)
	if err != nil {
		t.Fatalf("ParseLab() error = %v", err)
	}
	if !reflect.DeepEqual(*lab, DefaultLab()) {
		t.Errorf("ParseLab(empty) = %+v, want defaults", *lab)
	}
}

func TestParseLab(t *testing.T) {
	cfg, err := LoadString(`
[experiment]
project: olivine run 3
max_tries: 3

[furnace]
port: /dev/ttyUSB0
reset_temperature: 30
timeout: 0.5

[lcr]
frequencies: 100, 1000, 10000

[gas co2]
unit: a
upper_limit: 100

[gas h2]
unit: D
`)
	if err != nil {
		t.Fatal(err)
	}
	lab, err := ParseLab(cfg)
	if err != nil {
		t.Fatalf("ParseLab() error = %v", err)
	}
	if lab.Experiment.Project != "olivine run 3" || lab.Experiment.MaxTries != 3 {
		t.Errorf("experiment = %+v", lab.Experiment)
	}
	if lab.Furnace.ResetTemperature != 30 || lab.Furnace.Timeout != 500*time.Millisecond {
		t.Errorf("furnace = %+v", lab.Furnace)
	}
	if !reflect.DeepEqual(lab.LCR.Frequencies, []float64{100, 1000, 10000}) {
		t.Errorf("frequencies = %v", lab.LCR.Frequencies)
	}
	want := []GasController{
		{Name: "co2", Unit: "A", UpperLimit: 100, Precision: 2},
		{Name: "h2", Unit: "D", UpperLimit: 50, Precision: 2},
	}
	if !reflect.DeepEqual(lab.Gas.Controllers, want) {
		t.Errorf("controllers = %+v, want %+v", lab.Gas.Controllers, want)
	}
}

func TestParseLabErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"frequency too high", "[lcr]\nmax_freq: 3000000\n"},
		{"inverted range", "[lcr]\nmin_freq: 1000\nmax_freq: 100\n"},
		{"bad slave", "[furnace]\nslave: 0\n"},
		{"equilibrium beyond travel", "[stage]\nmax_position: 100\nequilibrium_position: 200\n"},
		{"duplicate unit", "[gas co2]\nunit: A\n[gas h2]\nunit: A\n"},
		{"bad log level", "[log]\nlevel: loud\n"},
		{"zero tries", "[experiment]\nmax_tries: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := ParseLab(cfg); err == nil {
				t.Errorf("ParseLab(%q) expected error", tt.data)
			}
		})
	}
}

func TestLoadLabResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lab.cfg"), "[calibration]\ntemperature_offset: cal/open.yaml\n[experiment]\ndata_dir: /abs/data\n")

	lab, err := LoadLab(filepath.Join(dir, "lab.cfg"))
	if err != nil {
		t.Fatalf("LoadLab() error = %v", err)
	}
	if want := filepath.Join(dir, "cal", "open.yaml"); lab.Calibration.TemperatureOffset != want {
		t.Errorf("TemperatureOffset = %q, want %q", lab.Calibration.TemperatureOffset, want)
	}
	if lab.Experiment.DataDir != "/abs/data" {
		t.Errorf("DataDir = %q, want /abs/data", lab.Experiment.DataDir)
	}
}

func TestConfigErrorLabError(t *testing.T) {
	if got := ErrMissingOption("daq", "port").LabError().Code; got != "CONFIG_MISSING" {
		t.Errorf("missing option code = %s", got)
	}
	if got := ErrInvalidValue("daq", "baud", "x", "integer").LabError().Code; got != "CONFIG_INVALID" {
		t.Errorf("invalid value code = %s", got)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}
