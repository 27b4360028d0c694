// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"path/filepath"
	"strings"
	"time"
)

// LabConfig is the typed view of lab.cfg.
type LabConfig struct {
	Experiment  ExperimentConfig
	DAQ         DAQConfig
	LCR         LCRConfig
	Furnace     FurnaceConfig
	Stage       StageConfig
	Gas         GasConfig
	Calibration CalibrationConfig
	Metrics     MetricsConfig
	Log         LogConfig
}

// ExperimentConfig holds per-experiment settings.
type ExperimentConfig struct {
	Project         string
	Email           string
	DataDir         string
	SampleThickness float64 // mm
	SampleDiameter  float64 // mm
	StartTime       string  // "" (now), "15:04" or RFC3339
	MaxTries        int
}

// DAQConfig describes the data logger wiring.
type DAQConfig struct {
	Port              string
	Baud              int
	ReferenceChannel  string
	ElectrodeAChannel string
	ElectrodeBChannel string
	VoltageChannel    string
	SwitchChannels    []string
	LCRChannels       []string
	ThermistorKOhm    float64
	TempNPLC          float64
	VoltNPLC          float64
}

// LCRConfig describes the impedance sweep.
type LCRConfig struct {
	Port        string
	MinFreq     float64
	MaxFreq     float64
	FreqCount   int
	FreqLog     bool
	Frequencies []float64 // explicit list, overrides the range when set
}

// FurnaceConfig describes the temperature controller link.
type FurnaceConfig struct {
	Port             string
	Baud             int
	Slave            int
	ResetTemperature float64
	Timeout          time.Duration
}

// StageConfig describes the linear stage.
type StageConfig struct {
	Port                string
	Baud                int
	Subdivision         int
	StepAngle           float64
	Pitch               float64 // mm per revolution
	MaxPosition         int
	EquilibriumPosition int
}

// GasController is one mass flow controller on the shared gas line.
type GasController struct {
	Name       string
	Unit       string
	UpperLimit float64 // sccm
	Precision  int
}

// GasConfig describes the mass flow controller bank.
type GasConfig struct {
	Port        string
	Baud        int
	Controllers []GasController
}

// CalibrationConfig points at calibration tables, resolved against the
// directory of lab.cfg.
type CalibrationConfig struct {
	TemperatureOffset string
	StageProfile      string
}

// MetricsConfig configures the monitoring endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen   string
	Username string
	Password string
}

// LogConfig configures the lab log file.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
}

// Frequency bounds of the LCR meter in Hz.
const (
	MinLCRFrequency = 20.0
	MaxLCRFrequency = 2e6
)

// DefaultGasControllers is the bank as plumbed in the lab.
func DefaultGasControllers() []GasController {
	return []GasController{
		{Name: "co2", Unit: "A", UpperLimit: 200, Precision: 2},
		{Name: "co_a", Unit: "B", UpperLimit: 50, Precision: 2},
		{Name: "co_b", Unit: "C", UpperLimit: 2, Precision: 3},
		{Name: "h2", Unit: "D", UpperLimit: 50, Precision: 2},
	}
}

// DefaultLab returns the configuration used when lab.cfg leaves an option out.
func DefaultLab() LabConfig {
	return LabConfig{
		Experiment: ExperimentConfig{
			Project:         "experiment",
			DataDir:         "data",
			SampleThickness: 2.6,
			SampleDiameter:  12.7,
			MaxTries:        5,
		},
		DAQ: DAQConfig{
			Baud:              9600,
			ReferenceChannel:  "101",
			ElectrodeAChannel: "104",
			ElectrodeBChannel: "105",
			VoltageChannel:    "103",
			SwitchChannels:    []string{"205", "206"},
			LCRChannels:       []string{"203", "204", "207", "208"},
			ThermistorKOhm:    10,
			TempNPLC:          10,
			VoltNPLC:          1,
		},
		LCR: LCRConfig{
			MinFreq:   MinLCRFrequency,
			MaxFreq:   MaxLCRFrequency,
			FreqCount: 50,
			FreqLog:   true,
		},
		Furnace: FurnaceConfig{
			Baud:             9600,
			Slave:            1,
			ResetTemperature: 40,
			Timeout:          time.Second,
		},
		Stage: StageConfig{
			Baud:                9600,
			Subdivision:         2,
			StepAngle:           0.9,
			Pitch:               4,
			MaxPosition:         10000,
			EquilibriumPosition: 5500,
		},
		Gas: GasConfig{
			Baud:        19200,
			Controllers: DefaultGasControllers(),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 5,
		},
	}
}

// LoadLab reads lab.cfg and validates it.
func LoadLab(path string) (*LabConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	lab, err := ParseLab(cfg)
	if err != nil {
		return nil, err
	}
	lab.resolvePaths(filepath.Dir(path))
	return lab, nil
}

// ParseLab builds a LabConfig from a parsed file, applying defaults.
func ParseLab(cfg *Config) (*LabConfig, error) {
	lab := DefaultLab()
	steps := []func(*Config, *LabConfig) error{
		parseExperiment,
		parseDAQ,
		parseLCR,
		parseFurnace,
		parseStage,
		parseGas,
		parseCalibration,
		parseMetrics,
		parseLog,
	}
	for _, step := range steps {
		if err := step(cfg, &lab); err != nil {
			return nil, err
		}
	}
	return &lab, nil
}

func (l *LabConfig) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	l.Experiment.DataDir = resolve(l.Experiment.DataDir)
	l.Calibration.TemperatureOffset = resolve(l.Calibration.TemperatureOffset)
	l.Calibration.StageProfile = resolve(l.Calibration.StageProfile)
	l.Log.File = resolve(l.Log.File)
}

func parseExperiment(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("experiment")
	e := &lab.Experiment
	var err error
	if e.Project, err = sec.Get("project", e.Project); err != nil {
		return err
	}
	if e.Email, err = sec.Get("email", ""); err != nil {
		return err
	}
	if e.DataDir, err = sec.Get("data_dir", e.DataDir); err != nil {
		return err
	}
	if e.SampleThickness, err = sec.GetFloatWithBounds("sample_thickness", FloatBounds{Above: Float(0)}, e.SampleThickness); err != nil {
		return err
	}
	if e.SampleDiameter, err = sec.GetFloatWithBounds("sample_diameter", FloatBounds{Above: Float(0)}, e.SampleDiameter); err != nil {
		return err
	}
	if e.StartTime, err = sec.Get("start_time", ""); err != nil {
		return err
	}
	if e.MaxTries, err = sec.GetInt("max_tries", e.MaxTries); err != nil {
		return err
	}
	if e.MaxTries < 1 {
		return ErrOutOfRange("experiment", "max_tries", float64(e.MaxTries), "must have minimum of 1")
	}
	return nil
}

func parseDAQ(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("daq")
	d := &lab.DAQ
	var err error
	if d.Port, err = sec.Get("port", ""); err != nil {
		return err
	}
	if d.Baud, err = sec.GetInt("baud", d.Baud); err != nil {
		return err
	}
	for _, opt := range []struct {
		name string
		dst  *string
	}{
		{"reference_channel", &d.ReferenceChannel},
		{"electrode_a_channel", &d.ElectrodeAChannel},
		{"electrode_b_channel", &d.ElectrodeBChannel},
		{"voltage_channel", &d.VoltageChannel},
	} {
		if *opt.dst, err = sec.Get(opt.name, *opt.dst); err != nil {
			return err
		}
	}
	if d.SwitchChannels, err = sec.GetList("switch_channels", ",", d.SwitchChannels); err != nil {
		return err
	}
	if d.LCRChannels, err = sec.GetList("lcr_channels", ",", d.LCRChannels); err != nil {
		return err
	}
	if d.ThermistorKOhm, err = sec.GetFloatWithBounds("thermistor_kohm", FloatBounds{Above: Float(0)}, d.ThermistorKOhm); err != nil {
		return err
	}
	if d.TempNPLC, err = sec.GetFloatWithBounds("temp_integration_time", FloatBounds{Above: Float(0)}, d.TempNPLC); err != nil {
		return err
	}
	if d.VoltNPLC, err = sec.GetFloatWithBounds("volt_integration_time", FloatBounds{Above: Float(0)}, d.VoltNPLC); err != nil {
		return err
	}
	return nil
}

func parseLCR(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("lcr")
	l := &lab.LCR
	bounds := FloatBounds{MinVal: Float(MinLCRFrequency), MaxVal: Float(MaxLCRFrequency)}
	var err error
	if l.Port, err = sec.Get("port", ""); err != nil {
		return err
	}
	if l.MinFreq, err = sec.GetFloatWithBounds("min_freq", bounds, l.MinFreq); err != nil {
		return err
	}
	if l.MaxFreq, err = sec.GetFloatWithBounds("max_freq", bounds, l.MaxFreq); err != nil {
		return err
	}
	if l.MinFreq >= l.MaxFreq {
		return ErrOutOfRange("lcr", "max_freq", l.MaxFreq, "must be above min_freq")
	}
	if l.FreqCount, err = sec.GetInt("freq_count", l.FreqCount); err != nil {
		return err
	}
	if l.FreqCount < 1 {
		return ErrOutOfRange("lcr", "freq_count", float64(l.FreqCount), "must have minimum of 1")
	}
	if l.FreqLog, err = sec.GetBool("freq_log", l.FreqLog); err != nil {
		return err
	}
	if l.Frequencies, err = sec.GetFloatList("frequencies", ",", []float64(nil)); err != nil {
		return err
	}
	for _, f := range l.Frequencies {
		if f < MinLCRFrequency || f > MaxLCRFrequency {
			return ErrOutOfRange("lcr", "frequencies", f, "must be within 20 Hz and 2 MHz")
		}
	}
	return nil
}

func parseFurnace(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("furnace")
	f := &lab.Furnace
	var err error
	if f.Port, err = sec.Get("port", ""); err != nil {
		return err
	}
	if f.Baud, err = sec.GetInt("baud", f.Baud); err != nil {
		return err
	}
	if f.Slave, err = sec.GetInt("slave", f.Slave); err != nil {
		return err
	}
	if f.Slave < 1 || f.Slave > 247 {
		return ErrOutOfRange("furnace", "slave", float64(f.Slave), "must be within 1 and 247")
	}
	if f.ResetTemperature, err = sec.GetFloatWithBounds("reset_temperature", FloatBounds{MinVal: Float(0)}, f.ResetTemperature); err != nil {
		return err
	}
	timeout, err := sec.GetFloatWithBounds("timeout", FloatBounds{Above: Float(0)}, f.Timeout.Seconds())
	if err != nil {
		return err
	}
	f.Timeout = time.Duration(timeout * float64(time.Second))
	return nil
}

func parseStage(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("stage")
	s := &lab.Stage
	var err error
	if s.Port, err = sec.Get("port", ""); err != nil {
		return err
	}
	if s.Baud, err = sec.GetInt("baud", s.Baud); err != nil {
		return err
	}
	if s.Subdivision, err = sec.GetInt("subdivision", s.Subdivision); err != nil {
		return err
	}
	if s.Subdivision < 1 {
		return ErrOutOfRange("stage", "subdivision", float64(s.Subdivision), "must have minimum of 1")
	}
	if s.StepAngle, err = sec.GetFloatWithBounds("step_angle", FloatBounds{Above: Float(0)}, s.StepAngle); err != nil {
		return err
	}
	if s.Pitch, err = sec.GetFloatWithBounds("pitch", FloatBounds{Above: Float(0)}, s.Pitch); err != nil {
		return err
	}
	if s.MaxPosition, err = sec.GetInt("max_position", s.MaxPosition); err != nil {
		return err
	}
	if s.EquilibriumPosition, err = sec.GetInt("equilibrium_position", s.EquilibriumPosition); err != nil {
		return err
	}
	if s.EquilibriumPosition < 0 || s.EquilibriumPosition > s.MaxPosition {
		return ErrOutOfRange("stage", "equilibrium_position", float64(s.EquilibriumPosition), "must be within 0 and max_position")
	}
	return nil
}

func parseGas(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("gas")
	g := &lab.Gas
	var err error
	if g.Port, err = sec.Get("port", ""); err != nil {
		return err
	}
	if g.Baud, err = sec.GetInt("baud", g.Baud); err != nil {
		return err
	}

	controllers := cfg.GetPrefixSections("gas ")
	if len(controllers) == 0 {
		return nil
	}
	defaults := make(map[string]GasController)
	for _, c := range DefaultGasControllers() {
		defaults[c.Name] = c
	}

	g.Controllers = nil
	units := make(map[string]string)
	for _, csec := range controllers {
		name := strings.ToLower(csec.Suffix())
		if name == "" {
			return NewConfigError(csec.GetName(), "", "gas controller needs a name, e.g. [gas co2]")
		}
		c := defaults[name]
		c.Name = name
		if c.Unit, err = csec.Get("unit", c.Unit); err != nil {
			return err
		}
		c.Unit = strings.ToUpper(c.Unit)
		if len(c.Unit) != 1 || c.Unit[0] < 'A' || c.Unit[0] > 'Z' {
			return ErrInvalidValue(csec.GetName(), "unit", c.Unit, "a single letter A-Z")
		}
		if other, dup := units[c.Unit]; dup {
			return NewConfigError(csec.GetName(), "unit", "unit "+c.Unit+" already used by "+other)
		}
		units[c.Unit] = name
		if c.UpperLimit, err = csec.GetFloatWithBounds("upper_limit", FloatBounds{Above: Float(0)}, c.UpperLimit); err != nil {
			return err
		}
		if c.Precision, err = csec.GetInt("precision", c.Precision); err != nil {
			return err
		}
		g.Controllers = append(g.Controllers, c)
	}
	return nil
}

func parseCalibration(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("calibration")
	var err error
	if lab.Calibration.TemperatureOffset, err = sec.Get("temperature_offset", ""); err != nil {
		return err
	}
	if lab.Calibration.StageProfile, err = sec.Get("stage_profile", ""); err != nil {
		return err
	}
	return nil
}

func parseMetrics(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("metrics")
	var err error
	if lab.Metrics.Listen, err = sec.Get("listen", ""); err != nil {
		return err
	}
	if lab.Metrics.Username, err = sec.Get("username", ""); err != nil {
		return err
	}
	if lab.Metrics.Password, err = sec.Get("password", ""); err != nil {
		return err
	}
	return nil
}

func parseLog(cfg *Config, lab *LabConfig) error {
	sec := cfg.GetSectionOptional("log")
	l := &lab.Log
	var err error
	if l.Level, err = sec.GetChoice("level", []string{"debug", "info", "warn", "error"}, l.Level); err != nil {
		return err
	}
	if l.Format, err = sec.GetChoice("format", []string{"text", "json"}, l.Format); err != nil {
		return err
	}
	if l.File, err = sec.Get("file", ""); err != nil {
		return err
	}
	if l.MaxSize, err = sec.GetInt("max_size", l.MaxSize); err != nil {
		return err
	}
	if l.MaxBackups, err = sec.GetInt("max_backups", l.MaxBackups); err != nil {
		return err
	}
	return nil
}
