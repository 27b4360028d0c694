// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package runner works through a control file: it drives the furnace to
// each step's target and polls every instrument once per interval until
// the step's break condition is met.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"furnace-lab/pkg/calibration"
	"furnace-lab/pkg/config"
	"furnace-lab/pkg/controlfile"
	"furnace-lab/pkg/daq"
	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/fugacity"
	"furnace-lab/pkg/furnace"
	"furnace-lab/pkg/lcr"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/metrics"
	"furnace-lab/pkg/notify"
	"furnace-lab/pkg/record"
	"furnace-lab/pkg/safety"
)

// CoolingBand is how far above the target a cooling step may stop, in C.
// The furnace rarely falls below its setpoint.
const CoolingBand = 5.0

// TimerFactor sets the furnace dwell timer to this many polling
// intervals, so the controller falls back to its own end action if the
// loop stops resetting it.
const TimerFactor = 3.5

// Runner runs one experiment.
type Runner struct {
	Instruments Instruments
	Corrections calibration.Corrections
	Sink        record.Sink
	Notifier    notify.Notifier
	Safety      *safety.Manager
	Clock       Clock

	// Metrics and Live are optional.
	Metrics *metrics.LabMetrics
	Live    *metrics.Hub

	// Sweep describes the LCR frequency list.
	Sweep config.LCRConfig
	// StartTime delays the first step. Zero starts immediately.
	StartTime time.Time

	mu     sync.RWMutex
	status Status
	log    *log.Logger
}

// Summary describes a finished run.
type Summary struct {
	StepsCompleted int           `json:"steps_completed"`
	Cycles         int           `json:"cycles"`
	Aborted        bool          `json:"aborted"`
	Reason         string        `json:"reason,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Status is a snapshot of the run for monitoring.
type Status struct {
	State       string    `json:"state"`
	Step        int       `json:"step"`
	Steps       int       `json:"steps"`
	Cycle       int       `json:"cycle"`
	TargetTemp  float64   `json:"target_temp"`
	Setpoint    float64   `json:"setpoint"`
	StepStarted time.Time `json:"step_started,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
}

// Run states reported by Status.
const (
	StateIdle     = "idle"
	StateWaiting  = "waiting"
	StateRunning  = "running"
	StateFinished = "finished"
	StateAborted  = "aborted"
)

func (r *Runner) logger() *log.Logger {
	if r.log == nil {
		r.log = log.GetLogger("runner")
	}
	return r.log
}

func (r *Runner) clock() Clock {
	if r.Clock == nil {
		return RealClock{}
	}
	return r.Clock
}

func (r *Runner) sink() record.Sink {
	if r.Sink == nil {
		return record.Discard{}
	}
	return r.Sink
}

func (r *Runner) notify(ctx context.Context, m notify.Message) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(context.WithoutCancel(ctx), m); err != nil {
		r.logger().WithError(err).Warn("notification failed")
	}
}

func (r *Runner) publish(kind string, data any) {
	if r.Live != nil {
		r.Live.Publish(kind, data)
	}
}

func (r *Runner) setStatus(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

// Status returns a snapshot of the run.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	if s.State == "" {
		s.State = StateIdle
	}
	return s
}

// Frequencies builds the sweep list from the LCR config.
func Frequencies(c config.LCRConfig) ([]float64, error) {
	if len(c.Frequencies) > 0 {
		return append([]float64(nil), c.Frequencies...), nil
	}
	return lcr.Frequencies(c.MinFreq, c.MaxFreq, c.FreqCount, c.FreqLog)
}

// Setup loads the control file, configures the LCR sweep, and fills the
// derived columns from the furnace's current setpoint and heating rate.
func (r *Runner) Setup(ctx context.Context, path string) ([]controlfile.Step, error) {
	if r.Instruments.Furnace == nil || r.Instruments.DAQ == nil {
		return nil, laberrors.Setup("furnace and DAQ are required")
	}
	steps, err := controlfile.Load(path)
	if err != nil {
		return nil, err
	}

	if r.Instruments.LCR != nil {
		freqs, err := Frequencies(r.Sweep)
		if err != nil {
			return nil, laberrors.Wrap(err, laberrors.ErrSetup, "invalid frequency list")
		}
		if err := r.Instruments.LCR.Configure(ctx, freqs); err != nil {
			return nil, err
		}
		r.logger().Info("LCR sweep: %d frequencies from %g to %g Hz", len(freqs), freqs[0], freqs[len(freqs)-1])
	}

	setpoint, err := r.Instruments.Furnace.Setpoint1(ctx)
	if err != nil {
		return nil, err
	}
	rate, err := r.Instruments.Furnace.HeatingRate(ctx)
	if err != nil {
		return nil, err
	}
	steps = controlfile.Plan(steps, setpoint, rate)

	var plan strings.Builder
	if err := controlfile.Table(&plan, steps, r.start()); err != nil {
		return nil, err
	}
	r.logger().Info("control file %s: %d steps\n%s", path, len(steps), plan.String())
	return steps, nil
}

func (r *Runner) start() time.Time {
	now := r.clock().Now()
	if r.StartTime.After(now) {
		return r.StartTime
	}
	return now
}

// Run works through steps. The lab is shut down when Run returns,
// whether the run completed or not. The error is non-nil when the run
// aborted.
func (r *Runner) Run(ctx context.Context, steps []controlfile.Step) (Summary, error) {
	if r.Instruments.Furnace == nil || r.Instruments.DAQ == nil {
		return Summary{}, laberrors.Setup("furnace and DAQ are required")
	}
	if r.Safety == nil {
		r.Safety = safety.New()
	}
	if len(steps) == 0 {
		return Summary{}, laberrors.ControlFile("control file has no steps")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.Safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		cancel(fmt.Errorf("lab shut down: %s", reason))
	})

	var sum Summary
	r.setStatus(func(s *Status) { *s = Status{State: StateWaiting, Steps: len(steps)} })

	err := r.delayedStart(ctx)
	began := r.clock().Now()
	r.setStatus(func(s *Status) { s.State, s.StartTime = StateRunning, began })

	if err == nil {
		r.Safety.Configure(safety.Config{WatchdogTimeout: safety.WatchdogFor(controlfile.LongestInterval(steps))})
		r.Safety.StartWatchdog()
		for i := range steps {
			var cycles int
			cycles, err = r.runStep(ctx, steps[i])
			sum.Cycles += cycles
			if err != nil {
				break
			}
			sum.StepsCompleted++
			if r.Metrics != nil {
				r.Metrics.StepCompleted()
			}
			r.logger().Info("Step %d complete!", steps[i].Index)
			if i < len(steps)-1 {
				next := steps[i+1]
				eta := r.clock().Now().Add(next.EstimatedDuration())
				r.notify(ctx, notify.StepComplete(steps[i].Index, next.TargetTemp, eta))
			}
		}
		r.Safety.StopWatchdog()
	}
	sum.Elapsed = r.clock().Now().Sub(began)

	if err == nil {
		if serr := r.Safety.Complete(ctx); serr != nil {
			r.logger().WithError(serr).Error("shutdown incomplete")
		}
		r.recordShutdown(safety.ReasonCompleted)
		r.notify(ctx, notify.RunComplete(sum.StepsCompleted, sum.Elapsed))
		r.setStatus(func(s *Status) { s.State = StateFinished })
		r.publish("run_complete", sum)
		return sum, nil
	}

	reason, msg := r.classify(ctx, err)
	sum.Aborted = true
	sum.Reason = string(reason)
	r.logger().WithError(err).WithField("reason", sum.Reason).Error("Something went wrong! Aborting the run")

	if reason == safety.ReasonInstrumentFailure {
		instrument := laberrors.InstrumentOf(err)
		if r.Metrics != nil {
			r.Metrics.RecordInstrumentError(instrument)
		}
		r.notify(ctx, notify.DeviceError(instrument))
	} else {
		r.notify(ctx, notify.Aborted(msg))
	}
	if serr := r.Safety.Abort(ctx, reason, msg); serr != nil {
		r.logger().WithError(serr).Error("shutdown incomplete")
	}
	if shutdownReason, _, _ := r.Safety.GetShutdownInfo(); shutdownReason != safety.ReasonNone {
		r.recordShutdown(shutdownReason)
	}
	r.setStatus(func(s *Status) { s.State = StateAborted })
	r.publish("aborted", sum)
	return sum, laberrors.Aborted(msg, err)
}

func (r *Runner) recordShutdown(reason safety.ShutdownReason) {
	if r.Metrics != nil {
		r.Metrics.RecordShutdown(string(reason))
	}
}

// classify picks the shutdown reason for a failed run.
func (r *Runner) classify(ctx context.Context, err error) (safety.ShutdownReason, string) {
	if reason, msg, _ := r.Safety.GetShutdownInfo(); reason != safety.ReasonNone {
		return reason, msg
	}
	switch {
	case laberrors.IsInstrument(err):
		return safety.ReasonInstrumentFailure, err.Error()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		msg := "run cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			msg = cause.Error()
		}
		return safety.ReasonUserRequest, msg
	default:
		return safety.ReasonRunError, err.Error()
	}
}

func (r *Runner) delayedStart(ctx context.Context) error {
	now := r.clock().Now()
	if !r.StartTime.After(now) {
		return nil
	}
	r.logger().Info("Experiment will start at %s", r.StartTime.Format("15:04 on Jan 02, 2006"))
	if err := r.clock().Sleep(ctx, r.StartTime.Sub(now)); err != nil {
		return err
	}
	r.notify(ctx, notify.DelayedStart(r.StartTime))
	return nil
}

// timerDuration is the furnace dwell for a polling interval.
func timerDuration(interval time.Duration) time.Duration {
	d := time.Duration(TimerFactor * float64(interval)).Truncate(time.Second)
	if d > furnace.MaxTimerDuration {
		return furnace.MaxTimerDuration
	}
	return d
}

func (r *Runner) header(step controlfile.Step) {
	finish := "Estimated finish: " + r.clock().Now().Add(step.EstimatedDuration()).Format("15:04 Monday, Jan 02")
	line := strings.Repeat("=", len(finish))
	r.logger().WithFields(log.Fields{
		"step":     step.Index,
		"target":   step.TargetTemp,
		"rate":     step.HeatRate,
		"hold":     step.HoldLength,
		"interval": step.Interval,
	}).Infof("%s\nStep %d: %.1f C at %g C/min, hold %gh\n%s\n%s", line, step.Index, step.TargetTemp, step.HeatRate, step.HoldLength, finish, line)
}

// runStep sets up one step and polls until its break condition holds.
// It returns the number of cycles recorded.
func (r *Runner) runStep(ctx context.Context, step controlfile.Step) (int, error) {
	in := r.Instruments
	r.header(step)

	if err := in.Furnace.SetHeatingRate(ctx, step.HeatRate); err != nil {
		return 0, stepErr(err, step)
	}
	setpoint := r.Corrections.Indicated(step.TargetTemp)
	if err := in.Furnace.SetSetpoint1(ctx, setpoint); err != nil {
		return 0, stepErr(err, step)
	}
	if in.Stage != nil {
		if pos, ok := r.Corrections.Position(step.TargetTemp); ok {
			if err := in.Stage.GoTo(ctx, pos); err != nil {
				return 0, stepErr(err, step)
			}
		}
	}

	started := r.clock().Now()
	mark := record.StepStart{
		Step:       step.Index,
		Time:       started,
		TargetTemp: step.TargetTemp,
		HoldLength: step.HoldLength,
		HeatRate:   step.HeatRate,
		Interval:   step.Interval,
		Buffer:     step.Buffer,
		Offset:     step.Offset,
		Gas:        string(step.FO2Gas),
	}
	if err := r.sink().StepStarted(ctx, mark); err != nil {
		return 0, stepErr(err, step)
	}
	r.setStatus(func(s *Status) {
		s.Step, s.Cycle, s.TargetTemp, s.Setpoint, s.StepStarted = step.Index, 0, step.TargetTemp, setpoint, started
	})
	r.publish("step_started", mark)

	if err := in.Furnace.SetTimerDuration(ctx, timerDuration(step.IntervalDuration())); err != nil {
		return 0, stepErr(err, step)
	}

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return cycle - 1, err
		}
		began := r.clock().Now()
		reading, err := r.measure(ctx, step, cycle)
		if err != nil {
			return cycle - 1, stepErr(err, step)
		}
		if err := r.sink().Append(ctx, reading); err != nil {
			return cycle - 1, stepErr(err, step)
		}
		if r.Metrics != nil {
			r.Metrics.Observe(reading, r.clock().Now().Sub(began))
		}
		r.publish("reading", reading)
		r.setStatus(func(s *Status) { s.Cycle = cycle })
		r.Safety.Heartbeat()

		wait := step.IntervalDuration() - r.clock().Now().Sub(began)
		if err := r.clock().Sleep(ctx, wait); err != nil {
			return cycle, err
		}
		if err := r.checkHealth(ctx); err != nil {
			return cycle, stepErr(err, step)
		}
		elapsed := r.clock().Now().Sub(started)
		if StepDone(step, reading.Furnace.Indicated, elapsed) {
			return cycle, nil
		}
	}
}

func stepErr(err error, step controlfile.Step) error {
	var le *laberrors.LabError
	if errors.As(err, &le) && le.Step == 0 {
		le.SetStep(step.Index)
	}
	return err
}

// StepDone reports whether a step may end. The indicated furnace
// temperature is compared with the step's target, not the corrected
// setpoint: heating and holding steps end once it reaches the target,
// cooling steps once it is within CoolingBand above it. Either way the
// hold length must have passed since the step started.
func StepDone(step controlfile.Step, indicated float64, elapsed time.Duration) bool {
	if math.IsNaN(indicated) || elapsed < step.HoldDuration() {
		return false
	}
	if step.Heating() {
		return indicated >= step.TargetTemp
	}
	return indicated < step.TargetTemp+CoolingBand
}

// measure runs one polling cycle.
func (r *Runner) measure(ctx context.Context, step controlfile.Step, cycle int) (record.Reading, error) {
	in := r.Instruments
	rd := record.NewReading(r.clock().Now(), step.Index, cycle)

	if err := in.Furnace.ResetTimer(ctx); err != nil {
		return rd, err
	}
	if in.Stage != nil {
		pos, err := in.Stage.Position(ctx)
		if err != nil {
			return rd, err
		}
		rd.StagePosition = float64(pos)
	}

	target, err := in.Furnace.Setpoint1(ctx)
	if err != nil {
		return rd, err
	}
	indicated, err := in.Furnace.Indicated(ctx)
	if err != nil {
		return rd, err
	}
	rd.Furnace = record.Furnace{Target: target, Indicated: indicated}

	tp, err := in.DAQ.Thermopower(ctx)
	if err != nil {
		return rd, err
	}
	rd.DAQ = record.DAQ{Reference: tp.Reference, Thermo1: tp.Thermo1, Thermo2: tp.Thermo2, Voltage: tp.Voltage}

	if in.Gas != nil {
		flows, err := in.Gas.GetAll(ctx)
		if err != nil {
			return rd, err
		}
		rd.Gas = flows
		if err := r.applyMix(ctx, step, rd.DAQ.MeanTemperature(), &rd); err != nil {
			return rd, err
		}
	}

	if in.LCR != nil {
		sweep, err := r.sweep(ctx)
		if err != nil {
			return rd, err
		}
		rd.Impedance = sweep
	}
	return rd, nil
}

// applyMix sets the gas flows for the step's buffer at temp. A mix that
// cannot be computed is logged and leaves the flows unchanged.
func (r *Runner) applyMix(ctx context.Context, step controlfile.Step, temp float64, rd *record.Reading) error {
	mix, err := fugacity.Mix(step.Buffer, step.Offset, temp, step.FO2Gas, r.Instruments.Gas.Limits())
	if err != nil {
		r.logger().WithError(err).WithFields(log.Fields{
			"buffer": step.Buffer,
			"temp":   temp,
			"gas":    string(step.FO2Gas),
		}).Warn("cannot compute gas mix; flows unchanged")
		return nil
	}
	rd.Fugacity = record.Fugacity{LogFugacity: mix.LogFugacity, Ratio: mix.Ratio, Offset: mix.Offset}
	return r.Instruments.Gas.SetAll(ctx, mix.Flows)
}

// sweep routes the sample to the LCR, sweeps, and routes it back to the
// thermocouples even if the sweep fails.
func (r *Runner) sweep(ctx context.Context) ([]record.Impedance, error) {
	in := r.Instruments
	if err := in.DAQ.ToggleSwitch(ctx, daq.ModeImpedance); err != nil {
		return nil, err
	}
	points, err := in.LCR.Sweep(ctx, len(in.LCR.Frequencies()))
	if serr := in.DAQ.ToggleSwitch(context.WithoutCancel(ctx), daq.ModeThermo); err == nil {
		err = serr
	}
	if err != nil {
		return nil, err
	}
	out := make([]record.Impedance, len(points))
	for i, p := range points {
		out[i] = record.Impedance{Z: p.Z, Theta: p.Theta}
	}
	return out, nil
}

// checkHealth fails when an instrument has dropped off its link.
func (r *Runner) checkHealth(ctx context.Context) error {
	in := r.Instruments
	if q, ok := in.DAQ.(errorQueue); ok {
		if _, err := q.Errors(ctx); err != nil {
			return err
		}
	}
	if c, ok := in.Stage.(connector); ok && !c.Connected(ctx) {
		return laberrors.InstrumentConnect("stage", errors.New("not responding"))
	}
	return nil
}
