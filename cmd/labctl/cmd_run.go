// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"furnace-lab/pkg/calibration"
	"furnace-lab/pkg/config"
	laberrors "furnace-lab/pkg/errors"
	"furnace-lab/pkg/log"
	"furnace-lab/pkg/metrics"
	"furnace-lab/pkg/notify"
	"furnace-lab/pkg/record"
	"furnace-lab/pkg/runner"
	"furnace-lab/pkg/safety"
	"furnace-lab/pkg/store"
	"furnace-lab/pkg/watch"
)

// newWatcher is replaced in tests.
var newWatcher = watch.New

type runFlags struct {
	simulate bool
	start    string
}

func newRunCmd(opts *options) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run <controlfile>",
		Short: "Run an experiment",
		Long: `Runs every step of the control file. Readings are appended to a data file
and the run database under data_dir/project.

Creating a file named STOP in that directory, or pressing Ctrl-C, aborts the
run and returns the lab to a safe state. With --simulate the instruments are
simulated on a fake clock and the run finishes immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd, opts, rf, args[0])
		},
	}
	cmd.Flags().BoolVar(&rf.simulate, "simulate", false, "use simulated instruments on a fake clock")
	cmd.Flags().StringVar(&rf.start, "start", "", "delay the first step until HH:MM or an RFC3339 time")
	return cmd
}

// parseStart reads a delayed start time. HH:MM is the next such time
// after now.
func parseStart(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	hm, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, laberrors.Setup(fmt.Sprintf("start time %q is neither HH:MM nor RFC3339", s))
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// projectDir holds the data files, database and log of a project.
func projectDir(cfg *config.LabConfig) string {
	return filepath.Join(cfg.Experiment.DataDir, cfg.Experiment.Project)
}

func databasePath(cfg *config.LabConfig) string {
	return filepath.Join(projectDir(cfg), "runs.db")
}

func dataFileName(controlFile string, at time.Time) string {
	base := strings.TrimSuffix(filepath.Base(controlFile), filepath.Ext(controlFile))
	return fmt.Sprintf("%s_%s.dat", base, at.Format("20060102_1504"))
}

func loadCorrections(cfg *config.LabConfig) (calibration.Corrections, error) {
	c, err := calibration.Load(cfg.Calibration.TemperatureOffset, cfg.Calibration.StageProfile, cfg.Stage.MaxPosition)
	if err != nil {
		return c, err
	}
	if c.Equilibrium == 0 {
		c.Equilibrium = cfg.Stage.EquilibriumPosition
	}
	return c, nil
}

func runExperiment(cmd *cobra.Command, opts *options, rf runFlags, controlPath string) error {
	if opts.configPath == "" && !rf.simulate {
		return laberrors.Setup("--config is required unless --simulate is set")
	}
	cfg, err := opts.lab()
	if err != nil {
		return err
	}
	logger := log.GetLogger("labctl")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	startSpec := rf.start
	if startSpec == "" {
		startSpec = cfg.Experiment.StartTime
	}
	startAt, err := parseStart(startSpec, now)
	if err != nil {
		return err
	}

	dir := projectDir(cfg)
	logPath := cfg.Log.File
	if logPath == "" {
		logPath = filepath.Join(dir, "lab.log")
	}
	logFile, err := log.OpenRotating(log.RotationConfig{Filename: logPath, MaxSize: cfg.Log.MaxSize, MaxBackups: cfg.Log.MaxBackups})
	if err != nil {
		return err
	}
	defer logFile.Close()
	untee := log.Tee(logFile)
	defer untee()

	corrections, err := loadCorrections(cfg)
	if err != nil {
		return err
	}

	var b *bench
	if rf.simulate {
		logger.Info("using simulated instruments")
		b = simulate(cfg, now)
	} else if b, err = connect(ctx, cfg); err != nil {
		return err
	}
	defer b.Close()

	sm := safety.New()
	b.RegisterShutdown(sm)

	lab := metrics.NewLabMetrics()
	r := &runner.Runner{
		Instruments: b.in,
		Corrections: corrections,
		Notifier:    notify.Multi{notify.NewLogNotifier(cfg.Experiment.Email)},
		Safety:      sm,
		Metrics:     lab,
		Sweep:       cfg.LCR,
		StartTime:   startAt,
	}
	if b.lab != nil {
		r.Clock = b.lab.Clock
	}

	steps, err := r.Setup(ctx, controlPath)
	if err != nil {
		_ = sm.Abort(ctx, safety.ReasonRunError, err.Error())
		return err
	}

	db, err := store.Open(databasePath(cfg))
	if err != nil {
		_ = sm.Abort(ctx, safety.ReasonRunError, err.Error())
		return err
	}
	id, err := db.BeginRun(ctx, cfg.Experiment.Project, controlPath)
	if err != nil {
		db.Close()
		_ = sm.Abort(ctx, safety.ReasonRunError, err.Error())
		return err
	}

	var freqs []float64
	if b.in.LCR != nil {
		freqs = b.in.LCR.Frequencies()
	}
	dataPath := filepath.Join(dir, dataFileName(controlPath, now))
	data, err := record.Create(dataPath, record.Header{
		Project:     cfg.Experiment.Project,
		ControlFile: controlPath,
		RunID:       id.String(),
		Frequencies: freqs,
	})
	if err != nil {
		_ = db.FinishRun(ctx, id, store.StatusAborted, err.Error())
		db.Close()
		_ = sm.Abort(ctx, safety.ReasonRunError, err.Error())
		return err
	}
	sink := record.Multi{data, db}
	defer sink.Close()
	r.Sink = sink
	logger.Info("run %s: data file %s", id, dataPath)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w, err := newWatcher(watch.Options{
		DataDir:     dir,
		ControlFile: controlPath,
		OnAbort:     func() { cancel(errors.New("abort file created")) },
	})
	if err != nil {
		_ = db.FinishRun(ctx, id, store.StatusAborted, err.Error())
		_ = sm.Abort(ctx, safety.ReasonRunError, err.Error())
		return err
	}
	if err := w.Start(runCtx); err != nil {
		w.Stop()
		_ = db.FinishRun(ctx, id, store.StatusAborted, err.Error())
		_ = sm.Abort(ctx, safety.ReasonUserRequest, err.Error())
		return err
	}
	defer w.Stop()

	var sum runner.Summary
	g, _ := errgroup.WithContext(runCtx)
	if cfg.Metrics.Listen != "" {
		hub := metrics.NewHub()
		hub.SetGreeting(func() (metrics.Event, bool) {
			rd, ok := lab.Last()
			return metrics.Event{Type: "reading", Time: rd.Time, Data: rd}, ok
		})
		r.Live = hub
		srv := metrics.NewServer(lab, hub, func() any { return r.Status() }, metrics.ServerConfigFrom(cfg.Metrics))
		g.Go(func() error {
			// A monitoring failure must not stop the run.
			if err := srv.Serve(runCtx); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
			return nil
		})
		logger.Info("metrics on http://%s/metrics", cfg.Metrics.Listen)
	}
	g.Go(func() error {
		defer cancel(nil)
		var err error
		sum, err = r.Run(runCtx, steps)
		return err
	})
	runErr := g.Wait()

	status, reason := store.StatusCompleted, ""
	if runErr != nil {
		status, reason = store.StatusAborted, sum.Reason
	}
	if err := db.FinishRun(context.WithoutCancel(ctx), id, status, reason); err != nil {
		logger.WithError(err).Error("could not record the end of the run")
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		if err := printJSON(out, struct {
			ID       string         `json:"id"`
			DataFile string         `json:"data_file"`
			Summary  runner.Summary `json:"summary"`
		}{id.String(), dataPath, sum}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "run %s %s: %d of %d steps, %d cycles, %s\n",
			id, status, sum.StepsCompleted, len(steps), sum.Cycles, sum.Elapsed.Round(time.Second))
		fmt.Fprintf(out, "data file: %s\n", dataPath)
	}
	return runErr
}
