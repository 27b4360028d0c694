// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"furnace-lab/pkg/controlfile"
	"furnace-lab/pkg/fugacity"
)

func newCheckCmd(opts *options) *cobra.Command {
	var start string
	cmd := &cobra.Command{
		Use:   "check <controlfile>",
		Short: "Validate a control file and print the plan",
		Long: `Loads the control file and prints every step with its estimated duration
and finish time. The furnace is assumed to start at the configured reset
temperature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			steps, err := controlfile.Load(args[0])
			if err != nil {
				return err
			}
			steps = controlfile.Plan(steps, cfg.Furnace.ResetTemperature, steps[0].HeatRate)

			now := time.Now()
			if start == "" {
				start = cfg.Experiment.StartTime
			}
			at, err := parseStart(start, now)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = now
			}

			out := cmd.OutOrStdout()
			total := controlfile.TotalMinutes(steps)
			if opts.jsonOut {
				return printJSON(out, struct {
					Steps        []controlfile.Step `json:"steps"`
					TotalMinutes int                `json:"total_minutes"`
					Start        time.Time          `json:"start"`
					Finish       time.Time          `json:"finish"`
				}{steps, total, at, at.Add(time.Duration(total) * time.Minute)})
			}
			return controlfile.Table(out, steps, at)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "planned start, HH:MM or RFC3339")
	return cmd
}

func newFugacityCmd(opts *options) *cobra.Command {
	var (
		buffer string
		temp   float64
		offset float64
		gas    string
	)
	cmd := &cobra.Command{
		Use:   "fugacity",
		Short: "Print the gas mix for a buffer, offset and temperature",
		Long:  "Buffers: " + strings.Join(fugacity.Names(), ", "),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			g, err := fugacity.ParseGas(gas)
			if err != nil {
				return err
			}
			limits := make(map[string]float64, len(cfg.Gas.Controllers))
			for _, c := range cfg.Gas.Controllers {
				limits[c.Name] = c.UpperLimit
			}
			mix, err := fugacity.Mix(buffer, offset, temp, g, limits)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, mix)
			}
			fmt.Fprintf(out, "%s %+g at %g C: log fO2 %.3f, ratio %.4g\n", buffer, offset, temp, mix.LogFugacity, mix.Ratio)
			names := make([]string, 0, len(mix.Flows))
			for name := range mix.Flows {
				names = append(names, name)
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "gas\tsccm\t")
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%.3f\t\n", name, mix.Flows[name])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&buffer, "buffer", "qfm", "oxygen buffer")
	cmd.Flags().Float64Var(&temp, "temp", 1000, "temperature in C")
	cmd.Flags().Float64Var(&offset, "offset", 0, "offset from the buffer in log units")
	cmd.Flags().StringVar(&gas, "gas", "co", "reducing gas, co or h2")
	return cmd
}

func newIndicatedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "indicated <temp>...",
		Short: "Print the furnace setpoint and stage position for sample temperatures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			corrections, err := loadCorrections(cfg)
			if err != nil {
				return err
			}

			type row struct {
				Target   float64 `json:"target"`
				Setpoint float64 `json:"setpoint"`
				Position *int    `json:"position,omitempty"`
			}
			rows := make([]row, 0, len(args))
			for _, a := range args {
				target, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("invalid temperature %q", a)
				}
				r := row{Target: target, Setpoint: corrections.Indicated(target)}
				if pos, ok := corrections.Position(target); ok {
					r.Position = &pos
				}
				rows = append(rows, r)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, rows)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "target\tsetpoint\tposition\t")
			for _, r := range rows {
				pos := "-"
				if r.Position != nil {
					pos = strconv.Itoa(*r.Position)
				}
				fmt.Fprintf(tw, "%.1f\t%.2f\t%s\t\n", r.Target, r.Setpoint, pos)
			}
			return tw.Flush()
		},
	}
}
