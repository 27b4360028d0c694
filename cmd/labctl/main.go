// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// labctl drives the furnace conductivity lab: it runs control files,
// checks them, and inspects instruments, data files and past runs.
//
// Usage:
//
//	labctl run steps.csv --config lab.cfg [--start 21:30]
//	labctl run steps.csv --simulate
//	labctl check steps.csv
//	labctl fugacity --buffer qfm --temp 1000 --offset -1 --gas co
//	labctl status --config lab.cfg
//	labctl process data/experiment/steps_20260302_0900.dat
//	labctl runs --config lab.cfg
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/log"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	jsonOut    bool
	logLevel   string
}

// lab loads lab.cfg, or the built-in defaults when no path was given.
func (o *options) lab() (*config.LabConfig, error) {
	if o.configPath == "" {
		cfg := config.DefaultLab()
		return &cfg, nil
	}
	return config.LoadLab(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "labctl",
		Short: "Furnace lab experiment control",
		Long: `labctl runs electrical conductivity experiments. A control file lists
temperature steps; for each step the furnace is driven to the target and every
instrument is polled at the step's interval until the step is done.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logLevel != "" {
				log.Default().SetLevel(log.ParseLevel(opts.logLevel))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Default().Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "lab configuration file (default: built-in lab defaults)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of tables")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newRunCmd(opts),
		newCheckCmd(opts),
		newFugacityCmd(opts),
		newIndicatedCmd(opts),
		newStatusCmd(opts),
		newPortsCmd(opts),
		newProcessCmd(opts),
		newRunsCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
