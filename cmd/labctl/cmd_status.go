package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"furnace-lab/pkg/daq"
	"furnace-lab/pkg/serial"
)

type instrumentStatus struct {
	Furnace struct {
		Indicated   float64 `json:"indicated"`
		Setpoint1   float64 `json:"setpoint1"`
		HeatingRate float64 `json:"heating_rate"`
	} `json:"furnace"`
	DAQ         daq.Thermopower    `json:"daq"`
	DAQErrors   []string           `json:"daq_errors,omitempty"`
	Gas         map[string]float64 `json:"gas,omitempty"`
	Stage       *int               `json:"stage,omitempty"`
	Frequencies int                `json:"lcr_frequencies,omitempty"`
}

// readStatus queries every instrument on b once.
func readStatus(ctx context.Context, b *bench) (instrumentStatus, error) {
	var s instrumentStatus
	var err error
	f := b.in.Furnace
	if s.Furnace.Indicated, err = f.Indicated(ctx); err != nil {
		return s, err
	}
	if s.Furnace.Setpoint1, err = f.Setpoint1(ctx); err != nil {
		return s, err
	}
	if s.Furnace.HeatingRate, err = f.HeatingRate(ctx); err != nil {
		return s, err
	}
	if s.DAQ, err = b.in.DAQ.Thermopower(ctx); err != nil {
		return s, err
	}
	if q, ok := b.in.DAQ.(interface {
		Errors(context.Context) ([]string, error)
	}); ok {
		if s.DAQErrors, err = q.Errors(ctx); err != nil {
			return s, err
		}
	}
	if b.in.Gas != nil {
		if s.Gas, err = b.in.Gas.GetAll(ctx); err != nil {
			return s, err
		}
	}
	if b.in.Stage != nil {
		pos, err := b.in.Stage.Position(ctx)
		if err != nil {
			return s, err
		}
		s.Stage = &pos
	}
	if b.in.LCR != nil {
		s.Frequencies = len(b.in.LCR.Frequencies())
	}
	return s, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	var simulated bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to the instruments and print their readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var b *bench
			if simulated {
				b, err = simulateWire(ctx, cfg, time.Now())
			} else {
				b, err = connect(ctx, cfg)
			}
			if err != nil {
				return err
			}
			defer b.Close()

			s, err := readStatus(ctx, b)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, s)
			}
			fmt.Fprintf(out, "furnace: %.1f C, setpoint 1 %.1f C, rate %g C/min\n",
				s.Furnace.Indicated, s.Furnace.Setpoint1, s.Furnace.HeatingRate)
			fmt.Fprintf(out, "daq: reference %.2f C, thermocouples %.2f / %.2f C, voltage %.4g V\n",
				s.DAQ.Reference, s.DAQ.Thermo1, s.DAQ.Thermo2, s.DAQ.Voltage)
			for _, e := range s.DAQErrors {
				fmt.Fprintf(out, "daq error: %s\n", e)
			}
			if s.Gas != nil {
				names := make([]string, 0, len(s.Gas))
				for n := range s.Gas {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintf(out, "gas %s: %.3f sccm\n", n, s.Gas[n])
				}
			}
			if s.Stage != nil {
				fmt.Fprintf(out, "stage: %d\n", *s.Stage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&simulated, "simulate", false, "query simulated instruments")
	return cmd
}

func newPortsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if ports == nil {
					ports = []string{}
				}
				return printJSON(out, ports)
			}
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}
