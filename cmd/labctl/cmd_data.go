package main

import (
	"fmt"
	"math"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"furnace-lab/pkg/impedance"
	"furnace-lab/pkg/record"
	"furnace-lab/pkg/store"
)

// finite maps NaN and infinities to null in JSON output.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func newProcessCmd(opts *options) *cobra.Command {
	var skip int
	cmd := &cobra.Command{
		Use:   "process <datafile>",
		Short: "Fit the impedance arcs of a data file",
		Long: `Fits a circle to each impedance sweep and prints the bulk resistance,
resistivity and conductivity per cycle, using the sample geometry from the
[experiment] section.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			f, err := record.ParseFile(args[0])
			if err != nil {
				return err
			}
			g := impedance.Geometry{Thickness: cfg.Experiment.SampleThickness, Diameter: cfg.Experiment.SampleDiameter}
			rows := impedance.Process(f, g, skip)

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				type jsonRow struct {
					Time         time.Time `json:"time"`
					Step         int       `json:"step"`
					Cycle        int       `json:"cycle"`
					Temperature  *float64  `json:"temperature"`
					Resistance   *float64  `json:"resistance"`
					Resistivity  *float64  `json:"resistivity"`
					Conductivity *float64  `json:"conductivity"`
					Err          string    `json:"error,omitempty"`
				}
				js := make([]jsonRow, len(rows))
				for i, r := range rows {
					js[i] = jsonRow{r.Time, r.Step, r.Cycle, finite(r.Temperature), finite(r.Resistance),
						finite(r.Resistivity), finite(r.Conductivity), r.Err}
				}
				return printJSON(out, js)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "step\tcycle\ttemp (C)\tR (ohm)\trho (ohm m)\tsigma (S/m)\t")
			for _, r := range rows {
				if r.Err != "" {
					fmt.Fprintf(tw, "%d\t%d\t%.1f\t%s\t\t\t\n", r.Step, r.Cycle, r.Temperature, r.Err)
					continue
				}
				fmt.Fprintf(tw, "%d\t%d\t%.1f\t%.4g\t%.4g\t%.4g\t\n",
					r.Step, r.Cycle, r.Temperature, r.Resistance, r.Resistivity, r.Conductivity)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "leave this many high-frequency points out of each fit")
	return cmd
}

func newRunsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.lab()
			if err != nil {
				return err
			}
			db, err := store.Open(databasePath(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid run id %q: %w", args[0], err)
				}
				steps, err := db.Steps(ctx, id)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(out, steps)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "step\tstarted\ttarget\trate\thold (h)\tinterval\tbuffer\toffset\tgas\t")
				for _, s := range steps {
					fmt.Fprintf(tw, "%d\t%s\t%.1f\t%g\t%g\t%g\t%s\t%+g\t%s\t\n", s.Step, s.Time.Local().Format(time.DateTime),
						s.TargetTemp, s.HeatRate, s.HoldLength, s.Interval, s.Buffer, s.Offset, s.Gas)
				}
				return tw.Flush()
			}

			runs, err := db.Runs(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if runs == nil {
					runs = []store.Run{}
				}
				return printJSON(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "id\tproject\tstatus\tstarted\treadings\treason\t")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t\n", r.ID, r.Project, r.Status,
					r.StartedAt.Local().Format(time.DateTime), r.Readings, r.Reason)
			}
			return tw.Flush()
		},
	}
}
