package controlfile

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Table writes a plain-text summary of planned steps, with each step's
// estimated finish counted from start.
func Table(w io.Writer, steps []Step, start time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "step\ttarget\tfrom\trate\thold (h)\tinterval\tbuffer\toffset\tgas\tmins\tfinish\t")
	at := start
	for _, s := range steps {
		at = at.Add(s.EstimatedDuration())
		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%.2f\t%.2f\t%.1f\t%s\t%+.2f\t%s\t%d\t%s\t\n",
			s.Index, s.TargetTemp, s.PreviousTarget, s.HeatRate, s.HoldLength, s.Interval,
			s.Buffer, s.Offset, s.FO2Gas, s.EstTotalMinutes, at.Format("Mon 02 Jan 15:04"))
	}
	total := TotalMinutes(steps)
	fmt.Fprintf(tw, "\t\t\t\t\t\t\t\ttotal\t%d\t%s\t\n", total, FormatMinutes(total))
	return tw.Flush()
}

// FormatMinutes renders minutes as "1d 02h 05m".
func FormatMinutes(m int) string {
	d, h := m/(24*60), (m/60)%24
	if d > 0 {
		return fmt.Sprintf("%dd %02dh %02dm", d, h, m%60)
	}
	return fmt.Sprintf("%dh %02dm", h, m%60)
}
