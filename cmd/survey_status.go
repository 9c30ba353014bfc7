package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var statusRunID string

var surveyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a run's stage counts and failed tiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var run *survey.Run
		if statusRunID != "" {
			run, err = st.GetRun(ctx, statusRunID)
			if err != nil {
				return err
			}
		} else {
			runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 1})
			if err != nil {
				return eris.Wrap(err, "list runs")
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}
			run = &runs[0]
		}

		failures, err := st.ListTileFailures(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "list tile failures")
		}

		formatRunStatus(os.Stdout, run, failures)
		return nil
	},
}

// formatRunStatus writes a run summary plus a failed-tile table to out.
func formatRunStatus(out io.Writer, run *survey.Run, failures []store.TileFailure) {
	_, _ = fmt.Fprintf(out, "Run:       %s\n", run.ID)
	_, _ = fmt.Fprintf(out, "AOI:       %s\n", run.AOIName)
	_, _ = fmt.Fprintf(out, "Status:    %s\n", run.Status)
	_, _ = fmt.Fprintf(out, "Created:   %s\n", run.CreatedAt.Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintf(out, "Updated:   %s\n", run.UpdatedAt.Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintf(out, "Tiles:     %d (%d failed)\n", run.Counts.TilesTotal, run.Counts.TilesFailed)
	_, _ = fmt.Fprintf(out, "Sites:     %d\n", run.Counts.Sites)
	_, _ = fmt.Fprintf(out, "Cells:     %d\n", run.Counts.Cells)
	_, _ = fmt.Fprintf(out, "Shortlist: %d\n", run.Counts.Shortlist)

	if len(failures) == 0 {
		return
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TILE\tFAILED AT\tCAUSE")
	_, _ = fmt.Fprintln(w, "----\t---------\t-----")
	for _, f := range failures {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n",
			f.TileIndex,
			f.FailedAt.Format("2006-01-02 15:04"),
			truncate(f.Cause, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	surveyStatusCmd.Flags().StringVar(&statusRunID, "run", "", "run to show (default latest)")
	surveyCmd.AddCommand(surveyStatusCmd)
}
