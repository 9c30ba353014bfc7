package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect survey run history",
	Long:  "Commands for listing, viewing, and summarizing survey runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List survey runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{
			Status: survey.RunStatus(status),
			Limit:  limit,
			Offset: offset,
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "skip this many runs")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Queued      int
	Running     int
	Complete    int
	Failed      int
	TilesFailed int
	Sites       int
	AvgDurSecs  float64
}

// computeRunStats aggregates a list of runs. Average duration covers
// completed runs only.
func computeRunStats(runs []survey.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var durs []float64
	for _, r := range runs {
		switch r.Status {
		case survey.RunStatusQueued:
			s.Queued++
		case survey.RunStatusRunning:
			s.Running++
		case survey.RunStatusComplete:
			s.Complete++
			durs = append(durs, r.UpdatedAt.Sub(r.CreatedAt).Seconds())
		case survey.RunStatusFailed:
			s.Failed++
		}
		s.TilesFailed += r.Counts.TilesFailed
		s.Sites += r.Counts.Sites
	}

	if len(durs) > 0 {
		if mean, err := stats.Mean(stats.Float64Data(durs)); err == nil {
			s.AvgDurSecs = mean
		}
	}
	return s
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []survey.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAOI\tSTATUS\tTILES\tSITES\tSHORTLIST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t---\t------\t-----\t-----\t---------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		aoi := r.AOIName
		if len(aoi) > 30 {
			aoi = aoi[:27] + "..."
		}

		tiles := fmt.Sprintf("%d", r.Counts.TilesTotal)
		if r.Counts.TilesFailed > 0 {
			tiles = fmt.Sprintf("%d (%d failed)", r.Counts.TilesTotal, r.Counts.TilesFailed)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			aoi,
			r.Status,
			tiles,
			r.Counts.Sites,
			r.Counts.Shortlist,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to out.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Queued:\t%d\n", s.Queued)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Tiles failed:\t%d\n", s.TilesFailed)
	_, _ = fmt.Fprintf(w, "Sites found:\t%d\n", s.Sites)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
