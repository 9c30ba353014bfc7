package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/export"
	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var (
	rankRunID    string
	rankFromCSV  string
	rankWeights  string
	rankTopCells int
	rankTopSites int
	rankOut      string
)

type rankResult struct {
	RunID     string `json:"run_id,omitempty"`
	Sites     int    `json:"sites"`
	Cells     int    `json:"cells"`
	TopCells  int    `json:"top_cells"`
	Shortlist int    `json:"shortlist"`
	RankedCSV string `json:"ranked_csv,omitempty"`
}

var surveyRankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Subdivide, aggregate, and rank detected sites",
	Long:  "Subdivides sites into analysis cells, pulls cell statistics from the raster backend in bulk, and runs the two-stage z-score ranking. Input comes from a stored run or a sites CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("survey"); err != nil {
			return err
		}
		if (rankRunID == "") == (rankFromCSV == "") {
			return eris.New("exactly one of --run or --from-csv is required")
		}
		if rankFromCSV != "" && rankOut == "" {
			return eris.New("--from-csv needs -o to keep the ranked output")
		}

		sc := buildSurveyConfig()
		if err := applyWeights(&sc, rankWeights); err != nil {
			return err
		}
		if rankTopCells > 0 {
			sc.Scorer.TopCells = rankTopCells
		}
		if rankTopSites > 0 {
			sc.Scorer.TopSites = rankTopSites
		}

		var sites []survey.CandidateSite
		var run *survey.Run
		var st store.Store
		if rankRunID != "" {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			st = s

			run, err = s.GetRun(ctx, rankRunID)
			if err != nil {
				return err
			}
			sites, err = s.ListSites(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list sites")
			}
		} else {
			records, err := export.ReadCSV(rankFromCSV)
			if err != nil {
				return err
			}
			sites = export.ToSites(records)
		}
		if len(sites) == 0 {
			return eris.New("no sites to rank")
		}

		if run != nil {
			saveRunState(ctx, st, run, survey.RunStatusRunning)
		}
		fail := func(err error) error {
			if run != nil {
				saveRunState(ctx, st, run, survey.RunStatusFailed)
			}
			return err
		}

		cells := survey.NewSubdivider(sc.CellSizeM).SubdivideAll(sites)

		aggregator := survey.NewAggregator(newRasterClient(), survey.AggregatorConfig{
			CellSizeM: sc.CellSizeM,
			TileScale: sc.BulkTileScale,
		})
		aggregated, err := aggregator.Aggregate(ctx, cells)
		if err != nil {
			return fail(err)
		}

		scorer := survey.NewScorer(sc.Scorer)
		topCells, err := scorer.RankCells(aggregated)
		if err != nil {
			return fail(err)
		}
		shortlist, err := scorer.Shortlist(topCells)
		if err != nil {
			return fail(err)
		}

		if run != nil {
			if err := st.SaveScoredCells(ctx, run.ID, topCells); err != nil {
				return fail(eris.Wrap(err, "save scored cells"))
			}
			if err := st.SaveShortlist(ctx, run.ID, shortlist); err != nil {
				return fail(eris.Wrap(err, "save shortlist"))
			}
			run.Counts.Cells = len(cells)
			run.Counts.Shortlist = len(shortlist)
			saveRunState(ctx, st, run, survey.RunStatusComplete)
		}

		zap.L().Info("ranking complete",
			zap.Int("sites", len(sites)),
			zap.Int("cells", len(cells)),
			zap.Int("top_cells", len(topCells)),
			zap.Int("shortlist", len(shortlist)))

		res := rankResult{
			Sites:     len(sites),
			Cells:     len(cells),
			TopCells:  len(topCells),
			Shortlist: len(shortlist),
		}
		if run != nil {
			res.RunID = run.ID
		}
		if rankOut != "" {
			if err := export.WriteCSV(rankOut, shortlist); err != nil {
				return err
			}
			res.RankedCSV = rankOut
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	surveyRankCmd.Flags().StringVar(&rankRunID, "run", "", "rank the sites stored under this run")
	surveyRankCmd.Flags().StringVar(&rankFromCSV, "from-csv", "", "rank sites from a detect CSV instead of a run")
	surveyRankCmd.Flags().StringVar(&rankWeights, "weights", "", "YAML weight table overriding the built-in metrics")
	surveyRankCmd.Flags().IntVar(&rankTopCells, "top-cells", 0, "stage-1 cutoff (default from config)")
	surveyRankCmd.Flags().IntVar(&rankTopSites, "top-sites", 0, "stage-2 cutoff (default from config)")
	surveyRankCmd.Flags().StringVarP(&rankOut, "out", "o", "", "write the shortlist to this CSV")
	surveyCmd.AddCommand(surveyRankCmd)
}
