package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/export"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var (
	runAOI     string
	runWeights string
	runOut     string
)

type runResult struct {
	RunID        string           `json:"run_id"`
	AOI          string           `json:"aoi"`
	Status       survey.RunStatus `json:"status"`
	Counts       survey.RunCounts `json:"counts"`
	ElapsedSecs  float64          `json:"elapsed_secs"`
	ShortlistCSV string           `json:"shortlist_csv,omitempty"`
}

var surveyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full survey pipeline over an AOI",
	Long:  "Detection, subdivision, bulk aggregation, two-stage ranking, and advisory review in one pass, persisted under a fresh run ID.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		aoi, err := survey.LoadAOI(runAOI)
		if err != nil {
			return err
		}

		sc := buildSurveyConfig()
		if err := applyWeights(&sc, runWeights); err != nil {
			return err
		}

		pipeline := survey.New(sc, newRasterClient(), newAdvisoryClient(), st)

		start := time.Now()
		result, err := pipeline.Execute(ctx, aoi)
		if err != nil {
			return eris.Wrap(err, "survey run")
		}

		zap.L().Info("survey complete",
			zap.String("run_id", result.Run.ID),
			zap.Int("sites", result.Run.Counts.Sites),
			zap.Int("shortlist", result.Run.Counts.Shortlist))

		res := runResult{
			RunID:       result.Run.ID,
			AOI:         result.Run.AOIName,
			Status:      result.Run.Status,
			Counts:      result.Run.Counts,
			ElapsedSecs: time.Since(start).Seconds(),
		}
		if runOut != "" {
			if err := export.WriteCSV(runOut, result.Shortlist); err != nil {
				return err
			}
			res.ShortlistCSV = runOut
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	surveyRunCmd.Flags().StringVar(&runAOI, "aoi", "", "AOI as GeoJSON/.shp/.zip file or bbox string (required)")
	surveyRunCmd.Flags().StringVar(&runWeights, "weights", "", "YAML weight table overriding the built-in metrics")
	surveyRunCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the reviewed shortlist to this CSV")
	_ = surveyRunCmd.MarkFlagRequired("aoi")
	surveyCmd.AddCommand(surveyRunCmd)
}
