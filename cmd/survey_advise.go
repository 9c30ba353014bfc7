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
	adviseRunID   string
	adviseFromCSV string
	adviseBatch   bool
	adviseOut     string
)

type adviseResult struct {
	RunID        string `json:"run_id,omitempty"`
	Reviewed     int    `json:"reviewed"`
	Placeholders int    `json:"placeholders"`
	AdviceCSV    string `json:"advice_csv,omitempty"`
}

var surveyAdviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Run advisory review over a ranked shortlist",
	Long:  "Sends each shortlisted site's metrics to the advisory model and attaches the returned assessment and rating. Input comes from a stored run or a rank CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("advise"); err != nil {
			return err
		}
		if (adviseRunID == "") == (adviseFromCSV == "") {
			return eris.New("exactly one of --run or --from-csv is required")
		}
		if adviseFromCSV != "" && adviseOut == "" {
			return eris.New("--from-csv needs -o to keep the reviewed output")
		}

		sc := buildSurveyConfig()

		var shortlist []survey.ScoredRecord
		var run *survey.Run
		var st store.Store
		if adviseRunID != "" {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			st = s

			run, err = s.GetRun(ctx, adviseRunID)
			if err != nil {
				return err
			}
			shortlist, err = s.ListShortlist(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list shortlist")
			}
		} else {
			records, err := export.ReadCSV(adviseFromCSV)
			if err != nil {
				return err
			}
			shortlist = records
		}
		if len(shortlist) == 0 {
			return eris.New("no shortlist to review")
		}

		if run != nil {
			saveRunState(ctx, st, run, survey.RunStatusRunning)
		}

		advisor := survey.NewAdvisor(newAdvisoryClient(), sc.Advisor)
		var advised []survey.ScoredRecord
		var err error
		if adviseBatch || sc.UseBatchAdvice(len(shortlist)) {
			advised, err = advisor.AdviseBatch(ctx, shortlist)
		} else {
			advised, err = advisor.Advise(ctx, shortlist)
		}
		if err != nil {
			if run != nil {
				saveRunState(ctx, st, run, survey.RunStatusFailed)
			}
			return err
		}

		placeholders := 0
		for _, rec := range advised {
			if rec.Advice == survey.AdvicePlaceholder {
				placeholders++
			}
		}

		if run != nil {
			if err := st.SaveShortlist(ctx, run.ID, advised); err != nil {
				saveRunState(ctx, st, run, survey.RunStatusFailed)
				return eris.Wrap(err, "save shortlist")
			}
			run.Counts.Shortlist = len(advised)
			saveRunState(ctx, st, run, survey.RunStatusComplete)
		}

		zap.L().Info("advisory review complete",
			zap.Int("reviewed", len(advised)),
			zap.Int("placeholders", placeholders))

		res := adviseResult{
			Reviewed:     len(advised),
			Placeholders: placeholders,
		}
		if run != nil {
			res.RunID = run.ID
		}
		if adviseOut != "" {
			if err := export.WriteCSV(adviseOut, advised); err != nil {
				return err
			}
			res.AdviceCSV = adviseOut
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	surveyAdviseCmd.Flags().StringVar(&adviseRunID, "run", "", "review the shortlist stored under this run")
	surveyAdviseCmd.Flags().StringVar(&adviseFromCSV, "from-csv", "", "review a shortlist from a rank CSV instead of a run")
	surveyAdviseCmd.Flags().BoolVar(&adviseBatch, "batch", false, "submit the review through the batch API")
	surveyAdviseCmd.Flags().StringVarP(&adviseOut, "out", "o", "", "write the reviewed shortlist to this CSV")
	surveyCmd.AddCommand(surveyAdviseCmd)
}
