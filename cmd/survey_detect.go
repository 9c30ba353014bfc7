package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/export"
	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var (
	detectAOI         string
	detectRunID       string
	detectRetryFailed bool
	detectOut         string
)

type detectResult struct {
	RunID       string  `json:"run_id"`
	AOI         string  `json:"aoi"`
	TilesTotal  int     `json:"tiles_total"`
	TilesFailed int     `json:"tiles_failed"`
	Sites       int     `json:"sites"`
	ElapsedSecs float64 `json:"elapsed_secs"`
	SitesCSV    string  `json:"sites_csv,omitempty"`
}

var surveyDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Screen AOI tiles for candidate sites",
	Long:  "Tiles the AOI and runs masked vectorization over each tile. With --run the detection replaces that run's sites; --retry-failed narrows the pass to tiles that failed last time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("survey"); err != nil {
			return err
		}
		if detectRetryFailed && detectRunID == "" {
			return eris.New("--retry-failed requires --run")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		aoi, err := survey.LoadAOI(detectAOI)
		if err != nil {
			return err
		}

		sc := buildSurveyConfig()
		tiles, err := survey.TileAOI(aoi, sc.TileSizeDeg)
		if err != nil {
			return eris.Wrap(err, "tile aoi")
		}

		var run *survey.Run
		if detectRunID != "" {
			run, err = st.GetRun(ctx, detectRunID)
			if err != nil {
				return err
			}
		} else {
			run = survey.NewRun(aoi.Name)
			if err := st.CreateRun(ctx, run); err != nil {
				return eris.Wrap(err, "create run")
			}
		}

		var prevSites []survey.CandidateSite
		if detectRetryFailed {
			failures, err := st.ListTileFailures(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list tile failures")
			}
			if len(failures) == 0 {
				zap.L().Info("no failed tiles to retry", zap.String("run_id", run.ID))
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(detectResult{
					RunID:      run.ID,
					AOI:        run.AOIName,
					TilesTotal: run.Counts.TilesTotal,
					Sites:      run.Counts.Sites,
				})
			}
			tiles = selectFailedTiles(tiles, failures)
			prevSites, err = st.ListSites(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list sites")
			}
			// Wipe the failure log; tiles that fail again are re-recorded
			// by the detector as it goes.
			if err := st.ClearTileFailures(ctx, run.ID); err != nil {
				return eris.Wrap(err, "clear tile failures")
			}
		} else {
			run.Counts.TilesTotal = len(tiles)
		}
		saveRunState(ctx, st, run, survey.RunStatusRunning)

		detector := survey.NewDetector(newRasterClient(), sc.Detector, st)
		sites, stats, err := detector.Detect(ctx, run.ID, tiles)
		if err != nil {
			saveRunState(ctx, st, run, survey.RunStatusFailed)
			return err
		}

		sites = mergeSites(prevSites, sites)
		if err := st.SaveSites(ctx, run.ID, sites); err != nil {
			saveRunState(ctx, st, run, survey.RunStatusFailed)
			return eris.Wrap(err, "save sites")
		}

		run.Counts.TilesFailed = stats.TilesFailed
		run.Counts.Sites = len(sites)
		saveRunState(ctx, st, run, survey.RunStatusComplete)

		zap.L().Info("detection complete",
			zap.String("run_id", run.ID),
			zap.Int("tiles", stats.TilesProcessed),
			zap.Int("tiles_failed", stats.TilesFailed),
			zap.Int("sites", len(sites)),
			zap.Duration("elapsed", stats.Elapsed))

		res := detectResult{
			RunID:       run.ID,
			AOI:         run.AOIName,
			TilesTotal:  run.Counts.TilesTotal,
			TilesFailed: stats.TilesFailed,
			Sites:       len(sites),
			ElapsedSecs: stats.Elapsed.Seconds(),
		}
		if detectOut != "" {
			if err := export.WriteCSV(detectOut, export.FromSites(sites)); err != nil {
				return err
			}
			res.SitesCSV = detectOut
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// selectFailedTiles keeps the tiles whose grid index appears in the
// failure log. Indexes are assigned before empty tiles are dropped, so
// the same AOI re-tiles to the same ground.
func selectFailedTiles(tiles []survey.Tile, failures []store.TileFailure) []survey.Tile {
	wanted := make(map[int]bool, len(failures))
	for _, f := range failures {
		wanted[f.TileIndex] = true
	}
	picked := make([]survey.Tile, 0, len(failures))
	for _, t := range tiles {
		if wanted[t.Index] {
			picked = append(picked, t)
		}
	}
	return picked
}

// mergeSites combines surviving sites with a retry pass's output, keeping
// the canonical tile-index order.
func mergeSites(prev, fresh []survey.CandidateSite) []survey.CandidateSite {
	if len(prev) == 0 {
		return fresh
	}
	merged := make([]survey.CandidateSite, 0, len(prev)+len(fresh))
	merged = append(merged, prev...)
	merged = append(merged, fresh...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].TileIndex() < merged[j].TileIndex()
	})
	return merged
}

func init() {
	surveyDetectCmd.Flags().StringVar(&detectAOI, "aoi", "", "AOI as GeoJSON/.shp/.zip file or bbox string (required)")
	surveyDetectCmd.Flags().StringVar(&detectRunID, "run", "", "existing run to re-detect under")
	surveyDetectCmd.Flags().BoolVar(&detectRetryFailed, "retry-failed", false, "only re-detect tiles recorded as failed")
	surveyDetectCmd.Flags().StringVarP(&detectOut, "out", "o", "", "also write detected sites to this CSV")
	_ = surveyDetectCmd.MarkFlagRequired("aoi")
	surveyCmd.AddCommand(surveyDetectCmd)
}
