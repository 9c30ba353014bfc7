package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/export"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var (
	exportRunID  string
	exportFormat string
	exportStage  string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a run's stage table to CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}
		if exportFormat != "csv" && exportFormat != "xlsx" {
			return eris.Errorf("unsupported format %q (csv or xlsx)", exportFormat)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetRun(ctx, exportRunID)
		if err != nil {
			return err
		}

		var records []survey.ScoredRecord
		switch exportStage {
		case "sites":
			sites, err := st.ListSites(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list sites")
			}
			records = export.FromSites(sites)
		case "cells":
			records, err = st.ListScoredCells(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list scored cells")
			}
		case "shortlist":
			records, err = st.ListShortlist(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "list shortlist")
			}
		default:
			return eris.Errorf("unsupported stage %q (sites, cells, or shortlist)", exportStage)
		}
		if len(records) == 0 {
			return eris.Errorf("run %s has no %s rows", truncateID(run.ID), exportStage)
		}

		path := exportOut
		if path == "" {
			path = fmt.Sprintf("%s-%s.%s", exportStage, truncateID(run.ID), exportFormat)
		}

		switch exportFormat {
		case "csv":
			err = export.WriteCSV(path, records)
		case "xlsx":
			err = export.WriteXLSX(path, exportStage, records)
		}
		if err != nil {
			return err
		}

		zap.L().Info("export written",
			zap.String("run_id", run.ID),
			zap.String("stage", exportStage),
			zap.Int("rows", len(records)),
			zap.String("path", path))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"run_id": run.ID,
			"stage":  exportStage,
			"format": exportFormat,
			"rows":   len(records),
			"path":   path,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "run to export (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or xlsx")
	exportCmd.Flags().StringVar(&exportStage, "stage", "shortlist", "stage table: sites, cells, or shortlist")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default <stage>-<run>.<format>)")
	_ = exportCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(exportCmd)
}
