package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/survey"
)

var (
	gridAOI      string
	gridTileSize float64
	gridOut      string
)

var surveyGridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Preview the tile grid for an AOI without touching any backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("grid"); err != nil {
			return err
		}

		aoi, err := survey.LoadAOI(gridAOI)
		if err != nil {
			return err
		}

		size := gridTileSize
		if size <= 0 {
			size = cfg.Survey.TileSizeDeg
		}

		tiles, err := survey.TileAOI(aoi, size)
		if err != nil {
			return eris.Wrap(err, "tile aoi")
		}

		fc := gridFeatureCollection(tiles)

		if gridOut == "" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fc)
		}

		if err := writeGeoJSONFile(gridOut, fc); err != nil {
			return err
		}
		zap.L().Info("grid written",
			zap.String("aoi", aoi.Name),
			zap.Int("tiles", len(tiles)),
			zap.String("path", gridOut))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"aoi":           aoi.Name,
			"tile_size_deg": size,
			"tiles":         len(tiles),
			"path":          gridOut,
		})
	},
}

// gridFeatureCollection wraps tiles as GeoJSON features keyed by grid index.
func gridFeatureCollection(tiles []survey.Tile) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(tiles))}
	for _, t := range tiles {
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry:   t.Geometry,
			Properties: map[string]interface{}{"tile_index": t.Index},
		})
	}
	return fc
}

func writeGeoJSONFile(path string, fc *geojson.FeatureCollection) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create grid file")
	}
	if err := json.NewEncoder(f).Encode(fc); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "write grid file")
	}
	return f.Close()
}

func init() {
	surveyGridCmd.Flags().StringVar(&gridAOI, "aoi", "", "AOI as GeoJSON/.shp/.zip file or bbox string (required)")
	surveyGridCmd.Flags().Float64Var(&gridTileSize, "tile-size", 0, "tile edge in degrees (default from config)")
	surveyGridCmd.Flags().StringVarP(&gridOut, "out", "o", "", "write the grid FeatureCollection to this file")
	_ = surveyGridCmd.MarkFlagRequired("aoi")
	surveyCmd.AddCommand(surveyGridCmd)
}
