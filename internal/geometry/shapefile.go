package geometry

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// ReadShapefilePolygon loads the largest polygon found in a shapefile.
// A .zip path is extracted to a temp directory first and the first .shp
// inside is used. Coordinates are assumed to be lon/lat WGS84.
func ReadShapefilePolygon(path string) (*geom.Polygon, error) {
	shpPath := path
	if strings.HasSuffix(strings.ToLower(path), ".zip") {
		dir, err := os.MkdirTemp("", "terrascout-shp-*")
		if err != nil {
			return nil, eris.Wrap(err, "geometry: create temp dir")
		}
		defer os.RemoveAll(dir)

		if err := extractZIP(path, dir); err != nil {
			return nil, err
		}
		shpPath, err = findFileByExt(dir, ".shp")
		if err != nil {
			return nil, err
		}
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geometry: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	var best *geom.Polygon
	var bestArea float64
	var shapes int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			continue
		}
		shapes++
		for _, cand := range shapefileParts(poly) {
			if a := GeodesicArea(cand); a > bestArea {
				best, bestArea = cand, a
			}
		}
	}
	if best == nil {
		return nil, eris.Errorf("geometry: no polygon shapes in %s", shpPath)
	}

	zap.L().Debug("loaded shapefile polygon",
		zap.String("path", shpPath),
		zap.Int("shapes", shapes),
		zap.Float64("area_m2", bestArea),
	)
	return best, nil
}

// shapefileParts converts each part of a shapefile polygon into its own
// single-ring polygon. Part classification (hole vs island) is skipped: the
// caller keeps the largest part, which for AOI inputs is the outer boundary.
func shapefileParts(p *shp.Polygon) []*geom.Polygon {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}
	var out []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		if len(flat) < 6 {
			continue
		}
		poly := geom.NewPolygon(geom.XY).SetSRID(4326)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, closedFlat(flat))); err != nil {
			continue
		}
		out = append(out, poly)
	}
	return out
}

// closedFlat appends the first vertex pair if the ring is not closed.
func closedFlat(flat []float64) []float64 {
	n := len(flat)
	if n >= 4 && (flat[0] != flat[n-2] || flat[1] != flat[n-1]) {
		flat = append(flat, flat[0], flat[1])
	}
	return flat
}

// extractZIP extracts a flat ZIP archive to the destination directory.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "geometry: open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "geometry: open zip entry %s", f.Name)
		}
		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "geometry: create %s", destPath)
		}
		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "geometry: extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}
	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "geometry: read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("geometry: no %s file found in %s", ext, dir)
}
