package export

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/internal/survey"
)

// WriteCSV writes records to path. Geometry is serialized as a compact
// GeoJSON string; properties missing from a record's bag are written as
// empty cells so ragged bags survive the round trip.
func WriteCSV(path string, records []survey.ScoredRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	cols := Columns(records)
	if err := w.Write(cols); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for i, rec := range records {
		row, err := buildRow(cols, rec)
		if err != nil {
			return eris.Wrapf(err, "export: row %d", i)
		}
		if err := w.Write(row); err != nil {
			return eris.Wrapf(err, "export: write row %d", i)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrapf(err, "export: flush %s", path)
	}
	return nil
}

// ReadCSV reads a stage table written by WriteCSV. Empty cells stay absent
// from the property bag, preserving the missing-value convention the scorer
// depends on.
func ReadCSV(path string) ([]survey.ScoredRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, eris.Errorf("export: %s has no header", path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "export: read header")
	}

	var records []survey.ScoredRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "export: read row")
		}
		rec, err := parseRow(header, row)
		if err != nil {
			return nil, eris.Wrapf(err, "export: row %d", len(records)+1)
		}
		records = append(records, rec)
	}
	return records, nil
}

func buildRow(cols []string, rec survey.ScoredRecord) ([]string, error) {
	gj, err := geometry.EncodeGeoJSON(rec.Geometry)
	if err != nil {
		return nil, err
	}
	row := make([]string, len(cols))
	for i, col := range cols {
		switch col {
		case colGeometry:
			row[i] = gj
		case colAdvice:
			row[i] = rec.Advice
		case colRating:
			row[i] = strconv.Itoa(rec.Rating)
		default:
			if v, ok := rec.Props[col]; ok {
				row[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
	}
	return row, nil
}

func parseRow(header, row []string) (survey.ScoredRecord, error) {
	rec := survey.ScoredRecord{Props: make(map[string]float64)}
	for i, col := range header {
		val := row[i]
		if val == "" {
			continue
		}
		switch col {
		case colGeometry:
			p, err := geometry.DecodeGeoJSON(val)
			if err != nil {
				return rec, err
			}
			rec.Geometry = p
		case colAdvice:
			rec.Advice = val
		case colRating:
			n, err := strconv.Atoi(val)
			if err != nil {
				return rec, eris.Wrapf(err, "parse rating %q", val)
			}
			rec.Rating = n
		default:
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return rec, eris.Wrapf(err, "parse %s=%q", col, val)
			}
			rec.Props[col] = v
		}
	}
	return rec, nil
}
