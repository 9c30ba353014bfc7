package export

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/internal/survey"
)

// WriteXLSX writes records to an XLSX workbook using the same column layout
// as WriteCSV. Property values stay numeric cells.
func WriteXLSX(path, sheetName string, records []survey.ScoredRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %q", sheetName)
	}

	cols := Columns(records)
	header := sheet.AddRow()
	for _, col := range cols {
		header.AddCell().SetString(col)
	}

	for i, rec := range records {
		gj, err := geometry.EncodeGeoJSON(rec.Geometry)
		if err != nil {
			return eris.Wrapf(err, "export: row %d", i)
		}
		row := sheet.AddRow()
		for _, col := range cols {
			cell := row.AddCell()
			switch col {
			case colGeometry:
				cell.SetString(gj)
			case colAdvice:
				cell.SetString(rec.Advice)
			case colRating:
				cell.SetInt(rec.Rating)
			default:
				if v, ok := rec.Props[col]; ok {
					cell.SetFloat(v)
				}
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
