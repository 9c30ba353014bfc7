// Package export writes and reads the pipeline's stage tables. Every table
// shares one shape: a geometry column followed by the sorted union of
// property keys across all rows, so stages can hand off through files
// without agreeing on a fixed schema up front.
package export

import (
	"sort"

	"github.com/overstory-labs/terrascout/internal/survey"
)

// Reserved column names. geometry always leads the header; advice and
// rating trail the property columns when any record carries advisory output.
const (
	colGeometry = "geometry"
	colAdvice   = "advice"
	colRating   = "rating"
)

// Columns returns the deterministic header for a record set: geometry, then
// the sorted union of property keys, then advice and rating if any record
// has been through review.
func Columns(records []survey.ScoredRecord) []string {
	keys := make(map[string]struct{})
	reviewed := false
	for _, r := range records {
		for k := range r.Props {
			keys[k] = struct{}{}
		}
		if r.Advice != "" || r.Rating != 0 {
			reviewed = true
		}
	}

	props := make([]string, 0, len(keys))
	for k := range keys {
		props = append(props, k)
	}
	sort.Strings(props)

	cols := append([]string{colGeometry}, props...)
	if reviewed {
		cols = append(cols, colAdvice, colRating)
	}
	return cols
}

// FromSites adapts detector output to the exportable record shape.
func FromSites(sites []survey.CandidateSite) []survey.ScoredRecord {
	out := make([]survey.ScoredRecord, len(sites))
	for i, s := range sites {
		out[i] = survey.ScoredRecord{Geometry: s.Geometry, Props: s.Properties()}
	}
	return out
}

// ToSites rebuilds candidate sites from a table read back off disk, for
// stage chaining that starts from a detect CSV instead of a store.
func ToSites(records []survey.ScoredRecord) []survey.CandidateSite {
	out := make([]survey.CandidateSite, len(records))
	for i, r := range records {
		out[i] = survey.CandidateSite{Geometry: r.Geometry, Props: r.Props}
	}
	return out
}

// FromCells adapts subdivided analysis cells to the exportable record shape.
func FromCells(cells []survey.AnalysisCell) []survey.ScoredRecord {
	out := make([]survey.ScoredRecord, len(cells))
	for i, c := range cells {
		out[i] = survey.ScoredRecord{Geometry: c.Geometry, Props: c.Props}
	}
	return out
}
