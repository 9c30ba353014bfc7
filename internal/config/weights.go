package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/overstory-labs/terrascout/internal/survey"
)

// WeightEntry is one metric weight in a weights file. Entries apply in
// file order, which fixes the metric order used for validation errors and
// derived score columns.
type WeightEntry struct {
	Metric string  `yaml:"metric"`
	Weight float64 `yaml:"weight"`
}

// WeightsFile is the on-disk schema for custom scoring weights. A section
// left out keeps the built-in table for that stage.
type WeightsFile struct {
	Cells []WeightEntry `yaml:"cells"`
	Sites []WeightEntry `yaml:"sites"`
}

// LoadWeights reads a YAML weights file and builds the weight tables for
// the two ranking stages. A nil table means the file did not override that
// stage.
func LoadWeights(path string) (*survey.WeightTable, *survey.WeightTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "config: read weights %s", path)
	}

	var wf WeightsFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, nil, eris.Wrapf(err, "config: parse weights %s", path)
	}

	cellTable, err := buildWeightTable(wf.Cells, "cells")
	if err != nil {
		return nil, nil, err
	}
	siteTable, err := buildWeightTable(wf.Sites, "sites")
	if err != nil {
		return nil, nil, err
	}
	if cellTable == nil && siteTable == nil {
		return nil, nil, eris.Errorf("config: weights %s has neither a cells nor a sites section", path)
	}
	return cellTable, siteTable, nil
}

func buildWeightTable(entries []WeightEntry, section string) (*survey.WeightTable, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	table := survey.NewWeightTable()
	for i, e := range entries {
		if e.Metric == "" {
			return nil, eris.Errorf("config: weights %s entry %d has no metric", section, i)
		}
		table.Set(e.Metric, e.Weight)
	}
	return table, nil
}
