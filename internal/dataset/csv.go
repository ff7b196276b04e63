// Package dataset adapts prepared tabular data into engine inputs: CSV
// files produced by the upstream preparation pipeline, or rows fetched from
// a feature-store service. Features are treated as opaque reals; any
// encoding or normalisation has already happened upstream.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// Reserved header names. An "id" column names observations, a "label"
// column carries the true class; both are optional and excluded from the
// feature schema.
const (
	idColumn    = "id"
	labelColumn = "label"
)

type csvLayout struct {
	schema   models.Schema
	idCol    int
	labelCol int
	valueCol []int
}

// LoadPopulation reads reference rows from a CSV file. Identifier and label
// columns, if present, are ignored.
func LoadPopulation(path string) (models.Schema, []models.FeatureVector, error) {
	layout, rows, err := readCSV(path)
	if err != nil {
		return nil, nil, err
	}

	population := make([]models.FeatureVector, 0, len(rows))
	for i, row := range rows {
		fv, err := layout.featureVector(row)
		if err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		population = append(population, fv)
	}
	if len(population) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", path, models.ErrEmptyPopulation)
	}
	return layout.schema, population, nil
}

// LoadObservations reads observations to explain from a CSV file. Missing
// id columns fall back to row-N identifiers.
func LoadObservations(path string) (models.Schema, []models.Observation, error) {
	layout, rows, err := readCSV(path)
	if err != nil {
		return nil, nil, err
	}

	observations := make([]models.Observation, 0, len(rows))
	for i, row := range rows {
		fv, err := layout.featureVector(row)
		if err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}

		obs := models.Observation{Features: fv}
		if layout.idCol >= 0 {
			obs.ID = row[layout.idCol]
		}
		if obs.ID == "" {
			obs.ID = fmt.Sprintf("row-%d", i+1)
		}
		if layout.labelCol >= 0 && row[layout.labelCol] != "" {
			label, err := strconv.ParseFloat(row[layout.labelCol], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s row %d: parse label: %w", path, i+2, err)
			}
			obs.Label = &label
		}
		observations = append(observations, obs)
	}
	return layout.schema, observations, nil
}

func readCSV(path string) (csvLayout, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return csvLayout{}, nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return csvLayout{}, nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if len(records) == 0 {
		return csvLayout{}, nil, fmt.Errorf("dataset %s has no header", path)
	}

	layout := csvLayout{idCol: -1, labelCol: -1}
	for i, name := range records[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case idColumn:
			layout.idCol = i
		case labelColumn:
			layout.labelCol = i
		default:
			layout.schema = append(layout.schema, strings.TrimSpace(name))
			layout.valueCol = append(layout.valueCol, i)
		}
	}
	if len(layout.schema) == 0 {
		return csvLayout{}, nil, fmt.Errorf("dataset %s has no feature columns", path)
	}
	return layout, records[1:], nil
}

func (l csvLayout) featureVector(row []string) (models.FeatureVector, error) {
	values := make([]float64, len(l.valueCol))
	for i, col := range l.valueCol {
		if col >= len(row) {
			return models.FeatureVector{}, fmt.Errorf("missing value for %s", l.schema[i])
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return models.FeatureVector{}, fmt.Errorf("parse %s: %w", l.schema[i], err)
		}
		values[i] = v
	}
	return models.FeatureVector{
		Variables: append([]string(nil), l.schema...),
		Values:    values,
	}, nil
}
