package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// LogisticModel scores feature vectors with a fixed logistic-regression
// model. The variable order is frozen at construction; rows that disagree
// with it are rejected. Pure and safe for concurrent use.
type LogisticModel struct {
	schema    models.Schema
	intercept float64
	weights   []float64
	digest    string
}

// Coefficient pairs a variable with its trained weight.
type Coefficient struct {
	Variable string  `yaml:"variable"`
	Weight   float64 `yaml:"weight"`
}

// ModelPackFile is the YAML root structure of a trained coefficient pack.
type ModelPackFile struct {
	Model struct {
		Type         string        `yaml:"type"`
		Intercept    float64       `yaml:"intercept"`
		Coefficients []Coefficient `yaml:"coefficients"`
	} `yaml:"model"`
}

// NewLogisticModel constructs a scorer from an ordered coefficient list.
func NewLogisticModel(intercept float64, coefficients []Coefficient) (*LogisticModel, error) {
	if len(coefficients) == 0 {
		return nil, fmt.Errorf("logistic model requires at least one coefficient")
	}
	schema := make(models.Schema, 0, len(coefficients))
	weights := make([]float64, 0, len(coefficients))
	seen := make(map[string]struct{}, len(coefficients))
	for _, c := range coefficients {
		if c.Variable == "" {
			return nil, fmt.Errorf("coefficient with empty variable name")
		}
		if _, ok := seen[c.Variable]; ok {
			return nil, fmt.Errorf("duplicate coefficient for %q", c.Variable)
		}
		seen[c.Variable] = struct{}{}
		schema = append(schema, c.Variable)
		weights = append(weights, c.Weight)
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatFloat(intercept, 'g', -1, 64)))
	for i, name := range schema {
		h.Write([]byte(name))
		h.Write([]byte(strconv.FormatFloat(weights[i], 'g', -1, 64)))
	}

	return &LogisticModel{
		schema:    schema,
		intercept: intercept,
		weights:   weights,
		digest:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// LoadLogisticModel reads a trained coefficient pack from a YAML file.
func LoadLogisticModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model pack: %w", err)
	}
	var pack ModelPackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse model pack: %w", err)
	}
	if pack.Model.Type != "" && pack.Model.Type != "logistic" {
		return nil, fmt.Errorf("unsupported model type %q", pack.Model.Type)
	}
	return NewLogisticModel(pack.Model.Intercept, pack.Model.Coefficients)
}

// Schema returns the ordered variable list the model expects.
func (m *LogisticModel) Schema() models.Schema {
	return m.schema
}

// Digest identifies the trained coefficients, for cache keys.
func (m *LogisticModel) Digest() string {
	return m.digest
}

// PredictBatch scores rows in order. The output slice is length-preserving
// and deterministic for identical input.
func (m *LogisticModel) PredictBatch(ctx context.Context, rows []models.FeatureVector) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		if err := m.schema.Validate(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		z := m.intercept
		for j, w := range m.weights {
			z += w * row.Values[j]
		}
		out[i] = sigmoid(z)
	}
	return out, nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
