package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Schema is the ordered list of variable names fixed at model training time.
// Every feature vector entering the engine must match it exactly, in both
// membership and order.
type Schema []string

// Validate checks a feature vector against the schema.
func (s Schema) Validate(fv FeatureVector) error {
	if len(fv.Variables) != len(s) {
		return fmt.Errorf("%w: got %d variables, schema has %d", ErrSchemaMismatch, len(fv.Variables), len(s))
	}
	if len(fv.Values) != len(fv.Variables) {
		return fmt.Errorf("%w: %d variables but %d values", ErrSchemaMismatch, len(fv.Variables), len(fv.Values))
	}
	for i, name := range s {
		if fv.Variables[i] != name {
			return fmt.Errorf("%w: position %d is %q, schema expects %q", ErrSchemaMismatch, i, fv.Variables[i], name)
		}
	}
	return nil
}

// Index returns the schema position of a variable, or -1 when absent.
func (s Schema) Index(name string) int {
	for i, v := range s {
		if v == name {
			return i
		}
	}
	return -1
}

// FeatureVector is an ordered assignment of values to variables. Categorical
// features are assumed to be numerically encoded upstream.
type FeatureVector struct {
	Variables []string
	Values    []float64
}

// Clone returns a deep copy so callers can overwrite values freely.
func (fv FeatureVector) Clone() FeatureVector {
	return FeatureVector{
		Variables: append([]string(nil), fv.Variables...),
		Values:    append([]float64(nil), fv.Values...),
	}
}

// Digest returns a stable hex digest of the vector, used for cache keys.
func (fv FeatureVector) Digest() string {
	h := sha256.New()
	for i, name := range fv.Variables {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		if i < len(fv.Values) {
			h.Write([]byte(strconv.FormatFloat(fv.Values[i], 'g', -1, 64)))
		}
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Observation is one row to be explained: a feature vector plus an opaque
// identifier and an optional true label. Immutable once constructed.
type Observation struct {
	ID       string
	Features FeatureVector
	Label    *float64
}
