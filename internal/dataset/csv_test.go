package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestLoadPopulation(t *testing.T) {
	path := writeCSV(t, "age,income,tenure\n34,52000,3\n41,61000,8\n29,38000,1\n")

	schema, rows, err := LoadPopulation(path)
	if err != nil {
		t.Fatalf("load population: %v", err)
	}
	if len(schema) != 3 || schema[0] != "age" || schema[2] != "tenure" {
		t.Fatalf("unexpected schema: %v", schema)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1].Values[1] != 61000 {
		t.Fatalf("unexpected value: %f", rows[1].Values[1])
	}
}

func TestLoadPopulationIgnoresReservedColumns(t *testing.T) {
	path := writeCSV(t, "id,age,label\nc-1,34,1\nc-2,29,0\n")

	schema, rows, err := LoadPopulation(path)
	if err != nil {
		t.Fatalf("load population: %v", err)
	}
	if len(schema) != 1 || schema[0] != "age" {
		t.Fatalf("reserved columns leaked into schema: %v", schema)
	}
	if len(rows[0].Values) != 1 {
		t.Fatalf("expected single feature value, got %v", rows[0].Values)
	}
}

func TestLoadPopulationEmpty(t *testing.T) {
	path := writeCSV(t, "age,income\n")
	if _, _, err := LoadPopulation(path); !errors.Is(err, models.ErrEmptyPopulation) {
		t.Fatalf("expected ErrEmptyPopulation, got %v", err)
	}
}

func TestLoadObservations(t *testing.T) {
	path := writeCSV(t, "id,age,income,label\ncust-7,34,52000,1\ncust-9,29,38000,\n")

	schema, observations, err := LoadObservations(path)
	if err != nil {
		t.Fatalf("load observations: %v", err)
	}
	if len(schema) != 2 {
		t.Fatalf("unexpected schema: %v", schema)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}

	first := observations[0]
	if first.ID != "cust-7" {
		t.Fatalf("unexpected id: %s", first.ID)
	}
	if first.Label == nil || *first.Label != 1 {
		t.Fatalf("expected label 1, got %v", first.Label)
	}
	if observations[1].Label != nil {
		t.Fatalf("empty label should stay nil")
	}
}

func TestLoadObservationsGeneratesIDs(t *testing.T) {
	path := writeCSV(t, "age\n34\n29\n")

	_, observations, err := LoadObservations(path)
	if err != nil {
		t.Fatalf("load observations: %v", err)
	}
	if observations[0].ID != "row-1" || observations[1].ID != "row-2" {
		t.Fatalf("expected generated ids, got %s / %s", observations[0].ID, observations[1].ID)
	}
}

func TestLoadObservationsBadValue(t *testing.T) {
	path := writeCSV(t, "age\nnot-a-number\n")
	if _, _, err := LoadObservations(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
