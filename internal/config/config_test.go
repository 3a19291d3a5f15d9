package config

import (
	"os"
	"path/filepath"
	"testing"

	"fleetopt/internal/model"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solver.yaml")
	doc := []byte("populationSize: 60\ngenerations: 120\nweights:\n  distance: 2.0\n  capacity: 500\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.PopulationSize != 60 || p.Generations != 120 {
		t.Fatalf("overrides not applied: %+v", p)
	}
	if p.Weights.Distance != 2.0 || p.Weights.Capacity != 500 {
		t.Fatalf("weight overrides not applied: %+v", p.Weights)
	}
	// Untouched fields keep defaults.
	if p.CrossoverRate != 0.8 || p.TournamentSize != 5 {
		t.Fatalf("defaults lost: %+v", p)
	}
}

func TestValidateRanges(t *testing.T) {
	p := Default()
	if err := Validate(p); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	p.Generations = 10
	if err := Validate(p); err == nil {
		t.Fatalf("generations below %d accepted", MinGenerations)
	}
	p = Default()
	p.MutationRate = 1.2
	if err := Validate(p); err == nil {
		t.Fatalf("mutation rate > 1 accepted")
	}
	p = Default()
	p.TournamentSize = 0
	if err := Validate(p); err == nil {
		t.Fatalf("zero tournament accepted")
	}
}

func TestMergeOverlaysNonZero(t *testing.T) {
	base := Default()
	merged := Merge(base, &model.SolverParams{Generations: 300, Seed: 7})
	if merged.Generations != 300 || merged.Seed != 7 {
		t.Fatalf("override lost: %+v", merged)
	}
	if merged.PopulationSize != base.PopulationSize {
		t.Fatalf("unset override clobbered base")
	}
	if got := Merge(base, nil); got != base {
		t.Fatalf("nil override must return base unchanged")
	}
}
