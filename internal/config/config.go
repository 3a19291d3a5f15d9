// Package config loads solver tuning from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"

	"fleetopt/internal/ga"
	"fleetopt/internal/model"
)

// Bounds accepted for externally supplied configuration. The engine itself
// only insists on positive values; the service applies the stricter range.
const (
	MinGenerations = 50
	MaxGenerations = 2000
)

// Default returns the solver defaults used when no file or override is set.
func Default() model.SolverParams { return ga.DefaultParams() }

// Load reads solver params from a YAML file, filling gaps with defaults.
func Load(path string) (model.SolverParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SolverParams{}, fmt.Errorf("read solver config: %w", err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return model.SolverParams{}, fmt.Errorf("parse solver config: %w", err)
	}
	return p, nil
}

// FromEnv returns the configured defaults: SOLVER_CONFIG names a YAML file,
// SOLVER_SEED and SOLVER_WORKERS override individual knobs.
func FromEnv() (model.SolverParams, error) {
	p := Default()
	if path := os.Getenv("SOLVER_CONFIG"); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return model.SolverParams{}, err
		}
		p = loaded
	}
	if v := os.Getenv("SOLVER_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.SolverParams{}, fmt.Errorf("SOLVER_SEED: %w", err)
		}
		p.Seed = n
	}
	if v := os.Getenv("SOLVER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.SolverParams{}, fmt.Errorf("SOLVER_WORKERS: %w", err)
		}
		p.Workers = n
	}
	return p, Validate(p)
}

// Validate applies the service-level ranges to externally supplied params.
func Validate(p model.SolverParams) error {
	if p.PopulationSize < 2 {
		return fmt.Errorf("populationSize %d < 2", p.PopulationSize)
	}
	if p.Generations < MinGenerations || p.Generations > MaxGenerations {
		return fmt.Errorf("generations %d out of [%d,%d]", p.Generations, MinGenerations, MaxGenerations)
	}
	for name, rate := range map[string]float64{
		"crossoverRate": p.CrossoverRate,
		"mutationRate":  p.MutationRate,
		"elitismRate":   p.ElitismRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s %.3f out of [0,1]", name, rate)
		}
	}
	if p.TournamentSize < 1 {
		return fmt.Errorf("tournamentSize %d < 1", p.TournamentSize)
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers %d < 0", p.Workers)
	}
	return nil
}

// Merge overlays non-zero fields of override onto base. Used when a request
// supplies partial params on top of the service defaults.
func Merge(base model.SolverParams, override *model.SolverParams) model.SolverParams {
	if override == nil {
		return base
	}
	o := *override
	if o.PopulationSize != 0 {
		base.PopulationSize = o.PopulationSize
	}
	if o.Generations != 0 {
		base.Generations = o.Generations
	}
	if o.CrossoverRate != 0 {
		base.CrossoverRate = o.CrossoverRate
	}
	if o.MutationRate != 0 {
		base.MutationRate = o.MutationRate
	}
	if o.ElitismRate != 0 {
		base.ElitismRate = o.ElitismRate
	}
	if o.TournamentSize != 0 {
		base.TournamentSize = o.TournamentSize
	}
	if o.Seed != 0 {
		base.Seed = o.Seed
	}
	if o.Workers != 0 {
		base.Workers = o.Workers
	}
	if (o.Weights != model.FitnessWeights{}) {
		base.Weights = o.Weights
	}
	return base
}
