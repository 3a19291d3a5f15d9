package api

import (
	"fmt"

	"fleetopt/internal/model"
)

func validateProblem(p *model.Problem) error {
	if p == nil {
		return fmt.Errorf("problem required")
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("problem has no delivery points")
	}
	if len(p.Vehicles) == 0 {
		return fmt.Errorf("problem has no vehicles")
	}
	for i, pt := range p.Points {
		if pt.Location.Lat < -90 || pt.Location.Lat > 90 || pt.Location.Lng < -180 || pt.Location.Lng > 180 {
			return fmt.Errorf("point %d: coordinates out of range", i)
		}
		if pt.WeightKg < 0 || pt.VolumeM3 < 0 {
			return fmt.Errorf("point %d: negative weight or volume", i)
		}
	}
	for i, v := range p.Vehicles {
		if v.CapacityKg <= 0 || v.CapacityM3 <= 0 {
			return fmt.Errorf("vehicle %d: capacity must be positive", i)
		}
		if v.AutonomyKm <= 0 {
			return fmt.Errorf("vehicle %d: autonomy must be positive", i)
		}
		if v.SpeedKph < 0 {
			return fmt.Errorf("vehicle %d: negative speed", i)
		}
	}
	return nil
}

func validateParams(p *model.SolverParams) error {
	if p == nil {
		return nil
	}
	if p.PopulationSize < 0 {
		return fmt.Errorf("populationSize must be >= 0")
	}
	if p.Generations < 0 {
		return fmt.Errorf("generations must be >= 0")
	}
	for name, rate := range map[string]float64{"crossoverRate": p.CrossoverRate, "mutationRate": p.MutationRate, "elitismRate": p.ElitismRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	if p.TournamentSize < 0 {
		return fmt.Errorf("tournamentSize must be >= 0")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	return nil
}
