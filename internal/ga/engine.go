package ga

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"fleetopt/internal/model"
)

// ErrConfiguration marks an invalid or infeasible setup detected at
// initialization. It is fatal to the run; no other step fails under normal
// operation since every operator is total over the chromosome space.
var ErrConfiguration = errors.New("solver configuration")

// ErrTerminated is returned by Step once the generation budget is exhausted.
var ErrTerminated = errors.New("generation budget exhausted")

// State of the engine lifecycle.
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "initialized"
	}
}

// DefaultParams returns the solver defaults.
func DefaultParams() model.SolverParams {
	return model.SolverParams{
		PopulationSize: 100,
		Generations:    500,
		CrossoverRate:  0.8,
		MutationRate:   0.3,
		ElitismRate:    0.1,
		TournamentSize: 5,
		Workers:        1,
		Weights:        DefaultWeights(),
	}
}

// normalize fills zero fields with defaults so callers can pass a sparse
// SolverParams.
func normalize(p model.SolverParams) model.SolverParams {
	d := DefaultParams()
	if p.PopulationSize == 0 {
		p.PopulationSize = d.PopulationSize
	}
	if p.Generations == 0 {
		p.Generations = d.Generations
	}
	if p.CrossoverRate == 0 {
		p.CrossoverRate = d.CrossoverRate
	}
	if p.MutationRate == 0 {
		p.MutationRate = d.MutationRate
	}
	if p.ElitismRate == 0 {
		p.ElitismRate = d.ElitismRate
	}
	if p.TournamentSize == 0 {
		p.TournamentSize = d.TournamentSize
	}
	if p.Workers == 0 {
		p.Workers = 1
	}
	if p.Workers > runtime.NumCPU() {
		p.Workers = runtime.NumCPU()
	}
	if (p.Weights == model.FitnessWeights{}) {
		p.Weights = d.Weights
	}
	return p
}

// Engine owns the population and drives the generational loop. It is not
// safe for concurrent use: the population is exclusively owned by the engine
// for the duration of a step, and callers serialize Step/Run/Best themselves.
type Engine struct {
	params  model.SolverParams
	problem *model.Problem
	eval    *Evaluator
	rng     *rand.Rand

	pop        []*Chromosome
	best       *Chromosome
	generation int
	state      State
}

// New validates the configuration, seeds a random population and evaluates
// it. A nil problem, empty point set, empty fleet or out-of-range rate all
// yield ErrConfiguration.
func New(problem *model.Problem, params model.SolverParams) (*Engine, error) {
	if problem == nil || len(problem.Points) == 0 {
		return nil, fmt.Errorf("%w: problem has no delivery points", ErrConfiguration)
	}
	if len(problem.Vehicles) == 0 {
		return nil, fmt.Errorf("%w: problem has no vehicles", ErrConfiguration)
	}
	p := normalize(params)
	if p.PopulationSize < 2 {
		return nil, fmt.Errorf("%w: population size %d < 2", ErrConfiguration, p.PopulationSize)
	}
	if p.Generations < 1 {
		return nil, fmt.Errorf("%w: generations %d < 1", ErrConfiguration, p.Generations)
	}
	for name, rate := range map[string]float64{
		"crossoverRate": p.CrossoverRate,
		"mutationRate":  p.MutationRate,
		"elitismRate":   p.ElitismRate,
	} {
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("%w: %s %.3f out of [0,1]", ErrConfiguration, name, rate)
		}
	}
	if p.TournamentSize < 1 {
		return nil, fmt.Errorf("%w: tournament size %d < 1", ErrConfiguration, p.TournamentSize)
	}
	seed := p.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	e := &Engine{
		params:  p,
		problem: problem,
		eval:    NewEvaluator(problem, p.Weights),
		rng:     rand.New(rand.NewSource(seed)),
	}
	e.pop = make([]*Chromosome, p.PopulationSize)
	for i := range e.pop {
		e.pop[i] = randomChromosome(len(problem.Points), len(problem.Vehicles), e.rng)
	}
	e.evaluateAll(e.pop)
	sortByFitness(e.pop)
	e.best = e.pop[0].Clone()
	return e, nil
}

// Generation returns the current generation counter.
func (e *Engine) Generation() int { return e.generation }

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state }

// Params returns the normalized configuration in effect.
func (e *Engine) Params() model.SolverParams { return e.params }

// Step evolves exactly one generation and returns its statistics. After the
// configured budget is spent the engine is terminated and Step returns
// ErrTerminated.
func (e *Engine) Step() (model.GenerationStats, error) {
	if e.state == StateTerminated {
		return model.GenerationStats{}, ErrTerminated
	}
	e.state = StateRunning

	eliteCount := int(float64(e.params.PopulationSize) * e.params.ElitismRate)
	if e.params.ElitismRate > 0 && eliteCount == 0 {
		eliteCount = 1
	}
	next := make([]*Chromosome, 0, e.params.PopulationSize)
	for _, c := range e.pop[:eliteCount] {
		next = append(next, c.Clone())
	}

	var stats model.GenerationStats
	offspring, err := e.breed(e.params.PopulationSize-eliteCount, &stats)
	if err != nil {
		return model.GenerationStats{}, err
	}
	next = append(next, offspring...)

	e.evaluateAll(next)
	sortByFitness(next)
	e.pop = next
	if e.pop[0].fitness < e.best.fitness {
		e.best = e.pop[0].Clone()
	}
	e.generation++
	if e.generation >= e.params.Generations {
		e.state = StateTerminated
	}

	stats.Generation = e.generation
	stats.BestFitness = e.best.fitness
	avg := 0.0
	for _, c := range e.pop {
		avg += c.fitness
	}
	avg /= float64(len(e.pop))
	stats.AvgFitness = avg
	stats.Diversity = diversity(e.pop, avg)
	return stats, nil
}

// Run advances up to n generations (the remaining budget when n <= 0) and
// returns the best solution found.
func (e *Engine) Run(n int) (model.Solution, error) {
	if n <= 0 {
		n = e.params.Generations - e.generation
	}
	for i := 0; i < n; i++ {
		if _, err := e.Step(); err != nil {
			if errors.Is(err, ErrTerminated) {
				break
			}
			return model.Solution{}, err
		}
	}
	return e.Best(), nil
}

// Best returns the best solution found so far. Valid mid-run.
func (e *Engine) Best() model.Solution {
	c := e.best
	e.eval.Evaluate(c)
	sol := model.Solution{
		Fitness:      c.fitness,
		Breakdown:    c.breakdown,
		VehiclesUsed: c.VehiclesUsed(),
		Feasible:     true,
	}
	for v, route := range c.Routes {
		veh := e.problem.Vehicles[v]
		out := model.RouteOut{
			VehicleID:   veh.ID,
			VehicleName: veh.Name,
			PointIDs:    make([]int, len(route)),
			Metrics:     c.metrics[v],
		}
		for i, p := range route {
			out.PointIDs[i] = e.problem.Points[p].ID
		}
		sol.TotalKm += out.Metrics.DistanceKm
		if out.Metrics.ViolatesCapacity || out.Metrics.ViolatesAutonomy {
			sol.Feasible = false
		}
		sol.Routes = append(sol.Routes, out)
	}
	return sol
}

// breed produces count offspring, distributing independent offspring slots
// across the configured workers. Each worker draws from its own random
// stream so single-worker runs stay reproducible under a fixed seed.
func (e *Engine) breed(count int, stats *model.GenerationStats) ([]*Chromosome, error) {
	if e.params.Workers <= 1 || count < 2*e.params.Workers {
		return e.breedSlice(count, e.rng, stats)
	}
	workers := e.params.Workers
	seeds := make([]int64, workers)
	for w := range seeds {
		seeds[w] = e.rng.Int63()
	}
	type result struct {
		out   []*Chromosome
		stats model.GenerationStats
		err   error
	}
	results := make([]result, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		share := count / workers
		if w < count%workers {
			share++
		}
		wg.Add(1)
		go func(w, share int) {
			defer wg.Done()
			var s model.GenerationStats
			out, err := e.breedSlice(share, rand.New(rand.NewSource(seeds[w])), &s)
			results[w] = result{out: out, stats: s, err: err}
		}(w, share)
	}
	wg.Wait()
	offspring := make([]*Chromosome, 0, count)
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		offspring = append(offspring, r.out...)
		stats.Crossovers += r.stats.Crossovers
		stats.Mutations += r.stats.Mutations
		stats.Swaps += r.stats.Swaps
		stats.Moves += r.stats.Moves
		stats.Inversions += r.stats.Inversions
	}
	return offspring, nil
}

func (e *Engine) breedSlice(count int, rng *rand.Rand, stats *model.GenerationStats) ([]*Chromosome, error) {
	numPoints := len(e.problem.Points)
	out := make([]*Chromosome, 0, count)
	for len(out) < count {
		p1 := tournament(e.pop, e.params.TournamentSize, rng)
		p2 := tournament(e.pop, e.params.TournamentSize, rng)
		var child *Chromosome
		if rng.Float64() < e.params.CrossoverRate {
			child = crossover(p1, p2, rng)
			stats.Crossovers++
		} else {
			child = p1.Clone()
		}
		if rng.Float64() < e.params.MutationRate {
			switch mutate(child, rng) {
			case mutSwap:
				stats.Swaps++
			case mutMove:
				stats.Moves++
			default:
				stats.Inversions++
			}
			stats.Mutations++
		}
		if err := child.CheckPartition(numPoints); err != nil {
			return nil, fmt.Errorf("offspring lost partition invariant: %w", err)
		}
		out = append(out, child)
	}
	return out, nil
}

// evaluateAll computes fitness for every chromosome lacking a cached value,
// spreading the work across the configured workers.
func (e *Engine) evaluateAll(pop []*Chromosome) {
	workers := e.params.Workers
	if workers <= 1 || len(pop) < 2*workers {
		for _, c := range pop {
			e.eval.Evaluate(c)
		}
		return
	}
	var wg sync.WaitGroup
	chunk := (len(pop) + workers - 1) / workers
	for lo := 0; lo < len(pop); lo += chunk {
		hi := lo + chunk
		if hi > len(pop) {
			hi = len(pop)
		}
		wg.Add(1)
		go func(part []*Chromosome) {
			defer wg.Done()
			for _, c := range part {
				e.eval.Evaluate(c)
			}
		}(pop[lo:hi])
	}
	wg.Wait()
}

func sortByFitness(pop []*Chromosome) {
	sort.SliceStable(pop, func(i, j int) bool { return pop[i].fitness < pop[j].fitness })
}

// diversity is the mean absolute fitness deviation normalized by the mean:
// zero once the population has converged on a single fitness value.
func diversity(pop []*Chromosome, avg float64) float64 {
	if len(pop) < 2 || avg == 0 {
		return 0
	}
	dev := 0.0
	for _, c := range pop {
		dev += math.Abs(c.fitness - avg)
	}
	return dev / float64(len(pop)) / avg
}
