// Package ga implements the genetic vehicle-routing solver: chromosome
// encoding, fitness evaluation, genetic operators and the generational engine.
package ga

import (
	"fmt"
	"math/rand"

	"fleetopt/internal/model"
)

// Chromosome is one candidate solution: an ordered route per vehicle whose
// union covers every delivery point exactly once (the partition invariant).
// Route entries are indices into the problem's point slice.
type Chromosome struct {
	Routes [][]int

	fitness   float64
	evaluated bool
	metrics   []model.RouteMetrics
	breakdown model.FitnessBreakdown
}

func newChromosome(numVehicles int) *Chromosome {
	return &Chromosome{Routes: make([][]int, numVehicles)}
}

// randomChromosome assigns each point to a uniformly chosen vehicle, then
// shuffles the visit order within every route.
func randomChromosome(numPoints, numVehicles int, rng *rand.Rand) *Chromosome {
	c := newChromosome(numVehicles)
	for p := 0; p < numPoints; p++ {
		v := rng.Intn(numVehicles)
		c.Routes[v] = append(c.Routes[v], p)
	}
	for v := range c.Routes {
		r := c.Routes[v]
		rng.Shuffle(len(r), func(i, j int) { r[i], r[j] = r[j], r[i] })
	}
	return c
}

// Clone deep-copies the chromosome including any cached evaluation.
func (c *Chromosome) Clone() *Chromosome {
	n := &Chromosome{
		Routes:    make([][]int, len(c.Routes)),
		fitness:   c.fitness,
		evaluated: c.evaluated,
		breakdown: c.breakdown,
	}
	for v, r := range c.Routes {
		n.Routes[v] = append([]int(nil), r...)
	}
	if c.metrics != nil {
		n.metrics = append([]model.RouteMetrics(nil), c.metrics...)
	}
	return n
}

// invalidate drops the cached fitness after a structural change.
func (c *Chromosome) invalidate() {
	c.evaluated = false
	c.metrics = nil
	c.breakdown = model.FitnessBreakdown{}
}

// Evaluated reports whether a cached fitness is present.
func (c *Chromosome) Evaluated() bool { return c.evaluated }

// Fitness returns the cached fitness. Lower is better.
func (c *Chromosome) Fitness() float64 { return c.fitness }

// PointCount returns the number of points across all routes.
func (c *Chromosome) PointCount() int {
	n := 0
	for _, r := range c.Routes {
		n += len(r)
	}
	return n
}

// VehiclesUsed counts non-empty routes.
func (c *Chromosome) VehiclesUsed() int {
	n := 0
	for _, r := range c.Routes {
		if len(r) > 0 {
			n++
		}
	}
	return n
}

// CheckPartition verifies the partition invariant against a point count:
// every index in [0,numPoints) appears exactly once across all routes.
func (c *Chromosome) CheckPartition(numPoints int) error {
	seen := make([]bool, numPoints)
	total := 0
	for v, r := range c.Routes {
		for _, p := range r {
			if p < 0 || p >= numPoints {
				return fmt.Errorf("route %d references unknown point %d", v, p)
			}
			if seen[p] {
				return fmt.Errorf("point %d appears more than once", p)
			}
			seen[p] = true
			total++
		}
	}
	if total != numPoints {
		return fmt.Errorf("chromosome covers %d of %d points", total, numPoints)
	}
	return nil
}
