package ga

import (
	"math/rand"
	"testing"
)

func TestCrossoverPreservesPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 200; trial++ {
		numPoints := 2 + rng.Intn(30)
		numVehicles := 1 + rng.Intn(5)
		a := randomChromosome(numPoints, numVehicles, rng)
		b := randomChromosome(numPoints, numVehicles, rng)
		child := crossover(a, b, rng)
		if err := child.CheckPartition(numPoints); err != nil {
			t.Fatalf("trial %d: offspring invalid: %v", trial, err)
		}
		if child.PointCount() != numPoints {
			t.Fatalf("trial %d: offspring dropped points", trial)
		}
	}
}

func TestMutationsPreservePartition(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	muts := []struct {
		name string
		fn   func(*Chromosome, *rand.Rand)
	}{
		{"swap", swapMutation},
		{"move", moveMutation},
		{"inversion", inversionMutation},
	}
	for _, mt := range muts {
		for trial := 0; trial < 200; trial++ {
			numPoints := 1 + rng.Intn(25)
			numVehicles := 1 + rng.Intn(4)
			c := randomChromosome(numPoints, numVehicles, rng)
			mt.fn(c, rng)
			if err := c.CheckPartition(numPoints); err != nil {
				t.Fatalf("%s trial %d: %v", mt.name, trial, err)
			}
			if c.PointCount() != numPoints {
				t.Fatalf("%s trial %d: point count changed", mt.name, trial)
			}
		}
	}
}

func TestMutateInvalidatesCache(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c := randomChromosome(10, 2, rng)
	c.fitness = 1
	c.evaluated = true
	mutate(c, rng)
	if c.Evaluated() {
		t.Fatalf("mutation must drop the cached fitness")
	}
}

func TestTournamentPicksFittest(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	pop := make([]*Chromosome, 10)
	for i := range pop {
		pop[i] = &Chromosome{fitness: float64(10 - i), evaluated: true}
	}
	// A full-population tournament must always return the global minimum.
	w := tournament(pop, len(pop), rng)
	if w.fitness != 1 {
		t.Fatalf("full tournament: got %f, want 1", w.fitness)
	}
	// A k-tournament never returns anything worse than a uniform pick
	// would on its own sample; just assert it returns a member.
	w = tournament(pop, 5, rng)
	found := false
	for _, c := range pop {
		if c == w {
			found = true
		}
	}
	if !found {
		t.Fatalf("tournament returned a chromosome not in the population")
	}
}

func TestInversionReversesSegment(t *testing.T) {
	c := &Chromosome{Routes: [][]int{{0, 1, 2, 3, 4}}}
	rng := rand.New(rand.NewSource(7))
	inversionMutation(c, rng)
	if err := c.CheckPartition(5); err != nil {
		t.Fatalf("inversion broke partition: %v", err)
	}
}

func TestSwapLeavesRouteSizesUnchanged(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	c := randomChromosome(12, 3, rng)
	sizes := []int{len(c.Routes[0]), len(c.Routes[1]), len(c.Routes[2])}
	swapMutation(c, rng)
	for v, n := range sizes {
		if len(c.Routes[v]) != n {
			t.Fatalf("swap changed route %d size: %d -> %d", v, n, len(c.Routes[v]))
		}
	}
}
