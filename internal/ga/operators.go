package ga

import "math/rand"

// Mutation variants. The relative split of the mutation budget across the
// three mirrors what worked in tuning: swaps slightly ahead of the rest.
const (
	mutSwap = iota
	mutMove
	mutInversion
)

var mutationSplit = [3]float64{0.4, 0.3, 0.3}

// tournament samples k candidates without replacement and returns the one
// with the lowest fitness. All candidates must already be evaluated.
func tournament(pop []*Chromosome, k int, rng *rand.Rand) *Chromosome {
	if k > len(pop) {
		k = len(pop)
	}
	var best *Chromosome
	for _, idx := range rng.Perm(len(pop))[:k] {
		c := pop[idx]
		if best == nil || c.fitness < best.fitness {
			best = c
		}
	}
	return best
}

// crossover builds one offspring from two parents over the same point set.
// For each vehicle slot it keeps a contiguous sub-segment of parent a's
// route; the remaining positions are filled by scanning parent b's global
// visiting order and skipping points already placed. The offspring covers
// every point exactly once by construction.
func crossover(a, b *Chromosome, rng *rand.Rand) *Chromosome {
	numPoints := a.PointCount()
	child := newChromosome(len(a.Routes))
	placed := make([]bool, numPoints)

	for v, r := range a.Routes {
		child.Routes[v] = make([]int, len(r))
		for i := range child.Routes[v] {
			child.Routes[v][i] = -1
		}
		if len(r) == 0 {
			continue
		}
		lo := rng.Intn(len(r))
		hi := lo + 1 + rng.Intn(len(r)-lo)
		for i := lo; i < hi; i++ {
			child.Routes[v][i] = r[i]
			placed[r[i]] = true
		}
	}

	// Parent b's global visiting order supplies the remaining points.
	fill := make([]int, 0, numPoints)
	for _, r := range b.Routes {
		for _, p := range r {
			if !placed[p] {
				fill = append(fill, p)
			}
		}
	}
	next := 0
	for v := range child.Routes {
		for i := range child.Routes[v] {
			if child.Routes[v][i] == -1 {
				child.Routes[v][i] = fill[next]
				next++
			}
		}
	}
	return child
}

// mutate applies one mutation variant in place and reports which one ran.
// Every variant relocates points within the existing multiset, so the
// partition invariant is preserved by construction.
func mutate(c *Chromosome, rng *rand.Rand) int {
	r := rng.Float64() * (mutationSplit[0] + mutationSplit[1] + mutationSplit[2])
	switch {
	case r < mutationSplit[0]:
		swapMutation(c, rng)
		return mutSwap
	case r < mutationSplit[0]+mutationSplit[1]:
		moveMutation(c, rng)
		return mutMove
	default:
		inversionMutation(c, rng)
		return mutInversion
	}
}

// swapMutation exchanges two points within the same route.
func swapMutation(c *Chromosome, rng *rand.Rand) {
	v := pickRoute(c, 2, rng)
	if v < 0 {
		return
	}
	r := c.Routes[v]
	i := rng.Intn(len(r))
	j := rng.Intn(len(r) - 1)
	if j >= i {
		j++
	}
	r[i], r[j] = r[j], r[i]
	c.invalidate()
}

// moveMutation relocates one point to a random position of a random route,
// possibly on a different vehicle.
func moveMutation(c *Chromosome, rng *rand.Rand) {
	src := pickRoute(c, 1, rng)
	if src < 0 {
		return
	}
	r := c.Routes[src]
	i := rng.Intn(len(r))
	p := r[i]
	c.Routes[src] = append(r[:i], r[i+1:]...)

	dst := rng.Intn(len(c.Routes))
	dr := c.Routes[dst]
	pos := 0
	if len(dr) > 0 {
		pos = rng.Intn(len(dr) + 1)
	}
	dr = append(dr, 0)
	copy(dr[pos+1:], dr[pos:])
	dr[pos] = p
	c.Routes[dst] = dr
	c.invalidate()
}

// inversionMutation reverses a contiguous sub-segment within one route.
func inversionMutation(c *Chromosome, rng *rand.Rand) {
	v := pickRoute(c, 2, rng)
	if v < 0 {
		return
	}
	r := c.Routes[v]
	lo := rng.Intn(len(r) - 1)
	hi := lo + 1 + rng.Intn(len(r)-lo-1)
	for a, b := lo, hi; a < b; a, b = a+1, b-1 {
		r[a], r[b] = r[b], r[a]
	}
	c.invalidate()
}

// pickRoute returns a random route index with at least min points, or -1.
func pickRoute(c *Chromosome, min int, rng *rand.Rand) int {
	candidates := make([]int, 0, len(c.Routes))
	for v, r := range c.Routes {
		if len(r) >= min {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	return candidates[rng.Intn(len(candidates))]
}
