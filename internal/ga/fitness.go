package ga

import (
	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// DefaultWeights returns the default fitness coefficients. Capacity and
// autonomy carry penalty weights large enough to act as near-hard constraints.
func DefaultWeights() model.FitnessWeights {
	return model.FitnessWeights{
		Distance: 1.0,
		Priority: 4.0,
		Balance:  1.0,
		Capacity: 1000.0,
		Autonomy: 10000.0,
		Fleet:    3.0,
	}
}

// Evaluator scores chromosomes against one problem instance. It precomputes
// the distance matrix once and is safe for concurrent use: evaluation only
// reads shared state and writes to the chromosome being scored.
type Evaluator struct {
	points   []model.DeliveryPoint
	vehicles []model.Vehicle
	dist     *geo.Matrix
	weights  model.FitnessWeights
}

func NewEvaluator(p *model.Problem, w model.FitnessWeights) *Evaluator {
	coords := make([]model.GeoPoint, len(p.Points))
	for i, pt := range p.Points {
		coords[i] = pt.Location
	}
	return &Evaluator{
		points:   p.Points,
		vehicles: p.Vehicles,
		dist:     geo.NewMatrix(p.Depot, coords),
		weights:  w,
	}
}

// RouteMetrics evaluates one route against its vehicle: totals, the
// return-to-depot distance, violation flags and the priority penalty.
// An empty route is valid and reports zeros.
func (e *Evaluator) RouteMetrics(route []int, v model.Vehicle) model.RouteMetrics {
	var m model.RouteMetrics
	if len(route) == 0 {
		return m
	}
	serviceMin := 0
	for pos, p := range route {
		pt := e.points[p]
		m.LoadKg += pt.WeightKg
		m.LoadM3 += pt.VolumeM3
		serviceMin += pt.ServiceTimeMin
		// Later positions cost more for high-priority points.
		m.PriorityPenalty += pt.Priority.Weight() * float64(pos)
	}
	m.DistanceKm = e.dist.FromDepot(route[0])
	for i := 0; i < len(route)-1; i++ {
		m.DistanceKm += e.dist.Between(route[i], route[i+1])
	}
	m.DistanceKm += e.dist.FromDepot(route[len(route)-1])

	if v.CapacityKg > 0 && m.LoadKg > v.CapacityKg {
		m.ViolatesCapacity = true
		m.CapacityExcess += m.LoadKg - v.CapacityKg
	}
	if v.CapacityM3 > 0 && m.LoadM3 > v.CapacityM3 {
		m.ViolatesCapacity = true
		m.CapacityExcess += m.LoadM3 - v.CapacityM3
	}
	if v.AutonomyKm > 0 && m.DistanceKm > v.AutonomyKm {
		m.ViolatesAutonomy = true
		m.AutonomyExcessKm = m.DistanceKm - v.AutonomyKm
	}
	m.UtilizationPct = utilization(m, v) * 100
	speed := v.SpeedKph
	if speed <= 0 {
		speed = 40
	}
	m.DurationHours = m.DistanceKm/speed + float64(serviceMin)/60
	return m
}

// utilization is the dominant load fraction of the vehicle, in [0,..].
func utilization(m model.RouteMetrics, v model.Vehicle) float64 {
	u := 0.0
	if v.CapacityKg > 0 {
		u = m.LoadKg / v.CapacityKg
	}
	if v.CapacityM3 > 0 {
		if uv := m.LoadM3 / v.CapacityM3; uv > u {
			u = uv
		}
	}
	return u
}

// Evaluate computes the weighted fitness of a chromosome and caches it.
// The function is deterministic and idempotent: re-evaluating an unmodified
// chromosome returns the cached value unchanged.
func (e *Evaluator) Evaluate(c *Chromosome) float64 {
	if c.evaluated {
		return c.fitness
	}
	var (
		bd      model.FitnessBreakdown
		utils   = make([]float64, 0, len(c.Routes))
		metrics = make([]model.RouteMetrics, len(c.Routes))
		used    = 0
	)
	for v, route := range c.Routes {
		m := e.RouteMetrics(route, e.vehicles[v])
		metrics[v] = m
		bd.Distance += e.weights.Distance * m.DistanceKm
		bd.Priority += e.weights.Priority * m.PriorityPenalty
		bd.CapacityPenalty += e.weights.Capacity * m.CapacityExcess
		bd.AutonomyPenalty += e.weights.Autonomy * m.AutonomyExcessKm
		utils = append(utils, utilization(m, e.vehicles[v]))
		if len(route) > 0 {
			used++
		}
	}
	bd.Balance = e.weights.Balance * variance(utils)
	bd.Fleet = e.weights.Fleet * float64(used)

	c.metrics = metrics
	c.breakdown = bd
	c.fitness = bd.Distance + bd.Priority + bd.Balance + bd.CapacityPenalty + bd.AutonomyPenalty + bd.Fleet
	c.evaluated = true
	return c.fitness
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
