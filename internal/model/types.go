package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority ranks how urgently a delivery point must be served.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// Weight returns the fitness weight of the priority. Critical points carry
// ten times the weight of low ones so they gravitate to the front of a route.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string { return priorityNames[p] }

func ParsePriority(s string) (Priority, error) {
	for k, v := range priorityNames {
		if v == s {
			return k, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// VehicleType is a closed set of fleet vehicle classes.
type VehicleType int

const (
	VehicleVan VehicleType = iota
	VehicleTruck
	VehicleMotorcycle
)

var vehicleTypeNames = map[VehicleType]string{
	VehicleVan:        "van",
	VehicleTruck:      "truck",
	VehicleMotorcycle: "motorcycle",
}

func (t VehicleType) String() string { return vehicleTypeNames[t] }

func ParseVehicleType(s string) (VehicleType, error) {
	for k, v := range vehicleTypeNames {
		if v == s {
			return k, nil
		}
	}
	return VehicleVan, fmt.Errorf("unknown vehicle type: %q", s)
}

func (t VehicleType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *VehicleType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseVehicleType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DeliveryPoint is a single stop to be served. Immutable once loaded.
type DeliveryPoint struct {
	ID             int      `json:"id"`
	Name           string   `json:"name,omitempty"`
	Location       GeoPoint `json:"location"`
	WeightKg       float64  `json:"weightKg"`
	VolumeM3       float64  `json:"volumeM3"`
	Priority       Priority `json:"priority"`
	ServiceTimeMin int      `json:"serviceTimeMin,omitempty"`
}

// Vehicle describes one member of the fleet. Immutable once loaded.
// A zero capacity or autonomy leaves that bound unenforced during
// evaluation; problems accepted over the API always carry positive bounds.
type Vehicle struct {
	ID         int         `json:"id"`
	Name       string      `json:"name,omitempty"`
	Type       VehicleType `json:"type"`
	CapacityKg float64     `json:"capacityKg"`
	CapacityM3 float64     `json:"capacityM3"`
	AutonomyKm float64     `json:"autonomyKm"`
	SpeedKph   float64     `json:"speedKph,omitempty"`
}

// Problem is one routing instance: a depot, the points to serve and the fleet.
type Problem struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Depot     GeoPoint        `json:"depot"`
	Points    []DeliveryPoint `json:"points"`
	Vehicles  []Vehicle       `json:"vehicles"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// FitnessWeights are the tunable coefficients of the fitness function.
type FitnessWeights struct {
	Distance float64 `json:"distance" yaml:"distance"`
	Priority float64 `json:"priority" yaml:"priority"`
	Balance  float64 `json:"balance" yaml:"balance"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
	Autonomy float64 `json:"autonomy" yaml:"autonomy"`
	Fleet    float64 `json:"fleet" yaml:"fleet"`
}

// SolverParams configures one solver run. Zero fields fall back to defaults.
type SolverParams struct {
	PopulationSize int            `json:"populationSize,omitempty" yaml:"populationSize"`
	Generations    int            `json:"generations,omitempty" yaml:"generations"`
	CrossoverRate  float64        `json:"crossoverRate,omitempty" yaml:"crossoverRate"`
	MutationRate   float64        `json:"mutationRate,omitempty" yaml:"mutationRate"`
	ElitismRate    float64        `json:"elitismRate,omitempty" yaml:"elitismRate"`
	TournamentSize int            `json:"tournamentSize,omitempty" yaml:"tournamentSize"`
	Seed           int64          `json:"seed,omitempty" yaml:"seed"`
	Workers        int            `json:"workers,omitempty" yaml:"workers"`
	Weights        FitnessWeights `json:"weights,omitempty" yaml:"weights"`
}

// GenerationStats is the per-generation snapshot emitted to consumers.
type GenerationStats struct {
	Generation  int     `json:"generation"`
	BestFitness float64 `json:"bestFitness"`
	AvgFitness  float64 `json:"avgFitness"`
	Diversity   float64 `json:"diversity"`
	Crossovers  int     `json:"crossovers"`
	Mutations   int     `json:"mutations"`
	Swaps       int     `json:"swaps"`
	Moves       int     `json:"moves"`
	Inversions  int     `json:"inversions"`
}

// RouteMetrics are derived per-route figures; never stored on the route itself.
type RouteMetrics struct {
	DistanceKm       float64 `json:"distanceKm"`
	DurationHours    float64 `json:"durationHours"`
	LoadKg           float64 `json:"loadKg"`
	LoadM3           float64 `json:"loadM3"`
	UtilizationPct   float64 `json:"utilizationPct"`
	PriorityPenalty  float64 `json:"priorityPenalty"`
	ViolatesCapacity bool    `json:"violatesCapacity"`
	ViolatesAutonomy bool    `json:"violatesAutonomy"`
	CapacityExcess   float64 `json:"capacityExcess,omitempty"`
	AutonomyExcessKm float64 `json:"autonomyExcessKm,omitempty"`
}

// RouteOut is one vehicle's ordered stop assignment in a solution.
type RouteOut struct {
	VehicleID   int          `json:"vehicleId"`
	VehicleName string       `json:"vehicleName,omitempty"`
	PointIDs    []int        `json:"pointIds"`
	Metrics     RouteMetrics `json:"metrics"`
}

// FitnessBreakdown itemizes the weighted terms that sum to the fitness.
type FitnessBreakdown struct {
	Distance        float64 `json:"distance"`
	Priority        float64 `json:"priority"`
	Balance         float64 `json:"balance"`
	CapacityPenalty float64 `json:"capacityPenalty"`
	AutonomyPenalty float64 `json:"autonomyPenalty"`
	Fleet           float64 `json:"fleet"`
}

// Solution is the output contract: the best chromosome expressed as ordered
// point assignments per vehicle with its fitness and per-route metrics.
type Solution struct {
	Fitness      float64          `json:"fitness"`
	Breakdown    FitnessBreakdown `json:"breakdown"`
	Routes       []RouteOut       `json:"routes"`
	VehiclesUsed int              `json:"vehiclesUsed"`
	TotalKm      float64          `json:"totalKm"`
	Feasible     bool             `json:"feasible"`
}

// Run lifecycle statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAbandoned = "abandoned"
)

// Run records a stepped or batch solver execution over one problem.
type Run struct {
	ID          string       `json:"id"`
	ProblemID   string       `json:"problemId"`
	Status      string       `json:"status"`
	Params      SolverParams `json:"params"`
	Generation  int          `json:"generation"`
	Budget      int          `json:"budget"`
	BestFitness float64      `json:"bestFitness"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
}

// SolveRequest runs a full budget in one call.
type SolveRequest struct {
	ProblemID string        `json:"problemId,omitempty"`
	Problem   *Problem      `json:"problem,omitempty"`
	Params    *SolverParams `json:"params,omitempty"`
}

// RunRequest creates a stepped run for live consumption.
type RunRequest struct {
	ProblemID string        `json:"problemId"`
	Params    *SolverParams `json:"params,omitempty"`
}

// SubscriptionRequest registers a webhook for solver events.
type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
