package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Generations counts evolved generations across all runs
	Generations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "solver_generations_total", Help: "Generations evolved across all runs."},
	)
	// Crossovers counts crossover applications
	Crossovers = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "solver_crossovers_total", Help: "Crossover operations applied."},
	)
	// Mutations counts mutation applications by operator
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_mutations_total", Help: "Mutation operations applied by kind."},
		[]string{"kind"},
	)
	// BestFitness tracks the current best fitness per run
	BestFitness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "solver_best_fitness", Help: "Best fitness observed per run."},
		[]string{"run_id"},
	)
	// RunsActive tracks running solver engines
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "solver_runs_active", Help: "Solver runs currently held in memory."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Generations)
		Registry.MustRegister(Crossovers)
		Registry.MustRegister(Mutations)
		Registry.MustRegister(BestFitness)
		Registry.MustRegister(RunsActive)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
