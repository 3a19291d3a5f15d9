package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleetopt/internal/config"
	"fleetopt/internal/ga"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/webhooks"
)

// ErrRunNotResident is returned when a run exists in the store but its engine
// is not held by this process (e.g. after a restart).
var ErrRunNotResident = errors.New("run engine not resident")

// RunManager owns the live solver engines behind stepped runs. Engine state
// never leaves process memory; the store keeps the durable run row, stats
// history and best solution.
type RunManager struct {
	srv     *Server
	mu      sync.Mutex
	engines map[string]*engineState
}

type engineState struct {
	mu  sync.Mutex
	eng *ga.Engine
}

func NewRunManager(srv *Server) *RunManager {
	return &RunManager{srv: srv, engines: map[string]*engineState{}}
}

// Create validates the problem, builds an engine and persists the run row.
func (m *RunManager) Create(ctx context.Context, problem model.Problem, params model.SolverParams) (model.Run, error) {
	eng, err := ga.New(&problem, params)
	if err != nil {
		return model.Run{}, err
	}
	run := model.Run{
		ProblemID: problem.ID,
		Status:    model.RunStatusRunning,
		Params:    eng.Params(),
		Budget:    eng.Params().Generations,
	}
	run, err = m.srv.Store.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, err
	}
	m.mu.Lock()
	m.engines[run.ID] = &engineState{eng: eng}
	m.mu.Unlock()
	metrics.RunsActive.Set(float64(m.count()))
	return run, nil
}

func (m *RunManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

func (m *RunManager) get(runID string) (*engineState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.engines[runID]
	return st, ok
}

func (m *RunManager) remove(runID string) {
	m.mu.Lock()
	delete(m.engines, runID)
	m.mu.Unlock()
	metrics.RunsActive.Set(float64(m.count()))
	metrics.BestFitness.DeleteLabelValues(runID)
}

// Step advances the run by n generations (n<=0 means 1), persists the stats
// rows and fans them out to stream consumers. The run row is updated and, on
// budget exhaustion, the run completes: best solution saved, webhook emitted.
func (m *RunManager) Step(ctx context.Context, runID string, n int) ([]model.GenerationStats, model.Run, error) {
	st, ok := m.get(runID)
	if !ok {
		return nil, model.Run{}, ErrRunNotResident
	}
	if n <= 0 { n = 1 }

	st.mu.Lock()
	defer st.mu.Unlock()

	run, err := m.srv.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, model.Run{}, err
	}

	var rows []model.GenerationStats
	terminated := false
	for i := 0; i < n; i++ {
		stats, err := st.eng.Step()
		if errors.Is(err, ga.ErrTerminated) {
			terminated = true
			break
		}
		if err != nil {
			return rows, run, err
		}
		rows = append(rows, stats)
		m.observe(runID, stats)
	}
	if st.eng.State() == ga.StateTerminated {
		terminated = true
	}

	if len(rows) > 0 {
		if err := m.srv.Store.AppendGenerationStats(ctx, runID, rows); err != nil {
			return rows, run, err
		}
		last := rows[len(rows)-1]
		run.Generation = last.Generation
		run.BestFitness = last.BestFitness
		for _, s := range rows {
			m.srv.Broker.Publish(runID, SSEEvent{Type: "generation", Data: statsData(s)})
		}
	}

	if terminated {
		best := st.eng.Best()
		if err := m.srv.Store.SaveBestSolution(ctx, runID, best); err != nil {
			return rows, run, err
		}
		run.Status = model.RunStatusCompleted
		if err := m.srv.Store.UpdateRun(ctx, run); err != nil {
			return rows, run, err
		}
		// Status is durable before the event goes out, so stream
		// subscribers that race the publish can fall back to the store.
		m.srv.Broker.Publish(runID, SSEEvent{Type: "completed", Data: map[string]any{
			"runId": runID, "generation": run.Generation, "bestFitness": best.Fitness, "feasible": best.Feasible,
		}})
		m.srv.Pub.Emit(ctx, webhooks.EventRunCompleted, map[string]any{
			"runId": runID, "problemId": run.ProblemID, "bestFitness": best.Fitness, "feasible": best.Feasible,
		})
		m.remove(runID)
		return rows, run, nil
	}

	if err := m.srv.Store.UpdateRun(ctx, run); err != nil {
		return rows, run, err
	}
	return rows, run, nil
}

// Best returns the run's best-so-far solution: live engine state if resident,
// otherwise the stored solution of a finished run.
func (m *RunManager) Best(ctx context.Context, runID string) (model.Solution, error) {
	if st, ok := m.get(runID); ok {
		st.mu.Lock()
		best := st.eng.Best()
		st.mu.Unlock()
		return best, nil
	}
	return m.srv.Store.GetBestSolution(ctx, runID)
}

// Abandon drops a resident run without finishing its budget.
func (m *RunManager) Abandon(ctx context.Context, runID string) error {
	run, err := m.srv.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusRunning {
		return fmt.Errorf("run %s is %s", runID, run.Status)
	}
	if st, ok := m.get(runID); ok {
		st.mu.Lock()
		best := st.eng.Best()
		st.mu.Unlock()
		_ = m.srv.Store.SaveBestSolution(ctx, runID, best)
		m.remove(runID)
	}
	run.Status = model.RunStatusAbandoned
	if err := m.srv.Store.UpdateRun(ctx, run); err != nil {
		return err
	}
	m.srv.Broker.Publish(runID, SSEEvent{Type: "abandoned", Data: map[string]any{"runId": runID}})
	m.srv.Pub.Emit(ctx, webhooks.EventRunAbandoned, map[string]any{"runId": runID, "problemId": run.ProblemID})
	return nil
}

// Solve runs a full budget synchronously, recording the run like a stepped
// one so stats history and the best solution are queryable afterwards.
func (m *RunManager) Solve(ctx context.Context, problem model.Problem, params model.SolverParams) (model.Run, model.Solution, error) {
	run, err := m.Create(ctx, problem, params)
	if err != nil {
		return model.Run{}, model.Solution{}, err
	}
	for run.Status == model.RunStatusRunning {
		_, run2, err := m.Step(ctx, run.ID, 100)
		if errors.Is(err, ErrRunNotResident) {
			run2, err = m.srv.Store.GetRun(ctx, run.ID)
		}
		if err != nil {
			return run, model.Solution{}, err
		}
		run = run2
		if err := ctx.Err(); err != nil {
			_ = m.Abandon(ctx, run.ID)
			return run, model.Solution{}, err
		}
	}
	best, err := m.srv.Store.GetBestSolution(ctx, run.ID)
	if err != nil {
		return run, model.Solution{}, err
	}
	return run, best, nil
}

func (m *RunManager) observe(runID string, s model.GenerationStats) {
	metrics.Generations.Inc()
	metrics.Crossovers.Add(float64(s.Crossovers))
	metrics.Mutations.WithLabelValues("swap").Add(float64(s.Swaps))
	metrics.Mutations.WithLabelValues("move").Add(float64(s.Moves))
	metrics.Mutations.WithLabelValues("inversion").Add(float64(s.Inversions))
	metrics.BestFitness.WithLabelValues(runID).Set(s.BestFitness)
}

func statsData(s model.GenerationStats) map[string]any {
	return map[string]any{
		"generation":  s.Generation,
		"bestFitness": s.BestFitness,
		"avgFitness":  s.AvgFitness,
		"diversity":   s.Diversity,
		"crossovers":  s.Crossovers,
		"mutations":   s.Mutations,
	}
}

// mergedParams overlays request params on server defaults and applies the
// service-level ranges; zero fields keep the defaults and always pass.
func (s *Server) mergedParams(override *model.SolverParams) (model.SolverParams, error) {
	p := config.Merge(s.Defaults, override)
	if err := config.Validate(p); err != nil {
		return model.SolverParams{}, err
	}
	return p, nil
}
