package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetopt/internal/buildinfo"
	"fleetopt/internal/ga"
	"fleetopt/internal/loader"
	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

// ProblemsHandler handles POST/GET /v1/problems
func (s *Server) ProblemsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
		var prob model.Problem
		if err := json.NewDecoder(r.Body).Decode(&prob); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateProblem(&prob); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid problem", err.Error(), r.URL.Path)
			return
		}
		prob.ID = ""
		created, err := s.Store.CreateProblem(r.Context(), prob)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create problem failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListProblems(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List problems failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ProblemByIDHandler handles GET/DELETE /v1/problems/{id}
func (s *Server) ProblemByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/problems/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		prob, err := s.Store.GetProblem(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Problem not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get problem failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, prob)
	case http.MethodDelete:
		p := s.getPrincipal(r)
		if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
		if err := s.Store.DeleteProblem(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Problem not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Delete problem failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ImportHandler handles POST /v1/problems/import (multipart CSV upload).
// Form fields: name, depotLat, depotLng; files: points, vehicles.
func (s *Server) ImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid multipart form", err.Error(), r.URL.Path)
		return
	}
	var depot model.GeoPoint
	if _, err := fmt.Sscanf(r.FormValue("depotLat"), "%f", &depot.Lat); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid depotLat", "", r.URL.Path)
		return
	}
	if _, err := fmt.Sscanf(r.FormValue("depotLng"), "%f", &depot.Lng); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid depotLng", "", r.URL.Path)
		return
	}
	points, _, err := r.FormFile("points")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Missing points file", err.Error(), r.URL.Path)
		return
	}
	defer func() { _ = points.Close() }()
	vehicles, _, err := r.FormFile("vehicles")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Missing vehicles file", err.Error(), r.URL.Path)
		return
	}
	defer func() { _ = vehicles.Close() }()
	prob, err := loader.Problem(r.FormValue("name"), depot, points, vehicles)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid CSV", err.Error(), r.URL.Path)
		return
	}
	if err := validateProblem(&prob); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid problem", err.Error(), r.URL.Path)
		return
	}
	created, err := s.Store.CreateProblem(r.Context(), prob)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create problem failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": created.ID, "points": len(created.Points), "vehicles": len(created.Vehicles)})
}

// SolveHandler handles POST /v1/solve: evolve the full budget in one call.
func (s *Server) SolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
	var req model.SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateParams(req.Params); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid params", err.Error(), r.URL.Path)
		return
	}
	params, err := s.mergedParams(req.Params)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Solver configuration", err.Error(), r.URL.Path)
		return
	}
	prob, status, err := s.resolveProblem(r, &req)
	if err != nil {
		writeProblem(w, status, "Invalid solve request", err.Error(), r.URL.Path)
		return
	}
	run, best, err := s.Runs.Solve(r.Context(), prob, params)
	if errors.Is(err, ga.ErrConfiguration) {
		writeProblem(w, http.StatusBadRequest, "Solver configuration", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Solve failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": run.ID, "generations": run.Generation, "solution": best})
}

// resolveProblem loads the referenced problem or registers an inline one.
func (s *Server) resolveProblem(r *http.Request, req *model.SolveRequest) (model.Problem, int, error) {
	if req.ProblemID != "" {
		prob, err := s.Store.GetProblem(r.Context(), req.ProblemID)
		if errors.Is(err, store.ErrNotFound) {
			return model.Problem{}, http.StatusNotFound, fmt.Errorf("problem %s not found", req.ProblemID)
		}
		if err != nil {
			return model.Problem{}, http.StatusInternalServerError, err
		}
		return prob, 0, nil
	}
	if req.Problem == nil {
		return model.Problem{}, http.StatusBadRequest, fmt.Errorf("problemId or problem required")
	}
	if err := validateProblem(req.Problem); err != nil {
		return model.Problem{}, http.StatusBadRequest, err
	}
	prob, err := s.Store.CreateProblem(r.Context(), *req.Problem)
	if err != nil {
		return model.Problem{}, http.StatusInternalServerError, err
	}
	return prob, 0, nil
}

// RunsHandler handles POST/GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
		var req model.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateParams(req.Params); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid params", err.Error(), r.URL.Path)
			return
		}
		params, err := s.mergedParams(req.Params)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Solver configuration", err.Error(), r.URL.Path)
			return
		}
		prob, err := s.Store.GetProblem(r.Context(), req.ProblemID)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Problem not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get problem failed", err.Error(), r.URL.Path)
			return
		}
		run, err := s.Runs.Create(r.Context(), prob, params)
		if errors.Is(err, ga.ErrConfiguration) {
			writeProblem(w, http.StatusBadRequest, "Solver configuration", err.Error(), r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create run failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	case http.MethodGet:
		problemID := r.URL.Query().Get("problemId")
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListRuns(r.Context(), problemID, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RunByIDHandler handles /v1/runs/{id} plus /step, /best, /abandon, /stats
// and /stats/stream subresources.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	sub := ""
	if len(parts) > 1 { sub = strings.Join(parts[1:], "/") }

	switch sub {
	case "":
		if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
		run, err := s.Store.GetRun(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "step":
		s.stepRun(w, r, id)
	case "abandon":
		if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
		p := s.getPrincipal(r)
		if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
		if err := s.Runs.Abandon(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusConflict, "Abandon failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": model.RunStatusAbandoned})
	case "best":
		if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
		best, err := s.Runs.Best(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "No solution for run", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get best failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, best)
	case "stats":
		if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
		fromGen := 0
		if v := r.URL.Query().Get("fromGeneration"); v != "" { fmt.Sscanf(v, "%d", &fromGen) }
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		rows, err := s.Store.ListGenerationStats(r.Context(), id, fromGen, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List stats failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rows})
	case "stats/stream":
		s.streamRunStats(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) stepRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanSolve() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
	var req struct {
		Generations int `json:"generations"`
	}
	if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&req) }
	rows, run, err := s.Runs.Step(r.Context(), id, req.Generations)
	if errors.Is(err, ErrRunNotResident) {
		if stored, gerr := s.Store.GetRun(r.Context(), id); gerr == nil {
			writeProblem(w, http.StatusConflict, "Run not steppable", fmt.Sprintf("run is %s", stored.Status), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Step failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "stats": rows})
}

// streamRunStats serves SSE with per-generation stats for a run.
func (s *Server) streamRunStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.Store.GetRun(r.Context(), id); err != nil {
		writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	// The run may have reached a terminal state before we subscribed.
	if run, err := s.Store.GetRun(r.Context(), id); err == nil && run.Status != model.RunStatusRunning {
		evtType := "completed"
		if run.Status == model.RunStatusAbandoned { evtType = "abandoned" }
		fmt.Fprintf(w, "event: %s\n", evtType)
		fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"generation\":%d}\n\n", id, run.Generation)
		flusher.Flush()
		return
	}
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
			if evt.Type == "completed" || evt.Type == "abandoned" {
				return
			}
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Missing url or events", "", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
		if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	if r.Method != http.MethodDelete { w.WriteHeader(405); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
	w.WriteHeader(204)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), status, cursor, limit)
	if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "retry" || r.Method != http.MethodPost {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	if err := s.Store.RetryWebhookDelivery(r.Context(), parts[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Delivery not found", "", r.URL.Path)
			return
		}
		writeProblem(w, 500, "Retry failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	if pg, ok := s.Store.(*store.Postgres); ok {
		ctx, cancel := contextWithTimeout(r)
		defer cancel()
		if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, buildinfo.Info())
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 500*time.Millisecond)
}
