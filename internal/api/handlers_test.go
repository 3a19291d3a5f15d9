package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetopt/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer()
	if err != nil { t.Fatalf("NewServer: %v", err) }
	return s
}

func testProblemJSON(points int) []byte {
	prob := map[string]any{
		"name":  "test",
		"depot": map[string]float64{"lat": 0, "lng": 0},
	}
	pts := []map[string]any{}
	for i := 0; i < points; i++ {
		pts = append(pts, map[string]any{
			"id": i, "name": fmt.Sprintf("p%d", i),
			"location": map[string]float64{"lat": 0, "lng": 0.01 * float64(i+1)},
			"weightKg": 10, "volumeM3": 0.1, "priority": "low",
		})
	}
	prob["points"] = pts
	prob["vehicles"] = []map[string]any{{
		"id": 1, "name": "van-1", "type": "van",
		"capacityKg": 1000, "capacityM3": 10, "autonomyKm": 1000, "speedKph": 40,
	}}
	b, _ := json.Marshal(prob)
	return b
}

func createProblem(t *testing.T, s *Server, points int) string {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/problems", bytes.NewReader(testProblemJSON(points)))
	req.Header.Set("Content-Type", "application/json")
	s.ProblemsHandler(rr, req)
	if rr.Code != http.StatusCreated { t.Fatalf("create problem: got %d body=%s", rr.Code, rr.Body.String()) }
	var got model.Problem
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil { t.Fatalf("decode: %v", err) }
	if got.ID == "" { t.Fatalf("missing id in %s", rr.Body.String()) }
	return got.ID
}

func TestHealthReadyVersion(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
	rr = httptest.NewRecorder()
	s.VersionHandler(rr, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "version") { t.Fatalf("version: %d %s", rr.Code, rr.Body.String()) }
}

func TestProblemLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := createProblem(t, s, 3)

	rr := httptest.NewRecorder()
	s.ProblemByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/problems/"+id, nil))
	if rr.Code != 200 { t.Fatalf("get problem: %d", rr.Code) }

	rr = httptest.NewRecorder()
	s.ProblemsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/problems?limit=5", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), id) { t.Fatalf("list: %d %s", rr.Code, rr.Body.String()) }

	rr = httptest.NewRecorder()
	s.ProblemByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/problems/"+id, nil))
	if rr.Code != 204 { t.Fatalf("delete: %d", rr.Code) }

	rr = httptest.NewRecorder()
	s.ProblemByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/problems/"+id, nil))
	if rr.Code != 404 { t.Fatalf("get deleted: %d", rr.Code) }
}

func TestProblemValidation(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"name":"bad","depot":{"lat":0,"lng":0},"points":[],"vehicles":[]}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/problems", bytes.NewReader(body))
	s.ProblemsHandler(rr, req)
	if rr.Code != http.StatusBadRequest { t.Fatalf("empty problem accepted: %d", rr.Code) }
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("problem responses use problem+json, got %s", ct)
	}

	// A vehicle with zero capacity would never report a capacity violation,
	// so it must be rejected up front.
	var prob map[string]any
	_ = json.Unmarshal(testProblemJSON(2), &prob)
	prob["vehicles"] = []map[string]any{{
		"id": 1, "name": "ghost", "type": "van",
		"capacityKg": 0, "capacityM3": 10, "autonomyKm": 1000,
	}}
	b, _ := json.Marshal(prob)
	rr = httptest.NewRecorder()
	s.ProblemsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/problems", bytes.NewReader(b)))
	if rr.Code != http.StatusBadRequest { t.Fatalf("zero-capacity vehicle accepted: %d", rr.Code) }

	prob["vehicles"] = []map[string]any{{
		"id": 1, "name": "tethered", "type": "van",
		"capacityKg": 500, "capacityM3": 10, "autonomyKm": 0,
	}}
	b, _ = json.Marshal(prob)
	rr = httptest.NewRecorder()
	s.ProblemsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/problems", bytes.NewReader(b)))
	if rr.Code != http.StatusBadRequest { t.Fatalf("zero-autonomy vehicle accepted: %d", rr.Code) }
}

func TestGenerationBudgetRangeEnforced(t *testing.T) {
	s := newTestServer(t)
	probID := createProblem(t, s, 3)
	var prob model.Problem
	if err := json.Unmarshal(testProblemJSON(3), &prob); err != nil { t.Fatal(err) }

	for _, budget := range []int{5, 5000} {
		req := model.SolveRequest{Problem: &prob, Params: &model.SolverParams{PopulationSize: 20, Generations: budget, Seed: 1}}
		b, _ := json.Marshal(req)
		rr := httptest.NewRecorder()
		s.SolveHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/solve", bytes.NewReader(b)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("solve with generations=%d: got %d, want 400", budget, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "generations") {
			t.Fatalf("solve with generations=%d: body %s", budget, rr.Body.String())
		}

		rb, _ := json.Marshal(model.RunRequest{ProblemID: probID, Params: &model.SolverParams{Generations: budget}})
		rr = httptest.NewRecorder()
		s.RunsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(rb)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("run with generations=%d: got %d, want 400", budget, rr.Code)
		}
	}

	// Omitted generations keep the server default and pass.
	rb, _ := json.Marshal(model.RunRequest{ProblemID: probID, Params: &model.SolverParams{PopulationSize: 20, Seed: 1}})
	rr := httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(rb)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("default budget rejected: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRoleForbidden(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/problems", bytes.NewReader(testProblemJSON(2)))
	req.Header.Set("X-Role", "viewer")
	s.ProblemsHandler(rr, req)
	if rr.Code != http.StatusForbidden { t.Fatalf("viewer could create problem: %d", rr.Code) }
}

func TestSolveInlineProblem(t *testing.T) {
	s := newTestServer(t)
	var req model.SolveRequest
	var prob model.Problem
	if err := json.Unmarshal(testProblemJSON(4), &prob); err != nil { t.Fatal(err) }
	req.Problem = &prob
	req.Params = &model.SolverParams{PopulationSize: 20, Generations: 60, Seed: 7}
	b, _ := json.Marshal(req)

	rr := httptest.NewRecorder()
	s.SolveHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/solve", bytes.NewReader(b)))
	if rr.Code != 200 { t.Fatalf("solve: %d %s", rr.Code, rr.Body.String()) }
	var resp struct {
		RunID       string         `json:"runId"`
		Generations int            `json:"generations"`
		Solution    model.Solution `json:"solution"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil { t.Fatal(err) }
	if resp.Generations != 60 { t.Fatalf("want 60 generations, got %d", resp.Generations) }
	if len(resp.Solution.Routes) == 0 { t.Fatalf("no routes in solution") }
	if !resp.Solution.Feasible { t.Fatalf("easy instance should be feasible: %+v", resp.Solution) }

	// run row and stats are persisted
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+resp.RunID, nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), model.RunStatusCompleted) {
		t.Fatalf("run after solve: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+resp.RunID+"/stats?fromGeneration=1&limit=5", nil))
	if rr.Code != 200 { t.Fatalf("stats: %d", rr.Code) }
}

func TestRunStepBestComplete(t *testing.T) {
	s := newTestServer(t)
	probID := createProblem(t, s, 4)

	body, _ := json.Marshal(model.RunRequest{ProblemID: probID, Params: &model.SolverParams{PopulationSize: 20, Generations: 50, Seed: 3}})
	rr := httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body)))
	if rr.Code != http.StatusCreated { t.Fatalf("create run: %d %s", rr.Code, rr.Body.String()) }
	var run model.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)
	if run.Status != model.RunStatusRunning || run.Budget != 50 { t.Fatalf("run row: %+v", run) }

	// step 4 generations
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/step", strings.NewReader(`{"generations":4}`)))
	if rr.Code != 200 { t.Fatalf("step: %d %s", rr.Code, rr.Body.String()) }
	var stepResp struct {
		Run   model.Run               `json:"run"`
		Stats []model.GenerationStats `json:"stats"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &stepResp)
	if len(stepResp.Stats) != 4 || stepResp.Run.Generation != 4 {
		t.Fatalf("step result: gen=%d stats=%d", stepResp.Run.Generation, len(stepResp.Stats))
	}

	// best available mid-run
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/best", nil))
	if rr.Code != 200 { t.Fatalf("best mid-run: %d", rr.Code) }

	// exhaust the budget
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/step", strings.NewReader(`{"generations":100}`)))
	if rr.Code != 200 { t.Fatalf("final step: %d %s", rr.Code, rr.Body.String()) }
	_ = json.Unmarshal(rr.Body.Bytes(), &stepResp)
	if stepResp.Run.Status != model.RunStatusCompleted { t.Fatalf("run should complete: %+v", stepResp.Run) }

	// further steps conflict
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/step", strings.NewReader(`{}`)))
	if rr.Code != http.StatusConflict { t.Fatalf("step after completion: %d", rr.Code) }

	// best still served from the store
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/best", nil))
	if rr.Code != 200 { t.Fatalf("best after completion: %d", rr.Code) }
}

func TestRunAbandon(t *testing.T) {
	s := newTestServer(t)
	probID := createProblem(t, s, 3)
	body, _ := json.Marshal(model.RunRequest{ProblemID: probID, Params: &model.SolverParams{PopulationSize: 20, Generations: 200, Seed: 3}})
	rr := httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body)))
	var run model.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/abandon", nil))
	if rr.Code != 200 { t.Fatalf("abandon: %d %s", rr.Code, rr.Body.String()) }

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil))
	if !strings.Contains(rr.Body.String(), model.RunStatusAbandoned) { t.Fatalf("status: %s", rr.Body.String()) }

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/abandon", nil))
	if rr.Code != http.StatusConflict { t.Fatalf("double abandon: %d", rr.Code) }
}

func TestRunNotFound(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil))
	if rr.Code != 404 { t.Fatalf("get missing run: %d", rr.Code) }
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs/nope/step", strings.NewReader(`{}`)))
	if rr.Code != 404 { t.Fatalf("step missing run: %d", rr.Code) }
}

func TestImportCSV(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("name", "imported")
	_ = mw.WriteField("depotLat", "-23.55")
	_ = mw.WriteField("depotLng", "-46.63")
	fw, _ := mw.CreateFormFile("points", "points.csv")
	fmt.Fprint(fw, "id,name,lat,lng,weight_kg,volume_m3,priority,service_min\n1,A,-23.56,-46.64,10,0.1,high,5\n2,B,-23.57,-46.65,20,0.2,low,5\n")
	fw, _ = mw.CreateFormFile("vehicles", "vehicles.csv")
	fmt.Fprint(fw, "id,name,type,capacity_kg,capacity_m3,autonomy_km,speed_kph\n1,Van,van,500,5,300,40\n")
	_ = mw.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/problems/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	s.ImportHandler(rr, req)
	if rr.Code != http.StatusCreated { t.Fatalf("import: %d %s", rr.Code, rr.Body.String()) }
	if !strings.Contains(rr.Body.String(), `"points":2`) { t.Fatalf("import body: %s", rr.Body.String()) }
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"url":"http://example.com/hook","events":["run.completed"],"secret":"s"}`)
	rr := httptest.NewRecorder()
	s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body)))
	if rr.Code != http.StatusCreated { t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String()) }
	var sub model.Subscription
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), sub.ID) { t.Fatalf("list subs: %d", rr.Code) }

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != 204 { t.Fatalf("delete sub: %d", rr.Code) }
}

func TestSSEStreamHeartbeat(t *testing.T) {
	s := newTestServer(t)
	probID := createProblem(t, s, 3)
	body, _ := json.Marshal(model.RunRequest{ProblemID: probID, Params: &model.SolverParams{PopulationSize: 20, Generations: 50, Seed: 1}})
	rr := httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body)))
	var run model.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)

	// finish the run in the background so the stream terminates
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/step", strings.NewReader(`{"generations":60}`))
		s.RunByIDHandler(httptest.NewRecorder(), req)
	}()

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/stats/stream", nil))
	out := rr.Body.String()
	if !strings.Contains(out, "event: heartbeat") { t.Fatalf("no heartbeat in stream: %s", out) }
	if !strings.Contains(out, "event: completed") { t.Fatalf("stream did not end with completion: %s", out) }
	if rr.Header().Get("Content-Type") != "text/event-stream" { t.Fatalf("wrong content type") }
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	req := httptest.NewRequest(http.MethodGet, "/v1/problems", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 { t.Fatalf("first request: %d", rr.Code) }
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests { t.Fatalf("second request should throttle: %d", rr.Code) }
	// different client unaffected
	req2 := httptest.NewRequest(http.MethodGet, "/v1/problems", nil)
	req2.RemoteAddr = "10.0.0.2:1234"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req2)
	if rr.Code != 200 { t.Fatalf("other client throttled: %d", rr.Code) }
}

func TestPathLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/problems":                       "/v1/problems",
		"/v1/problems/abc-123":               "/v1/problems/:id",
		"/v1/runs/xyz/step":                  "/v1/runs/:id/step",
		"/v1/runs/xyz/stats/stream":          "/v1/runs/:id/stats/stream",
		"/v1/admin/webhook-deliveries/7/retry": "/v1/admin/webhook-deliveries/:id/retry",
	}
	for in, want := range cases {
		if got := pathLabel(in); got != want {
			t.Fatalf("pathLabel(%s) = %s, want %s", in, got, want)
		}
	}
}
