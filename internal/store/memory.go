package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	problems map[string]model.Problem // id -> problem
	probIDs  []string                 // insertion order
	runs     map[string]model.Run     // id -> run
	runIDs   []string                 // insertion order
	stats    map[string][]model.GenerationStats // runId -> stats rows
	best     map[string]model.Solution          // runId -> best solution
	subs     []model.Subscription
	// Webhooks queue state
	deliveries  map[string]*memDelivery // id -> delivery state
	deliveryIDs []string                // insertion order
}

func NewMemory() *Memory {
	return &Memory{
		problems:   map[string]model.Problem{},
		runs:       map[string]model.Run{},
		stats:      map[string][]model.GenerationStats{},
		best:       map[string]model.Solution{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) CreateProblem(ctx context.Context, p model.Problem) (model.Problem, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if p.ID == "" { p.ID = uuid.New().String() }
	if p.CreatedAt.IsZero() { p.CreatedAt = time.Now().UTC() }
	m.problems[p.ID] = p
	m.probIDs = append(m.probIDs, p.ID)
	return p, nil
}

func (m *Memory) GetProblem(ctx context.Context, id string) (model.Problem, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	p, ok := m.problems[id]
	if !ok { return model.Problem{}, ErrNotFound }
	return p, nil
}

func (m *Memory) ListProblems(ctx context.Context, cursor string, limit int) ([]model.Problem, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	start := cursorIndex(m.probIDs, cursor)
	if limit <= 0 { limit = 100 }
	out := []model.Problem{}
	for i := start; i < len(m.probIDs) && len(out) < limit; i++ {
		out = append(out, m.problems[m.probIDs[i]])
	}
	next := ""
	if start+len(out) < len(m.probIDs) && len(out) > 0 { next = out[len(out)-1].ID }
	return out, next, nil
}

func (m *Memory) DeleteProblem(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.problems[id]; !ok { return ErrNotFound }
	delete(m.problems, id)
	ids := make([]string, 0, len(m.probIDs))
	for _, pid := range m.probIDs { if pid != id { ids = append(ids, pid) } }
	m.probIDs = ids
	return nil
}

func (m *Memory) CreateRun(ctx context.Context, r model.Run) (model.Run, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if r.ID == "" { r.ID = uuid.New().String() }
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() { r.CreatedAt = now }
	r.UpdatedAt = now
	m.runs[r.ID] = r
	m.runIDs = append(m.runIDs, r.ID)
	return r, nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.Run, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok { return model.Run{}, ErrNotFound }
	return r, nil
}

func (m *Memory) UpdateRun(ctx context.Context, r model.Run) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok { return ErrNotFound }
	r.UpdatedAt = time.Now().UTC()
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, problemID, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.runIDs
	if problemID != "" {
		ids = nil
		for _, id := range m.runIDs { if m.runs[id].ProblemID == problemID { ids = append(ids, id) } }
	}
	start := cursorIndex(ids, cursor)
	if limit <= 0 { limit = 100 }
	out := []model.Run{}
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.runs[ids[i]])
	}
	next := ""
	if start+len(out) < len(ids) && len(out) > 0 { next = out[len(out)-1].ID }
	return out, next, nil
}

func (m *Memory) AppendGenerationStats(ctx context.Context, runID string, stats []model.GenerationStats) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.stats[runID] = append(m.stats[runID], stats...)
	return nil
}

func (m *Memory) ListGenerationStats(ctx context.Context, runID string, fromGen, limit int) ([]model.GenerationStats, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	rows := m.stats[runID]
	out := []model.GenerationStats{}
	for _, s := range rows {
		if s.Generation < fromGen { continue }
		out = append(out, s)
		if limit > 0 && len(out) >= limit { break }
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (m *Memory) SaveBestSolution(ctx context.Context, runID string, sol model.Solution) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.best[runID] = sol
	return nil
}

func (m *Memory) GetBestSolution(ctx context.Context, runID string) (model.Solution, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	sol, ok := m.best[runID]
	if !ok { return model.Solution{}, ErrNotFound }
	return sol, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events { if e == eventType { out = append(out, s); break } }
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i := range m.subs { if m.subs[i].ID == cursor { start = i + 1; break } }
	}
	if limit <= 0 { limit = 100 }
	end := start + limit
	if end > len(m.subs) { end = len(m.subs) }
	items := append([]model.Subscription(nil), m.subs[start:end]...)
	next := ""
	if end < len(m.subs) { next = m.subs[end-1].ID }
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs { if s.ID != id { out = append(out, s) } }
	m.subs = out
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d == nil { continue }
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit { break }
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d == nil { continue }
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
			if d.LastError != "" { item["lastError"] = d.LastError }
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

func cursorIndex(ids []string, cursor string) int {
	if cursor == "" { return 0 }
	for i, id := range ids {
		if id == cursor { return i + 1 }
	}
	return 0
}
