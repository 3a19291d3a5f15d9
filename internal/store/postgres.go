package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetopt/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// MigrateDir applies every .sql file in dir in lexical order. Dev helper,
// not a versioned migration tool: files must be idempotent (IF NOT EXISTS).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return err }
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { files = append(files, e.Name()) }
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil { return err }
		if _, err := p.db.Exec(string(b)); err != nil { return err }
	}
	return nil
}

func (p *Postgres) CreateProblem(ctx context.Context, pr model.Problem) (model.Problem, error) {
	if pr.ID == "" { pr.ID = uuid.New().String() }
	if pr.CreatedAt.IsZero() { pr.CreatedAt = time.Now().UTC() }
	depot, _ := json.Marshal(pr.Depot)
	points, _ := json.Marshal(pr.Points)
	vehicles, _ := json.Marshal(pr.Vehicles)
	_, err := p.db.ExecContext(ctx, `INSERT INTO problems (id, name, depot, points, vehicles, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		pr.ID, pr.Name, depot, points, vehicles, pr.CreatedAt)
	if err != nil { return model.Problem{}, err }
	return pr, nil
}

func (p *Postgres) GetProblem(ctx context.Context, id string) (model.Problem, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, name, depot, points, vehicles, created_at FROM problems WHERE id=$1`, id)
	return scanProblem(row)
}

func scanProblem(row *sql.Row) (model.Problem, error) {
	var pr model.Problem
	var depot, points, vehicles []byte
	err := row.Scan(&pr.ID, &pr.Name, &depot, &points, &vehicles, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) { return model.Problem{}, ErrNotFound }
	if err != nil { return model.Problem{}, err }
	_ = json.Unmarshal(depot, &pr.Depot)
	_ = json.Unmarshal(points, &pr.Points)
	_ = json.Unmarshal(vehicles, &pr.Vehicles)
	return pr, nil
}

func (p *Postgres) ListProblems(ctx context.Context, cursor string, limit int) ([]model.Problem, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, depot, points, vehicles, created_at FROM problems WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, depot, points, vehicles, created_at FROM problems ORDER BY id LIMIT $1`, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Problem{}
	var last string
	for rows.Next() {
		var pr model.Problem
		var depot, points, vehicles []byte
		if err := rows.Scan(&pr.ID, &pr.Name, &depot, &points, &vehicles, &pr.CreatedAt); err != nil { return nil, "", err }
		_ = json.Unmarshal(depot, &pr.Depot)
		_ = json.Unmarshal(points, &pr.Points)
		_ = json.Unmarshal(vehicles, &pr.Vehicles)
		out = append(out, pr)
		last = pr.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) DeleteProblem(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM problems WHERE id=$1`, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, r model.Run) (model.Run, error) {
	if r.ID == "" { r.ID = uuid.New().String() }
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() { r.CreatedAt = now }
	r.UpdatedAt = now
	params, _ := json.Marshal(r.Params)
	_, err := p.db.ExecContext(ctx, `INSERT INTO runs (id, problem_id, status, params, generation, budget, best_fitness, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.ProblemID, r.Status, params, r.Generation, r.Budget, r.BestFitness, r.CreatedAt, r.UpdatedAt)
	if err != nil { return model.Run{}, err }
	return r, nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, problem_id::text, status, params, generation, budget, best_fitness, created_at, updated_at FROM runs WHERE id=$1`, id)
	var r model.Run
	var params []byte
	err := row.Scan(&r.ID, &r.ProblemID, &r.Status, &params, &r.Generation, &r.Budget, &r.BestFitness, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) { return model.Run{}, ErrNotFound }
	if err != nil { return model.Run{}, err }
	_ = json.Unmarshal(params, &r.Params)
	return r, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, r model.Run) error {
	params, _ := json.Marshal(r.Params)
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$2, params=$3, generation=$4, budget=$5, best_fitness=$6, updated_at=now() WHERE id=$1`,
		r.ID, r.Status, params, r.Generation, r.Budget, r.BestFitness)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) ListRuns(ctx context.Context, problemID, cursor string, limit int) ([]model.Run, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT id::text, problem_id::text, status, params, generation, budget, best_fitness, created_at, updated_at FROM runs`
	args := []any{}
	conds := []string{}
	if problemID != "" { args = append(args, problemID); conds = append(conds, "problem_id=$1") }
	if cursor != "" { args = append(args, cursor); conds = append(conds, "id::text > $"+strconv.Itoa(len(args))) }
	if len(conds) > 0 { q += " WHERE " + strings.Join(conds, " AND ") }
	args = append(args, limit)
	q += " ORDER BY id LIMIT $" + strconv.Itoa(len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Run{}
	var last string
	for rows.Next() {
		var r model.Run
		var params []byte
		if err := rows.Scan(&r.ID, &r.ProblemID, &r.Status, &params, &r.Generation, &r.Budget, &r.BestFitness, &r.CreatedAt, &r.UpdatedAt); err != nil { return nil, "", err }
		_ = json.Unmarshal(params, &r.Params)
		out = append(out, r)
		last = r.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) AppendGenerationStats(ctx context.Context, runID string, stats []model.GenerationStats) error {
	if len(stats) == 0 { return nil }
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return err }
	defer func() { _ = tx.Rollback() }()
	for _, s := range stats {
		_, err = tx.ExecContext(ctx, `INSERT INTO generation_stats (run_id, generation, best_fitness, avg_fitness, diversity, crossovers, mutations, swaps, moves, inversions)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (run_id, generation) DO NOTHING`,
			runID, s.Generation, s.BestFitness, s.AvgFitness, s.Diversity, s.Crossovers, s.Mutations, s.Swaps, s.Moves, s.Inversions)
		if err != nil { return err }
	}
	return tx.Commit()
}

func (p *Postgres) ListGenerationStats(ctx context.Context, runID string, fromGen, limit int) ([]model.GenerationStats, error) {
	if limit <= 0 || limit > 5000 { limit = 1000 }
	rows, err := p.db.QueryContext(ctx, `SELECT generation, best_fitness, avg_fitness, diversity, crossovers, mutations, swaps, moves, inversions
		FROM generation_stats WHERE run_id=$1 AND generation >= $2 ORDER BY generation LIMIT $3`, runID, fromGen, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.GenerationStats{}
	for rows.Next() {
		var s model.GenerationStats
		if err := rows.Scan(&s.Generation, &s.BestFitness, &s.AvgFitness, &s.Diversity, &s.Crossovers, &s.Mutations, &s.Swaps, &s.Moves, &s.Inversions); err != nil { return nil, err }
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) SaveBestSolution(ctx context.Context, runID string, sol model.Solution) error {
	body, _ := json.Marshal(sol)
	_, err := p.db.ExecContext(ctx, `INSERT INTO solutions (run_id, fitness, body, updated_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (run_id) DO UPDATE SET fitness=EXCLUDED.fitness, body=EXCLUDED.body, updated_at=now()`, runID, sol.Fitness, body)
	return err
}

func (p *Postgres) GetBestSolution(ctx context.Context, runID string) (model.Solution, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM solutions WHERE run_id=$1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) { return model.Solution{}, ErrNotFound }
	if err != nil { return model.Solution{}, err }
	var sol model.Solution
	if err := json.Unmarshal(body, &sol); err != nil { return model.Solution{}, err }
	return sol, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, req.Secret)
	if err != nil { return model.Subscription{}, err }
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	ev, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE events @> $1::jsonb`, ev)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions ORDER BY id LIMIT $1`, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return err
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil { return "", err }
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts); err != nil { return nil, err }
		d.Payload = payload
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, last_error, url FROM webhook_deliveries`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` WHERE status=$1 ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $1`
		rows, err = p.db.QueryContext(ctx, q, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, url string
		var lastErr sql.NullString
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
		if lastErr.Valid && lastErr.String != "" { m["lastError"] = lastErr.String }
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1`, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

// Helpers
func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func computeDedupKey(payload []byte) string {
	// try to parse JSON and use id
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
