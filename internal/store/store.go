package store

import (
	"context"
	"errors"
	"time"

	"fleetopt/internal/model"
)

// Store is the persistence interface used by the API server. It keeps the
// problem catalog, run progress, per-generation statistics, best solutions
// and the webhook subscription/delivery queue.
type Store interface {
	// Problems
	CreateProblem(ctx context.Context, p model.Problem) (model.Problem, error)
	GetProblem(ctx context.Context, id string) (model.Problem, error)
	ListProblems(ctx context.Context, cursor string, limit int) ([]model.Problem, string, error)
	DeleteProblem(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, r model.Run) (model.Run, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	UpdateRun(ctx context.Context, r model.Run) error
	ListRuns(ctx context.Context, problemID, cursor string, limit int) ([]model.Run, string, error)

	// Generation stats & solutions
	AppendGenerationStats(ctx context.Context, runID string, stats []model.GenerationStats) error
	ListGenerationStats(ctx context.Context, runID string, fromGen, limit int) ([]model.GenerationStats, error)
	SaveBestSolution(ctx context.Context, runID string, sol model.Solution) error
	GetBestSolution(ctx context.Context, runID string) (model.Solution, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
}

var ErrNotFound = errors.New("not found")
