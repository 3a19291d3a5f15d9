package store

import (
	"context"
	"testing"
	"time"

	"fleetopt/internal/model"
)

func TestMemoryProblemLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p, err := m.CreateProblem(ctx, model.Problem{Name: "demo", Depot: model.GeoPoint{Lat: 1, Lng: 2}})
	if err != nil { t.Fatalf("create: %v", err) }
	if p.ID == "" { t.Fatalf("expected generated id") }
	got, err := m.GetProblem(ctx, p.ID)
	if err != nil || got.Name != "demo" { t.Fatalf("get: %v %+v", err, got) }
	if _, err := m.GetProblem(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := m.DeleteProblem(ctx, p.ID); err != nil { t.Fatalf("delete: %v", err) }
	if _, err := m.GetProblem(ctx, p.ID); err != ErrNotFound {
		t.Fatalf("deleted problem still readable: %v", err)
	}
}

func TestMemoryListProblemsPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.CreateProblem(ctx, model.Problem{Name: "p"}); err != nil { t.Fatal(err) }
	}
	page1, next, err := m.ListProblems(ctx, "", 2)
	if err != nil || len(page1) != 2 || next == "" {
		t.Fatalf("page1: %v len=%d next=%q", err, len(page1), next)
	}
	page2, _, err := m.ListProblems(ctx, next, 10)
	if err != nil || len(page2) != 3 {
		t.Fatalf("page2: %v len=%d", err, len(page2))
	}
	if page1[1].ID == page2[0].ID { t.Fatalf("pages overlap") }
}

func TestMemoryRunUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, err := m.CreateRun(ctx, model.Run{ProblemID: "prob", Status: model.RunStatusRunning, Budget: 100})
	if err != nil { t.Fatalf("create: %v", err) }
	r.Generation = 42
	r.Status = model.RunStatusCompleted
	if err := m.UpdateRun(ctx, r); err != nil { t.Fatalf("update: %v", err) }
	got, _ := m.GetRun(ctx, r.ID)
	if got.Generation != 42 || got.Status != model.RunStatusCompleted {
		t.Fatalf("update lost: %+v", got)
	}
	if err := m.UpdateRun(ctx, model.Run{ID: "missing"}); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryGenerationStatsWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rows := []model.GenerationStats{
		{Generation: 1, BestFitness: 10},
		{Generation: 2, BestFitness: 9},
		{Generation: 3, BestFitness: 8},
	}
	if err := m.AppendGenerationStats(ctx, "run1", rows); err != nil { t.Fatal(err) }
	got, err := m.ListGenerationStats(ctx, "run1", 2, 0)
	if err != nil || len(got) != 2 { t.Fatalf("window: %v len=%d", err, len(got)) }
	if got[0].Generation != 2 || got[1].Generation != 3 {
		t.Fatalf("wrong window: %+v", got)
	}
}

func TestMemorySubscriptionsByEvent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s, err := m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://x", Events: []string{"run.completed"}, Secret: "s"})
	if err != nil { t.Fatal(err) }
	hit, _ := m.GetSubscriptionsForEvent(ctx, "run.completed")
	if len(hit) != 1 || hit[0].ID != s.ID { t.Fatalf("expected match, got %+v", hit) }
	miss, _ := m.GetSubscriptionsForEvent(ctx, "run.abandoned")
	if len(miss) != 0 { t.Fatalf("expected no match, got %+v", miss) }
	if err := m.DeleteSubscription(ctx, s.ID); err != nil { t.Fatal(err) }
	hit, _ = m.GetSubscriptionsForEvent(ctx, "run.completed")
	if len(hit) != 0 { t.Fatalf("subscription not deleted") }
}

func TestMemoryWebhookQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueWebhook(ctx, "sub1", "run.completed", "http://x", "secret", []byte(`{"id":"evt1"}`))
	if err != nil { t.Fatal(err) }
	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != id {
		t.Fatalf("due: %v %+v", err, due)
	}
	// failed attempt schedules a retry in the future
	next := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 12); err != nil { t.Fatal(err) }
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 0 { t.Fatalf("retry should not be due yet") }
	// manual retry makes it due again
	if err := m.RetryWebhookDelivery(ctx, id); err != nil { t.Fatal(err) }
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].Attempts != 1 { t.Fatalf("after retry: %+v", due) }
	// success removes it from the queue
	if err := m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 5); err != nil { t.Fatal(err) }
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 0 { t.Fatalf("delivered should not be due") }
	items, _, _ := m.ListWebhookDeliveries(ctx, "delivered", "", 10)
	if len(items) != 1 { t.Fatalf("want 1 delivered item, got %d", len(items)) }
}
