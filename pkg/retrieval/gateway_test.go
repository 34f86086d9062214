package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustpath/pkg/models"
)

func testPlanAndStep() (*models.Plan, *models.PlanStep) {
	step := &models.PlanStep{ID: "step-1", Type: models.StepRetrieval, Status: models.StatusPending}
	plan := &models.Plan{ID: "plan-1", Tenant: "acme", Steps: []models.PlanStep{*step}}
	return plan, step
}

func TestCreatePartitionAllocatesKeyAndShard(t *testing.T) {
	g := NewGateway()
	p, err := g.CreatePartition("acme", []string{"Tickets", "tickets", " PII "})
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	if len(p.Key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(p.Key))
	}
	if p.ShardID == "" || p.KeyID == "" {
		t.Fatalf("missing shard or key id: %+v", p)
	}
	if len(p.Labels) != 2 {
		t.Fatalf("labels not normalized: %v", p.Labels)
	}
	if _, ok := g.Partition(p.ID); !ok {
		t.Fatalf("partition not registered")
	}
	if _, err := g.CreatePartition("  ", nil); err == nil {
		t.Fatalf("expected error for empty tenant")
	}
}

func TestExecuteRetrievalIssuesVerifiableReceipt(t *testing.T) {
	g := NewGateway()
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	plan, step := testPlanAndStep()
	query := models.RetrievalQuery{ID: "q-1", Tenant: "acme", Query: "open tickets", Labels: []string{"tickets"}, Capabilities: []string{"read"}}
	execCtx := models.ExecutionContext{Tenant: "acme", SessionID: "s-1"}

	result, receipt, err := g.ExecuteRetrieval(context.Background(), query, plan, step, execCtx)
	if err != nil {
		t.Fatalf("execute retrieval: %v", err)
	}
	if result.Count == 0 || result.ShardID == "" {
		t.Fatalf("empty result: %+v", result)
	}
	if receipt.PlanID != "plan-1" || receipt.PlanStepID != "step-1" {
		t.Fatalf("receipt not bound to plan step: %+v", receipt)
	}
	if receipt.QueryHash != models.HashString("open tickets") {
		t.Fatalf("query hash mismatch")
	}
	if !g.VerifyAccessReceipt(receipt) {
		t.Fatalf("freshly issued receipt failed verification")
	}
	if receipt.ExpiresAt.Sub(receipt.AccessTimestamp) != DefaultReceiptTTL {
		t.Fatalf("unexpected receipt lifetime: %v", receipt.ExpiresAt.Sub(receipt.AccessTimestamp))
	}
}

func TestExecuteRetrievalCrossTenantFailsClosed(t *testing.T) {
	g := NewGateway()
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	plan, step := testPlanAndStep()
	query := models.RetrievalQuery{Tenant: "globex", Query: "open tickets", Labels: []string{"tickets"}}
	execCtx := models.ExecutionContext{Tenant: "acme"}

	_, receipt, err := g.ExecuteRetrieval(context.Background(), query, plan, step, execCtx)
	if !errors.Is(err, ErrIsolationViolation) {
		t.Fatalf("expected isolation violation, got %v", err)
	}
	if receipt != nil {
		t.Fatalf("no receipt must be issued on isolation violation")
	}
	stats := g.Stats()
	if stats.IsolationDenials != 1 || stats.ReceiptsIssued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestExecuteRetrievalNoPartitionForLabels(t *testing.T) {
	g := NewGateway()
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	plan, step := testPlanAndStep()
	query := models.RetrievalQuery{Tenant: "acme", Query: "invoices", Labels: []string{"invoices"}}
	_, _, err := g.ExecuteRetrieval(context.Background(), query, plan, step, models.ExecutionContext{Tenant: "acme"})
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("expected partition not found, got %v", err)
	}
}

func TestVerifyAccessReceiptRejectsTampering(t *testing.T) {
	g := NewGateway()
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	plan, step := testPlanAndStep()
	query := models.RetrievalQuery{Tenant: "acme", Query: "open tickets", Labels: []string{"tickets"}}
	_, receipt, err := g.ExecuteRetrieval(context.Background(), query, plan, step, models.ExecutionContext{Tenant: "acme"})
	if err != nil {
		t.Fatalf("execute retrieval: %v", err)
	}
	tampered := *receipt
	tampered.ResultHash = models.HashString("forged")
	if g.VerifyAccessReceipt(&tampered) {
		t.Fatalf("tampered receipt verified")
	}
	tampered = *receipt
	tampered.Tenant = "globex"
	if g.VerifyAccessReceipt(&tampered) {
		t.Fatalf("receipt with rewritten tenant verified")
	}
}

func TestVerifyAccessReceiptExpired(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGateway(WithClock(func() time.Time { return current }), WithReceiptTTL(time.Hour))
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	plan, step := testPlanAndStep()
	query := models.RetrievalQuery{Tenant: "acme", Query: "open tickets", Labels: []string{"tickets"}}
	_, receipt, err := g.ExecuteRetrieval(context.Background(), query, plan, step, models.ExecutionContext{Tenant: "acme"})
	if err != nil {
		t.Fatalf("execute retrieval: %v", err)
	}
	current = current.Add(2 * time.Hour)
	if g.VerifyAccessReceipt(receipt) {
		t.Fatalf("expired receipt verified")
	}
}

func TestQueryLogRecordsFailures(t *testing.T) {
	g := NewGateway()
	plan, step := testPlanAndStep()
	_, _, err := g.ExecuteRetrieval(context.Background(), models.RetrievalQuery{Tenant: "acme", Query: ""}, plan, step, models.ExecutionContext{Tenant: "acme"})
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected empty query error, got %v", err)
	}
	log := g.QueryLog()
	if len(log) != 1 || log[0].Success {
		t.Fatalf("expected one failed log entry, got %+v", log)
	}
	if s := g.Stats(); s.TotalQueries != 1 || s.FailedQueries != 1 {
		t.Fatalf("failed query not counted in totals: %+v", s)
	}

	// A failure followed by a success still counts both in TotalQueries.
	if _, err := g.CreatePartition("acme", []string{"tickets"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	query := models.RetrievalQuery{Tenant: "acme", Query: "open tickets", Labels: []string{"tickets"}}
	if _, _, err := g.ExecuteRetrieval(context.Background(), query, plan, step, models.ExecutionContext{Tenant: "acme"}); err != nil {
		t.Fatalf("execute retrieval: %v", err)
	}
	if s := g.Stats(); s.TotalQueries != 2 || s.FailedQueries != 1 || s.ReceiptsIssued != 1 {
		t.Fatalf("stats after mixed outcomes: %+v", s)
	}
}

func TestExecuteRetrievalHonorsContextCancellation(t *testing.T) {
	g := NewGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan, step := testPlanAndStep()
	_, _, err := g.ExecuteRetrieval(ctx, models.RetrievalQuery{Tenant: "acme", Query: "x"}, plan, step, models.ExecutionContext{Tenant: "acme"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
