package retrieval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustpath/pkg/models"
)

// Retrieval failures are non-retryable and surfaced to the caller as-is.
var (
	ErrIsolationViolation = errors.New("cross-tenant access denied")
	ErrPartitionNotFound  = errors.New("no partition found for query labels")
	ErrPartitionDisabled  = errors.New("partition access policy disabled")
	ErrEmptyQuery         = errors.New("query must not be empty")
)

const (
	DefaultReceiptTTL  = 24 * time.Hour
	defaultQueryLogCap = 1000
)

// QueryLogEntry is one line of the gateway's bounded audit trail.
type QueryLogEntry struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Query     string    `json:"query"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a running aggregate over all retrievals since startup.
type Stats struct {
	TotalQueries     int64            `json:"total_queries"`
	FailedQueries    int64            `json:"failed_queries"`
	IsolationDenials int64            `json:"isolation_denials"`
	ReceiptsIssued   int64            `json:"receipts_issued"`
	PerTenant        map[string]int64 `json:"per_tenant"`
}

// Gateway owns the partition table and issues signed access receipts for
// every retrieval. The partition table is read-mostly after initialization.
type Gateway struct {
	mu          sync.RWMutex
	partitions  map[string]*models.Partition
	receiptTTL  time.Duration
	queryLog    []QueryLogEntry
	queryLogCap int
	stats       Stats
	now         func() time.Time
}

type Option func(*Gateway)

func WithReceiptTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.receiptTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		partitions:  map[string]*models.Partition{},
		receiptTTL:  DefaultReceiptTTL,
		queryLogCap: defaultQueryLogCap,
		stats:       Stats{PerTenant: map[string]int64{}},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreatePartition allocates a fresh shard and symmetric key for the tenant.
// Creation is not idempotent; callers must avoid duplicate creation.
func (g *Gateway) CreatePartition(tenant string, labels []string) (*models.Partition, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, errors.New("tenant must not be empty")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate partition key: %w", err)
	}
	id := uuid.NewString()
	keySum := sha256.Sum256(key)
	p := &models.Partition{
		ID:           id,
		Tenant:       tenant,
		Labels:       normalizeLabels(labels),
		ShardID:      "shard-" + id[:8],
		Key:          key,
		KeyID:        "pk-" + hex.EncodeToString(keySum[:8]),
		AccessPolicy: "allow",
		CreatedAt:    g.now(),
	}
	g.mu.Lock()
	g.partitions[p.ID] = p
	g.mu.Unlock()
	return p, nil
}

// Partition returns the partition by id, if present.
func (g *Gateway) Partition(id string) (*models.Partition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.partitions[id]
	return p, ok
}

// ExecuteRetrieval runs a query scoped to a matching partition and issues a
// signed receipt. The tenant check runs before anything else; a mismatch
// fails closed with no partial execution.
func (g *Gateway) ExecuteRetrieval(ctx context.Context, query models.RetrievalQuery, plan *models.Plan, step *models.PlanStep, execCtx models.ExecutionContext) (*models.RetrievalResult, *models.AccessReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	started := g.now()
	if strings.TrimSpace(query.Query) == "" {
		g.logQuery(query, "", false, ErrEmptyQuery.Error())
		return nil, nil, ErrEmptyQuery
	}
	if query.Tenant != execCtx.Tenant {
		g.mu.Lock()
		g.stats.IsolationDenials++
		g.mu.Unlock()
		err := fmt.Errorf("%w: query tenant %q does not match context tenant %q", ErrIsolationViolation, query.Tenant, execCtx.Tenant)
		g.logQuery(query, "", false, err.Error())
		return nil, nil, err
	}
	partition, err := g.partitionForLabels(query.Tenant, query.Labels)
	if err != nil {
		g.logQuery(query, "", false, err.Error())
		return nil, nil, err
	}

	result := g.executeScoped(query, partition, started)

	queryID := query.ID
	if queryID == "" {
		queryID = result.QueryID
	}
	receipt := &models.AccessReceipt{
		ID:              uuid.NewString(),
		PlanID:          plan.ID,
		PlanStepID:      step.ID,
		Tenant:          query.Tenant,
		QueryID:         queryID,
		PartitionID:     partition.ID,
		AccessTimestamp: started,
		ExpiresAt:       started.Add(g.receiptTTL),
		Capabilities:    append([]string(nil), query.Capabilities...),
		Labels:          append([]string(nil), query.Labels...),
		QueryHash:       models.HashString(query.Query),
		ResultHash:      models.HashJSON(result.Items),
		PublicKey:       partition.KeyID,
	}
	receipt.Signature = SignReceipt(receipt, partition.Key)

	g.mu.Lock()
	g.stats.ReceiptsIssued++
	g.stats.PerTenant[query.Tenant]++
	g.mu.Unlock()
	g.logQuery(query, receipt.ID, true, "")
	return result, receipt, nil
}

// VerifyAccessReceipt recomputes the signature and checks expiry. This is a
// convenience; the receipts package performs the authoritative verification.
func (g *Gateway) VerifyAccessReceipt(receipt *models.AccessReceipt) bool {
	if receipt == nil {
		return false
	}
	partition, ok := g.Partition(receipt.PartitionID)
	if !ok {
		return false
	}
	if !g.now().Before(receipt.ExpiresAt) {
		return false
	}
	expected := SignReceipt(receipt, partition.Key)
	return hmac.Equal([]byte(expected), []byte(receipt.Signature))
}

// Stats returns a copy of the running counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := g.stats
	out.PerTenant = make(map[string]int64, len(g.stats.PerTenant))
	for k, v := range g.stats.PerTenant {
		out.PerTenant[k] = v
	}
	return out
}

// QueryLog returns a snapshot of the bounded query audit trail.
func (g *Gateway) QueryLog() []QueryLogEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]QueryLogEntry, len(g.queryLog))
	copy(out, g.queryLog)
	return out
}

func (g *Gateway) partitionForLabels(tenant string, labels []string) (*models.Partition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.partitions {
		if p.Tenant != tenant {
			continue
		}
		if !labelsCovered(p.Labels, labels) {
			continue
		}
		if p.AccessPolicy == "disabled" {
			return nil, fmt.Errorf("%w: partition %s", ErrPartitionDisabled, p.ID)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: tenant %q labels %v", ErrPartitionNotFound, tenant, labels)
}

// executeScoped runs the query against the partition's shard. The reference
// system keeps retrieval in memory; rows are derived deterministically from
// the query so result hashes are replayable.
func (g *Gateway) executeScoped(query models.RetrievalQuery, partition *models.Partition, started time.Time) *models.RetrievalResult {
	limit := query.Limit
	if limit <= 0 || limit > 10 {
		limit = 3
	}
	seed := models.HashString(partition.ShardID + "|" + query.Query)
	items := make([]map[string]any, 0, limit)
	for i := 0; i < limit; i++ {
		items = append(items, map[string]any{
			"row_id": fmt.Sprintf("%s-%d", seed[:12], i),
			"shard":  partition.ShardID,
			"tenant": partition.Tenant,
		})
	}
	return &models.RetrievalResult{
		QueryID:         uuid.NewString(),
		Items:           items,
		Count:           len(items),
		ShardID:         partition.ShardID,
		ExecutionTimeMS: g.now().Sub(started).Milliseconds(),
		Timestamp:       started,
	}
}

func (g *Gateway) logQuery(query models.RetrievalQuery, receiptID string, success bool, errMsg string) {
	entry := QueryLogEntry{
		ID:        uuid.NewString(),
		Tenant:    query.Tenant,
		Query:     query.Query,
		ReceiptID: receiptID,
		Success:   success,
		Error:     errMsg,
		Timestamp: g.now(),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.TotalQueries++
	if !success {
		g.stats.FailedQueries++
	}
	g.queryLog = append(g.queryLog, entry)
	if len(g.queryLog) > g.queryLogCap {
		g.queryLog = g.queryLog[len(g.queryLog)-g.queryLogCap:]
	}
}

// SignReceipt computes the HMAC-SHA256 signature over the receipt's canonical
// field order. The order is fixed; changing it invalidates every receipt.
func SignReceipt(r *models.AccessReceipt, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(ReceiptPayload(r))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ReceiptPayload serializes the signed fields in their canonical order:
// id, plan_id, tenant, query_id, partition_id, access_timestamp, expires_at,
// capabilities, labels, query_hash, result_hash.
func ReceiptPayload(r *models.AccessReceipt) []byte {
	fields := []string{
		r.ID,
		r.PlanID,
		r.Tenant,
		r.QueryID,
		r.PartitionID,
		r.AccessTimestamp.UTC().Format(time.RFC3339Nano),
		r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		strings.Join(r.Capabilities, ","),
		strings.Join(r.Labels, ","),
		r.QueryHash,
		r.ResultHash,
	}
	return []byte(strings.Join(fields, "|"))
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := map[string]struct{}{}
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func labelsCovered(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[strings.ToLower(l)] = struct{}{}
	}
	for _, l := range want {
		if _, ok := set[strings.ToLower(strings.TrimSpace(l))]; !ok {
			return false
		}
	}
	return true
}
