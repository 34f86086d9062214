package receipts

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"log"
	"sync"
	"time"

	"trustpath/pkg/models"
	"trustpath/pkg/retrieval"
	"trustpath/pkg/store"
)

// Failure reasons in priority order. The first failing check wins.
const (
	ReasonBadSignature     = "Invalid receipt signature"
	ReasonExpired          = "Receipt has expired"
	ReasonTenantMismatch   = "Receipt tenant does not match context tenant"
	ReasonBadPartition     = "Referenced partition is missing, foreign or disabled"
	ReasonPlanStepMismatch = "Receipt is not bound to this plan step"
)

const auditLogCapacity = 1000

// PartitionSource exposes the current partition table. The verifier never
// trusts the issuer's in-process check; every field is recomputed against
// this table. *retrieval.Gateway satisfies it.
type PartitionSource interface {
	Partition(id string) (*models.Partition, bool)
}

// Context carries the plan binding the receipt is verified against.
type Context struct {
	Plan   *models.Plan
	Step   *models.PlanStep
	Tenant string
	UserID string
}

// FailureRecord is one entry of the bounded verification-failure audit log.
type FailureRecord struct {
	ReceiptID string                    `json:"receipt_id"`
	PlanID    string                    `json:"plan_id"`
	StepID    string                    `json:"step_id"`
	Tenant    string                    `json:"tenant"`
	UserID    string                    `json:"user_id,omitempty"`
	Result    models.VerificationResult `json:"result"`
	At        time.Time                 `json:"at"`
}

// FailureArchive is an optional durable sink for failed verifications.
type FailureArchive interface {
	AppendFailure(ctx context.Context, rec FailureRecord) error
}

// Verifier re-validates receipts independently of the gateway that issued
// them. Results are cached by a deterministic key; recomputation always
// yields the same result, so cache writes are idempotent.
type Verifier struct {
	partitions PartitionSource
	cache      store.Cache
	archive    FailureArchive
	now        func() time.Time

	mu       sync.Mutex
	auditLog []FailureRecord
}

type Option func(*Verifier)

func WithCache(c store.Cache) Option {
	return func(v *Verifier) {
		if c != nil {
			v.cache = c
		}
	}
}

func WithFailureArchive(a FailureArchive) Option {
	return func(v *Verifier) { v.archive = a }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(partitions PartitionSource, opts ...Option) *Verifier {
	v := &Verifier{
		partitions: partitions,
		cache:      store.NewMemoryCache(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyReceipt runs the five independent checks and returns their
// conjunction. Verification failures are results, never errors; the caller
// decides policy.
func (v *Verifier) VerifyReceipt(ctx context.Context, receipt *models.AccessReceipt, vctx Context) models.VerificationResult {
	key := CacheKey(receipt, vctx)
	if raw, err := v.cache.Get(ctx, key); err == nil {
		var cached models.VerificationResult
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached
		}
	}

	result := v.compute(receipt, vctx)

	if raw, err := json.Marshal(result); err == nil {
		if err := v.cache.Set(ctx, key, string(raw), 0); err != nil {
			log.Printf("receipts: cache write failed: %v", err)
		}
	}
	if !result.Valid {
		rec := FailureRecord{
			ReceiptID: receipt.ID,
			PlanID:    planID(vctx),
			StepID:    stepID(vctx),
			Tenant:    vctx.Tenant,
			UserID:    vctx.UserID,
			Result:    result,
			At:        v.now(),
		}
		v.appendFailure(rec)
		if v.archive != nil {
			if err := v.archive.AppendFailure(ctx, rec); err != nil {
				log.Printf("receipts: failure archive write failed: %v", err)
			}
		}
	}
	return result
}

func (v *Verifier) compute(receipt *models.AccessReceipt, vctx Context) models.VerificationResult {
	var result models.VerificationResult

	partition, partitionExists := v.partitions.Partition(receipt.PartitionID)

	if partitionExists {
		expected := retrieval.SignReceipt(receipt, partition.Key)
		result.SignatureValid = hmac.Equal([]byte(expected), []byte(receipt.Signature))
	}
	result.ExpirationValid = v.now().Before(receipt.ExpiresAt)
	result.TenantMatch = receipt.Tenant == vctx.Tenant
	result.PartitionValid = partitionExists &&
		partition.Tenant == receipt.Tenant &&
		partition.AccessPolicy != "disabled"
	result.PlanStepValid = vctx.Plan != nil && vctx.Step != nil &&
		receipt.PlanID == vctx.Plan.ID &&
		receipt.PlanStepID == vctx.Step.ID

	result.Valid = result.SignatureValid &&
		result.ExpirationValid &&
		result.TenantMatch &&
		result.PartitionValid &&
		result.PlanStepValid

	switch {
	case result.Valid:
	case !result.SignatureValid:
		result.Reason = ReasonBadSignature
	case !result.ExpirationValid:
		result.Reason = ReasonExpired
	case !result.TenantMatch:
		result.Reason = ReasonTenantMismatch
	case !result.PartitionValid:
		result.Reason = ReasonBadPartition
	default:
		result.Reason = ReasonPlanStepMismatch
	}
	return result
}

// CacheKey derives the deterministic cache key for one verification call.
func CacheKey(receipt *models.AccessReceipt, vctx Context) string {
	return models.HashString(receipt.ID + "|" + planID(vctx) + "|" + stepID(vctx) + "|" + vctx.Tenant + "|" + vctx.UserID)
}

// AuditLog returns a snapshot of recorded failures, oldest first.
func (v *Verifier) AuditLog() []FailureRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]FailureRecord, len(v.auditLog))
	copy(out, v.auditLog)
	return out
}

// ClearCache is safe at any time; results are recomputed on demand.
func (v *Verifier) ClearCache() {
	if mc, ok := v.cache.(*store.MemoryCache); ok {
		mc.Clear()
	}
}

func (v *Verifier) appendFailure(rec FailureRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.auditLog = append(v.auditLog, rec)
	if len(v.auditLog) > auditLogCapacity {
		v.auditLog = v.auditLog[len(v.auditLog)-auditLogCapacity:]
	}
}

func planID(vctx Context) string {
	if vctx.Plan == nil {
		return ""
	}
	return vctx.Plan.ID
}

func stepID(vctx Context) string {
	if vctx.Step == nil {
		return ""
	}
	return vctx.Step.ID
}
