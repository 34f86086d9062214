// Package audit persists verification failures, safety cases and receipt
// material to Postgres, optionally redacting sensitive fields with salted
// hashes before they leave process memory.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustpath/pkg/models"
	"trustpath/pkg/receipts"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Archive is the durable evidence sink behind the in-memory bounded logs.
// It satisfies receipts.FailureArchive.
type Archive struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

const schema = `
CREATE TABLE IF NOT EXISTS verification_failures (
	receipt_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	user_ref TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	result_raw JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS verification_failures_tenant_idx ON verification_failures (tenant, receipt_id);
CREATE TABLE IF NOT EXISTS safety_cases (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	verdict TEXT NOT NULL,
	key_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS access_receipts (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	partition_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.DB.Exec(ctx, schema)
	return err
}

// AppendFailure stores one failed verification. With redaction on, the user
// id is replaced by its salted hash before the insert.
func (a *Archive) AppendFailure(ctx context.Context, rec receipts.FailureRecord) error {
	userRef := rec.UserID
	if a.Redact && userRef != "" {
		userRef = hashString(userRef, a.HashSalt)
	}
	resultRaw, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}
	_, err = a.DB.Exec(ctx, `
		INSERT INTO verification_failures
		(receipt_id, plan_id, step_id, tenant, user_ref, reason, result_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ReceiptID, rec.PlanID, rec.StepID, rec.Tenant, userRef, rec.Result.Reason, resultRaw, rec.At)
	return err
}

// Failure returns the most recent archived failure for a receipt. An empty
// tenant widens the lookup across tenants.
func (a *Archive) Failure(ctx context.Context, receiptID, tenant string) (receipts.FailureRecord, error) {
	var (
		rec       receipts.FailureRecord
		resultRaw json.RawMessage
	)
	query := `
		SELECT receipt_id, plan_id, step_id, tenant, user_ref, result_raw, created_at
		FROM verification_failures WHERE receipt_id=$1
		ORDER BY created_at DESC LIMIT 1
	`
	args := []any{receiptID}
	if tenant != "" {
		query = `
			SELECT receipt_id, plan_id, step_id, tenant, user_ref, result_raw, created_at
			FROM verification_failures WHERE tenant=$1 AND receipt_id=$2
			ORDER BY created_at DESC LIMIT 1
		`
		args = []any{tenant, receiptID}
	}
	row := a.DB.QueryRow(ctx, query, args...)
	if err := row.Scan(&rec.ReceiptID, &rec.PlanID, &rec.StepID, &rec.Tenant, &rec.UserID, &resultRaw, &rec.At); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(resultRaw, &rec.Result); err != nil {
		return rec, err
	}
	return rec, nil
}

// AppendSafetyCase archives a signed safety case. The stored payload holds
// evidence hashes only; with redaction on, the signature is replaced by its
// salted hash.
func (a *Archive) AppendSafetyCase(ctx context.Context, sc *models.SafetyCase) error {
	payload, err := json.Marshal(a.safetyCasePayload(sc))
	if err != nil {
		return err
	}
	_, err = a.DB.Exec(ctx, `
		INSERT INTO safety_cases (id, plan_id, tenant, verdict, key_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sc.ID, sc.PlanID, sc.Tenant, sc.Verdict, sc.KeyID, payload, sc.CreatedAt)
	return err
}

// SafetyCase loads an archived safety case, tenant-scoped when tenant is
// non-empty.
func (a *Archive) SafetyCase(ctx context.Context, id, tenant string) (*models.SafetyCase, error) {
	query := `SELECT payload FROM safety_cases WHERE id=$1`
	args := []any{id}
	if tenant != "" {
		query = `SELECT payload FROM safety_cases WHERE tenant=$1 AND id=$2`
		args = []any{tenant, id}
	}
	var payload json.RawMessage
	if err := a.DB.QueryRow(ctx, query, args...).Scan(&payload); err != nil {
		return nil, err
	}
	// Redacted payloads wrap the case; plain payloads are the case itself.
	var wrapped struct {
		SafetyCase *models.SafetyCase `json:"safety_case"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.SafetyCase != nil && wrapped.SafetyCase.ID != "" {
		return wrapped.SafetyCase, nil
	}
	var sc models.SafetyCase
	if err := json.Unmarshal(payload, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// AppendReceipt archives receipt material. The stored payload always goes
// through redaction when enabled, never the raw signature.
func (a *Archive) AppendReceipt(ctx context.Context, r *models.AccessReceipt) error {
	var payload []byte
	var err error
	if a.Redact {
		payload, err = json.Marshal(redactReceipt(r, a.HashSalt))
	} else {
		payload, err = json.Marshal(r)
	}
	if err != nil {
		return err
	}
	_, err = a.DB.Exec(ctx, `
		INSERT INTO access_receipts (id, plan_id, tenant, partition_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.PlanID, r.Tenant, r.PartitionID, payload, time.Now().UTC())
	return err
}

func (a *Archive) safetyCasePayload(sc *models.SafetyCase) any {
	if !a.Redact {
		return sc
	}
	redacted := *sc
	redacted.Signature = ""
	return map[string]any{
		"safety_case": redacted,
		"sig_hash":    hashString(sc.Signature, a.HashSalt),
	}
}
