package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustpath/pkg/models"
	"trustpath/pkg/receipts"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execSQL   string
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func argString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func failureFixture() receipts.FailureRecord {
	return receipts.FailureRecord{
		ReceiptID: "rcp-1",
		PlanID:    "plan-1",
		StepID:    "s1",
		Tenant:    "acme",
		UserID:    "user-7",
		Result: models.VerificationResult{
			SignatureValid:  false,
			ExpirationValid: true,
			TenantMatch:     true,
			PartitionValid:  true,
			PlanStepValid:   true,
			Reason:          "Invalid receipt signature",
		},
		At: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendFailureAndLookup(t *testing.T) {
	rec := failureFixture()
	resultRaw, _ := json.Marshal(rec.Result)
	db := &fakeAuditDB{
		rowValues: []any{"rcp-1", "plan-1", "s1", "acme", "user-7", resultRaw, rec.At},
	}
	a := &Archive{DB: db}

	if err := a.AppendFailure(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("exec args = %d, want 8", len(db.execArgs))
	}
	if got := argString(db.execArgs[4]); got != "user-7" {
		t.Fatalf("user ref = %q, want raw user id without redaction", got)
	}
	if got := argString(db.execArgs[5]); got != "Invalid receipt signature" {
		t.Fatalf("reason arg = %q", got)
	}

	got, err := a.Failure(context.Background(), "rcp-1", "acme")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ReceiptID != "rcp-1" || got.Result.Reason != "Invalid receipt signature" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(db.queryArgs) != 2 {
		t.Fatalf("tenant-scoped query args = %d", len(db.queryArgs))
	}

	if _, err := a.Failure(context.Background(), "rcp-1", ""); err != nil {
		t.Fatalf("global lookup: %v", err)
	}
	if len(db.queryArgs) != 1 {
		t.Fatalf("global query args = %d", len(db.queryArgs))
	}
}

func TestAppendFailureRedactsUserID(t *testing.T) {
	db := &fakeAuditDB{}
	a := &Archive{DB: db, HashSalt: []byte("salt-1"), Redact: true}

	if err := a.AppendFailure(context.Background(), failureFixture()); err != nil {
		t.Fatalf("append: %v", err)
	}
	userRef := argString(db.execArgs[4])
	if userRef == "user-7" {
		t.Fatal("user id stored in the clear")
	}
	if len(userRef) != 64 {
		t.Fatalf("user ref = %q, want sha256 hex", userRef)
	}
	// Same id and salt reproduce the same reference.
	if userRef != hashString("user-7", []byte("salt-1")) {
		t.Fatal("user ref not reproducible from salt")
	}
}

func TestAppendSafetyCaseRedaction(t *testing.T) {
	sc := &models.SafetyCase{
		ID:        "sc-1",
		PlanID:    "plan-1",
		Tenant:    "acme",
		Verdict:   "pass",
		KeyID:     "sck-1",
		Signature: "raw-signature-material",
		CreatedAt: time.Now().UTC(),
	}

	db := &fakeAuditDB{}
	a := &Archive{DB: db, HashSalt: []byte("salt-1"), Redact: true}
	if err := a.AppendSafetyCase(context.Background(), sc); err != nil {
		t.Fatalf("append: %v", err)
	}
	payload := argString(db.execArgs[5])
	if strings.Contains(payload, "raw-signature-material") {
		t.Fatalf("raw signature leaked: %s", payload)
	}
	if !strings.Contains(payload, "sig_hash") {
		t.Fatalf("expected sig_hash in payload: %s", payload)
	}

	// Round trip through the redacted wrapper.
	db.rowValues = []any{json.RawMessage(payload)}
	loaded, err := a.SafetyCase(context.Background(), "sc-1", "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != "sc-1" || loaded.Verdict != "pass" {
		t.Fatalf("unexpected loaded case: %+v", loaded)
	}
	if loaded.Signature != "" {
		t.Fatal("signature survived redaction")
	}
}

func TestAppendSafetyCasePlainRoundTrip(t *testing.T) {
	sc := &models.SafetyCase{ID: "sc-2", Tenant: "acme", Verdict: "flagged", Signature: "sig", CreatedAt: time.Now().UTC()}
	db := &fakeAuditDB{}
	a := &Archive{DB: db}
	if err := a.AppendSafetyCase(context.Background(), sc); err != nil {
		t.Fatalf("append: %v", err)
	}
	db.rowValues = []any{json.RawMessage(argString(db.execArgs[5]))}
	loaded, err := a.SafetyCase(context.Background(), "sc-2", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Signature != "sig" {
		t.Fatalf("signature = %q, want preserved without redaction", loaded.Signature)
	}
}

func TestAppendReceiptRedaction(t *testing.T) {
	r := &models.AccessReceipt{
		ID:           "rcp-9",
		PlanID:       "plan-1",
		Tenant:       "acme",
		PartitionID:  "part-1",
		Capabilities: []string{"cap-read"},
		QueryHash:    "qh",
		Signature:    "receipt-signature",
	}
	db := &fakeAuditDB{}
	a := &Archive{DB: db, HashSalt: []byte("salt-1"), Redact: true}
	if err := a.AppendReceipt(context.Background(), r); err != nil {
		t.Fatalf("append: %v", err)
	}
	payload := argString(db.execArgs[4])
	if strings.Contains(payload, "receipt-signature") || strings.Contains(payload, "cap-read") {
		t.Fatalf("sensitive receipt material leaked: %s", payload)
	}
	if !strings.Contains(payload, "partition_id") {
		t.Fatalf("routing fields missing: %s", payload)
	}
}

func TestArchiveErrorPaths(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("exec failed")}
	a := &Archive{DB: db}
	if err := a.AppendFailure(context.Background(), failureFixture()); err == nil {
		t.Fatal("expected append error")
	}
	db.rowErr = errors.New("not found")
	if _, err := a.Failure(context.Background(), "rcp-1", "acme"); err == nil {
		t.Fatal("expected lookup error")
	}
	if _, err := a.SafetyCase(context.Background(), "sc-1", ""); err == nil {
		t.Fatal("expected safety case lookup error")
	}
}
