package models

import (
	"time"
)

// Plan step kinds. Anything else is rejected by the kernel phase.
const (
	StepToolCall     = "tool_call"
	StepDecision     = "decision"
	StepRetrieval    = "retrieval"
	StepVerification = "verification"
)

// Decision-path phases, in execution order.
const (
	PhaseObserve    = "observe"
	PhaseRetrieve   = "retrieve"
	PhasePlan       = "plan"
	PhaseKernel     = "kernel"
	PhaseToolBroker = "tool_broker"
	PhaseEgress     = "egress"
	PhaseSafetyCase = "safety_case"
)

// Statuses for steps and traces.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Plan is produced by an agent-framework adapter outside this module.
type Plan struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Journey   string         `json:"journey"`
	Steps     []PlanStep     `json:"steps"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PlanStep carries the typed parameter map for its kind plus an explicit
// extra-fields bag for forward compatibility.
type PlanStep struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Capability string         `json:"capability,omitempty"`
	ReceiptID  string         `json:"receipt_id,omitempty"`
	Status     string         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ExecutionContext arrives from the HTTP gateway layer.
type ExecutionContext struct {
	Tenant    string         `json:"tenant"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RetrievalQuery is one data retrieval scoped to a tenant and label set.
type RetrievalQuery struct {
	ID           string         `json:"id"`
	Tenant       string         `json:"tenant"`
	Query        string         `json:"query"`
	Labels       []string       `json:"labels,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

type RetrievalResult struct {
	QueryID         string           `json:"query_id"`
	Items           []map[string]any `json:"items"`
	Count           int              `json:"count"`
	ShardID         string           `json:"shard_id"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Partition is a tenant+label isolation boundary with its own symmetric key.
// The key never serializes; receipts reference it by KeyID only.
type Partition struct {
	ID           string    `json:"id"`
	Tenant       string    `json:"tenant"`
	Labels       []string  `json:"labels"`
	ShardID      string    `json:"shard_id"`
	Key          []byte    `json:"-"`
	KeyID        string    `json:"key_id"`
	AccessPolicy string    `json:"access_policy"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccessReceipt proves one retrieval happened under a specific partition.
// PublicKey carries the partition key id; the signature itself is an
// HMAC-SHA256 under the partition's symmetric key, not an asymmetric one.
type AccessReceipt struct {
	ID              string    `json:"id"`
	PlanID          string    `json:"plan_id"`
	PlanStepID      string    `json:"plan_step_id"`
	Tenant          string    `json:"tenant"`
	QueryID         string    `json:"query_id"`
	PartitionID     string    `json:"partition_id"`
	AccessTimestamp time.Time `json:"access_timestamp"`
	ExpiresAt       time.Time `json:"expires_at"`
	Capabilities    []string  `json:"capabilities"`
	Labels          []string  `json:"labels"`
	QueryHash       string    `json:"query_hash"`
	ResultHash      string    `json:"result_hash"`
	PublicKey       string    `json:"public_key"`
	Signature       string    `json:"signature"`
}

// VerificationResult is the outcome of re-validating a receipt from first
// principles. Valid is the conjunction of the five component checks.
type VerificationResult struct {
	Valid           bool   `json:"valid"`
	SignatureValid  bool   `json:"signature_valid"`
	ExpirationValid bool   `json:"expiration_valid"`
	TenantMatch     bool   `json:"tenant_match"`
	PartitionValid  bool   `json:"partition_valid"`
	PlanStepValid   bool   `json:"plan_step_valid"`
	Reason          string `json:"reason"`
}

type RedactionSummary struct {
	PII            int      `json:"pii"`
	Secrets        int      `json:"secrets"`
	NearDuplicates int      `json:"near_duplicates"`
	BlockedSpans   int      `json:"blocked_spans"`
	RedactedItems  []string `json:"redacted_items,omitempty"`
}

type NonInterference struct {
	Level     string `json:"level"`
	Verdict   string `json:"verdict"`
	ProofHash string `json:"proof_hash"`
}

// EgressCertificate is the audit artifact of one egress filtering pass.
type EgressCertificate struct {
	ID                  string           `json:"id"`
	PlanID              string           `json:"plan_id"`
	PlanStepID          string           `json:"plan_step_id,omitempty"`
	Tenant              string           `json:"tenant"`
	ContentHash         string           `json:"content_hash"`
	FilteredContentHash string           `json:"filtered_content_hash"`
	Redaction           RedactionSummary `json:"redaction_summary"`
	NonInterference     NonInterference  `json:"non_interference"`
	PolicyApplied       string           `json:"policy_applied"`
	IssuedAt            time.Time        `json:"issued_at"`
}

// EgressFilterResult pairs the rewritten content with its certificate.
type EgressFilterResult struct {
	FilteredContent string             `json:"filtered_content"`
	Certificate     *EgressCertificate `json:"certificate"`
}

// SafetyCase aggregates and signs the evidence hashes of one plan execution.
type SafetyCase struct {
	ID               string    `json:"id"`
	PlanID           string    `json:"plan_id"`
	Tenant           string    `json:"tenant"`
	InputHash        string    `json:"input_hash"`
	OutputHash       string    `json:"output_hash"`
	ReceiptsHash     string    `json:"receipts_hash"`
	CertificatesHash string    `json:"certificates_hash"`
	PolicyHash       string    `json:"policy_hash"`
	ProofHash        string    `json:"proof_hash"`
	AutomataHash     string    `json:"automata_hash"`
	LabelerHash      string    `json:"labeler_hash"`
	Verdict          string    `json:"verdict"`
	Confidence       float64   `json:"confidence"`
	KeyID            string    `json:"key_id"`
	Signature        string    `json:"signature"`
	CreatedAt        time.Time `json:"created_at"`
}

// DecisionStep records one phase of a decision-path trace.
type DecisionStep struct {
	ID         string    `json:"id"`
	Phase      string    `json:"phase"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Trace is the full record of one plan's run through the seven phases.
// A failed trace keeps every step and evidence reference produced before
// the failure; nothing is rolled back.
type Trace struct {
	ID              string         `json:"trace_id"`
	PlanID          string         `json:"plan_id"`
	Tenant          string         `json:"tenant"`
	SessionID       string         `json:"session_id"`
	Steps           []DecisionStep `json:"steps"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	FinalStatus     string         `json:"final_status"`
	TotalDurationMS int64          `json:"total_duration_ms"`
	ReceiptIDs      []string       `json:"receipt_ids"`
	CertificateIDs  []string       `json:"certificate_ids"`
	SafetyCaseIDs   []string       `json:"safety_case_ids"`
}

// PhaseOrder returns the seven phases in their required sequence.
func PhaseOrder() []string {
	return []string{
		PhaseObserve,
		PhaseRetrieve,
		PhasePlan,
		PhaseKernel,
		PhaseToolBroker,
		PhaseEgress,
		PhaseSafetyCase,
	}
}
