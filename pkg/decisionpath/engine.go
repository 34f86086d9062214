package decisionpath

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustpath/pkg/models"
	"trustpath/pkg/tools"
)

var (
	ErrSimulatedFailure    = errors.New("simulated failure")
	ErrGatewayUnconfigured = errors.New("retrieval gateway not configured")
	ErrPlanInvalid         = errors.New("plan failed kernel validation")
)

// Retriever is the retrieve-phase collaborator. *retrieval.Gateway satisfies it.
type Retriever interface {
	ExecuteRetrieval(ctx context.Context, query models.RetrievalQuery, plan *models.Plan, step *models.PlanStep, execCtx models.ExecutionContext) (*models.RetrievalResult, *models.AccessReceipt, error)
}

// Filter is the egress-phase collaborator. *egress.Firewall satisfies it.
type Filter interface {
	FilterContent(ctx context.Context, content string, plan *models.Plan, stepID, policyID string) (*models.EgressFilterResult, error)
}

// Recorder receives phase and trace lifecycle observations.
type Recorder interface {
	ObservePhase(phase, status string, d time.Duration)
	IncTraceStatus(status string)
	IncEgressVerdict(verdict string)
}

// EventSink receives live trace events for streaming consumers.
type EventSink interface {
	PublishTraceEvent(eventType string, payload any)
}

// EvidencePublisher pushes completed traces onto the evidence bus.
type EvidencePublisher interface {
	PublishTrace(ctx context.Context, trace *models.Trace) error
}

type Config struct {
	SafetyKeyID    string
	SafetyKey      []byte
	EgressPolicyID string
	ShadowMode     bool
	// FailPhase injects a failure into the named phase. Used by chaos and
	// abort-path tests; empty in production.
	FailPhase string
}

// Engine sequences the seven decision-path phases and retains every piece
// of evidence in its keyed tables for the observability lookups.
type Engine struct {
	cfg       Config
	gateway   Retriever
	firewall  Filter
	tools     tools.Executor
	recorder  Recorder
	events    EventSink
	publisher EvidencePublisher
	now       func() time.Time

	mu           sync.RWMutex
	traces       map[string]*models.Trace
	receipts     map[string]*models.AccessReceipt
	certificates map[string]*models.EgressCertificate
	safetyCases  map[string]*models.SafetyCase
}

type Option func(*Engine)

func WithTools(t tools.Executor) Option {
	return func(e *Engine) { e.tools = t }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithEvents(s EventSink) Option {
	return func(e *Engine) { e.events = s }
}

func WithPublisher(p EvidencePublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(cfg Config, gateway Retriever, firewall Filter, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		gateway:      gateway,
		firewall:     firewall,
		now:          func() time.Time { return time.Now().UTC() },
		traces:       map[string]*models.Trace{},
		receipts:     map[string]*models.AccessReceipt{},
		certificates: map[string]*models.EgressCertificate{},
		safetyCases:  map[string]*models.SafetyCase{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evidence is the accumulator threaded through the phase loop. Later phases
// read earlier phases' output from here, never from the shared tables.
type evidence struct {
	planInputHash string
	observation   map[string]any
	planReport    map[string]any
	kernelReport  map[string]any
	toolResults   []map[string]any
	receipts      []*models.AccessReceipt
	egress        *models.EgressFilterResult
	safetyCase    *models.SafetyCase
}

// ExecuteDecisionPath runs the plan through all seven phases in strict
// order. A phase failure aborts the remaining phases; the returned trace
// keeps everything produced before the failure.
func (e *Engine) ExecuteDecisionPath(ctx context.Context, plan *models.Plan, execCtx models.ExecutionContext) (*models.Trace, error) {
	if plan == nil {
		return nil, errors.New("plan must not be nil")
	}
	started := e.now()
	trace := &models.Trace{
		ID:             uuid.NewString(),
		PlanID:         plan.ID,
		Tenant:         plan.Tenant,
		SessionID:      execCtx.SessionID,
		StartedAt:      started,
		FinalStatus:    models.StatusPending,
		ReceiptIDs:     []string{},
		CertificateIDs: []string{},
		SafetyCaseIDs:  []string{},
	}
	e.mu.Lock()
	e.traces[trace.ID] = trace
	e.mu.Unlock()
	e.emit("trace.started", map[string]any{"trace_id": trace.ID, "plan_id": plan.ID, "tenant": plan.Tenant})

	ev := &evidence{planInputHash: models.HashJSON(plan)}
	var failErr error
	for _, phase := range models.PhaseOrder() {
		if err := e.executePhase(ctx, trace, phase, plan, execCtx, ev); err != nil {
			failErr = fmt.Errorf("phase %s: %w", phase, err)
			break
		}
	}

	completed := e.now()
	e.mu.Lock()
	trace.CompletedAt = completed
	trace.TotalDurationMS = completed.Sub(started).Milliseconds()
	if failErr != nil {
		trace.FinalStatus = models.StatusFailed
	} else {
		trace.FinalStatus = models.StatusCompleted
	}
	snapshot := copyTrace(trace)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.IncTraceStatus(snapshot.FinalStatus)
	}
	e.emit("trace."+snapshot.FinalStatus, map[string]any{
		"trace_id":     snapshot.ID,
		"plan_id":      plan.ID,
		"final_status": snapshot.FinalStatus,
		"receipts":     len(snapshot.ReceiptIDs),
		"certificates": len(snapshot.CertificateIDs),
	})
	if e.publisher != nil {
		if err := e.publisher.PublishTrace(ctx, snapshot); err != nil {
			e.emit("trace.publish_error", map[string]any{"trace_id": snapshot.ID, "error": err.Error()})
		}
	}
	return snapshot, failErr
}

// copyTrace snapshots a trace under the engine lock so callers never hold a
// pointer the engine is still mutating.
func copyTrace(t *models.Trace) *models.Trace {
	out := *t
	out.Steps = append([]models.DecisionStep(nil), t.Steps...)
	out.ReceiptIDs = append([]string(nil), t.ReceiptIDs...)
	out.CertificateIDs = append([]string(nil), t.CertificateIDs...)
	out.SafetyCaseIDs = append([]string(nil), t.SafetyCaseIDs...)
	return &out
}

// executePhase wraps one phase with its step record. The input hash is
// computed before dispatch, the output hash only after the phase's side
// effects are complete.
func (e *Engine) executePhase(ctx context.Context, trace *models.Trace, phase string, plan *models.Plan, execCtx models.ExecutionContext, ev *evidence) error {
	step := models.DecisionStep{
		ID:        uuid.NewString(),
		Phase:     phase,
		InputHash: models.HashJSON(map[string]any{"plan": plan, "context": execCtx, "phase": phase}),
		Status:    models.StatusPending,
		StartedAt: e.now(),
	}

	var (
		result any
		err    error
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if phase == e.cfg.FailPhase {
		err = ErrSimulatedFailure
	} else {
		result, err = e.dispatch(ctx, trace, phase, plan, execCtx, ev)
	}
	step.DurationMS = e.now().Sub(step.StartedAt).Milliseconds()

	if err != nil {
		step.Status = models.StatusFailed
		step.Error = err.Error()
	} else {
		step.Status = models.StatusCompleted
		step.OutputHash = models.HashJSON(result)
	}
	e.mu.Lock()
	trace.Steps = append(trace.Steps, step)
	e.mu.Unlock()
	if e.recorder != nil {
		e.recorder.ObservePhase(phase, step.Status, time.Duration(step.DurationMS)*time.Millisecond)
	}
	e.emit("phase."+step.Status, map[string]any{"trace_id": trace.ID, "phase": phase})
	return err
}

func (e *Engine) dispatch(ctx context.Context, trace *models.Trace, phase string, plan *models.Plan, execCtx models.ExecutionContext, ev *evidence) (any, error) {
	switch phase {
	case models.PhaseObserve:
		return e.observePhase(plan, execCtx, ev)
	case models.PhaseRetrieve:
		return e.retrievePhase(ctx, trace, plan, execCtx, ev)
	case models.PhasePlan:
		return e.planPhase(plan, ev)
	case models.PhaseKernel:
		return e.kernelPhase(plan, execCtx, ev)
	case models.PhaseToolBroker:
		return e.toolBrokerPhase(ctx, plan, ev)
	case models.PhaseEgress:
		return e.egressPhase(ctx, trace, plan, ev)
	case models.PhaseSafetyCase:
		return e.safetyCasePhase(trace, plan, ev)
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
}

func (e *Engine) observePhase(plan *models.Plan, execCtx models.ExecutionContext, ev *evidence) (any, error) {
	ev.observation = map[string]any{
		"tenant":     execCtx.Tenant,
		"session_id": execCtx.SessionID,
		"request_id": execCtx.RequestID,
		"step_count": len(plan.Steps),
		"journey":    plan.Journey,
	}
	return ev.observation, nil
}

// retrievePhase calls the gateway once per retrieval-type step. Any
// retrieval error aborts the whole phase; receipts collected before the
// failure stay on the trace.
func (e *Engine) retrievePhase(ctx context.Context, trace *models.Trace, plan *models.Plan, execCtx models.ExecutionContext, ev *evidence) (any, error) {
	queries := 0
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Type != models.StepRetrieval {
			continue
		}
		if e.gateway == nil {
			return nil, ErrGatewayUnconfigured
		}
		query := queryFromStep(plan, step)
		result, receipt, err := e.gateway.ExecuteRetrieval(ctx, query, plan, step, execCtx)
		if err != nil {
			step.Status = models.StatusFailed
			step.Error = err.Error()
			return nil, err
		}
		queries++
		step.Status = models.StatusCompleted
		step.ReceiptID = receipt.ID
		step.Result = result
		ev.receipts = append(ev.receipts, receipt)
		e.mu.Lock()
		e.receipts[receipt.ID] = receipt
		trace.ReceiptIDs = append(trace.ReceiptIDs, receipt.ID)
		e.mu.Unlock()
	}
	return map[string]any{"queries": queries, "receipts": len(ev.receipts)}, nil
}

func (e *Engine) planPhase(plan *models.Plan, ev *evidence) (any, error) {
	kinds := map[string]int{}
	for _, step := range plan.Steps {
		kinds[step.Type]++
	}
	ev.planReport = map[string]any{
		"plan_hash":  ev.planInputHash,
		"step_kinds": kinds,
		"steps":      len(plan.Steps),
	}
	return ev.planReport, nil
}

// kernelPhase is the policy-kernel validation gate. Violations fail the
// phase and therefore the trace.
func (e *Engine) kernelPhase(plan *models.Plan, execCtx models.ExecutionContext, ev *evidence) (any, error) {
	if plan.ID == "" {
		return nil, fmt.Errorf("%w: missing plan id", ErrPlanInvalid)
	}
	if plan.Tenant == "" || plan.Tenant != execCtx.Tenant {
		return nil, fmt.Errorf("%w: plan tenant %q does not match context tenant %q", ErrPlanInvalid, plan.Tenant, execCtx.Tenant)
	}
	if !plan.ExpiresAt.IsZero() && !e.now().Before(plan.ExpiresAt) {
		return nil, fmt.Errorf("%w: plan expired at %s", ErrPlanInvalid, plan.ExpiresAt.Format(time.RFC3339))
	}
	for _, step := range plan.Steps {
		switch step.Type {
		case models.StepToolCall, models.StepDecision, models.StepRetrieval, models.StepVerification:
		default:
			return nil, fmt.Errorf("%w: step %s has unknown type %q", ErrPlanInvalid, step.ID, step.Type)
		}
		if step.Type == models.StepToolCall && !e.cfg.ShadowMode && step.Capability == "" {
			return nil, fmt.Errorf("%w: tool step %s missing capability", ErrPlanInvalid, step.ID)
		}
	}
	ev.kernelReport = map[string]any{"checks": []string{"plan_id", "tenant_binding", "expiry", "step_types", "capabilities"}, "passed": true}
	return ev.kernelReport, nil
}

func (e *Engine) toolBrokerPhase(ctx context.Context, plan *models.Plan, ev *evidence) (any, error) {
	executor := e.tools
	if executor == nil || e.cfg.ShadowMode {
		executor = tools.ShadowExecutor{}
	}
	executed := 0
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Type != models.StepToolCall {
			continue
		}
		payload, err := json.Marshal(step.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal tool parameters: %w", err)
		}
		out, err := executor.Execute(ctx, step.Tool, payload)
		if err != nil {
			step.Status = models.StatusFailed
			step.Error = err.Error()
			return nil, err
		}
		executed++
		step.Status = models.StatusCompleted
		step.Result = json.RawMessage(out)
		ev.toolResults = append(ev.toolResults, map[string]any{"step_id": step.ID, "tool": step.Tool})
	}
	return map[string]any{"executed": executed, "shadow": e.cfg.ShadowMode}, nil
}

// egressPhase filters the plan's aggregate serialized content exactly once
// and always yields exactly one certificate.
func (e *Engine) egressPhase(ctx context.Context, trace *models.Trace, plan *models.Plan, ev *evidence) (any, error) {
	if e.firewall == nil {
		return nil, errors.New("egress firewall not configured")
	}
	aggregate, err := json.Marshal(map[string]any{"steps": plan.Steps, "metadata": plan.Metadata})
	if err != nil {
		return nil, fmt.Errorf("serialize plan content: %w", err)
	}
	result, err := e.firewall.FilterContent(ctx, string(aggregate), plan, "", e.cfg.EgressPolicyID)
	if err != nil {
		return nil, err
	}
	ev.egress = result
	cert := result.Certificate
	e.mu.Lock()
	e.certificates[cert.ID] = cert
	trace.CertificateIDs = append(trace.CertificateIDs, cert.ID)
	e.mu.Unlock()
	if e.recorder != nil {
		e.recorder.IncEgressVerdict(cert.NonInterference.Verdict)
	}
	return cert, nil
}

// safetyCasePhase hashes every receipt and certificate accumulated for
// this plan and signs the bundle.
func (e *Engine) safetyCasePhase(trace *models.Trace, plan *models.Plan, ev *evidence) (any, error) {
	outputHash := ev.planInputHash
	policyID := e.cfg.EgressPolicyID
	proofHash := ""
	verdict := "pass"
	confidence := 0.95
	if ev.egress != nil {
		outputHash = ev.egress.Certificate.FilteredContentHash
		proofHash = ev.egress.Certificate.NonInterference.ProofHash
		if policyID == "" {
			policyID = ev.egress.Certificate.PolicyApplied
		}
		if ev.egress.Certificate.NonInterference.Verdict != "passed" {
			verdict = "flagged"
			confidence = 0.7
		}
	}
	sc := &models.SafetyCase{
		ID:               uuid.NewString(),
		PlanID:           plan.ID,
		Tenant:           plan.Tenant,
		InputHash:        ev.planInputHash,
		OutputHash:       outputHash,
		ReceiptsHash:     models.HashJSON(ev.receipts),
		CertificatesHash: models.HashJSON(certificatesOf(ev)),
		PolicyHash:       models.HashString(policyID),
		ProofHash:        proofHash,
		AutomataHash:     models.HashString(plan.Journey),
		LabelerHash:      models.HashJSON(plan.Metadata),
		Verdict:          verdict,
		Confidence:       confidence,
		KeyID:            e.cfg.SafetyKeyID,
		CreatedAt:        e.now(),
	}
	sc.Signature = SignSafetyCase(sc, e.cfg.SafetyKey)
	ev.safetyCase = sc
	e.mu.Lock()
	e.safetyCases[sc.ID] = sc
	trace.SafetyCaseIDs = append(trace.SafetyCaseIDs, sc.ID)
	e.mu.Unlock()
	return sc, nil
}

func certificatesOf(ev *evidence) []*models.EgressCertificate {
	if ev.egress == nil {
		return nil
	}
	return []*models.EgressCertificate{ev.egress.Certificate}
}

// SignSafetyCase computes the HMAC-SHA256 signature over the safety case's
// canonical JSON form, excluding the signature field itself.
func SignSafetyCase(sc *models.SafetyCase, key []byte) string {
	unsigned := *sc
	unsigned.Signature = ""
	payload := models.HashJSON(unsigned)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySafetyCase recomputes the signature under the given key.
func VerifySafetyCase(sc *models.SafetyCase, key []byte) bool {
	if sc == nil {
		return false
	}
	expected := SignSafetyCase(sc, key)
	return hmac.Equal([]byte(expected), []byte(sc.Signature))
}

func queryFromStep(plan *models.Plan, step *models.PlanStep) models.RetrievalQuery {
	query := models.RetrievalQuery{
		ID:     uuid.NewString(),
		Tenant: plan.Tenant,
		Query:  plan.Journey,
	}
	if step.Parameters == nil {
		return query
	}
	if q, ok := step.Parameters["query"].(string); ok && q != "" {
		query.Query = q
	}
	query.Labels = stringSlice(step.Parameters["labels"])
	query.Capabilities = stringSlice(step.Parameters["capabilities"])
	if step.Capability != "" {
		query.Capabilities = append(query.Capabilities, step.Capability)
	}
	if limit, ok := step.Parameters["limit"].(float64); ok {
		query.Limit = int(limit)
	}
	return query
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Trace returns a snapshot of the trace by id. The copy matters: the engine
// keeps appending steps and evidence ids to the live trace while a decision
// path is in flight.
func (e *Engine) Trace(id string) (*models.Trace, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.traces[id]
	if !ok {
		return nil, false
	}
	return copyTrace(t), true
}

// SafetyCase returns the safety case by id.
func (e *Engine) SafetyCase(id string) (*models.SafetyCase, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sc, ok := e.safetyCases[id]
	return sc, ok
}

// Certificate returns the egress certificate by id.
func (e *Engine) Certificate(id string) (*models.EgressCertificate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.certificates[id]
	return c, ok
}

// Receipt returns the access receipt by id.
func (e *Engine) Receipt(id string) (*models.AccessReceipt, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.receipts[id]
	return r, ok
}

func (e *Engine) emit(eventType string, payload any) {
	if e.events != nil {
		e.events.PublishTraceEvent(eventType, payload)
	}
}
