package egress

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustpath/pkg/models"
)

var (
	ErrContentTooLarge = errors.New("content exceeds policy maximum length")
	ErrUnknownPolicy   = errors.New("unknown egress policy")
)

// Redaction modes.
const (
	RedactMask   = "mask"
	RedactHash   = "hash"
	RedactRemove = "remove"
)

// Non-interference levels and verdicts.
const (
	LevelL0 = "L0"
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"

	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

const (
	DefaultPolicyID     = "default-strict"
	nearDupThreshold    = 0.8
	nearDupHistoryLimit = 1000
)

// Policy selects which detectors run and how matches are rewritten.
type Policy struct {
	ID               string   `json:"id"`
	PIIDetection     bool     `json:"pii_detection"`
	SecretDetection  bool     `json:"secret_detection"`
	NearDupDetection bool     `json:"near_dup_detection"`
	RedactionMode    string   `json:"redaction_mode"`
	NeverReveal      []string `json:"never_reveal,omitempty"`
	MaxContentLength int      `json:"max_content_length"`
}

// DefaultStrictPolicy enables every detector with mask redaction.
func DefaultStrictPolicy() Policy {
	return Policy{
		ID:               DefaultPolicyID,
		PIIDetection:     true,
		SecretDetection:  true,
		NearDupDetection: true,
		RedactionMode:    RedactMask,
		MaxContentLength: 1 << 20,
	}
}

// Stats is a running aggregate, maintained incrementally rather than
// recomputed from history.
type Stats struct {
	TotalProcessed    int64   `json:"total_processed"`
	PIIDetections     int64   `json:"pii_detections"`
	SecretDetections  int64   `json:"secret_detections"`
	NearDupDetections int64   `json:"near_dup_detections"`
	Blocked           int64   `json:"blocked"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
}

type contentDigest struct {
	digest string
	tokens map[string]struct{}
}

// Firewall scans and rewrites content before it leaves the boundary and
// issues one egress certificate per invocation.
type Firewall struct {
	mu       sync.Mutex
	policies map[string]Policy
	history  []contentDigest
	stats    Stats
	totalMS  int64
	now      func() time.Time
}

type Option func(*Firewall)

func WithPolicy(p Policy) Option {
	return func(f *Firewall) {
		if p.ID != "" {
			f.policies[p.ID] = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Firewall) {
		if now != nil {
			f.now = now
		}
	}
}

func NewFirewall(opts ...Option) *Firewall {
	f := &Firewall{
		policies: map[string]Policy{DefaultPolicyID: DefaultStrictPolicy()},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RegisterPolicy adds or replaces a named policy.
func (f *Firewall) RegisterPolicy(p Policy) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("policy id must not be empty")
	}
	switch p.RedactionMode {
	case RedactMask, RedactHash, RedactRemove:
	default:
		return fmt.Errorf("unsupported redaction mode %q", p.RedactionMode)
	}
	f.mu.Lock()
	f.policies[p.ID] = p
	f.mu.Unlock()
	return nil
}

// FilterContent scans content under the named policy. The length check runs
// before any scanning so pathological inputs are rejected cheaply. The
// verdict is "failed" whenever sensitive data was detected in the input,
// even though the returned content has already been redacted.
func (f *Firewall) FilterContent(ctx context.Context, content string, plan *models.Plan, stepID, policyID string) (*models.EgressFilterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := f.now()
	policy, err := f.policy(policyID)
	if err != nil {
		return nil, err
	}
	if policy.MaxContentLength > 0 && len(content) > policy.MaxContentLength {
		f.mu.Lock()
		f.stats.Blocked++
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrContentTooLarge, len(content), policy.MaxContentLength)
	}

	originalHash := models.HashString(content)
	summary := models.RedactionSummary{}
	filtered := content

	if policy.PIIDetection {
		for _, p := range piiPatterns {
			var n int
			filtered, n = applyPattern(filtered, p, policy.RedactionMode, &summary)
			summary.PII += n
		}
	}
	if policy.SecretDetection {
		for _, p := range secretPatterns {
			var n int
			filtered, n = applyPattern(filtered, p, policy.RedactionMode, &summary)
			summary.Secrets += n
		}
	}
	if policy.NearDupDetection && f.recordAndMatchDigest(content) {
		summary.NearDuplicates++
	}
	// never_reveal runs last, unconditionally, case-insensitively.
	for _, term := range policy.NeverReveal {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(term))
		if err != nil {
			continue
		}
		count := len(re.FindAllStringIndex(filtered, -1))
		if count > 0 {
			filtered = re.ReplaceAllString(filtered, "[REDACTED]")
			summary.BlockedSpans += count
			summary.RedactedItems = append(summary.RedactedItems, "term:"+term)
		}
	}

	filteredHash := models.HashString(filtered)
	ni := classify(summary)
	ni.ProofHash = models.HashString(originalHash + "|" + filteredHash + "|" + models.HashJSON(summary))

	cert := &models.EgressCertificate{
		ID:                  uuid.NewString(),
		PlanID:              plan.ID,
		PlanStepID:          stepID,
		Tenant:              plan.Tenant,
		ContentHash:         originalHash,
		FilteredContentHash: filteredHash,
		Redaction:           summary,
		NonInterference:     ni,
		PolicyApplied:       policy.ID,
		IssuedAt:            started,
	}

	f.observe(summary, f.now().Sub(started))
	return &models.EgressFilterResult{FilteredContent: filtered, Certificate: cert}, nil
}

// Stats returns a copy of the running aggregate.
func (f *Firewall) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Firewall) policy(id string) (Policy, error) {
	if id == "" {
		id = DefaultPolicyID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, id)
	}
	return p, nil
}

func applyPattern(content string, p redactionPattern, mode string, summary *models.RedactionSummary) (string, int) {
	matches := p.re.FindAllString(content, -1)
	if len(matches) == 0 {
		return content, 0
	}
	for range matches {
		summary.RedactedItems = append(summary.RedactedItems, p.name)
	}
	switch mode {
	case RedactHash:
		content = p.re.ReplaceAllStringFunc(content, func(m string) string {
			return "[" + models.HashString(m)[:12] + "]"
		})
	case RedactRemove:
		content = p.re.ReplaceAllString(content, "")
	default:
		content = p.re.ReplaceAllString(content, p.replacement)
	}
	return content, len(matches)
}

// classify maps final detection counts onto a non-interference level. The
// verdict records that sensitive data was present in the input, not that
// the redacted output is unsafe.
func classify(summary models.RedactionSummary) models.NonInterference {
	ni := models.NonInterference{Verdict: VerdictFailed}
	switch {
	case summary.PII == 0 && summary.Secrets == 0:
		ni.Level = LevelL0
		ni.Verdict = VerdictPassed
	case summary.PII <= 5 && summary.Secrets == 0:
		ni.Level = LevelL1
	case summary.PII <= 10 || summary.Secrets > 0:
		ni.Level = LevelL2
	default:
		ni.Level = LevelL3
	}
	return ni
}

// recordAndMatchDigest compares the lowercased token profile of content
// against previously seen profiles. Jaccard similarity at or above the
// threshold counts as a near-duplicate.
func (f *Firewall) recordAndMatchDigest(content string) bool {
	tokens := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	digest := models.HashString(strings.Join(tokens, " "))

	f.mu.Lock()
	defer f.mu.Unlock()
	match := false
	for _, prev := range f.history {
		if prev.digest == digest || jaccard(prev.tokens, set) >= nearDupThreshold {
			match = true
			break
		}
	}
	f.history = append(f.history, contentDigest{digest: digest, tokens: set})
	if len(f.history) > nearDupHistoryLimit {
		f.history = f.history[len(f.history)-nearDupHistoryLimit:]
	}
	return match
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func (f *Firewall) observe(summary models.RedactionSummary, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.TotalProcessed++
	f.stats.PIIDetections += int64(summary.PII)
	f.stats.SecretDetections += int64(summary.Secrets)
	f.stats.NearDupDetections += int64(summary.NearDuplicates)
	f.totalMS += ms
	f.stats.AvgLatencyMS = float64(f.totalMS) / float64(f.stats.TotalProcessed)
}
