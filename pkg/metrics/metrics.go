package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects pipeline counters in process memory and exposes them as
// JSON and Prometheus text. It satisfies the engine's Recorder interface.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	phaseStatus     map[string]int64
	traceStatus     map[string]int64
	egressVerdict   map[string]int64
	verifyFailure   map[string]int64
	receiptsIssued  int64
	gauges          map[string]float64
	retrievalStat   LatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	PhaseStatus          map[string]int64        `json:"phase_status"`
	TraceStatus          map[string]int64        `json:"trace_status"`
	EgressVerdicts       map[string]int64        `json:"egress_verdicts"`
	VerifyFailures       map[string]int64        `json:"verify_failures"`
	ReceiptsIssued       int64                   `json:"receipts_issued_total"`
	Gauges               map[string]float64      `json:"gauges"`
	RetrievalLatencyMS   LatencyStat             `json:"retrieval_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		phaseStatus:   map[string]int64{},
		traceStatus:   map[string]int64{},
		egressVerdict: map[string]int64{},
		verifyFailure: map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

// Observe records one HTTP request against its route pattern.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObservePhase records one phase execution by outcome, and its latency into
// the per-phase histogram.
func (r *Registry) ObservePhase(phase, status string, d time.Duration) {
	phase = strings.TrimSpace(phase)
	if phase == "" {
		return
	}
	if status == "" {
		status = "unknown"
	}
	r.mu.Lock()
	r.phaseStatus[phase+"|"+status]++
	r.mu.Unlock()
	r.Histograms.ObserveDuration("phase:"+phase, d)
}

func (r *Registry) IncTraceStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.traceStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncEgressVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.egressVerdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncVerifyFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	r.mu.Lock()
	r.verifyFailure[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncReceiptsIssued() {
	r.mu.Lock()
	r.receiptsIssued++
	r.mu.Unlock()
}

// ObserveRetrievalLatency tracks gateway execution time.
func (r *Registry) ObserveRetrievalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievalStat.Count++
	r.retrievalStat.TotalMS += ms
	r.retrievalStat.LastMS = ms
	if ms > r.retrievalStat.MaxMS {
		r.retrievalStat.MaxMS = ms
	}
	r.retrievalStat.AvgMS = float64(r.retrievalStat.TotalMS) / float64(r.retrievalStat.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		PhaseStatus:        make(map[string]int64, len(r.phaseStatus)),
		TraceStatus:        make(map[string]int64, len(r.traceStatus)),
		EgressVerdicts:     make(map[string]int64, len(r.egressVerdict)),
		VerifyFailures:     make(map[string]int64, len(r.verifyFailure)),
		ReceiptsIssued:     r.receiptsIssued,
		Gauges:             make(map[string]float64, len(r.gauges)),
		RetrievalLatencyMS: r.retrievalStat,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.phaseStatus {
		out.PhaseStatus[k] = v
	}
	for k, v := range r.traceStatus {
		out.TraceStatus[k] = v
	}
	for k, v := range r.egressVerdict {
		out.EgressVerdicts[k] = v
	}
	for k, v := range r.verifyFailure {
		out.VerifyFailures[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP trustpath_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE trustpath_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "trustpath_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP trustpath_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE trustpath_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "trustpath_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP trustpath_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE trustpath_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "trustpath_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		b.WriteString("# HELP trustpath_phase_total phase executions by phase and status\n")
		b.WriteString("# TYPE trustpath_phase_total counter\n")
		for _, key := range SortedKeys(snap.PhaseStatus) {
			parts := strings.SplitN(key, "|", 2)
			status := "unknown"
			if len(parts) == 2 {
				status = parts[1]
			}
			fmt.Fprintf(b, "trustpath_phase_total{phase=%q,status=%q} %d\n", parts[0], status, snap.PhaseStatus[key])
		}

		b.WriteString("# HELP trustpath_trace_total traces by final status\n")
		b.WriteString("# TYPE trustpath_trace_total counter\n")
		for _, status := range SortedKeys(snap.TraceStatus) {
			fmt.Fprintf(b, "trustpath_trace_total{status=%q} %d\n", status, snap.TraceStatus[status])
		}

		b.WriteString("# HELP trustpath_egress_verdict_total egress certificates by verdict\n")
		b.WriteString("# TYPE trustpath_egress_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.EgressVerdicts) {
			fmt.Fprintf(b, "trustpath_egress_verdict_total{verdict=%q} %d\n", verdict, snap.EgressVerdicts[verdict])
		}

		b.WriteString("# HELP trustpath_verify_failure_total receipt verification failures by reason\n")
		b.WriteString("# TYPE trustpath_verify_failure_total counter\n")
		for _, reason := range SortedKeys(snap.VerifyFailures) {
			fmt.Fprintf(b, "trustpath_verify_failure_total{reason=%q} %d\n", reason, snap.VerifyFailures[reason])
		}

		b.WriteString("# HELP trustpath_receipts_issued_total access receipts issued\n")
		b.WriteString("# TYPE trustpath_receipts_issued_total counter\n")
		fmt.Fprintf(b, "trustpath_receipts_issued_total %d\n", snap.ReceiptsIssued)

		b.WriteString("# HELP trustpath_retrieval_latency_ms retrieval gateway latency in ms\n")
		b.WriteString("# TYPE trustpath_retrieval_latency_ms gauge\n")
		fmt.Fprintf(b, "trustpath_retrieval_latency_ms{stat=%q} %d\n", "last", snap.RetrievalLatencyMS.LastMS)
		fmt.Fprintf(b, "trustpath_retrieval_latency_ms{stat=%q} %.3f\n", "avg", snap.RetrievalLatencyMS.AvgMS)
		fmt.Fprintf(b, "trustpath_retrieval_latency_ms{stat=%q} %d\n", "max", snap.RetrievalLatencyMS.MaxMS)

		b.WriteString("# HELP trustpath_gauge operational gauge metrics\n")
		b.WriteString("# TYPE trustpath_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "trustpath_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP trustpath_latency_seconds latency histogram\n")
			b.WriteString("# TYPE trustpath_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "trustpath_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "trustpath_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "trustpath_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "trustpath_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "trustpath_latency_p50_seconds{name=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "trustpath_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "trustpath_latency_p99_seconds{name=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
