package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"trustpath/pkg/audit"
	"trustpath/pkg/decisionpath"
	"trustpath/pkg/egress"
	"trustpath/pkg/hardening"
	"trustpath/pkg/httpx"
	"trustpath/pkg/metrics"
	"trustpath/pkg/ratelimit"
	"trustpath/pkg/receipts"
	"trustpath/pkg/retrieval"
	"trustpath/pkg/statebus"
	"trustpath/pkg/store"
	"trustpath/pkg/stream"
	"trustpath/pkg/telemetry"
	"trustpath/pkg/tools"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server holds the pipeline and its evidence surfaces. Everything hangs off
// the engine; the remaining fields exist so handlers can expose the inner
// components directly.
type Server struct {
	Engine   *decisionpath.Engine
	Gateway  *retrieval.Gateway
	Firewall *egress.Firewall
	Verifier *receipts.Verifier
	Archive  *audit.Archive

	Metrics *metrics.Registry
	Events  *stream.Hub
	Cache   store.Cache
	Redis   *redis.Client

	SafetyKey   []byte
	SafetyKeyID string
	ShadowMode  bool

	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	MaxRequestBodyBytes int64
	MetricsInterval     time.Duration
}

type gatewayDBCloser interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	shadowMode := env("TOOL_SHADOW_MODE", "false") == "true"
	safetyKey := env("SAFETY_CASE_KEY", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		ShadowMode:            env("TOOL_SHADOW_MODE", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "SAFETY_CASE_KEY", Value: safetyKey},
		},
	}); err != nil {
		return err
	}
	if safetyKey == "" {
		safetyKey = "dev-safety-case-key"
	}

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "true")), "true")
	var archive *audit.Archive
	pool, err := openDB(ctx)
	if err != nil {
		log.Printf("postgres unavailable, evidence archive disabled: %v", err)
		pool = nil
	}
	if pool != nil {
		defer pool.Close()
		archive = &audit.Archive{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := archive.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			log.Printf("archive schema unavailable, evidence archive disabled: %v", err)
			archive = nil
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	gateway := retrieval.NewGateway(retrieval.WithReceiptTTL(envDurationSec("RECEIPT_TTL_SEC", 86400)))
	for _, seed := range parsePartitionSeeds(env("BOOTSTRAP_PARTITIONS", "")) {
		if _, err := gateway.CreatePartition(seed.tenant, seed.labels); err != nil {
			return fmt.Errorf("bootstrap partition %s: %w", seed.tenant, err)
		}
	}

	firewall := egress.NewFirewall()

	verifierOpts := []receipts.Option{receipts.WithCache(cache)}
	if archive != nil {
		verifierOpts = append(verifierOpts, receipts.WithFailureArchive(archive))
	}
	verifier := receipts.NewVerifier(gateway, verifierOpts...)

	registry := metrics.NewRegistry()
	events := stream.NewHub()

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000)),
	})
	var executor tools.Executor
	if shadowMode {
		executor = tools.ShadowExecutor{}
	} else {
		executor = tools.HTTPExecutor{
			Client:     httpClient,
			Endpoint:   env("TOOL_URL", "http://localhost:8085") + "/execute",
			Headers:    authHeaderMap(env("TOOL_AUTH_HEADER", ""), env("TOOL_AUTH_TOKEN", "")),
			Retries:    envInt("UPSTREAM_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		}
	}

	engineOpts := []decisionpath.Option{
		decisionpath.WithTools(executor),
		decisionpath.WithRecorder(registry),
		decisionpath.WithEvents(events),
	}
	if brokers := env("KAFKA_BROKERS", ""); strings.TrimSpace(brokers) != "" {
		publisher, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: splitList(brokers),
			Topic:   env("KAFKA_TOPIC", "trustpath.evidence"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		engineOpts = append(engineOpts, decisionpath.WithPublisher(publisher))
	}
	safetyKeyID := env("SAFETY_CASE_KEY_ID", "sck-1")
	engine := decisionpath.NewEngine(decisionpath.Config{
		SafetyKeyID:    safetyKeyID,
		SafetyKey:      []byte(safetyKey),
		EgressPolicyID: env("EGRESS_POLICY_ID", egress.DefaultPolicyID),
		ShadowMode:     shadowMode,
	}, gateway, firewall, engineOpts...)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Engine:              engine,
		Gateway:             gateway,
		Firewall:            firewall,
		Verifier:            verifier,
		Archive:             archive,
		Metrics:             registry,
		Events:              events,
		Cache:               cache,
		Redis:               redisClient,
		SafetyKey:           []byte(safetyKey),
		SafetyKeyID:         safetyKeyID,
		ShadowMode:          shadowMode,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		MetricsInterval:     envDurationSec("METRICS_LOOP_INTERVAL_SEC", 10),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		if s.RateLimitEnabled && s.RateLimiter != nil {
			r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, decisionPathRateKey))
		}
		r.Post("/v1/decision-paths", s.handleExecuteDecisionPath)
	})
	r.Get("/v1/traces/{trace_id}", s.handleGetTrace)
	r.Get("/v1/safety-cases/{case_id}", s.handleGetSafetyCase)
	r.Post("/v1/safety-cases/{case_id}/verify", s.handleVerifySafetyCase)
	r.Get("/v1/certificates/{certificate_id}", s.handleGetCertificate)
	r.Get("/v1/receipts/{receipt_id}", s.handleGetReceipt)
	r.Post("/v1/receipts/verify", s.handleVerifyReceipt)
	r.Post("/v1/partitions", s.handleCreatePartition)
	r.Get("/v1/partitions/{partition_id}", s.handleGetPartition)
	r.Post("/v1/egress/policies", s.handleRegisterPolicy)
	r.Get("/v1/egress/stats", s.handleEgressStats)
	r.Get("/v1/retrieval/stats", s.handleRetrievalStats)
	r.Get("/v1/retrieval/query-log", s.handleQueryLog)
	r.Get("/v1/audit/verification-failures", s.handleVerifierAuditLog)
	r.Get("/v1/audit/verification-failures/{receipt_id}", s.handleArchivedFailure)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

func decisionPathRateKey(r *http.Request) string {
	return ratelimit.TenantKey(r.Header.Get("X-Tenant"), "decision-paths")
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

// metricsLoop refreshes the gauges that cannot be maintained incrementally.
func (s *Server) metricsLoop(ctx context.Context) {
	interval := s.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs := s.Gateway.Stats()
			s.Metrics.SetGauge("retrieval_queries_total", float64(rs.TotalQueries))
			s.Metrics.SetGauge("retrieval_isolation_denials", float64(rs.IsolationDenials))
			es := s.Firewall.Stats()
			s.Metrics.SetGauge("egress_processed_total", float64(es.TotalProcessed))
			s.Metrics.SetGauge("egress_blocked_total", float64(es.Blocked))
			s.Metrics.SetGauge("stream_subscribers", float64(s.Events.SubscriberCount()))
		}
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	return splitList(raw)
}

type partitionSeed struct {
	tenant string
	labels []string
}

// parsePartitionSeeds reads "tenant:label1|label2,tenant2:label3" into the
// partitions created at startup.
func parsePartitionSeeds(raw string) []partitionSeed {
	var out []partitionSeed
	for _, entry := range splitList(raw) {
		tenant, labelPart, ok := strings.Cut(entry, ":")
		tenant = strings.TrimSpace(tenant)
		if !ok || tenant == "" {
			continue
		}
		var labels []string
		for _, l := range strings.Split(labelPart, "|") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
		if len(labels) > 0 {
			out = append(out, partitionSeed{tenant: tenant, labels: labels})
		}
	}
	return out
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func authHeaderMap(header, token string) map[string]string {
	if strings.TrimSpace(header) == "" || strings.TrimSpace(token) == "" {
		return nil
	}
	return map[string]string{header: token}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
