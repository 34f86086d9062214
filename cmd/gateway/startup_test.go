package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustpath/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDB struct {
	execErr error
	execSQL []string
	closed  bool
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeGatewayDB) Close() { f.closed = true }

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func failRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis down")
}

func TestRunGatewayStartsListener(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	db := &fakeGatewayDB{}
	var captured *http.Server
	loopsStarted := false

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		failRedis,
		func(server *http.Server) error { captured = server; return nil },
		func(s *Server) { loopsStarted = true },
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Addr != ":8080" || captured.Handler == nil {
		t.Fatalf("server = %+v", captured)
	}
	if !loopsStarted {
		t.Fatalf("startLoops not called")
	}
	if len(db.execSQL) != 1 {
		t.Fatalf("schema execs = %d", len(db.execSQL))
	}
	if !db.closed {
		t.Fatalf("db not closed")
	}
}

func TestRunGatewayTelemetryError(t *testing.T) {
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("collector unreachable")
		},
		nil, nil, nil, nil,
	)
	if err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGatewayRunsWithoutDatabase(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	listened := false
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("pg down") },
		failRedis,
		func(server *http.Server) error { listened = true; return nil },
		nil,
	)
	if err != nil || !listened {
		t.Fatalf("err = %v, listened = %v", err, listened)
	}
}

func TestRunGatewayDisablesArchiveOnSchemaError(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	db := &fakeGatewayDB{execErr: errors.New("permission denied")}
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		failRedis,
		func(server *http.Server) error {
			req := httptest.NewRequest(http.MethodGet, "/v1/audit/verification-failures/ar-1", nil)
			w := httptest.NewRecorder()
			server.Handler.ServeHTTP(w, req)
			if w.Code != 503 {
				t.Errorf("archive lookup = %d, want 503", w.Code)
			}
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
}

func TestRunGatewayForbidsShadowModeInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	t.Setenv("TOOL_SHADOW_MODE", "true")
	err := runGateway(noopTelemetry, nil, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "TOOL_SHADOW_MODE") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGatewayRequiresSafetyKeyInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	err := runGateway(noopTelemetry, nil, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "SAFETY_CASE_KEY") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGatewayEndToEndWithBootstrapPartitions(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("TOOL_SHADOW_MODE", "true")
	t.Setenv("BOOTSTRAP_PARTITIONS", "acme:finance|hr, globex:ops")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("pg down") },
		failRedis,
		func(server *http.Server) error {
			w := postJSON(t, server.Handler, "/v1/decision-paths", executePathRequest{
				Plan:    gatewayTestPlan(),
				Context: models.ExecutionContext{Tenant: "acme", SessionID: "sess-e2e"},
			})
			if w.Code != 200 {
				t.Errorf("execute = %d, body %s", w.Code, w.Body.String())
				return nil
			}
			var trace models.Trace
			if err := json.Unmarshal(w.Body.Bytes(), &trace); err != nil {
				t.Errorf("decode trace: %v", err)
			}
			if trace.FinalStatus != models.StatusCompleted {
				t.Errorf("final status = %q", trace.FinalStatus)
			}
			if len(trace.ReceiptIDs) != 1 {
				t.Errorf("receipt ids = %v", trace.ReceiptIDs)
				return nil
			}
			var receipt models.AccessReceipt
			if w := getJSON(t, server.Handler, "/v1/receipts/"+trace.ReceiptIDs[0], &receipt); w.Code != 200 {
				t.Errorf("get receipt = %d", w.Code)
				return nil
			}
			// Receipts issued with default wiring are valid for a full day.
			if ttl := receipt.ExpiresAt.Sub(receipt.AccessTimestamp); ttl != 24*time.Hour {
				t.Errorf("receipt ttl = %v, want 24h", ttl)
			}
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
}

func TestRunGatewayRequiresListenFunc(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("pg down") },
		failRedis,
		nil,
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("err = %v", err)
	}
}

func TestMainReportsFatalError(t *testing.T) {
	origInit := initTelemetryG
	origFatal := logFatalf
	defer func() {
		initTelemetryG = origInit
		logFatalf = origFatal
	}()
	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	var got string
	logFatalf = func(format string, v ...any) { got = format }
	main()
	if got != "gateway: %v" {
		t.Fatalf("logFatalf format = %q", got)
	}
}

func TestParsePartitionSeeds(t *testing.T) {
	seeds := parsePartitionSeeds(" acme:finance|hr ,globex:ops, bad-entry ,:nolabel, empty: ")
	if len(seeds) != 2 {
		t.Fatalf("seeds = %+v", seeds)
	}
	if seeds[0].tenant != "acme" || len(seeds[0].labels) != 2 {
		t.Fatalf("first seed = %+v", seeds[0])
	}
	if seeds[1].tenant != "globex" || seeds[1].labels[0] != "ops" {
		t.Fatalf("second seed = %+v", seeds[1])
	}
	if parsePartitionSeeds("") != nil {
		t.Fatalf("empty input should yield nil")
	}
}
