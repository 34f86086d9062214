package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "trustpath-gateway",
		Environment:        "production",
		DatabaseRequireTLS: "true",
		CORSAllowedOrigins: "https://ops.example.com",
		RequiredSecrets: []EnvRequirement{
			{Name: "SAFETY_CASE_KEY", Value: "secret-material"},
		},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	if err := ValidateProduction(strictOptions()); err != nil {
		t.Fatalf("strict options rejected: %v", err)
	}
}

func TestNonProductionSkipsChecks(t *testing.T) {
	o := Options{Environment: "dev"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("dev env should skip hardening: %v", err)
	}
}

func TestStrictModeCanBeDisabled(t *testing.T) {
	o := Options{Environment: "production", StrictProdSecurity: "false"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("disabled strict mode should skip checks: %v", err)
	}
}

func TestRequiresDatabaseTLS(t *testing.T) {
	o := strictOptions()
	o.DatabaseRequireTLS = ""
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("err = %v", err)
	}
}

func TestRedisTLSRules(t *testing.T) {
	o := strictOptions()
	o.RedisAddr = "redis:6379"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("err = %v", err)
	}
	o.RedisRequireTLS = "true"
	o.RedisTLSInsecure = "true"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "REDIS_TLS_INSECURE") {
		t.Fatalf("err = %v", err)
	}
	o.RedisTLSInsecure = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("valid redis TLS config rejected: %v", err)
	}
}

func TestForbidsShadowModeInProduction(t *testing.T) {
	o := strictOptions()
	o.ShadowMode = "true"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "TOOL_SHADOW_MODE") {
		t.Fatalf("err = %v", err)
	}
}

func TestCORSRules(t *testing.T) {
	cases := []struct {
		origins string
		wantErr string
	}{
		{"", "CORS_ALLOWED_ORIGINS"},
		{"*", "wildcard"},
		{"http://localhost:3000", "localhost"},
		{"http://ops.example.com", "HTTPS"},
		{"https://ops.example.com", ""},
	}
	for _, tc := range cases {
		o := strictOptions()
		o.CORSAllowedOrigins = tc.origins
		err := ValidateProduction(o)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("origins %q rejected: %v", tc.origins, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("origins %q: err = %v, want %q", tc.origins, err, tc.wantErr)
		}
	}
}

func TestRequiredSecrets(t *testing.T) {
	o := strictOptions()
	o.RequiredSecrets = []EnvRequirement{{Name: "SAFETY_CASE_KEY", Value: ""}}
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "SAFETY_CASE_KEY") {
		t.Fatalf("err = %v", err)
	}
	// Empty names are skipped.
	o.RequiredSecrets = []EnvRequirement{{Name: " ", Value: ""}}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("blank requirement should be skipped: %v", err)
	}
}
