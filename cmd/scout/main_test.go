package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/discovery"
	"github.com/hazyhaar/scout/provider"
	"github.com/hazyhaar/scout/qsig"
)

const testKey = "0123456789abcdef0123456789abcdef"

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := discovery.DefaultConfig()
	cfg.Signing.Key = testKey
	cfg.Provider.URL = "https://provider.example.com"
	adapter, err := newAdapter(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := discovery.New(context.Background(), dbopen.OpenMemory(t), dbopen.SQLite, adapter, cfg)
	if err != nil {
		t.Fatalf("discovery.New: %v", err)
	}
	v, err := qsig.NewVerifier([]byte(testKey), nil)
	if err != nil {
		t.Fatal(err)
	}
	return newRouter(svc, v, nil, nil)
}

func TestShield_SecurityHeaders(t *testing.T) {
	// WHAT: responses carry the headers of shield.DefaultAPIStack.
	// WHY: without shield there is no nosniff, no frame guard and no X-Trace-ID.
	r := testRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
	}
	for header, expected := range checks {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s: got %q, want %q", header, got, expected)
		}
	}
	if traceID := w.Header().Get("X-Trace-ID"); len(traceID) != 16 {
		t.Errorf("X-Trace-ID: got %q, want 16 hex chars", traceID)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health status = %v, want ok", body["status"])
	}
}

func TestRouter_MountsServiceRoutes(t *testing.T) {
	// WHAT: the job routes are reachable through the binary's router.
	// WHY: a Mount mistake would leave only /health answering.
	r := testRouter(t)

	req := httptest.NewRequest("GET", "/v1/jobs/job_unknown", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest("POST", "/v1/workers/search", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned worker status = %d, want 401", w.Code)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	// WHAT: environment variables win over the YAML file.
	// WHY: deployments keep secrets out of the config file.
	path := filepath.Join(t.TempDir(), "scout.yaml")
	yaml := "http:\n  addr: \":9000\"\n  public_url: https://file.example.com\nprovider:\n  kind: http\n  url: https://file-provider.example.com\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "8181")
	t.Setenv("SIGNING_KEY", testKey)
	t.Setenv("PROVIDER_URL", "https://env-provider.example.com")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/scout")
	t.Setenv("PUBLIC_URL", "")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":8181" {
		t.Errorf("addr = %q, want :8181", cfg.HTTP.Addr)
	}
	if cfg.HTTP.PublicURL != "https://file.example.com" {
		t.Errorf("public url = %q, want the file value", cfg.HTTP.PublicURL)
	}
	if cfg.Provider.URL != "https://env-provider.example.com" {
		t.Errorf("provider url = %q, want the env value", cfg.Provider.URL)
	}
	if cfg.Signing.Key != testKey {
		t.Errorf("signing key not taken from env")
	}
	if dbopen.DialectFor(cfg.Database.URL) != dbopen.Postgres {
		t.Errorf("database url %q should select postgres", cfg.Database.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// WHAT: with no file and no env the defaults apply.
	// WHY: SCOUT_CONFIG is optional.
	for _, k := range []string{"PORT", "DATABASE_URL", "PROVIDER"} {
		t.Setenv(k, "")
	}
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Database.URL != "data/scout.db" || cfg.Provider.Kind != "http" {
		t.Fatalf("unexpected defaults: addr=%q db=%q provider=%q", cfg.HTTP.Addr, cfg.Database.URL, cfg.Provider.Kind)
	}
}

func TestNewAdapter(t *testing.T) {
	// WHAT: both provider kinds come back guarded; unknown kinds are refused.
	// WHY: every provider call must pass the timeout and the breaker.
	cfg := discovery.DefaultConfig()
	for _, kind := range []string{"http", "apify"} {
		cfg.Provider.Kind = kind
		a, err := newAdapter(cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if _, ok := a.(*provider.Guard); !ok {
			t.Fatalf("%s: adapter is %T, want *provider.Guard", kind, a)
		}
	}
	cfg.Provider.Kind = "scraper"
	if _, err := newAdapter(cfg, nil); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "warn": "WARN", "error": "ERROR", "info": "INFO", "": "INFO"}
	for in, want := range tests {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
