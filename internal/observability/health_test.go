package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PredictLedger/internal/observability"
)

func probe(t *testing.T, h http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

// =============================================================================
// Test: readiness follows the startup flag and backend checks
// =============================================================================

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	if code, body := probe(t, h.ReadinessHandler); code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Errorf("before ready: got %d %v, want 503 not_ready", code, body)
	}

	h.SetReady(true)
	if code, _ := probe(t, h.ReadinessHandler); code != http.StatusOK {
		t.Errorf("ready: got %d, want 200", code)
	}

	var down error
	h.AddCheck("postgres", func(context.Context) error { return down })
	h.AddCheck("nats", func(context.Context) error { return nil })

	down = errors.New("connection refused")
	code, body := probe(t, h.ReadinessHandler)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("backend down: got %d %v, want 503 degraded", code, body)
	}
	failed, _ := body["failed"].(map[string]any)
	if failed["postgres"] != "connection refused" || len(failed) != 1 {
		t.Errorf("failed: got %v, want only postgres", failed)
	}

	down = nil
	if code, _ := probe(t, h.ReadinessHandler); code != http.StatusOK {
		t.Errorf("recovered: got %d, want 200", code)
	}
	if !h.IsReady() {
		t.Error("IsReady: got false, want true")
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	code, body := probe(t, h.LivenessHandler)
	if code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("got %d %v, want 200 alive", code, body)
	}
}

// =============================================================================
// Test: level names
// =============================================================================

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace": "trace", "DEBUG": "debug", " warn ": "warn", "error": "error",
		"": "info", "loud": "info",
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q): got %s, want %s", in, got, want)
		}
	}
}
