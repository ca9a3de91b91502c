package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PredictLedger/internal/config"
)

// ============================================================================
// Test: Defaults are valid
// ============================================================================

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Ledger.FeePercent != 2 {
		t.Errorf("fee_percent: got %d, want 2", cfg.Ledger.FeePercent)
	}
	if cfg.Ledger.Store != config.BackendMemory {
		t.Errorf("store: got %q, want %q", cfg.Ledger.Store, config.BackendMemory)
	}
}

// ============================================================================
// Test: TOML file overrides defaults, env overrides file
// ============================================================================

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predict.toml")
	body := `
log_level = "debug"

[ledger]
fee_percent = 5
lock_timeout = "2s"

[admin]
principals = ["ops", "treasury"]

[snapshot]
interval = "30s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PREDICT_LEDGER_FEE_PERCENT", "7")
	t.Setenv("PREDICT_PERSIST_FLUSH_TIMEOUT", "25ms")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %q, want debug", cfg.LogLevel)
	}
	if cfg.Ledger.FeePercent != 7 {
		t.Errorf("fee_percent: got %d, want 7 (env wins)", cfg.Ledger.FeePercent)
	}
	if cfg.Ledger.LockTimeout.Duration != 2*time.Second {
		t.Errorf("lock_timeout: got %v, want 2s", cfg.Ledger.LockTimeout.Duration)
	}
	if cfg.Snapshot.Interval.Duration != 30*time.Second {
		t.Errorf("snapshot interval: got %v, want 30s", cfg.Snapshot.Interval.Duration)
	}
	if cfg.Persist.FlushTimeout.Duration != 25*time.Millisecond {
		t.Errorf("flush_timeout: got %v, want 25ms", cfg.Persist.FlushTimeout.Duration)
	}
	if len(cfg.Admin.Principals) != 2 || cfg.Admin.Principals[1] != "treasury" {
		t.Errorf("principals: got %v", cfg.Admin.Principals)
	}
	// untouched sections keep defaults
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http_addr: got %q, want :8080", cfg.Server.HTTPAddr)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Setenv("PREDICT_ADMIN_PRINCIPALS", " alice , ,bob ")
	t.Setenv("PREDICT_LEDGER_LEADERBOARD_SIZE", "not-a-number")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(cfg.Admin.Principals, ","); got != "alice,bob" {
		t.Errorf("principals: got %q, want alice,bob", got)
	}
	if cfg.Ledger.LeaderboardSize != 10 {
		t.Errorf("unparseable env must be ignored: got %d, want 10", cfg.Ledger.LeaderboardSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[snapshot]\ninterval = \"soon\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

// ============================================================================
// Test: YAML files
// ============================================================================

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predict.yaml")
	body := `
ledger:
  fee_percent: 4
  store: redis
admin:
  principals: [root, ops]
redis:
  addr: cache:6379
  lease_ttl: 3s
snapshot:
  interval: 1m
server:
  jwt_secret: s3cret
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.FeePercent != 4 {
		t.Errorf("fee_percent: got %d, want 4", cfg.Ledger.FeePercent)
	}
	if cfg.Ledger.Store != config.BackendRedis || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("redis: got store=%s addr=%s", cfg.Ledger.Store, cfg.Redis.Addr)
	}
	if cfg.Redis.LeaseTTL.Duration != 3*time.Second {
		t.Errorf("lease_ttl: got %s, want 3s", cfg.Redis.LeaseTTL.Duration)
	}
	if cfg.Snapshot.Interval.Duration != time.Minute {
		t.Errorf("interval: got %s, want 1m", cfg.Snapshot.Interval.Duration)
	}
	if len(cfg.Admin.Principals) != 2 || cfg.Admin.Principals[1] != "ops" {
		t.Errorf("principals: got %v", cfg.Admin.Principals)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http_addr: got %q, want :8080", cfg.Server.HTTPAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_YAMLBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("snapshot:\n  interval: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestValidate_JWTKeysExclusive(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.JWTSecret = "s"
	cfg.Server.JWTPublicKeyPEM = "pem"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("got %v, want mutually exclusive error", err)
	}
}

// ============================================================================
// Test: Validate collects every problem
// ============================================================================

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Ledger.FeePercent = 101
	cfg.Ledger.Store = config.BackendPostgres
	cfg.S3.AccessKey = "AKIA"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "fee_percent", "dsn is required", "access_key and secret_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.Store = config.BackendRedis
	cfg.Redis.Addr = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redis: addr") {
		t.Errorf("got %v, want redis addr error", err)
	}
}
