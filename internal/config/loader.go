package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load merges the file at path (skipped when path is empty) over the
// defaults, then applies PREDICT_* environment overrides. Files ending in
// .yaml or .yml are read as YAML, anything else as TOML. A .env file in the
// working directory is loaded first if present. The result is not
// validated; callers invoke Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	default:
		_, err := toml.DecodeFile(path, cfg)
		return err
	}
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PREDICT_LOG_LEVEL")
	setStr(&cfg.LogFormat, "PREDICT_LOG_FORMAT")

	// Ledger
	setInt64(&cfg.Ledger.FeePercent, "PREDICT_LEDGER_FEE_PERCENT")
	setInt(&cfg.Ledger.LeaderboardSize, "PREDICT_LEDGER_LEADERBOARD_SIZE")
	setInt(&cfg.Ledger.CategoryTopK, "PREDICT_LEDGER_CATEGORY_TOP_K")
	setStr(&cfg.Ledger.Store, "PREDICT_LEDGER_STORE")
	setDuration(&cfg.Ledger.LockTimeout, "PREDICT_LEDGER_LOCK_TIMEOUT")
	setInt(&cfg.Ledger.IdempotencyLRUSize, "PREDICT_LEDGER_IDEMPOTENCY_LRU_SIZE")

	// Admin
	setStringSlice(&cfg.Admin.Principals, "PREDICT_ADMIN_PRINCIPALS")

	// Postgres
	setStr(&cfg.Postgres.DSN, "PREDICT_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "PREDICT_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "PREDICT_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "PREDICT_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "PREDICT_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "PREDICT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PREDICT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.LeaseTTL, "PREDICT_REDIS_LEASE_TTL")

	// NATS
	setStr(&cfg.NATS.URL, "PREDICT_NATS_URL")

	// S3
	setStr(&cfg.S3.Endpoint, "PREDICT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PREDICT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PREDICT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICT_S3_FORCE_PATH_STYLE")

	// Server
	setStr(&cfg.Server.HTTPAddr, "PREDICT_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "PREDICT_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "PREDICT_METRICS_ADDR")
	setStr(&cfg.Server.JWTPublicKeyPEM, "PREDICT_JWT_PUBLIC_KEY_PEM")
	setStr(&cfg.Server.JWTSecret, "PREDICT_JWT_SECRET")
	setStr(&cfg.Server.JWTIssuer, "PREDICT_JWT_ISSUER")

	// Persist / snapshot
	setInt(&cfg.Persist.ChanSize, "PREDICT_PERSIST_CHAN_SIZE")
	setInt(&cfg.Persist.BatchSize, "PREDICT_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persist.FlushTimeout, "PREDICT_PERSIST_FLUSH_TIMEOUT")
	setDuration(&cfg.Snapshot.Interval, "PREDICT_SNAPSHOT_INTERVAL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
