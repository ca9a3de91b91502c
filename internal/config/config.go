// Package config defines the service configuration, its defaults and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"` // json or console

	Ledger   LedgerConfig   `toml:"ledger" yaml:"ledger"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`
	Postgres PostgresConfig `toml:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `toml:"redis" yaml:"redis"`
	NATS     NATSConfig     `toml:"nats" yaml:"nats"`
	S3       S3Config       `toml:"s3" yaml:"s3"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Persist  PersistConfig  `toml:"persist" yaml:"persist"`
	Snapshot SnapshotConfig `toml:"snapshot" yaml:"snapshot"`
}

// LedgerConfig holds the accounting parameters.
type LedgerConfig struct {
	FeePercent         int64    `toml:"fee_percent" yaml:"fee_percent"`
	LeaderboardSize    int      `toml:"leaderboard_size" yaml:"leaderboard_size"`
	CategoryTopK       int      `toml:"category_top_k" yaml:"category_top_k"`
	Store              string   `toml:"store" yaml:"store"`
	LockTimeout        duration `toml:"lock_timeout" yaml:"lock_timeout"`
	IdempotencyLRUSize int      `toml:"idempotency_lru_size" yaml:"idempotency_lru_size"`
}

// AdminConfig lists the principals allowed to use the admin surface.
type AdminConfig struct {
	Principals []string `toml:"principals" yaml:"principals"`
}

type PostgresConfig struct {
	DSN             string   `toml:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	MigrationsDir   string   `toml:"migrations_dir" yaml:"migrations_dir"`
	RunMigrations   bool     `toml:"run_migrations" yaml:"run_migrations"`
}

type RedisConfig struct {
	Addr       string   `toml:"addr" yaml:"addr"`
	Password   string   `toml:"password" yaml:"password"`
	DB         int      `toml:"db" yaml:"db"`
	PoolSize   int      `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix" yaml:"key_prefix"`
	LeaseTTL   duration `toml:"lease_ttl" yaml:"lease_ttl"`
}

// NATSConfig enables command ingestion and outbound publishing when URL is
// set.
type NATSConfig struct {
	URL            string `toml:"url" yaml:"url"`
	PublishChanCap int    `toml:"publish_chan_size" yaml:"publish_chan_size"`
	CommandChanCap int    `toml:"command_chan_size" yaml:"command_chan_size"`
}

// S3Config enables snapshot archiving when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

type ServerConfig struct {
	HTTPAddr    string `toml:"http_addr" yaml:"http_addr"`
	GRPCAddr    string `toml:"grpc_addr" yaml:"grpc_addr"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`

	// Bearer-token verification for command routes. With neither set, the
	// X-Principal header is trusted.
	JWTPublicKeyPEM string `toml:"jwt_public_key_pem" yaml:"jwt_public_key_pem"`
	JWTSecret       string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer       string `toml:"jwt_issuer" yaml:"jwt_issuer"`
}

type PersistConfig struct {
	ChanSize     int      `toml:"chan_size" yaml:"chan_size"`
	BatchSize    int      `toml:"batch_size" yaml:"batch_size"`
	FlushTimeout duration `toml:"flush_timeout" yaml:"flush_timeout"`
}

type SnapshotConfig struct {
	Interval duration `toml:"interval" yaml:"interval"`
}

// duration wraps time.Duration so strings like "5m" decode into it from TOML
// and YAML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// Defaults returns a configuration that runs a single in-memory ledger.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ledger: LedgerConfig{
			FeePercent:         2,
			LeaderboardSize:    10,
			CategoryTopK:       5,
			Store:              BackendMemory,
			LockTimeout:        duration{5 * time.Second},
			IdempotencyLRUSize: 100_000,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: duration{5 * time.Minute},
			MigrationsDir:   "migrations",
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "predict:",
			LeaseTTL:   duration{10 * time.Second},
		},
		NATS: NATSConfig{
			PublishChanCap: 4096,
			CommandChanCap: 4096,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "predictledger",
			UseSSL: true,
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			MetricsAddr: ":9091",
		},
		Persist: PersistConfig{
			ChanSize:     1024,
			BatchSize:    50,
			FlushTimeout: duration{10 * time.Millisecond},
		},
		Snapshot: SnapshotConfig{
			Interval: duration{10 * time.Minute},
		},
	}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var validBackends = map[string]bool{
	BackendMemory: true, BackendPostgres: true, BackendRedis: true,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: trace, debug, info, warn, error)", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, console)", c.LogFormat))
	}

	if c.Ledger.FeePercent < 0 || c.Ledger.FeePercent > 100 {
		errs = append(errs, fmt.Sprintf("ledger: fee_percent must be 0-100, got %d", c.Ledger.FeePercent))
	}
	if c.Ledger.LeaderboardSize < 1 {
		errs = append(errs, "ledger: leaderboard_size must be >= 1")
	}
	if c.Ledger.CategoryTopK < 1 {
		errs = append(errs, "ledger: category_top_k must be >= 1")
	}
	if !validBackends[c.Ledger.Store] {
		errs = append(errs, fmt.Sprintf("ledger: unknown store %q (valid: memory, postgres, redis)", c.Ledger.Store))
	}
	if c.Ledger.LockTimeout.Duration <= 0 {
		errs = append(errs, "ledger: lock_timeout must be positive")
	}
	if c.Ledger.IdempotencyLRUSize < 1 {
		errs = append(errs, "ledger: idempotency_lru_size must be >= 1")
	}

	for _, p := range c.Admin.Principals {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, "admin: principals must not contain empty entries")
			break
		}
	}

	if c.Ledger.Store == BackendPostgres && c.Postgres.DSN == "" {
		errs = append(errs, "postgres: dsn is required for store=postgres")
	}
	if c.Ledger.Store == BackendRedis && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required for store=redis")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxOpenConns < 1 {
		errs = append(errs, "postgres: max_open_conns must be >= 1")
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "s3: access_key and secret_key must be set together")
	}

	if c.Server.JWTPublicKeyPEM != "" && c.Server.JWTSecret != "" {
		errs = append(errs, "server.jwt_public_key_pem and server.jwt_secret are mutually exclusive")
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server: http_addr must not be empty")
	}

	if c.Persist.ChanSize < 1 {
		errs = append(errs, "persist: chan_size must be >= 1")
	}
	if c.Persist.BatchSize < 1 {
		errs = append(errs, "persist: batch_size must be >= 1")
	}
	if c.Persist.FlushTimeout.Duration <= 0 {
		errs = append(errs, "persist: flush_timeout must be positive")
	}
	if c.Snapshot.Interval.Duration <= 0 {
		errs = append(errs, "snapshot: interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
