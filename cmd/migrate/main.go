package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"PredictLedger/internal/config"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("PREDICT_CONFIG"), "path to TOML or YAML config file")
	flag.Usage = func() {
		fmt.Println("Usage: migrate [-config file] <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they ran")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PREDICT_POSTGRES_DSN    - Postgres connection string (required)")
		fmt.Println("  PREDICT_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	observability.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := observability.NewLogger("migrate")

	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("PREDICT_POSTGRES_DSN is required")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, st := range statuses {
			state := "pending"
			switch {
			case st.Modified:
				state = "MODIFIED"
			case st.Applied:
				state = "applied " + st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%06d  %-32s %s\n", st.Version, st.Name, state)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
