package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while migrating, so replicas
// starting together apply each file once.
const migrationLockKey int64 = 0x7072656469637400

// ErrChecksumMismatch is returned when an applied migration file was edited
// after it ran.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Migration is one {version}_{name}.up.sql file and its optional down file.
type Migration struct {
	Version  int
	Name     string
	UpFile   string
	DownFile string
	Checksum string
}

// MigrationStatus is one row of the status report.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

// LoadMigrations reads dir and returns its migrations ordered by version.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, prefix)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if direction == "down" {
			if m.DownFile != "" {
				return nil, fmt.Errorf("migration %s: duplicate down file for version %d", name, version)
			}
			m.DownFile = name
			continue
		}
		if m.UpFile != "" {
			return nil, fmt.Errorf("migration %s: duplicate version %d (also %s)", name, version, m.UpFile)
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		m.UpFile = name
		m.Name = strings.TrimSuffix(rest, ".up.sql")
		m.Checksum = hex.EncodeToString(sum[:])
	}

	out := make([]Migration, 0, len(byVersion))
	for v, m := range byVersion {
		if m.UpFile == "" {
			return nil, fmt.Errorf("migration version %d has a down file but no up file", v)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies the migrations in a directory to Postgres and records
// them in public.schema_migrations.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

type appliedRow struct {
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration in version order. It refuses to run if
// an applied file has changed on disk.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			row, ok := applied[mig.Version]
			if ok {
				if row.checksum != mig.Checksum {
					return fmt.Errorf("%w: %s", ErrChecksumMismatch, mig.UpFile)
				}
				continue
			}

			content, err := os.ReadFile(filepath.Join(m.migrationsDir, mig.UpFile))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", mig.UpFile, err)
			}
			m.logger.Info().Int("version", mig.Version).Str("file", mig.UpFile).Msg("applying migration")
			err = inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(content)); err != nil {
					return fmt.Errorf("exec migration %s: %w", mig.UpFile, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mig.Version, mig.UpFile, mig.Checksum)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version int
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		idx := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= version })
		if idx == len(migrations) || migrations[idx].Version != version || migrations[idx].DownFile == "" {
			return fmt.Errorf("no down file for migration version %d", version)
		}
		mig := migrations[idx]

		content, err := os.ReadFile(filepath.Join(m.migrationsDir, mig.DownFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", mig.DownFile, err)
		}
		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec down migration %s: %w", mig.DownFile, err)
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info().Int("version", version).Str("file", mig.DownFile).Msg("rolled back migration")
		return nil
	})
}

// Status reports every migration on disk with whether and when it ran.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if row, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = row.appliedAt
			st.Modified = row.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[int]appliedRow, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]appliedRow)
	for rows.Next() {
		var v int
		var r appliedRow
		if err := rows.Scan(&v, &r.checksum, &r.appliedAt); err != nil {
			return nil, err
		}
		out[v] = r
	}
	return out, rows.Err()
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    INTEGER PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
