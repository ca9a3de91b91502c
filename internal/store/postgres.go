package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Postgres stores records in ledger.records (see migrations/). Each Put is a
// single-row upsert and therefore atomic per key.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM ledger.records WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger.records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (p *Postgres) Close() error { return nil }

// writerLockKey is the session advisory lock that fences a Postgres-backed
// store and event log to one writer. Distinct from the migration lock.
const writerLockKey int64 = 0x7072656469637401

// AcquireLease takes the writer advisory lock on a dedicated connection.
// The lock lives as long as that session, so Hold pings it every ttl/3 and
// reports ErrLeaseLost once the session is gone.
func (p *Postgres) AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres lease: conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, writerLockKey).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres lease: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: postgres advisory lock %d", ErrWriterActive, writerLockKey)
	}
	return &postgresLease{conn: conn, ttl: ttl}, nil
}

type postgresLease struct {
	conn *sql.Conn
	ttl  time.Duration
	once sync.Once
}

func (l *postgresLease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: postgres session: %v", ErrLeaseLost, err)
			}
		}
	}
}

func (l *postgresLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, writerLockKey)
		_ = l.conn.Close()
	})
}
