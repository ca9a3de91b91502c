package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const snapshotFormatVersion = 1

// SnapshotData is a JSON-serializable copy of the ledger state. Records are
// read one key at a time while operations keep running, so Sequence is the
// last record emitted before the capture started: every change up to it is
// included, later ones may be.
type SnapshotData struct {
	Sequence     int64                       `json:"sequence"`
	StateHash    string                      `json:"state_hash"`
	Markets      []*market.Market            `json:"markets"`
	Users        []*market.UserAccount       `json:"users"`
	Categories   *market.CategoryRegistry    `json:"categories"`
	Participants *market.ParticipantRegistry `json:"participants"`
	Admin        *market.AdminState          `json:"admin"`
	Balances     map[string]int64            `json:"balances"` // AccountPath -> balance
	CreatedAt    time.Time                   `json:"created_at"`
}

// ChainSource exposes the engine's chain tip.
type ChainSource interface {
	GetSequence() int64
	GetStateHash() [32]byte
}

// BalanceSource exposes the treasury's account balances.
type BalanceSource interface {
	Snapshot() map[string]int64
}

// Capture reads the full ledger state into a snapshot.
func Capture(ctx context.Context, records *store.Records, chain ChainSource, balances BalanceSource, now time.Time) (*SnapshotData, error) {
	hash := chain.GetStateHash()
	snap := &SnapshotData{
		Sequence:  chain.GetSequence() - 1,
		StateHash: hex.EncodeToString(hash[:]),
		Balances:  balances.Snapshot(),
		CreatedAt: now,
	}

	count, err := records.MarketCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("market count: %w", err)
	}
	for id := market.ID(1); id <= count; id++ {
		m, err := records.GetMarket(ctx, id)
		if errors.Is(err, market.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snap.Markets = append(snap.Markets, m)
	}

	if snap.Participants, err = records.GetParticipants(ctx); err != nil {
		return nil, err
	}
	for _, p := range snap.Participants.Principals {
		acct, err := records.GetUser(ctx, p)
		if err != nil {
			return nil, err
		}
		snap.Users = append(snap.Users, acct)
	}
	if snap.Categories, err = records.GetCategories(ctx); err != nil {
		return nil, err
	}
	if snap.Admin, err = records.GetAdmin(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// SnapshotKey is the object key a snapshot is archived under.
func SnapshotKey(sequence int64) string {
	return fmt.Sprintf("snapshots/%d.json", sequence)
}

// SnapshotManager stores snapshots in event_log.snapshots and reads the
// chain tip back from event_log.events.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an encoded snapshot. archivedKey is empty when the
// snapshot was not uploaded.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData, data []byte, archivedKey string) error {
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return fmt.Errorf("decode state hash: %w", err)
	}
	var key *string
	if archivedKey != "" {
		key = &archivedKey
	}
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, archived_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes, archived_key = EXCLUDED.archived_key
	`, uuid.New(), snap.Sequence, data, hash, snapshotFormatVersion, len(data), key, snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns nil when no snapshot exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadChainTip returns the sequence the next record should carry and the
// state hash of the last persisted record. An empty log gives (1, zero hash).
func (sm *SnapshotManager) LoadChainTip(ctx context.Context) (int64, [32]byte, error) {
	var (
		seq  int64
		hash []byte
		tip  [32]byte
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, tip, nil
	}
	if err != nil {
		return 0, tip, fmt.Errorf("load chain tip: %w", err)
	}
	if len(hash) != len(tip) {
		return 0, tip, fmt.Errorf("load chain tip: state hash at %d has %d bytes", seq, len(hash))
	}
	copy(tip[:], hash)
	return seq + 1, tip, nil
}

// Archiver uploads an encoded snapshot to long-term storage.
type Archiver interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// SnapshotWorker captures a snapshot on every tick and hands it to the
// archiver and the snapshot table, whichever are configured.
type SnapshotWorker struct {
	records  *store.Records
	chain    ChainSource
	balances BalanceSource
	manager  *SnapshotManager
	archiver Archiver
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex // serialises ticks and on-demand snapshots
	lastSequence int64
}

func NewSnapshotWorker(
	records *store.Records,
	chain ChainSource,
	balances BalanceSource,
	manager *SnapshotManager,
	archiver Archiver,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SnapshotWorker {
	return &SnapshotWorker{
		records:      records,
		chain:        chain,
		balances:     balances,
		manager:      manager,
		archiver:     archiver,
		interval:     interval,
		metrics:      metrics,
		logger:       logger,
		lastSequence: -1,
	}
}

// Run blocks until ctx is cancelled.
func (sw *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sw.TakeSnapshot(ctx); err != nil {
				sw.logger.Error().Err(err).Msg("snapshot failed")
				if sw.metrics != nil {
					sw.metrics.SnapshotErrors.Inc()
				}
			}
		}
	}
}

// TakeSnapshot captures and stores one snapshot. It is a no-op when nothing
// was emitted since the previous one.
func (sw *SnapshotWorker) TakeSnapshot(ctx context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	start := time.Now()

	snap, err := Capture(ctx, sw.records, sw.chain, sw.balances, start.UTC())
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if snap.Sequence == sw.lastSequence {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var key string
	if sw.archiver != nil {
		key = SnapshotKey(snap.Sequence)
		if err := sw.archiver.Upload(ctx, key, data); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}
	if sw.manager != nil {
		if err := sw.manager.SaveSnapshot(ctx, snap, data, key); err != nil {
			return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
		}
	}

	sw.lastSequence = snap.Sequence
	if sw.metrics != nil {
		sw.metrics.SnapshotTaken.Inc()
		sw.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sw.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sw.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	sw.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Int("bytes", len(data)).
		Str("key", key).
		Msg("snapshot taken")
	return nil
}
