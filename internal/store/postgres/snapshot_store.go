package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// SnapshotStore reads the snapshots table filled by the durable-store writer
// from SNAPSHOT_SAVED events.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Latest returns the newest snapshot of market or domain.ErrNotFound.
func (s *SnapshotStore) Latest(ctx context.Context, market string) (domain.BookSnapshot, error) {
	const query = `
		SELECT payload
		FROM snapshots
		WHERE market = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var payload []byte
	err := s.pool.QueryRow(ctx, query, market).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("postgres: latest snapshot %s: %w", market, err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("postgres: decode snapshot %s: %w", market, err)
	}
	return snap, nil
}

// Insert stores snap. The engine itself never writes here; it exists for
// the snapshot-check tool and for seeding.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.BookSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot %s: %w", snap.Market, err)
	}
	const query = `INSERT INTO snapshots (market, payload, last_trade_id) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, snap.Market, payload, snap.LastTradeID); err != nil {
		return fmt.Errorf("postgres: insert snapshot %s: %w", snap.Market, err)
	}
	return nil
}

var _ domain.SnapshotReader = (*SnapshotStore)(nil)
