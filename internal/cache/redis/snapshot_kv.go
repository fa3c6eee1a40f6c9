package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// SnapshotKV keeps the latest snapshot of each market as JSON under
// "snapshot:{market}".
type SnapshotKV struct {
	rdb *redis.Client
}

// NewSnapshotKV creates a SnapshotKV backed by the given Client.
func NewSnapshotKV(c *Client) *SnapshotKV {
	return &SnapshotKV{rdb: c.Underlying()}
}

func snapshotKey(market string) string { return "snapshot:" + market }

func (s *SnapshotKV) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", snap.Market, err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.Market), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Market, err)
	}
	return nil
}

func (s *SnapshotKV) GetSnapshot(ctx context.Context, market string) (domain.BookSnapshot, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", market, err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode snapshot %s: %w", market, err)
	}
	return snap, nil
}

var _ domain.SnapshotKV = (*SnapshotKV)(nil)
