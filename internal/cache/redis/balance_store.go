package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// maxTxRetries bounds optimistic retries of one balance mutation.
const maxTxRetries = 16

// BalanceStore implements domain.BalanceStore with one hash per (user, asset)
// at "balance:{user}:{asset}" holding "available" and "locked" as decimal
// strings. Mutations use WATCH/MULTI so concurrent writers to the same key
// serialize.
type BalanceStore struct {
	rdb *redis.Client
}

// NewBalanceStore creates a BalanceStore backed by the given Client.
func NewBalanceStore(c *Client) *BalanceStore {
	return &BalanceStore{rdb: c.Underlying()}
}

func balanceKey(userID, asset string) string {
	return "balance:" + userID + ":" + asset
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readBalance(ctx context.Context, cmd hashReader, key string) (domain.Balance, error) {
	vals, err := cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.Balance{}, fmt.Errorf("redis: read %s: %w", key, err)
	}
	bal := domain.Balance{Available: decimal.Zero, Locked: decimal.Zero}
	if v, ok := vals["available"]; ok {
		if bal.Available, err = decimal.NewFromString(v); err != nil {
			return domain.Balance{}, fmt.Errorf("redis: parse %s available: %w", key, err)
		}
	}
	if v, ok := vals["locked"]; ok {
		if bal.Locked, err = decimal.NewFromString(v); err != nil {
			return domain.Balance{}, fmt.Errorf("redis: parse %s locked: %w", key, err)
		}
	}
	return bal, nil
}

// Get returns the balance, zero when the key does not exist.
func (s *BalanceStore) Get(ctx context.Context, userID, asset string) (domain.Balance, error) {
	return readBalance(ctx, s.rdb, balanceKey(userID, asset))
}

// CompareAndApply reads the balance under WATCH, applies fn and commits the
// result in MULTI/EXEC. A concurrent write aborts the transaction and it is
// retried; after maxTxRetries it fails with domain.ErrContention.
func (s *BalanceStore) CompareAndApply(ctx context.Context, userID, asset string, fn func(domain.Balance) (domain.Balance, error)) (domain.Balance, error) {
	key := balanceKey(userID, asset)
	var next domain.Balance

	txf := func(tx *redis.Tx) error {
		cur, err := readBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err = fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "available", next.Available.String(), "locked", next.Locked.String())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.Balance{}, err
		}
	}
	return domain.Balance{}, fmt.Errorf("redis: update %s: %w", key, domain.ErrContention)
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
