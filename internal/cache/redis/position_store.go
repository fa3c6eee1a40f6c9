package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// PositionStore implements domain.PositionStore.
//
// Key schema:
//
//	position:{user}:{market}   - JSON encoded domain.Position
//	positions:user:{user}      - set of markets the user holds
//	positions:market:{market}  - set of users holding the market
type PositionStore struct {
	rdb *redis.Client
}

// NewPositionStore creates a PositionStore backed by the given Client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{rdb: c.Underlying()}
}

func positionKey(userID, market string) string { return "position:" + userID + ":" + market }
func userPositionsKey(userID string) string    { return "positions:user:" + userID }
func marketUsersKey(market string) string      { return "positions:market:" + market }

func (s *PositionStore) Get(ctx context.Context, userID, market string) (domain.Position, error) {
	raw, err := s.rdb.Get(ctx, positionKey(userID, market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Position{}, fmt.Errorf("position %s/%s: %w", userID, market, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %s/%s: %w", userID, market, err)
	}
	var pos domain.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("redis: decode position %s/%s: %w", userID, market, err)
	}
	return pos, nil
}

// ListByUser returns the user's open positions sorted by market.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	markets, err := s.rdb.SMembers(ctx, userPositionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list positions %s: %w", userID, err)
	}
	out := make([]domain.Position, 0, len(markets))
	if len(markets) == 0 {
		return out, nil
	}
	keys := make([]string, len(markets))
	for i, m := range markets {
		keys[i] = positionKey(userID, m)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load positions %s: %w", userID, err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var pos domain.Position
		if err := json.Unmarshal([]byte(str), &pos); err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", keys[i], err)
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (s *PositionStore) Put(ctx context.Context, pos domain.Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: encode position %s/%s: %w", pos.UserID, pos.Market, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, positionKey(pos.UserID, pos.Market), raw, 0)
		pipe.SAdd(ctx, userPositionsKey(pos.UserID), pos.Market)
		pipe.SAdd(ctx, marketUsersKey(pos.Market), pos.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put position %s/%s: %w", pos.UserID, pos.Market, err)
	}
	return nil
}

func (s *PositionStore) Delete(ctx context.Context, userID, market string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, positionKey(userID, market))
		pipe.SRem(ctx, userPositionsKey(userID), market)
		pipe.SRem(ctx, marketUsersKey(market), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete position %s/%s: %w", userID, market, err)
	}
	return nil
}

// Users returns the users indexed under market, sorted.
func (s *PositionStore) Users(ctx context.Context, market string) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, marketUsersKey(market)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: users of %s: %w", market, err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *PositionStore) Untrack(ctx context.Context, market, userID string) error {
	if err := s.rdb.SRem(ctx, marketUsersKey(market), userID).Err(); err != nil {
		return fmt.Errorf("redis: untrack %s from %s: %w", userID, market, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
