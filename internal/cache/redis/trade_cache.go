package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// TradeCache keeps the newest trades of each market in the list
// "trades:recent:{market}", newest first.
type TradeCache struct {
	rdb   *redis.Client
	limit int64
}

// NewTradeCache creates a TradeCache holding at most limit trades per market.
func NewTradeCache(c *Client, limit int) *TradeCache {
	if limit <= 0 {
		limit = 100
	}
	return &TradeCache{rdb: c.Underlying(), limit: int64(limit)}
}

func recentTradesKey(market string) string { return "trades:recent:" + market }

// PushTrade prepends tick and trims the list.
func (tc *TradeCache) PushTrade(ctx context.Context, tick domain.TradeTick) error {
	raw, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: encode trade %d: %w", tick.TradeID, err)
	}
	key := recentTradesKey(tick.Market)
	_, err = tc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, tc.limit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: push trade %s: %w", key, err)
	}
	return nil
}

// ReplayTrades replaces the cached list with ticks, given oldest first.
func (tc *TradeCache) ReplayTrades(ctx context.Context, market string, ticks []domain.TradeTick) error {
	key := recentTradesKey(market)
	values := make([]interface{}, 0, len(ticks))
	for _, t := range ticks {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("redis: encode trade %d: %w", t.TradeID, err)
		}
		values = append(values, raw)
	}
	_, err := tc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.LPush(ctx, key, values...)
			pipe.LTrim(ctx, key, 0, tc.limit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: replay trades %s: %w", key, err)
	}
	return nil
}

// Recent returns up to n cached trades, newest first.
func (tc *TradeCache) Recent(ctx context.Context, market string, n int) ([]domain.TradeTick, error) {
	vals, err := tc.rdb.LRange(ctx, recentTradesKey(market), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent trades %s: %w", market, err)
	}
	out := make([]domain.TradeTick, 0, len(vals))
	for _, v := range vals {
		var t domain.TradeTick
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("redis: decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

var _ domain.TradeCache = (*TradeCache)(nil)
