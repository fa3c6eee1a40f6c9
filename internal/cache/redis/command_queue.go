package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// DefaultCommandQueue is the list the API gateway pushes commands onto.
const DefaultCommandQueue = "messages"

// CommandQueue is a FIFO list of raw commands. Producers LPUSH, the engine
// BRPOPs.
type CommandQueue struct {
	rdb *redis.Client
	key string
}

// NewCommandQueue creates a CommandQueue on key, or DefaultCommandQueue when
// key is empty.
func NewCommandQueue(c *Client, key string) *CommandQueue {
	if key == "" {
		key = DefaultCommandQueue
	}
	return &CommandQueue{rdb: c.Underlying(), key: key}
}

// Pop blocks up to timeout for the oldest command. It returns
// domain.ErrNotFound when nothing arrives in time.
func (q *CommandQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: pop %s: %w", q.key, err)
	}
	// BRPOP replies with [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("redis: pop %s: unexpected reply of %d elements", q.key, len(vals))
	}
	return []byte(vals[1]), nil
}

// Requeue returns a popped command to the consuming end of the list.
func (q *CommandQueue) Requeue(ctx context.Context, raw []byte) error {
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("redis: requeue %s: %w", q.key, err)
	}
	return nil
}

var _ domain.CommandSource = (*CommandQueue)(nil)
