package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// DefaultEventStream is the stream the durable-store writer consumes.
const DefaultEventStream = "engine:events"

// streamMaxLen is the approximate cap enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 100000

// EventStream appends persistence events to a Redis stream. Each entry has a
// "type" field and a "payload" field holding the encoded event.
type EventStream struct {
	rdb    *redis.Client
	stream string
}

// NewEventStream creates an EventStream writing to stream, or to
// DefaultEventStream when stream is empty.
func NewEventStream(c *Client, stream string) *EventStream {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &EventStream{rdb: c.Underlying(), stream: stream}
}

// Enqueue validates evt and appends it to the stream.
func (es *EventStream) Enqueue(ctx context.Context, evt domain.PersistenceEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", evt.Type, err)
	}
	args := &redis.XAddArgs{
		Stream: es.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(evt.Type),
			"payload": payload,
		},
	}
	if err := es.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append %s to %s: %w", evt.Type, es.stream, err)
	}
	return nil
}

// Read returns up to count events after lastID ("0" reads from the start).
// Entries that fail to decode are skipped. No entries is not an error.
func (es *EventStream) Read(ctx context.Context, lastID string, count int) ([]domain.StreamEntry, error) {
	results, err := es.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{es.stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", es.stream, err)
	}

	var out []domain.StreamEntry
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			evt, err := domain.DecodeEvent(data)
			if err != nil {
				continue
			}
			out = append(out, domain.StreamEntry{ID: msg.ID, Event: evt})
		}
	}
	return out, nil
}

var _ domain.EventQueue = (*EventStream)(nil)
