package domain

import (
	"context"
	"time"
)

// Publisher sends ephemeral pub/sub messages.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EventQueue accepts persistence events for the durable-store writer.
type EventQueue interface {
	Enqueue(ctx context.Context, evt PersistenceEvent) error
}

// CommandSource yields raw inbound commands. Pop returns ErrNotFound when the
// timeout elapses with nothing queued. Requeue puts a popped command back so
// it is the next one popped.
type CommandSource interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Requeue(ctx context.Context, raw []byte) error
}

// SnapshotKV is the fast key-value copy of the latest snapshot per market.
type SnapshotKV interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, market string) (BookSnapshot, error)
}

// TradeCache is the bounded read cache of recent trades per market.
type TradeCache interface {
	PushTrade(ctx context.Context, tick TradeTick) error
	ReplayTrades(ctx context.Context, market string, ticks []TradeTick) error
}
