package domain

import "context"

// BalanceStore holds balances keyed by (user, asset). CompareAndApply reads the
// current balance, passes it to fn and commits fn's result as one indivisible
// step with respect to every other mutation of the same key. If fn returns an
// error nothing is written and the error is returned unchanged.
type BalanceStore interface {
	Get(ctx context.Context, userID, asset string) (Balance, error)
	CompareAndApply(ctx context.Context, userID, asset string, fn func(Balance) (Balance, error)) (Balance, error)
}

// PositionStore persists open positions and a per-market index of the users
// holding them. The index may reference users whose position is gone.
type PositionStore interface {
	Get(ctx context.Context, userID, market string) (Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
	Put(ctx context.Context, pos Position) error
	Delete(ctx context.Context, userID, market string) error
	Users(ctx context.Context, market string) ([]string, error)
	Untrack(ctx context.Context, market, userID string) error
}

// MarketStore is the reference feed of tradable markets.
type MarketStore interface {
	ListActive(ctx context.Context) ([]MarketConfig, error)
}

// SnapshotReader loads the most recent durable snapshot of a market.
type SnapshotReader interface {
	Latest(ctx context.Context, market string) (BookSnapshot, error)
}
