package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
	"github.com/alanyoungcy/spotengine/internal/ledger"
)

// Bootstrap creates a book for every registered market, plus any market with
// a local snapshot file, and restores each from the newest snapshot found. A
// market with no snapshot starts empty. A snapshot that fails to restore
// aborts startup. Once the books are back, every resting order's remaining
// reservation is locked again in the ledger.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.snapshots != nil {
		for _, symbol := range e.snapshots.KnownMarkets() {
			if _, created, err := e.registry.Ensure(symbol); err != nil {
				e.logger.WarnContext(ctx, "engine: ignoring snapshot of malformed market",
					slog.String("market", symbol),
					slog.String("error", err.Error()),
				)
			} else if created {
				e.logger.InfoContext(ctx, "engine: registered market from snapshot", slog.String("market", symbol))
			}
		}
	}

	for _, cfg := range e.registry.List() {
		b := e.ensureBook(cfg)
		if e.snapshots == nil {
			continue
		}
		snap, src, err := e.snapshots.Load(ctx, cfg.Symbol)
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.InfoContext(ctx, "engine: no snapshot, starting empty", slog.String("market", cfg.Symbol))
			continue
		}
		if err != nil {
			return fmt.Errorf("engine: load snapshot %s: %w", cfg.Symbol, err)
		}
		if err := b.ob.Restore(snap); err != nil {
			return fmt.Errorf("engine: restore %s: %w", cfg.Symbol, err)
		}
		b.recent.load(snap.RecentTrades)
		if e.trades != nil {
			if err := e.trades.ReplayTrades(ctx, cfg.Symbol, b.recent.list()); err != nil {
				e.logger.WarnContext(ctx, "engine: trade cache replay failed",
					slog.String("market", cfg.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		restingOrders.WithLabelValues(cfg.Symbol).Set(float64(b.ob.Len()))
		e.logger.InfoContext(ctx, "engine: restored book",
			slog.String("market", cfg.Symbol),
			slog.String("source", string(src)),
			slog.Int("orders", b.ob.Len()),
			slog.Int64("last_trade_id", snap.LastTradeID),
		)
	}
	return e.restoreReservations(ctx)
}

type holding struct {
	user, asset string
}

// restoreReservations raises each user's locked balance to what their
// resting orders hold. A balance store that survived the restart already
// holds these locks and is left alone.
func (e *Engine) restoreReservations(ctx context.Context) error {
	held := make(map[holding]decimal.Decimal)
	for _, b := range e.books {
		snap := b.ob.Snapshot()
		for _, side := range [][]domain.Order{snap.Bids, snap.Asks} {
			for _, o := range side {
				asset, amt := ledger.RemainingReservation(b.cfg, o)
				k := holding{user: o.UserID, asset: asset}
				held[k] = held[k].Add(amt)
			}
		}
	}

	keys := make([]holding, 0, len(held))
	for k := range held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].asset < keys[j].asset
	})

	restored := 0
	for _, k := range keys {
		changed, err := e.ledger.RestoreLocked(ctx, k.user, k.asset, held[k])
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		if changed {
			restored++
		}
	}
	if restored > 0 {
		e.logger.InfoContext(ctx, "engine: restored order reservations",
			slog.Int("balances", restored),
			slog.Int("holders", len(keys)),
		)
	}
	return nil
}

// Markets returns the symbols with a live book, sorted.
func (e *Engine) Markets() []string {
	return e.registry.Symbols()
}
