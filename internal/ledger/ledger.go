// Package ledger is the authoritative available/locked balance book that
// funds orders. Every mutation goes through one atomic compare-and-apply on
// the backing domain.BalanceStore.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Ledger applies balance adjustments and reports each committed change to the
// persistence queue.
type Ledger struct {
	store  domain.BalanceStore
	events domain.EventQueue
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger over store. Committed changes are enqueued on events.
func New(store domain.BalanceStore, events domain.EventQueue, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		events: events,
		logger: logger.With(slog.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func zeroBalance() domain.Balance {
	return domain.Balance{Available: decimal.Zero, Locked: decimal.Zero}
}

// LockAndAdjust atomically adds availableDelta and lockedDelta to the balance
// of (userID, asset). If either result would be negative nothing changes and
// the returned error wraps domain.ErrInsufficientFunds.
func (l *Ledger) LockAndAdjust(ctx context.Context, userID, asset string, availableDelta, lockedDelta decimal.Decimal, reason, eventID string) error {
	lg := leg{user: userID, asset: asset, available: availableDelta, locked: lockedDelta}
	if err := l.apply(ctx, lg); err != nil {
		return err
	}
	l.emit(ctx, lg.event(reason, eventID))
	return nil
}

// leg is one balance adjustment.
type leg struct {
	user, asset       string
	available, locked decimal.Decimal
}

func (lg leg) debits() bool {
	return lg.available.IsNegative() || lg.locked.IsNegative()
}

func (lg leg) inverse() leg {
	return leg{user: lg.user, asset: lg.asset, available: lg.available.Neg(), locked: lg.locked.Neg()}
}

func (lg leg) event(reason, eventID string) *domain.BalanceUpdated {
	return &domain.BalanceUpdated{
		UserID:         lg.user,
		Asset:          lg.asset,
		AvailableDelta: lg.available,
		LockedDelta:    lg.locked,
		Reason:         reason,
		EventID:        eventID,
	}
}

// apply commits lg without reporting it.
func (l *Ledger) apply(ctx context.Context, lg leg) error {
	_, err := l.store.CompareAndApply(ctx, lg.user, lg.asset, func(cur domain.Balance) (domain.Balance, error) {
		next := domain.Balance{
			Available: cur.Available.Add(lg.available),
			Locked:    cur.Locked.Add(lg.locked),
		}
		if next.Available.IsNegative() || next.Locked.IsNegative() {
			return cur, fmt.Errorf("%w: %s has available=%s locked=%s, delta available=%s locked=%s",
				domain.ErrInsufficientFunds, lg.asset,
				cur.Available, cur.Locked, lg.available, lg.locked)
		}
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("ledger: adjust %s/%s: %w", lg.user, lg.asset, err)
	}
	return nil
}

// GetBalance returns the current balance of (userID, asset).
func (l *Ledger) GetBalance(ctx context.Context, userID, asset string) (domain.Balance, error) {
	bal, err := l.store.Get(ctx, userID, asset)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("ledger: get %s/%s: %w", userID, asset, err)
	}
	return bal, nil
}

// Deposit credits amount to available.
func (l *Ledger) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, txnID string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: deposit %s/%s: amount %s: %w", userID, asset, amount, domain.ErrValidation)
	}
	return l.LockAndAdjust(ctx, userID, asset, amount, decimal.Zero, domain.BalanceEventDeposit, txnID)
}

// SyncFromDurable tops up available when the durable total exceeds the
// in-memory total. It never decreases the in-memory balance and reports
// whether anything changed.
func (l *Ledger) SyncFromDurable(ctx context.Context, userID, asset string, durableAvailable, durableLocked decimal.Decimal) (bool, error) {
	diff := decimal.Zero
	_, err := l.store.CompareAndApply(ctx, userID, asset, func(cur domain.Balance) (domain.Balance, error) {
		gap := durableAvailable.Add(durableLocked).Sub(cur.Total())
		if !gap.IsPositive() {
			return cur, nil
		}
		diff = gap
		return domain.Balance{Available: cur.Available.Add(gap), Locked: cur.Locked}, nil
	})
	if err != nil {
		return false, fmt.Errorf("ledger: sync %s/%s: %w", userID, asset, err)
	}
	if diff.IsZero() {
		return false, nil
	}

	l.logger.InfoContext(ctx, "ledger: reconciled from durable store",
		slog.String("user_id", userID),
		slog.String("asset", asset),
		slog.String("top_up", diff.String()),
	)
	l.emit(ctx, &domain.BalanceUpdated{
		UserID:         userID,
		Asset:          asset,
		AvailableDelta: diff,
		LockedDelta:    decimal.Zero,
		Reason:         domain.BalanceEventReconcile,
		EventID:        "sync:" + userID + ":" + asset,
	})
	return true, nil
}

func (l *Ledger) emit(ctx context.Context, body domain.EventBody) {
	if l.events == nil {
		return
	}
	if err := l.events.Enqueue(ctx, domain.NewEvent(body, l.now())); err != nil {
		l.logger.WarnContext(ctx, "ledger: enqueue balance event failed",
			slog.String("error", err.Error()),
		)
	}
}
