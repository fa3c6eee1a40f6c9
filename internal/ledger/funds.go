package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// reservation returns the asset and amount held for qty units of an order:
// price*qty of quote for a buy, qty of base for a sell.
func reservation(m domain.MarketConfig, side domain.Side, price, qty decimal.Decimal) (string, decimal.Decimal) {
	if side == domain.SideBuy {
		return m.QuoteAsset, price.Mul(qty)
	}
	return m.BaseAsset, qty
}

// LockForOrder moves the full reservation of o from available to locked.
func (l *Ledger) LockForOrder(ctx context.Context, m domain.MarketConfig, o domain.Order) error {
	asset, amt := reservation(m, o.Side, o.Price, o.Quantity)
	return l.LockAndAdjust(ctx, o.UserID, asset, amt.Neg(), amt, domain.BalanceEventOrderLock, o.ID)
}

// RemainingReservation returns the asset and amount still held for the
// unfilled part of o.
func RemainingReservation(m domain.MarketConfig, o domain.Order) (string, decimal.Decimal) {
	return reservation(m, o.Side, o.Price, o.Remaining())
}

// UnlockRemaining releases the reservation still held for the unfilled part
// of o.
func (l *Ledger) UnlockRemaining(ctx context.Context, m domain.MarketConfig, o domain.Order) error {
	asset, amt := reservation(m, o.Side, o.Price, o.Remaining())
	if amt.IsZero() {
		return nil
	}
	return l.LockAndAdjust(ctx, o.UserID, asset, amt, amt.Neg(), domain.BalanceEventOrderUnlock, o.ID)
}

// SettleFill moves funds between taker and maker for one fill. The fill price
// is the maker's resting price.
//
// A buying taker reserved quote at its own limit price, so the lock is
// released at that rate and any price improvement is refunded to available.
// A selling taker reserved base units, so its improvement is already in the
// quote it receives.
//
// The legs commit all or nothing. Debits go first and a failed leg rolls back
// the ones already applied, so a failed settlement leaves every balance as it
// was and emits nothing.
func (l *Ledger) SettleFill(ctx context.Context, m domain.MarketConfig, taker domain.Order, f domain.Fill) error {
	eventID := fmt.Sprintf("%s:%d", m.Symbol, f.TradeID)
	notional := f.Notional()
	zero := decimal.Zero

	var legs []leg
	if taker.Side == domain.SideBuy {
		reserved := taker.Price.Mul(f.Quantity)
		refund := taker.Price.Sub(f.Price).Mul(f.Quantity)
		if refund.IsNegative() {
			refund = zero
		}
		legs = []leg{
			{taker.UserID, m.QuoteAsset, refund, reserved.Neg()},
			{f.MakerUserID, m.BaseAsset, zero, f.Quantity.Neg()},
			{taker.UserID, m.BaseAsset, f.Quantity, zero},
			{f.MakerUserID, m.QuoteAsset, notional, zero},
		}
	} else {
		legs = []leg{
			{taker.UserID, m.BaseAsset, zero, f.Quantity.Neg()},
			{f.MakerUserID, m.QuoteAsset, zero, notional.Neg()},
			{taker.UserID, m.QuoteAsset, notional, zero},
			{f.MakerUserID, m.BaseAsset, f.Quantity, zero},
		}
	}
	sort.SliceStable(legs, func(i, j int) bool { return legs[i].debits() && !legs[j].debits() })

	for i, lg := range legs {
		if err := l.apply(ctx, lg); err != nil {
			l.rollback(ctx, eventID, legs[:i])
			return fmt.Errorf("ledger: settle trade %s: %w", eventID, err)
		}
	}
	for _, lg := range legs {
		l.emit(ctx, lg.event(domain.BalanceEventTrade, eventID))
	}
	return nil
}

// rollback reverts applied legs in reverse order.
func (l *Ledger) rollback(ctx context.Context, eventID string, applied []leg) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := l.apply(ctx, applied[i].inverse()); err != nil {
			l.logger.ErrorContext(ctx, "ledger: settlement rollback failed",
				slog.String("event_id", eventID),
				slog.String("user_id", applied[i].user),
				slog.String("asset", applied[i].asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RestoreLocked raises the locked balance of (userID, asset) to at least
// amount. It restores the reservation of orders recovered from a snapshot
// when the balance store did not survive the restart, and reports whether
// anything changed.
func (l *Ledger) RestoreLocked(ctx context.Context, userID, asset string, amount decimal.Decimal) (bool, error) {
	gap := decimal.Zero
	_, err := l.store.CompareAndApply(ctx, userID, asset, func(cur domain.Balance) (domain.Balance, error) {
		gap = amount.Sub(cur.Locked)
		if !gap.IsPositive() {
			gap = decimal.Zero
			return cur, nil
		}
		return domain.Balance{Available: cur.Available, Locked: amount}, nil
	})
	if err != nil {
		return false, fmt.Errorf("ledger: restore lock %s/%s: %w", userID, asset, err)
	}
	if gap.IsZero() {
		return false, nil
	}
	l.emit(ctx, leg{user: userID, asset: asset, available: decimal.Zero, locked: gap}.event(domain.BalanceEventRestore, "restore:"+userID+":"+asset))
	return true, nil
}
