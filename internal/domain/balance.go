package domain

import "github.com/shopspring/decimal"

// Balance is the available and locked amount of one asset held by one user.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Balance change reasons carried on BALANCE_UPDATED events.
const (
	BalanceEventOrderLock   = "ORDER_LOCK"
	BalanceEventOrderUnlock = "ORDER_UNLOCK"
	BalanceEventTrade       = "TRADE_SETTLE"
	BalanceEventDeposit     = "DEPOSIT"
	BalanceEventReconcile   = "RECONCILE"
	BalanceEventRestore     = "RESTORE_LOCK"
)
