package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a net position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionSideFor maps an order side to its position effect.
func PositionSideFor(s Side) PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// Position is the net exposure of one user in one market.
type Position struct {
	UserID        string          `json:"userId"`
	Market        string          `json:"market"`
	Side          PositionSide    `json:"side"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Quantity      decimal.Decimal `json:"quantity"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PnLAt returns the profit of closing qty of the position at price.
func (p Position) PnLAt(price, qty decimal.Decimal) decimal.Decimal {
	if p.Side == PositionLong {
		return price.Sub(p.EntryPrice).Mul(qty)
	}
	return p.EntryPrice.Sub(price).Mul(qty)
}

// PositionHistory records a fully closed position.
type PositionHistory struct {
	UserID      string          `json:"userId"`
	Market      string          `json:"market"`
	Side        PositionSide    `json:"side"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	OpenedAt    time.Time       `json:"openedAt"`
	ClosedAt    time.Time       `json:"closedAt"`
}
