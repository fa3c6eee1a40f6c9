package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus tracks the order lifecycle as seen by the durable store.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// StatusFor derives the lifecycle status from executed and total quantity.
func StatusFor(executed, quantity decimal.Decimal) OrderStatus {
	switch {
	case executed.Equal(quantity):
		return OrderStatusFilled
	case executed.IsPositive():
		return OrderStatusPartial
	default:
		return OrderStatusOpen
	}
}

// Order is a limit order. While resting it is owned by the book of its market.
type Order struct {
	ID        string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Market    string          `json:"market"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Remaining returns the unmatched quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Done reports whether the order has been completely filled.
func (o Order) Done() bool {
	return o.Filled.GreaterThanOrEqual(o.Quantity)
}

// Fill is one matched quantity at one price between a taker and a maker.
type Fill struct {
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"qty"`
	TradeID      int64           `json:"tradeId"`
	MakerUserID  string          `json:"makerUserId"`
	MakerOrderID string          `json:"makerOrderId"`
}

// Notional returns price times quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
