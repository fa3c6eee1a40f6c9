package domain

import "github.com/shopspring/decimal"

// Pub/sub channel names consumed by the fan-out server.
func DepthChannel(market string) string      { return "depth@" + market }
func TradeChannel(market string) string      { return "trade@" + market }
func OpenOrdersChannel(userID string) string { return "open_orders:user:" + userID }
func PositionsChannel(userID string) string  { return "positions:" + userID }

// StreamEvent is the envelope published on every pub/sub channel.
type StreamEvent struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

// DepthUpdate carries changed levels only; zero quantity removes a level.
type DepthUpdate struct {
	Event  string       `json:"e"`
	Market string       `json:"market"`
	Bids   []PriceLevel `json:"b"`
	Asks   []PriceLevel `json:"a"`
}

// Order notice kinds on open_orders:user:<id>.
const (
	NoticeOrderPlaced    = "ORDER_PLACED"
	NoticeOrderFilled    = "ORDER_FILLED"
	NoticeMakerFill      = "MAKER_FILL"
	NoticeOrderCancelled = "ORDER_CANCELLED"
)

// OrderNotice is a private order lifecycle message.
type OrderNotice struct {
	Event        string          `json:"e"`
	OrderID      string          `json:"orderId"`
	Market       string          `json:"market"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
	Status       OrderStatus     `json:"status"`
	TradeID      int64           `json:"tradeId,omitempty"`
}

// Position notice kinds on positions:<id>.
const (
	NoticePositionUpdate = "position_update"
	NoticePositionClosed = "position_closed"
)

// PositionNotice is a private position message.
type PositionNotice struct {
	Event       string          `json:"e"`
	Position    Position        `json:"position"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}
