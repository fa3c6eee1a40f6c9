package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags a persistence event.
type EventType string

const (
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderUpdate     EventType = "ORDER_UPDATE"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventTradeAdded      EventType = "TRADE_ADDED"
	EventSnapshotSaved   EventType = "SNAPSHOT_SAVED"
	EventPositionUpdated EventType = "POSITION_UPDATED"
	EventPositionHistory EventType = "POSITION_HISTORY"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventBalanceUpdated  EventType = "BALANCE_UPDATED"
)

// EventBody is implemented by every persistence event payload. The set of
// implementations is closed to this package.
type EventBody interface {
	EventType() EventType
	validate() error
}

// PersistenceEvent is one self-contained record for the durable-store writer.
type PersistenceEvent struct {
	Type      EventType `json:"type"`
	Data      EventBody `json:"data"`
	Timestamp int64     `json:"ts"`
}

// NewEvent wraps body in an envelope stamped with ts.
func NewEvent(body EventBody, ts time.Time) PersistenceEvent {
	return PersistenceEvent{Type: body.EventType(), Data: body, Timestamp: ts.UnixMilli()}
}

// Validate checks that the envelope tag matches its body and that the body
// carries the identifiers a writer needs.
func (e PersistenceEvent) Validate() error {
	if e.Data == nil {
		return fmt.Errorf("%w: %s has no body", ErrInvalidEvent, e.Type)
	}
	if e.Data.EventType() != e.Type {
		return fmt.Errorf("%w: tag %s does not match body %s", ErrInvalidEvent, e.Type, e.Data.EventType())
	}
	if err := e.Data.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type, err)
	}
	return nil
}

// DecodeEvent parses an encoded PersistenceEvent back into its typed body.
func DecodeEvent(raw []byte) (PersistenceEvent, error) {
	var env struct {
		Type      EventType       `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"ts"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return PersistenceEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var body EventBody
	switch env.Type {
	case EventOrderPlaced:
		body = &OrderPlaced{}
	case EventOrderUpdate:
		body = &OrderUpdate{}
	case EventOrderCancelled:
		body = &OrderCancelled{}
	case EventTradeAdded:
		body = &TradeAdded{}
	case EventSnapshotSaved:
		body = &SnapshotSaved{}
	case EventPositionUpdated:
		body = &PositionUpdated{}
	case EventPositionHistory:
		body = &PositionHistoryAdded{}
	case EventPositionClosed:
		body = &PositionClosed{}
	case EventBalanceUpdated:
		body = &BalanceUpdated{}
	default:
		return PersistenceEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}
	if err := json.Unmarshal(env.Data, body); err != nil {
		return PersistenceEvent{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
	}
	return PersistenceEvent{Type: env.Type, Data: body, Timestamp: env.Timestamp}, nil
}

// OrderPlaced persists a taker order after matching.
type OrderPlaced struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Market      string          `json:"market"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Status      OrderStatus     `json:"status"`
	Fills       []Fill          `json:"fills"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (*OrderPlaced) EventType() EventType { return EventOrderPlaced }
func (b *OrderPlaced) validate() error    { return requireIDs(b.OrderID, b.UserID, b.Market) }

// OrderUpdate is an incremental maker fill.
type OrderUpdate struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Market      string          `json:"market"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Status      OrderStatus     `json:"status"`
}

func (*OrderUpdate) EventType() EventType { return EventOrderUpdate }
func (b *OrderUpdate) validate() error    { return requireIDs(b.OrderID, b.UserID, b.Market) }

// OrderCancelled closes a resting order.
type OrderCancelled struct {
	OrderID      string          `json:"orderId"`
	UserID       string          `json:"userId"`
	Market       string          `json:"market"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
}

func (*OrderCancelled) EventType() EventType { return EventOrderCancelled }
func (b *OrderCancelled) validate() error    { return requireIDs(b.OrderID, b.UserID, b.Market) }

// TradeAdded records one fill with both counterparties.
type TradeAdded struct {
	TradeID       int64           `json:"tradeId"`
	Market        string          `json:"market"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quoteQuantity"`
	IsBuyerMaker  bool            `json:"isBuyerMaker"`
	TakerOrderID  string          `json:"takerOrderId"`
	TakerUserID   string          `json:"takerUserId"`
	MakerOrderID  string          `json:"makerOrderId"`
	MakerUserID   string          `json:"makerUserId"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (*TradeAdded) EventType() EventType { return EventTradeAdded }
func (b *TradeAdded) validate() error {
	if b.TradeID <= 0 {
		return fmt.Errorf("trade id must be positive")
	}
	return requireIDs(b.Market, b.TakerOrderID, b.MakerOrderID)
}

// SnapshotSaved carries the full recovery image so the writer can store it.
type SnapshotSaved struct {
	Snapshot BookSnapshot `json:"snapshot"`
}

func (*SnapshotSaved) EventType() EventType { return EventSnapshotSaved }
func (b *SnapshotSaved) validate() error    { return requireIDs(b.Snapshot.Market) }

// PositionUpdated upserts an open position.
type PositionUpdated struct {
	Position Position `json:"position"`
}

func (*PositionUpdated) EventType() EventType { return EventPositionUpdated }
func (b *PositionUpdated) validate() error {
	return requireIDs(b.Position.UserID, b.Position.Market)
}

// PositionHistoryAdded appends a closed position to history.
type PositionHistoryAdded struct {
	History PositionHistory `json:"history"`
}

func (*PositionHistoryAdded) EventType() EventType { return EventPositionHistory }
func (b *PositionHistoryAdded) validate() error {
	return requireIDs(b.History.UserID, b.History.Market)
}

// PositionClosed removes an open position row.
type PositionClosed struct {
	UserID      string          `json:"userId"`
	Market      string          `json:"market"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	ClosedAt    time.Time       `json:"closedAt"`
}

func (*PositionClosed) EventType() EventType { return EventPositionClosed }
func (b *PositionClosed) validate() error    { return requireIDs(b.UserID, b.Market) }

// BalanceUpdated records one committed ledger adjustment.
type BalanceUpdated struct {
	UserID         string          `json:"userId"`
	Asset          string          `json:"asset"`
	AvailableDelta decimal.Decimal `json:"availableDelta"`
	LockedDelta    decimal.Decimal `json:"lockedDelta"`
	Reason         string          `json:"reason"`
	EventID        string          `json:"eventId"`
}

func (*BalanceUpdated) EventType() EventType { return EventBalanceUpdated }
func (b *BalanceUpdated) validate() error    { return requireIDs(b.UserID, b.Asset, b.Reason) }

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("missing identifier")
		}
	}
	return nil
}

// StreamEntry is one persistence event read back from the event stream,
// keyed by its stream ID.
type StreamEntry struct {
	ID    string           `json:"id"`
	Event PersistenceEvent `json:"event"`
}
