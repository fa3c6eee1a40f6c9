package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceLevel is the aggregated remaining quantity at one price. It encodes as
// a ["price","quantity"] pair. A zero quantity in a depth delta means the level
// was removed.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p, err := decimal.NewFromString(pair[0])
	if err != nil {
		return fmt.Errorf("price level: price: %w", err)
	}
	q, err := decimal.NewFromString(pair[1])
	if err != nil {
		return fmt.Errorf("price level: quantity: %w", err)
	}
	l.Price, l.Quantity = p, q
	return nil
}

// Depth is the aggregated view of both sides of a book.
type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// TradeTick is the public record of one fill.
type TradeTick struct {
	TradeID       int64           `json:"tradeId"`
	Market        string          `json:"market"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"qty"`
	QuoteQuantity decimal.Decimal `json:"quoteQty"`
	TakerSide     Side            `json:"takerSide"`
	Timestamp     int64           `json:"ts"`
}

// BookSnapshot is the recovery image of one market. Array order is preserved
// exactly so a restored book matches identically.
type BookSnapshot struct {
	Market       string      `json:"market"`
	Bids         []Order     `json:"bids"`
	Asks         []Order     `json:"asks"`
	LastTradeID  int64       `json:"lastTradeId"`
	RecentTrades []TradeTick `json:"recentTrades"`
	Depth        *Depth      `json:"depth,omitempty"`
	TakenAt      int64       `json:"takenAt"`
}
