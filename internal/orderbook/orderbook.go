// Package orderbook implements a single-market limit order book with
// price-time priority matching and self-trade prevention.
//
// A Book is not safe for concurrent use. The engine owns every book from a
// single goroutine.
package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Result is the outcome of AddOrder.
type Result struct {
	ExecutedQty decimal.Decimal
	Fills       []domain.Fill
	// Makers holds the state of the resting order after each fill, aligned
	// with Fills by index.
	Makers []domain.Order
	// Rested is true when the unmatched remainder was added to the book.
	Rested bool
}

// Book holds the resting orders of one market. Bids are kept best (highest)
// price first and asks best (lowest) price first; orders at an equal price
// stay in arrival order.
type Book struct {
	market      string
	bids        []*domain.Order
	asks        []*domain.Order
	lastTradeID int64
}

// New creates an empty book for market.
func New(market string) *Book {
	return &Book{market: market}
}

// Market returns the market symbol.
func (b *Book) Market() string { return b.market }

// LastTradeID returns the most recently issued trade id.
func (b *Book) LastTradeID() int64 { return b.lastTradeID }

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int { return len(b.bids) + len(b.asks) }

// AddOrder matches order against the opposite side and rests any remainder.
// Resting orders owned by the same user are skipped rather than matched.
func (b *Book) AddOrder(order domain.Order) Result {
	res := Result{ExecutedQty: decimal.Zero}

	against := &b.asks
	crosses := func(p decimal.Decimal) bool { return p.LessThanOrEqual(order.Price) }
	if order.Side == domain.SideSell {
		against = &b.bids
		crosses = func(p decimal.Decimal) bool { return p.GreaterThanOrEqual(order.Price) }
	}

	for _, maker := range *against {
		if order.Done() || !crosses(maker.Price) {
			break
		}
		if maker.UserID == order.UserID {
			continue
		}

		qty := decimal.Min(order.Remaining(), maker.Remaining())
		order.Filled = order.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)
		b.lastTradeID++

		res.ExecutedQty = res.ExecutedQty.Add(qty)
		res.Fills = append(res.Fills, domain.Fill{
			Price:        maker.Price,
			Quantity:     qty,
			TradeID:      b.lastTradeID,
			MakerUserID:  maker.UserID,
			MakerOrderID: maker.ID,
		})
		res.Makers = append(res.Makers, *maker)
	}
	*against = pruneFilled(*against)

	if !order.Done() {
		b.insert(&order)
		res.Rested = true
	}
	return res
}

func (b *Book) insert(o *domain.Order) {
	if o.Side == domain.SideBuy {
		i := sort.Search(len(b.bids), func(i int) bool { return b.bids[i].Price.LessThan(o.Price) })
		b.bids = insertAt(b.bids, i, o)
		return
	}
	i := sort.Search(len(b.asks), func(i int) bool { return b.asks[i].Price.GreaterThan(o.Price) })
	b.asks = insertAt(b.asks, i, o)
}

func insertAt(s []*domain.Order, i int, o *domain.Order) []*domain.Order {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = o
	return s
}

func pruneFilled(s []*domain.Order) []*domain.Order {
	out := s[:0]
	for _, o := range s {
		if !o.Done() {
			out = append(out, o)
		}
	}
	for i := len(out); i < len(s); i++ {
		s[i] = nil
	}
	return out
}

// Cancel removes the order with id from side and returns its price.
func (b *Book) Cancel(id string, side domain.Side) (decimal.Decimal, bool) {
	orders := &b.bids
	if side == domain.SideSell {
		orders = &b.asks
	}
	for i, o := range *orders {
		if o.ID != id {
			continue
		}
		price := o.Price
		*orders = append((*orders)[:i], (*orders)[i+1:]...)
		return price, true
	}
	return decimal.Zero, false
}

// Find returns a copy of the resting order with id.
func (b *Book) Find(id string) (domain.Order, bool) {
	for _, side := range [][]*domain.Order{b.bids, b.asks} {
		for _, o := range side {
			if o.ID == id {
				return *o, true
			}
		}
	}
	return domain.Order{}, false
}

// Depth aggregates remaining quantity per price on each side, best price
// first.
func (b *Book) Depth() (bids, asks []domain.PriceLevel) {
	return aggregate(b.bids), aggregate(b.asks)
}

func aggregate(orders []*domain.Order) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0)
	index := make(map[string]int)
	for _, o := range orders {
		key := o.Price.String()
		if i, ok := index[key]; ok {
			levels[i].Quantity = levels[i].Quantity.Add(o.Remaining())
			continue
		}
		index[key] = len(levels)
		levels = append(levels, domain.PriceLevel{Price: o.Price, Quantity: o.Remaining()})
	}
	return levels
}

// Level returns the aggregated remaining quantity at price on side. Zero means
// the level is empty.
func (b *Book) Level(side domain.Side, price decimal.Decimal) decimal.Decimal {
	orders := b.bids
	if side == domain.SideSell {
		orders = b.asks
	}
	total := decimal.Zero
	for _, o := range orders {
		if o.Price.Equal(price) {
			total = total.Add(o.Remaining())
		}
	}
	return total
}

// OpenOrders returns copies of every resting order owned by userID, bids
// first.
func (b *Book) OpenOrders(userID string) []domain.Order {
	out := make([]domain.Order, 0)
	for _, side := range [][]*domain.Order{b.bids, b.asks} {
		for _, o := range side {
			if o.UserID == userID {
				out = append(out, *o)
			}
		}
	}
	return out
}

// Snapshot returns a deep copy of the book state.
func (b *Book) Snapshot() domain.BookSnapshot {
	return domain.BookSnapshot{
		Market:      b.market,
		Bids:        copyOrders(b.bids),
		Asks:        copyOrders(b.asks),
		LastTradeID: b.lastTradeID,
	}
}

func copyOrders(orders []*domain.Order) []domain.Order {
	out := make([]domain.Order, len(orders))
	for i, o := range orders {
		out[i] = *o
	}
	return out
}

// Restore replaces the book state with snap, preserving array order.
func (b *Book) Restore(snap domain.BookSnapshot) error {
	if snap.Market != b.market {
		return fmt.Errorf("orderbook: restore %s from snapshot of %s: %w", b.market, snap.Market, domain.ErrValidation)
	}
	bids, err := restoreSide(snap.Bids, domain.SideBuy)
	if err != nil {
		return fmt.Errorf("orderbook: restore %s bids: %w", b.market, err)
	}
	asks, err := restoreSide(snap.Asks, domain.SideSell)
	if err != nil {
		return fmt.Errorf("orderbook: restore %s asks: %w", b.market, err)
	}
	b.bids, b.asks, b.lastTradeID = bids, asks, snap.LastTradeID
	return nil
}

func restoreSide(orders []domain.Order, side domain.Side) ([]*domain.Order, error) {
	out := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Side != side || !o.Price.IsPositive() || o.Filled.IsNegative() || o.Done() {
			return nil, fmt.Errorf("order %s: %w", o.ID, domain.ErrValidation)
		}
		o := o
		out = append(out, &o)
	}
	return out, nil
}
