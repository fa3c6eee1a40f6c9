package orderbook

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

const market = "BTC_USDC"

var seq int

func newOrder(user string, side domain.Side, price, qty string) domain.Order {
	seq++
	return domain.Order{
		ID:        fmt.Sprintf("o-%d", seq),
		UserID:    user,
		Market:    market,
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Filled:    decimal.Zero,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, seq, 0, time.UTC),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func TestAddOrder_RestsWhenNothingCrosses(t *testing.T) {
	b := New(market)
	res := b.AddOrder(newOrder("alice", domain.SideBuy, "99", "1"))
	assert.True(t, res.Rested)
	assert.Empty(t, res.Fills)
	assertDec(t, "0", res.ExecutedQty)

	res = b.AddOrder(newOrder("bob", domain.SideSell, "100", "1"))
	assert.True(t, res.Rested)
	assert.Empty(t, res.Fills)
	assert.Equal(t, 2, b.Len())
}

func TestAddOrder_PartialFillOfResting(t *testing.T) {
	b := New(market)
	maker := newOrder("userA", domain.SideSell, "100", "10")
	b.AddOrder(maker)

	res := b.AddOrder(newOrder("userB", domain.SideBuy, "100", "4"))
	require.Len(t, res.Fills, 1)
	assertDec(t, "4", res.ExecutedQty)
	assertDec(t, "100", res.Fills[0].Price)
	assertDec(t, "4", res.Fills[0].Quantity)
	assert.Equal(t, "userA", res.Fills[0].MakerUserID)
	assert.Equal(t, maker.ID, res.Fills[0].MakerOrderID)
	assert.False(t, res.Rested)

	resting, ok := b.Find(maker.ID)
	require.True(t, ok)
	assertDec(t, "4", resting.Filled)
	assertDec(t, "6", resting.Remaining())

	_, asks := b.Depth()
	require.Len(t, asks, 1)
	assertDec(t, "6", asks[0].Quantity)
}

func TestAddOrder_PriceTimePriority(t *testing.T) {
	b := New(market)
	worse := newOrder("m1", domain.SideSell, "101", "5")
	first := newOrder("m2", domain.SideSell, "100", "3")
	second := newOrder("m3", domain.SideSell, "100", "3")
	b.AddOrder(worse)
	b.AddOrder(first)
	b.AddOrder(second)

	res := b.AddOrder(newOrder("taker", domain.SideBuy, "101", "8"))
	require.Len(t, res.Fills, 3)
	assert.Equal(t, first.ID, res.Fills[0].MakerOrderID)
	assert.Equal(t, second.ID, res.Fills[1].MakerOrderID)
	assert.Equal(t, worse.ID, res.Fills[2].MakerOrderID)
	assertDec(t, "100", res.Fills[0].Price)
	assertDec(t, "100", res.Fills[1].Price)
	assertDec(t, "101", res.Fills[2].Price)
	assertDec(t, "2", res.Fills[2].Quantity)
	assertDec(t, "8", res.ExecutedQty)

	_, asks := b.Depth()
	require.Len(t, asks, 1)
	assertDec(t, "101", asks[0].Price)
	assertDec(t, "3", asks[0].Quantity)
}

func TestAddOrder_SellTakerHitsBestBidFirst(t *testing.T) {
	b := New(market)
	low := newOrder("m1", domain.SideBuy, "99", "5")
	high := newOrder("m2", domain.SideBuy, "100", "5")
	b.AddOrder(low)
	b.AddOrder(high)

	res := b.AddOrder(newOrder("taker", domain.SideSell, "99", "6"))
	require.Len(t, res.Fills, 2)
	assert.Equal(t, high.ID, res.Fills[0].MakerOrderID)
	assertDec(t, "100", res.Fills[0].Price)
	assert.Equal(t, low.ID, res.Fills[1].MakerOrderID)
	assertDec(t, "99", res.Fills[1].Price)
	assertDec(t, "1", res.Fills[1].Quantity)
}

func TestAddOrder_NeverFillsBeyondLimit(t *testing.T) {
	b := New(market)
	b.AddOrder(newOrder("m1", domain.SideSell, "105", "5"))

	res := b.AddOrder(newOrder("taker", domain.SideBuy, "104", "5"))
	assert.Empty(t, res.Fills)
	assert.True(t, res.Rested)

	bids, asks := b.Depth()
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}

func TestAddOrder_SelfTradePrevention(t *testing.T) {
	t.Run("only own liquidity rests unmatched", func(t *testing.T) {
		b := New(market)
		b.AddOrder(newOrder("alice", domain.SideSell, "100", "10"))

		res := b.AddOrder(newOrder("alice", domain.SideBuy, "101", "5"))
		assert.Empty(t, res.Fills)
		assertDec(t, "0", res.ExecutedQty)
		assert.True(t, res.Rested)

		bids, asks := b.Depth()
		require.Len(t, bids, 1)
		require.Len(t, asks, 1)
		assertDec(t, "5", bids[0].Quantity)
		assertDec(t, "10", asks[0].Quantity)
	})

	t.Run("own order skipped, scan continues", func(t *testing.T) {
		b := New(market)
		own := newOrder("alice", domain.SideSell, "100", "10")
		other := newOrder("bob", domain.SideSell, "101", "10")
		b.AddOrder(own)
		b.AddOrder(other)

		res := b.AddOrder(newOrder("alice", domain.SideBuy, "101", "4"))
		require.Len(t, res.Fills, 1)
		assert.Equal(t, other.ID, res.Fills[0].MakerOrderID)
		assertDec(t, "101", res.Fills[0].Price)

		kept, ok := b.Find(own.ID)
		require.True(t, ok)
		assertDec(t, "0", kept.Filled)
	})
}

func TestAddOrder_TradeIDsMonotonic(t *testing.T) {
	b := New(market)
	for i := 0; i < 3; i++ {
		b.AddOrder(newOrder("m", domain.SideSell, "100", "1"))
	}
	r1 := b.AddOrder(newOrder("t", domain.SideBuy, "100", "2"))
	r2 := b.AddOrder(newOrder("t", domain.SideBuy, "100", "1"))

	require.Len(t, r1.Fills, 2)
	require.Len(t, r2.Fills, 1)
	assert.Equal(t, int64(1), r1.Fills[0].TradeID)
	assert.Equal(t, int64(2), r1.Fills[1].TradeID)
	assert.Equal(t, int64(3), r2.Fills[0].TradeID)
	assert.Equal(t, int64(3), b.LastTradeID())
	assert.Equal(t, 0, b.Len())
}

func TestCancel(t *testing.T) {
	b := New(market)
	o := newOrder("alice", domain.SideBuy, "50", "10")
	b.AddOrder(o)

	_, ok := b.Cancel(o.ID, domain.SideSell)
	assert.False(t, ok, "wrong side must not match")

	price, ok := b.Cancel(o.ID, domain.SideBuy)
	require.True(t, ok)
	assertDec(t, "50", price)
	assert.Equal(t, 0, b.Len())

	_, ok = b.Cancel(o.ID, domain.SideBuy)
	assert.False(t, ok)
}

func TestDepthAndLevel(t *testing.T) {
	b := New(market)
	b.AddOrder(newOrder("a", domain.SideBuy, "99", "1"))
	b.AddOrder(newOrder("b", domain.SideBuy, "99.0", "2"))
	b.AddOrder(newOrder("c", domain.SideBuy, "98", "4"))
	b.AddOrder(newOrder("d", domain.SideSell, "101", "3"))

	bids, asks := b.Depth()
	require.Len(t, bids, 2)
	assertDec(t, "99", bids[0].Price)
	assertDec(t, "3", bids[0].Quantity)
	assertDec(t, "98", bids[1].Price)
	require.Len(t, asks, 1)

	assertDec(t, "3", b.Level(domain.SideBuy, d("99")))
	assertDec(t, "0", b.Level(domain.SideSell, d("99")))
}

func TestOpenOrders(t *testing.T) {
	b := New(market)
	b.AddOrder(newOrder("alice", domain.SideBuy, "99", "1"))
	b.AddOrder(newOrder("bob", domain.SideBuy, "98", "1"))
	b.AddOrder(newOrder("alice", domain.SideSell, "120", "1"))

	orders := b.OpenOrders("alice")
	require.Len(t, orders, 2)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.Equal(t, domain.SideSell, orders[1].Side)
	assert.Empty(t, b.OpenOrders("carol"))
	assert.NotNil(t, b.OpenOrders("carol"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := New(market)
	b.AddOrder(newOrder("a", domain.SideBuy, "99", "1"))
	b.AddOrder(newOrder("b", domain.SideBuy, "99", "2"))
	b.AddOrder(newOrder("c", domain.SideBuy, "97", "4"))
	b.AddOrder(newOrder("d", domain.SideSell, "101", "3"))
	b.AddOrder(newOrder("e", domain.SideSell, "102", "3"))
	b.AddOrder(newOrder("f", domain.SideBuy, "101", "1"))

	raw, err := json.Marshal(b.Snapshot())
	require.NoError(t, err)
	var snap domain.BookSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := New(market)
	require.NoError(t, restored.Restore(snap))

	want, got := b.Snapshot(), restored.Snapshot()
	assert.Equal(t, want.LastTradeID, got.LastTradeID)
	assertSameOrders(t, want.Bids, got.Bids)
	assertSameOrders(t, want.Asks, got.Asks)

	// restored book keeps matching from the same position
	r1 := b.AddOrder(newOrder("g", domain.SideBuy, "102", "4"))
	seq--
	r2 := restored.AddOrder(newOrder("g", domain.SideBuy, "102", "4"))
	require.Equal(t, len(r1.Fills), len(r2.Fills))
	for i := range r1.Fills {
		assert.Equal(t, r1.Fills[i].TradeID, r2.Fills[i].TradeID)
		assert.Equal(t, r1.Fills[i].MakerOrderID, r2.Fills[i].MakerOrderID)
	}
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	b := New(market)
	err := b.Restore(domain.BookSnapshot{Market: "ETH_USDC"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := newOrder("a", domain.SideSell, "100", "1")
	err = b.Restore(domain.BookSnapshot{Market: market, Bids: []domain.Order{bad}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func assertSameOrders(t *testing.T, want, got []domain.Order) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].UserID, got[i].UserID)
		assert.Equal(t, want[i].Side, got[i].Side)
		assert.True(t, want[i].Price.Equal(got[i].Price))
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity))
		assert.True(t, want[i].Filled.Equal(got[i].Filled))
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}
}
