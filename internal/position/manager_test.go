package position

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

const mkt = "BTC_USDC"

type capture struct {
	mu       sync.Mutex
	messages map[string][][]byte
	events   []domain.PersistenceEvent
}

func newCapture() *capture {
	return &capture{messages: make(map[string][][]byte)}
}

func (c *capture) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[channel] = append(c.messages[channel], payload)
	return nil
}

func (c *capture) Enqueue(_ context.Context, evt domain.PersistenceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := evt.Validate(); err != nil {
		return err
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *capture) types() []domain.EventType {
	out := make([]domain.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func newTestManager() (*Manager, *MemoryStore, *capture) {
	store := NewMemoryStore()
	c := newCapture()
	return NewManager(store, c, c, slog.New(slog.NewTextHandler(io.Discard, nil))), store, c
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s got %s", want, got)
}

func TestApplyFill_OpenAndAverage(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager()

	out, err := m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("100"), d("2"))
	require.NoError(t, err)
	require.NotNil(t, out.Position)
	assert.Equal(t, domain.PositionLong, out.Position.Side)
	assertDec(t, "100", out.Position.EntryPrice)

	out, err = m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("130"), d("1"))
	require.NoError(t, err)
	assertDec(t, "110", out.Position.EntryPrice)
	assertDec(t, "3", out.Position.Quantity)
	assertDec(t, "0", out.Realized)

	assert.Equal(t, []domain.EventType{domain.EventPositionUpdated, domain.EventPositionUpdated}, c.types())
	assert.Len(t, c.messages[domain.PositionsChannel("u1")], 2)
}

func TestApplyFill_PartialClose(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, err := m.ApplyFill(ctx, "u1", mkt, domain.SideSell, d("200"), d("4"))
	require.NoError(t, err)

	out, err := m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("150"), d("1"))
	require.NoError(t, err)
	require.NotNil(t, out.Position)
	assert.Equal(t, domain.PositionShort, out.Position.Side)
	assertDec(t, "50", out.Realized)
	assertDec(t, "3", out.Position.Quantity)
	assertDec(t, "200", out.Position.EntryPrice)
	assertDec(t, "50", out.Position.RealizedPnL)
	assert.False(t, out.Closed)
}

func TestApplyFill_FullClose(t *testing.T) {
	ctx := context.Background()
	m, store, c := newTestManager()

	_, err := m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("100"), d("5"))
	require.NoError(t, err)
	_, err = m.ApplyFill(ctx, "u1", mkt, domain.SideSell, d("90"), d("2"))
	require.NoError(t, err)

	out, err := m.ApplyFill(ctx, "u1", mkt, domain.SideSell, d("120"), d("3"))
	require.NoError(t, err)
	assert.Nil(t, out.Position)
	assert.True(t, out.Closed)
	assertDec(t, "60", out.Realized)

	_, err = store.Get(ctx, "u1", mkt)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	types := c.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []domain.EventType{domain.EventPositionHistory, domain.EventPositionClosed}, types[len(types)-2:])

	hist := c.events[len(c.events)-2].Data.(*domain.PositionHistoryAdded).History
	assertDec(t, "40", hist.RealizedPnL)
	assertDec(t, "120", hist.ExitPrice)
}

func TestApplyFill_Flip(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager()

	_, err := m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("100"), d("5"))
	require.NoError(t, err)

	out, err := m.ApplyFill(ctx, "u1", mkt, domain.SideSell, d("110"), d("8"))
	require.NoError(t, err)
	assert.True(t, out.Flipped)
	assertDec(t, "50", out.Realized)
	require.NotNil(t, out.Position)
	assert.Equal(t, domain.PositionShort, out.Position.Side)
	assertDec(t, "3", out.Position.Quantity)
	assertDec(t, "110", out.Position.EntryPrice)
	assertDec(t, "0", out.Position.RealizedPnL)

	assert.Equal(t, []domain.EventType{
		domain.EventPositionUpdated,
		domain.EventPositionHistory,
		domain.EventPositionClosed,
		domain.EventPositionUpdated,
	}, c.types())

	msgs := c.messages[domain.PositionsChannel("u1")]
	require.Len(t, msgs, 3)
	var evt struct {
		Stream string                `json:"stream"`
		Data   domain.PositionNotice `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[1], &evt))
	assert.Equal(t, domain.NoticePositionClosed, evt.Data.Event)
	assert.Equal(t, "positions:u1", evt.Stream)
}

func TestUpdateUnrealizedPnL(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager()

	_, err := m.ApplyFill(ctx, "long", mkt, domain.SideBuy, d("100"), d("2"))
	require.NoError(t, err)
	_, err = m.ApplyFill(ctx, "short", mkt, domain.SideSell, d("100"), d("3"))
	require.NoError(t, err)
	_, err = m.ApplyFill(ctx, "other", "ETH_USDC", domain.SideBuy, d("10"), d("1"))
	require.NoError(t, err)

	// stale index entry: position removed behind the index's back
	store.mu.Lock()
	store.index[mkt]["ghost"] = struct{}{}
	store.mu.Unlock()

	n, err := m.UpdateUnrealizedPnL(ctx, mkt, d("90"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	long, err := m.Get(ctx, "long", mkt)
	require.NoError(t, err)
	assertDec(t, "-20", long.UnrealizedPnL)
	short, err := m.Get(ctx, "short", mkt)
	require.NoError(t, err)
	assertDec(t, "30", short.UnrealizedPnL)

	users, err := store.Users(ctx, mkt)
	require.NoError(t, err)
	assert.Equal(t, []string{"long", "short"}, users)

	other, err := m.Get(ctx, "other", "ETH_USDC")
	require.NoError(t, err)
	assertDec(t, "0", other.UnrealizedPnL)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()
	_, err := m.ApplyFill(ctx, "u1", "ETH_USDC", domain.SideBuy, d("10"), d("1"))
	require.NoError(t, err)
	_, err = m.ApplyFill(ctx, "u1", mkt, domain.SideBuy, d("10"), d("1"))
	require.NoError(t, err)

	list, err := m.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mkt, list[0].Market)
}
