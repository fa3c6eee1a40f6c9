package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		symbol  string
		base    string
		quote   string
		wantErr bool
	}{
		{symbol: "BTC_USDC", base: "BTC", quote: "USDC"},
		{symbol: "sol_usdc", base: "sol", quote: "usdc"},
		{symbol: "BTCUSDC", wantErr: true},
		{symbol: "_USDC", wantErr: true},
		{symbol: "BTC_", wantErr: true},
		{symbol: "BTC_US-DC", wantErr: true},
		{symbol: "BTC_USDC_X", wantErr: true},
		{symbol: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			m, err := ParseSymbol(tt.symbol)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.symbol, m.Symbol)
			assert.Equal(t, tt.base, m.BaseAsset)
			assert.Equal(t, tt.quote, m.QuoteAsset)
		})
	}
}

func TestStatusFor(t *testing.T) {
	qty := decimal.NewFromInt(2)
	assert.Equal(t, OrderStatusOpen, StatusFor(decimal.Zero, qty))
	assert.Equal(t, OrderStatusPartial, StatusFor(decimal.RequireFromString("0.5"), qty))
	assert.Equal(t, OrderStatusFilled, StatusFor(decimal.RequireFromString("2.000"), qty))
}

func TestSide(t *testing.T) {
	assert.True(t, SideBuy.Valid())
	assert.False(t, Side("hold").Valid())
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"clientId":"c1","message":{"type":"GET_DEPTH","data":{"market":"BTC_USDC"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", cmd.ClientID)
	assert.Equal(t, CmdGetDepth, cmd.Message.Type)
	var data DepthData
	require.NoError(t, json.Unmarshal(cmd.Message.Data, &data))
	assert.Equal(t, "BTC_USDC", data.Market)

	_, err = DecodeCommand([]byte(`{"clientId":"c1","message":{"type":"WITHDRAW"}}`))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = DecodeCommand([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestEventValidate(t *testing.T) {
	good := NewEvent(&OrderCancelled{OrderID: "o1", UserID: "u1", Market: "BTC_USDC"}, time.Now())
	assert.NoError(t, good.Validate())

	assert.ErrorIs(t, PersistenceEvent{Type: EventOrderPlaced}.Validate(), ErrInvalidEvent)

	mismatched := good
	mismatched.Type = EventOrderUpdate
	assert.ErrorIs(t, mismatched.Validate(), ErrInvalidEvent)

	noTrade := NewEvent(&TradeAdded{Market: "BTC_USDC", TakerOrderID: "t", MakerOrderID: "m"}, time.Now())
	assert.ErrorIs(t, noTrade.Validate(), ErrInvalidEvent)
}

func TestDecodeEvent(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	evt := NewEvent(&TradeAdded{
		TradeID: 9, Market: "BTC_USDC",
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2),
		TakerOrderID: "t", MakerOrderID: "m", IsBuyerMaker: true,
	}, ts)
	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	got, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventTradeAdded, got.Type)
	assert.Equal(t, ts.UnixMilli(), got.Timestamp)
	body, ok := got.Data.(*TradeAdded)
	require.True(t, ok)
	assert.Equal(t, int64(9), body.TradeID)
	assert.True(t, body.IsBuyerMaker)
	assert.True(t, body.Price.Equal(decimal.NewFromInt(100)))

	_, err = DecodeEvent([]byte(`{"type":"NOPE","data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestStreamChannels(t *testing.T) {
	assert.Equal(t, "depth@BTC_USDC", DepthChannel("BTC_USDC"))
	assert.Equal(t, "trade@BTC_USDC", TradeChannel("BTC_USDC"))
	assert.Equal(t, "open_orders:user:alice", OpenOrdersChannel("alice"))
	assert.Equal(t, "positions:alice", PositionsChannel("alice"))
}
