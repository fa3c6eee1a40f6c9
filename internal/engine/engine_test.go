package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotengine/internal/domain"
	"github.com/alanyoungcy/spotengine/internal/ledger"
	"github.com/alanyoungcy/spotengine/internal/market"
	"github.com/alanyoungcy/spotengine/internal/position"
	"github.com/alanyoungcy/spotengine/internal/snapshot"
)

const btc = "BTC_USDC"

type recorder struct {
	mu       sync.Mutex
	messages map[string][][]byte
	events   []domain.PersistenceEvent
}

func newRecorder() *recorder {
	return &recorder{messages: make(map[string][][]byte)}
}

func (r *recorder) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[channel] = append(r.messages[channel], payload)
	return nil
}

func (r *recorder) Enqueue(_ context.Context, evt domain.PersistenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[channel])
}

func (r *recorder) eventCount(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	engine    *Engine
	rec       *recorder
	ledger    *ledger.Ledger
	positions *position.Manager
	registry  *market.Registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	logger := testLogger()
	rec := newRecorder()
	reg := market.NewRegistry(logger)
	require.NoError(t, reg.Register(domain.MarketConfig{Symbol: btc, BaseAsset: "BTC", QuoteAsset: "USDC"}))

	led := ledger.New(ledger.NewMemoryStore(), rec, logger)
	pos := position.NewManager(position.NewMemoryStore(), rec, rec, logger)
	deps := Deps{
		Registry:  reg,
		Ledger:    led,
		Positions: pos,
		Publisher: rec,
		Events:    rec,
	}
	if dir != "" {
		deps.Snapshots = snapshot.New(snapshot.Config{Dir: dir}, logger)
	}
	e := New(Config{RecentTrades: 10, PopTimeout: 10 * time.Millisecond}, deps, logger)
	require.NoError(t, e.Bootstrap(context.Background()))
	return &harness{engine: e, rec: rec, ledger: led, positions: pos, registry: reg}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) do(t *testing.T, typ domain.CommandType, data any) domain.Reply {
	t.Helper()
	cmd, err := domain.NewCommand("client-1", typ, data)
	require.NoError(t, err)
	return h.engine.Process(context.Background(), cmd)
}

func (h *harness) deposit(t *testing.T, user, asset, amount string) {
	t.Helper()
	reply := h.do(t, domain.CmdOnRamp, domain.OnRampData{UserID: user, Asset: asset, Amount: d(amount), TxnID: "tx-" + user + asset})
	require.Equal(t, domain.ReplyBalance, reply.Type)
	_, failed := reply.Payload.(domain.FailureReply)
	require.False(t, failed)
}

func (h *harness) place(t *testing.T, user string, side domain.Side, price, qty string) domain.OrderReply {
	t.Helper()
	reply := h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: btc, Price: d(price), Quantity: d(qty), Side: side, UserID: user,
	})
	require.Equal(t, domain.ReplyOrderPlaced, reply.Type)
	out, ok := reply.Payload.(domain.OrderReply)
	require.True(t, ok, "expected success, got %+v", reply.Payload)
	return out
}

func (h *harness) requireBalance(t *testing.T, user, asset, available, locked string) {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d(available)), "%s %s available: want %s got %s", user, asset, available, bal.Available)
	assert.True(t, bal.Locked.Equal(d(locked)), "%s %s locked: want %s got %s", user, asset, locked, bal.Locked)
}

func (h *harness) depth(t *testing.T, mkt string) domain.Depth {
	t.Helper()
	reply := h.do(t, domain.CmdGetDepth, domain.DepthData{Market: mkt})
	require.Equal(t, domain.ReplyDepth, reply.Type)
	return reply.Payload.(domain.Depth)
}

func TestDepositLockCancelRoundTrip(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "1000")

	placed := h.place(t, "alice", domain.SideBuy, "100", "2")
	assert.True(t, placed.ExecutedQty.IsZero())
	assert.Empty(t, placed.Fills)
	h.requireBalance(t, "alice", "USDC", "800", "200")

	reply := h.do(t, domain.CmdCancelOrder, domain.CancelOrderData{OrderID: placed.OrderID, Market: btc})
	require.Equal(t, domain.ReplyOrderCancelled, reply.Type)
	cancelled := reply.Payload.(domain.CancelReply)
	assert.True(t, cancelled.RemainingQty.Equal(d("2")))
	h.requireBalance(t, "alice", "USDC", "1000", "0")

	dep := h.depth(t, btc)
	assert.Empty(t, dep.Bids)
	assert.Equal(t, 1, h.rec.eventCount(domain.EventOrderCancelled))
}

func TestPartialFillWithPriceImprovement(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "BTC", "5")
	h.deposit(t, "bob", "USDC", "1000")

	ask := h.place(t, "alice", domain.SideSell, "100", "1")
	bid := h.place(t, "bob", domain.SideBuy, "101", "2")

	require.Len(t, bid.Fills, 1)
	f := bid.Fills[0]
	assert.True(t, f.Price.Equal(d("100")), "fills at the maker price")
	assert.True(t, f.Quantity.Equal(d("1")))
	assert.Equal(t, ask.OrderID, f.MakerOrderID)
	assert.Equal(t, int64(1), f.TradeID)
	assert.True(t, bid.ExecutedQty.Equal(d("1")))

	h.requireBalance(t, "bob", "USDC", "799", "101")
	h.requireBalance(t, "bob", "BTC", "1", "0")
	h.requireBalance(t, "alice", "BTC", "4", "0")
	h.requireBalance(t, "alice", "USDC", "100", "0")

	dep := h.depth(t, btc)
	require.Len(t, dep.Bids, 1)
	assert.True(t, dep.Bids[0].Price.Equal(d("101")))
	assert.True(t, dep.Bids[0].Quantity.Equal(d("1")))
	assert.Empty(t, dep.Asks)

	assert.Equal(t, 1, h.rec.eventCount(domain.EventTradeAdded))
	assert.Equal(t, 1, h.rec.eventCount(domain.EventOrderUpdate))
	assert.Equal(t, 2, h.rec.eventCount(domain.EventOrderPlaced))
	assert.Equal(t, 1, h.rec.count(domain.TradeChannel(btc)))
	assert.Positive(t, h.rec.count(domain.DepthChannel(btc)))
	assert.Positive(t, h.rec.count(domain.OpenOrdersChannel("alice")))

	long, err := h.positions.Get(context.Background(), "bob", btc)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionLong, long.Side)
	assert.True(t, long.Quantity.Equal(d("1")))
	short, err := h.positions.Get(context.Background(), "alice", btc)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionShort, short.Side)
}

func TestCreateOrder_InsufficientFunds(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "50")

	reply := h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: btc, Price: d("100"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice",
	})
	require.Equal(t, domain.ReplyOrderPlaced, reply.Type)
	failure, ok := reply.Payload.(domain.FailureReply)
	require.True(t, ok)
	assert.NotEmpty(t, failure.Error)
	assert.True(t, failure.ExecutedQty.IsZero())

	h.requireBalance(t, "alice", "USDC", "50", "0")
	assert.Empty(t, h.depth(t, btc).Bids)
	assert.Zero(t, h.rec.eventCount(domain.EventOrderPlaced))
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "1000")

	cases := []domain.CreateOrderData{
		{Market: btc, Price: d("0"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice"},
		{Market: btc, Price: d("10"), Quantity: d("-1"), Side: domain.SideBuy, UserID: "alice"},
		{Market: btc, Price: d("10"), Quantity: d("1"), Side: "hold", UserID: "alice"},
		{Market: btc, Price: d("10"), Quantity: d("1"), Side: domain.SideBuy},
		{Market: "not-a-market", Price: d("10"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice"},
	}
	for _, c := range cases {
		reply := h.do(t, domain.CmdCreateOrder, c)
		_, failed := reply.Payload.(domain.FailureReply)
		assert.True(t, failed, "%+v should be rejected", c)
	}
	h.requireBalance(t, "alice", "USDC", "1000", "0")
}

func TestCreateOrder_AutoRegistersMarket(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "100")

	reply := h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: "SOL_USDC", Price: d("10"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice",
	})
	_, ok := reply.Payload.(domain.OrderReply)
	require.True(t, ok)
	assert.Contains(t, h.registry.Symbols(), "SOL_USDC")
	assert.Len(t, h.depth(t, "SOL_USDC").Bids, 1)
}

func TestCreateOrder_UnfundedOrderRegistersNothing(t *testing.T) {
	h := newHarness(t, "")

	reply := h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: "SOL_USDC", Price: d("10"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice",
	})
	_, failed := reply.Payload.(domain.FailureReply)
	require.True(t, failed)
	assert.NotContains(t, h.registry.Symbols(), "SOL_USDC")
	assert.NotContains(t, h.engine.books, "SOL_USDC")
}

func TestSelfTradeIsSkipped(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "BTC", "1")
	h.deposit(t, "alice", "USDC", "1000")
	h.deposit(t, "bob", "BTC", "1")

	h.place(t, "alice", domain.SideSell, "100", "1")
	h.place(t, "bob", domain.SideSell, "100", "1")
	bid := h.place(t, "alice", domain.SideBuy, "100", "1")

	require.Len(t, bid.Fills, 1)
	assert.Equal(t, "bob", bid.Fills[0].MakerUserID)
	open := h.do(t, domain.CmdGetOpenOrders, domain.OpenOrdersData{UserID: "alice", Market: btc})
	orders := open.Payload.([]domain.Order)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t, "")
	for _, u := range []string{"a", "b", "c"} {
		h.deposit(t, u, "BTC", "1")
	}
	h.deposit(t, "taker", "USDC", "1000")

	h.place(t, "a", domain.SideSell, "101", "1")
	first := h.place(t, "b", domain.SideSell, "100", "1")
	h.place(t, "c", domain.SideSell, "100", "1")

	bid := h.place(t, "taker", domain.SideBuy, "101", "1")
	require.Len(t, bid.Fills, 1)
	assert.Equal(t, first.OrderID, bid.Fills[0].MakerOrderID)
	h.requireBalance(t, "taker", "USDC", "900", "0")
}

func TestCancelOrder_Errors(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "1000")
	placed := h.place(t, "alice", domain.SideBuy, "100", "1")

	reply := h.do(t, domain.CmdCancelOrder, domain.CancelOrderData{OrderID: "missing", Market: btc})
	_, failed := reply.Payload.(domain.FailureReply)
	assert.True(t, failed)

	reply = h.do(t, domain.CmdCancelOrder, domain.CancelOrderData{OrderID: placed.OrderID, Market: btc, UserID: "mallory"})
	_, failed = reply.Payload.(domain.FailureReply)
	assert.True(t, failed, "only the owner may cancel")

	reply = h.do(t, domain.CmdCancelOrder, domain.CancelOrderData{OrderID: placed.OrderID, Market: "ETH_USDC"})
	_, failed = reply.Payload.(domain.FailureReply)
	assert.True(t, failed)

	h.requireBalance(t, "alice", "USDC", "900", "100")
}

func TestReadsDegradeToEmpty(t *testing.T) {
	h := newHarness(t, "")

	dep := h.depth(t, "ETH_USDC")
	assert.NotNil(t, dep.Bids)
	assert.Empty(t, dep.Bids)

	reply := h.engine.Process(context.Background(), domain.Command{
		ClientID: "c",
		Message:  domain.Message{Type: domain.CmdGetOpenOrders, Data: json.RawMessage(`{"userId":`)},
	})
	assert.Equal(t, domain.ReplyOpenOrders, reply.Type)
	assert.Equal(t, []domain.Order{}, reply.Payload)
}

func TestUnknownCommandType(t *testing.T) {
	h := newHarness(t, "")
	reply := h.engine.Process(context.Background(), domain.Command{
		ClientID: "c",
		Message:  domain.Message{Type: "WITHDRAW", Data: json.RawMessage(`{}`)},
	})
	failure, ok := reply.Payload.(domain.FailureReply)
	require.True(t, ok)
	assert.Contains(t, failure.Error, "WITHDRAW")
}

func TestPanicBecomesFailureReply(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "1000")
	h.engine.newID = func() string { panic("id generator exhausted") }

	reply := h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: btc, Price: d("100"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice",
	})
	failure, ok := reply.Payload.(domain.FailureReply)
	require.True(t, ok)
	assert.Contains(t, failure.Error, "id generator exhausted")

	dep := h.depth(t, btc)
	assert.Empty(t, dep.Bids, "engine keeps serving after a panic")
}

func TestEnsureUserReconcilesOnce(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(t, "alice", "USDC", "10")

	data := domain.EnsureUserData{UserID: "alice", Balances: map[string]domain.Balance{
		"USDC": {Available: d("40"), Locked: d("0")},
		"BTC":  {Available: d("1"), Locked: d("0")},
	}}
	reply := h.do(t, domain.CmdEnsureUser, data)
	require.Equal(t, domain.ReplyUserEnsured, reply.Type)
	ensured := reply.Payload.(domain.EnsureUserReply)
	assert.True(t, ensured.Reconciled)
	assert.True(t, ensured.Balances["USDC"].Available.Equal(d("40")))
	assert.True(t, ensured.Balances["BTC"].Available.Equal(d("1")))

	data.Balances["USDC"] = domain.Balance{Available: d("500"), Locked: d("0")}
	reply = h.do(t, domain.CmdEnsureUser, data)
	ensured = reply.Payload.(domain.EnsureUserReply)
	assert.False(t, ensured.Reconciled)
	h.requireBalance(t, "alice", "USDC", "40", "0")
}

func TestOnRampDefaultsAsset(t *testing.T) {
	h := newHarness(t, "")
	reply := h.do(t, domain.CmdOnRamp, domain.OnRampData{UserID: "alice", Amount: d("25")})
	bal := reply.Payload.(domain.BalanceReply)
	assert.Equal(t, "USDC", bal.Asset)
	assert.True(t, bal.Balance.Available.Equal(d("25")))

	reply = h.do(t, domain.CmdOnRamp, domain.OnRampData{UserID: "alice", Amount: d("0")})
	_, failed := reply.Payload.(domain.FailureReply)
	assert.True(t, failed)
}

func TestSnapshotRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	h.deposit(t, "alice", "BTC", "5")
	h.deposit(t, "bob", "USDC", "10000")

	h.place(t, "alice", domain.SideSell, "100", "1")
	h.place(t, "alice", domain.SideSell, "102", "2")
	h.place(t, "bob", domain.SideBuy, "100", "1")
	h.place(t, "bob", domain.SideBuy, "99", "3")
	before := h.depth(t, btc)
	require.NoError(t, h.engine.SaveSnapshots(context.Background()))
	assert.Equal(t, 1, h.rec.eventCount(domain.EventSnapshotSaved))

	restored := newHarness(t, dir)
	after := restored.depth(t, btc)
	require.Len(t, after.Asks, len(before.Asks))
	require.Len(t, after.Bids, len(before.Bids))
	for i := range before.Asks {
		assert.True(t, before.Asks[i].Price.Equal(after.Asks[i].Price))
		assert.True(t, before.Asks[i].Quantity.Equal(after.Asks[i].Quantity))
	}
	for i := range before.Bids {
		assert.True(t, before.Bids[i].Price.Equal(after.Bids[i].Price))
		assert.True(t, before.Bids[i].Quantity.Equal(after.Bids[i].Quantity))
	}

	b := restored.engine.books[btc]
	assert.Equal(t, int64(1), b.ob.LastTradeID())
	assert.Len(t, b.recent.list(), 1)
}

func TestRestartRestoresReservedFunds(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	h.deposit(t, "alice", "BTC", "5")
	h.place(t, "alice", domain.SideSell, "100", "1")
	far := h.place(t, "alice", domain.SideSell, "105", "1")
	h.requireBalance(t, "alice", "BTC", "3", "2")
	require.NoError(t, h.engine.SaveSnapshots(context.Background()))

	// a fresh in-memory ledger, as after a crash
	restored := newHarness(t, dir)
	require.Len(t, restored.depth(t, btc).Asks, 2)
	restored.requireBalance(t, "alice", "BTC", "0", "2")

	reply := restored.do(t, domain.CmdEnsureUser, domain.EnsureUserData{UserID: "alice", Balances: map[string]domain.Balance{
		"BTC": {Available: d("3"), Locked: d("2")},
	}})
	require.Equal(t, domain.ReplyUserEnsured, reply.Type)
	restored.requireBalance(t, "alice", "BTC", "3", "2")

	reply = restored.do(t, domain.CmdCancelOrder, domain.CancelOrderData{OrderID: far.OrderID, Market: btc})
	_, ok := reply.Payload.(domain.CancelReply)
	require.True(t, ok, "restored order can be cancelled, got %+v", reply.Payload)
	restored.requireBalance(t, "alice", "BTC", "4", "1")

	restored.deposit(t, "bob", "USDC", "1000")
	bid := restored.place(t, "bob", domain.SideBuy, "100", "1")
	require.Len(t, bid.Fills, 1)

	restored.requireBalance(t, "alice", "BTC", "4", "0")
	restored.requireBalance(t, "alice", "USDC", "100", "0")
	restored.requireBalance(t, "bob", "BTC", "1", "0")
	restored.requireBalance(t, "bob", "USDC", "900", "0")

	dep := restored.depth(t, btc)
	assert.Empty(t, dep.Asks)
	assert.Empty(t, dep.Bids)
}

func TestBootstrapKeepsSurvivingLocks(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	h.deposit(t, "alice", "USDC", "1000")
	h.place(t, "alice", domain.SideBuy, "100", "2")
	require.NoError(t, h.engine.SaveSnapshots(context.Background()))

	// the same ledger restarts with its locks intact
	e := New(Config{RecentTrades: 10}, Deps{
		Registry:  h.registry,
		Ledger:    h.ledger,
		Positions: h.positions,
		Snapshots: snapshot.New(snapshot.Config{Dir: dir}, testLogger()),
	}, testLogger())
	require.NoError(t, e.Bootstrap(context.Background()))
	h.requireBalance(t, "alice", "USDC", "800", "200")
}

func TestBootstrapRegistersMarketsFromSnapshots(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	h.deposit(t, "alice", "USDC", "100")
	h.do(t, domain.CmdCreateOrder, domain.CreateOrderData{
		Market: "SOL_USDC", Price: d("10"), Quantity: d("1"), Side: domain.SideBuy, UserID: "alice",
	})
	require.NoError(t, h.engine.SaveSnapshots(context.Background()))

	restored := newHarness(t, dir)
	assert.Contains(t, restored.registry.Symbols(), "SOL_USDC")
	assert.Len(t, restored.depth(t, "SOL_USDC").Bids, 1)
}

func TestTradeRing(t *testing.T) {
	r := newTradeRing(3)
	for i := int64(1); i <= 5; i++ {
		r.push(domain.TradeTick{TradeID: i})
	}
	ids := func() []int64 {
		var out []int64
		for _, tick := range r.list() {
			out = append(out, tick.TradeID)
		}
		return out
	}
	assert.Equal(t, []int64{3, 4, 5}, ids())

	r.load([]domain.TradeTick{{TradeID: 9}})
	assert.Equal(t, []int64{9}, ids())
}

type chanSource struct {
	items chan []byte
}

func (s *chanSource) Requeue(_ context.Context, raw []byte) error {
	s.items <- raw
	return nil
}

func (s *chanSource) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case raw := <-s.items:
		return raw, nil
	case <-time.After(timeout):
		return nil, domain.ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunProcessesQueueAndSubmit(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	src := &chanSource{items: make(chan []byte, 4)}
	h.engine.source = src

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	src.items <- []byte(`not json`)
	cmd, err := domain.NewCommand("queue-client", domain.CmdOnRamp, domain.OnRampData{UserID: "alice", Amount: d("100"), TxnID: "t1"})
	require.NoError(t, err)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	src.items <- raw

	require.Eventually(t, func() bool { return h.rec.count("queue-client") == 1 }, 2*time.Second, 5*time.Millisecond)

	order, err := domain.NewCommand("submit-client", domain.CmdCreateOrder, domain.CreateOrderData{
		Market: btc, Price: d("10"), Quantity: d("2"), Side: domain.SideBuy, UserID: "alice",
	})
	require.NoError(t, err)
	reply, err := h.engine.Submit(ctx, order)
	require.NoError(t, err)
	_, ok := reply.Payload.(domain.OrderReply)
	require.True(t, ok)
	assert.Equal(t, 1, h.rec.count("submit-client"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	restored := newHarness(t, dir)
	assert.Len(t, restored.depth(t, btc).Bids, 1, "final snapshot written on shutdown")
}

// cancellingSource cancels the run right after handing out its one command,
// as a shutdown racing a queue pop would.
type cancellingSource struct {
	raw      []byte
	cancel   context.CancelFunc
	mu       sync.Mutex
	popped   bool
	requeued [][]byte
}

func (s *cancellingSource) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.popped {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.popped = true
	s.cancel()
	return s.raw, nil
}

func (s *cancellingSource) Requeue(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, raw)
	return nil
}

func TestRunRequeuesCommandPoppedDuringShutdown(t *testing.T) {
	h := newHarness(t, "")
	cmd, err := domain.NewCommand("queue-client", domain.CmdOnRamp, domain.OnRampData{UserID: "alice", Amount: d("10"), TxnID: "t1"})
	require.NoError(t, err)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{raw: raw, cancel: cancel}
	h.engine.source = src

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.requeued, 1, "the popped command goes back to the queue")
	assert.Equal(t, raw, src.requeued[0])
	assert.Zero(t, h.rec.count("queue-client"))
	h.requireBalance(t, "alice", "USDC", "0", "0")
}
