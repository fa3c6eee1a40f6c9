// Package engine is the matching engine orchestrator. It processes one
// command at a time to completion: book matching, balance settlement,
// position updates, and event emission.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotengine/internal/domain"
	"github.com/alanyoungcy/spotengine/internal/ledger"
	"github.com/alanyoungcy/spotengine/internal/market"
	"github.com/alanyoungcy/spotengine/internal/orderbook"
	"github.com/alanyoungcy/spotengine/internal/position"
	"github.com/alanyoungcy/spotengine/internal/snapshot"
)

// Config holds engine tuning parameters.
type Config struct {
	// RecentTrades bounds the per-market recent trade ring.
	RecentTrades int
	// SnapshotInterval is how often Run captures snapshots. Zero disables.
	SnapshotInterval time.Duration
	// PopTimeout bounds each blocking read of the inbound queue.
	PopTimeout time.Duration
	// DepositAsset is credited by ON_RAMP commands that name no asset.
	DepositAsset string
}

// SnapshotStore saves and loads recovery images.
type SnapshotStore interface {
	Save(ctx context.Context, snaps []domain.BookSnapshot) error
	Load(ctx context.Context, market string) (domain.BookSnapshot, snapshot.Source, error)
	KnownMarkets() []string
}

// Deps are the collaborators injected into the engine. Trades, Source and
// Snapshots are optional.
type Deps struct {
	Registry  *market.Registry
	Ledger    *ledger.Ledger
	Positions *position.Manager
	Publisher domain.Publisher
	Events    domain.EventQueue
	Trades    domain.TradeCache
	Source    domain.CommandSource
	Snapshots SnapshotStore
}

type marketBook struct {
	cfg    domain.MarketConfig
	ob     *orderbook.Book
	recent *tradeRing
}

type request struct {
	cmd   domain.Command
	reply chan domain.Reply
}

// Engine owns every order book. Process, Bootstrap and Run must not be used
// concurrently; use Submit to reach a running engine from other goroutines.
type Engine struct {
	cfg       Config
	registry  *market.Registry
	ledger    *ledger.Ledger
	positions *position.Manager
	pub       domain.Publisher
	events    domain.EventQueue
	trades    domain.TradeCache
	source    domain.CommandSource
	snapshots SnapshotStore

	books    map[string]*marketBook
	ensured  map[string]struct{}
	requests chan request

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = 100
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.DepositAsset == "" {
		cfg.DepositAsset = "USDC"
	}
	return &Engine{
		cfg:       cfg,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		positions: deps.Positions,
		pub:       deps.Publisher,
		events:    deps.Events,
		trades:    deps.Trades,
		source:    deps.Source,
		snapshots: deps.Snapshots,
		books:     make(map[string]*marketBook),
		ensured:   make(map[string]struct{}),
		requests:  make(chan request),
		logger:    logger.With(slog.String("component", "engine")),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// bookFor returns the book of symbol. With autoRegister an unseen but
// well-formed symbol is registered on the fly.
func (e *Engine) bookFor(symbol string, autoRegister bool) (*marketBook, error) {
	var (
		cfg domain.MarketConfig
		err error
	)
	if autoRegister {
		cfg, _, err = e.registry.Ensure(symbol)
	} else {
		cfg, err = e.registry.Get(symbol)
	}
	if err != nil {
		return nil, err
	}
	return e.ensureBook(cfg), nil
}

func (e *Engine) ensureBook(cfg domain.MarketConfig) *marketBook {
	if b, ok := e.books[cfg.Symbol]; ok {
		return b
	}
	b := &marketBook{
		cfg:    cfg,
		ob:     orderbook.New(cfg.Symbol),
		recent: newTradeRing(e.cfg.RecentTrades),
	}
	e.books[cfg.Symbol] = b
	return b
}

// captureSnapshots copies the state of every book. It runs on the engine
// goroutine so the copies are a consistent point in time.
func (e *Engine) captureSnapshots() []domain.BookSnapshot {
	takenAt := e.now().UnixMilli()
	out := make([]domain.BookSnapshot, 0, len(e.books))
	for _, b := range e.books {
		snap := b.ob.Snapshot()
		bids, asks := b.ob.Depth()
		snap.Depth = &domain.Depth{Bids: bids, Asks: asks}
		snap.RecentTrades = b.recent.list()
		snap.TakenAt = takenAt
		out = append(out, snap)
		restingOrders.WithLabelValues(b.cfg.Symbol).Set(float64(b.ob.Len()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}
