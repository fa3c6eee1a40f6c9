package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotengine/internal/domain"
	"github.com/alanyoungcy/spotengine/internal/engine"
	"github.com/alanyoungcy/spotengine/internal/ledger"
	"github.com/alanyoungcy/spotengine/internal/orderbook"
	"github.com/alanyoungcy/spotengine/internal/position"
	"github.com/alanyoungcy/spotengine/internal/server"
	"github.com/alanyoungcy/spotengine/internal/server/handler"
	"github.com/alanyoungcy/spotengine/internal/snapshot"
)

// newEngine builds the matching engine on top of deps, returning the position
// manager it updates alongside it.
func (a *App) newEngine(deps *Dependencies) (*engine.Engine, *position.Manager) {
	ldg := ledger.New(deps.BalanceStore, deps.Events, a.logger)
	positions := position.NewManager(deps.PositionStore, deps.Publisher, deps.Events, a.logger)
	eng := engine.New(engine.Config{
		RecentTrades:     a.cfg.Engine.RecentTrades,
		SnapshotInterval: a.cfg.Engine.SnapshotInterval.Duration,
		PopTimeout:       a.cfg.Engine.PopTimeout.Duration,
		DepositAsset:     a.cfg.Engine.DepositAsset,
	}, engine.Deps{
		Registry:  deps.Registry,
		Ledger:    ldg,
		Positions: positions,
		Publisher: deps.Publisher,
		Events:    deps.Events,
		Trades:    deps.Trades,
		Source:    deps.Commands,
		Snapshots: deps.Snapshots,
	}, a.logger)
	return eng, positions
}

// EngineMode takes the instance lock, restores the books and runs the
// matching loop next to the ops HTTP server until ctx is cancelled.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	if deps.Lock != nil {
		if err := deps.Lock.Acquire(ctx); err != nil {
			return fmt.Errorf("engine mode: %w", err)
		}
		defer func() {
			if err := deps.Lock.Release(); err != nil {
				a.logger.Warn("engine mode: release instance lock", slog.String("error", err.Error()))
			}
		}()
	}

	eng, positions := a.newEngine(deps)
	if err := eng.Bootstrap(ctx); err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if deps.Lock != nil {
		g.Go(func() error {
			err := deps.Lock.Hold(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps, eng, positions)
	}

	return g.Wait()
}

// startHTTPServer serves health, status, metrics, book and account views
// until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine, positions *position.Manager) {
	var events handler.EventReader
	if deps.EventLog != nil {
		events = deps.EventLog
	}
	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, 2*time.Second, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, time.Now().UTC(), eng.Markets),
		Book:    handler.NewBookHandler(eng, 2*time.Second, a.logger),
		Account: handler.NewAccountHandler(positions, events, a.logger),
	}, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// snapshotReport summarises one market in snapshot-check mode.
type snapshotReport struct {
	Market      string
	Source      snapshot.Source
	Bids        int
	Asks        int
	LastTradeID int64
	Backfilled  bool
}

// SnapshotCheckMode loads the recovery image of every known market through
// the same chain the engine uses, checks that it restores into a book and
// copies images found outside the durable store into it. It returns an
// error naming every market that failed.
func (a *App) SnapshotCheckMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting snapshot-check mode")

	markets := knownMarkets(deps)
	var errs []error
	for _, m := range markets {
		report, err := a.checkSnapshot(ctx, deps, m)
		if errors.Is(err, domain.ErrNotFound) {
			a.logger.InfoContext(ctx, "snapshot-check: no snapshot", slog.String("market", m))
			continue
		}
		if err != nil {
			a.logger.ErrorContext(ctx, "snapshot-check: failed",
				slog.String("market", m),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		a.logger.InfoContext(ctx, "snapshot-check: ok",
			slog.String("market", report.Market),
			slog.String("source", string(report.Source)),
			slog.Int("bids", report.Bids),
			slog.Int("asks", report.Asks),
			slog.Int64("last_trade_id", report.LastTradeID),
			slog.Bool("backfilled", report.Backfilled),
		)
	}

	a.logger.InfoContext(ctx, "snapshot-check: done",
		slog.Int("markets", len(markets)),
		slog.Int("failed", len(errs)),
	)
	if len(errs) > 0 {
		return fmt.Errorf("snapshot-check: %w", errors.Join(errs...))
	}
	return nil
}

func (a *App) checkSnapshot(ctx context.Context, deps *Dependencies, market string) (snapshotReport, error) {
	snap, src, err := deps.Snapshots.Load(ctx, market)
	if err != nil {
		return snapshotReport{}, err
	}
	if err := orderbook.New(market).Restore(snap); err != nil {
		return snapshotReport{}, fmt.Errorf("restore: %w", err)
	}
	report := snapshotReport{
		Market:      market,
		Source:      src,
		Bids:        len(snap.Bids),
		Asks:        len(snap.Asks),
		LastTradeID: snap.LastTradeID,
	}
	if deps.DurableSnapshots != nil && src != snapshot.SourceDurable {
		if err := deps.DurableSnapshots.Insert(ctx, snap); err != nil {
			return report, fmt.Errorf("backfill: %w", err)
		}
		report.Backfilled = true
	}
	return report, nil
}

// knownMarkets is the sorted union of registered markets and markets with a
// local snapshot file.
func knownMarkets(deps *Dependencies) []string {
	set := make(map[string]struct{})
	for _, m := range deps.Registry.Symbols() {
		set[m] = struct{}{}
	}
	for _, m := range deps.Snapshots.KnownMarkets() {
		set[m] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
