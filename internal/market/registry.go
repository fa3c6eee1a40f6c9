// Package market holds the set of tradable markets known to the engine.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Registry maps market symbols to their configuration. It is safe for
// concurrent use so the ops server can list markets while the engine runs.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]domain.MarketConfig
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		markets: make(map[string]domain.MarketConfig),
		logger:  logger.With(slog.String("component", "market_registry")),
	}
}

// Register adds or replaces a market. Empty base or quote assets are rejected.
func (r *Registry) Register(m domain.MarketConfig) error {
	if m.Symbol == "" || m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("market: register %q: %w", m.Symbol, domain.ErrValidation)
	}
	r.mu.Lock()
	r.markets[m.Symbol] = m
	r.mu.Unlock()
	return nil
}

// LoadFrom registers every active market from the reference feed.
func (r *Registry) LoadFrom(ctx context.Context, store domain.MarketStore) (int, error) {
	markets, err := store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("market: load reference feed: %w", err)
	}
	n := 0
	for _, m := range markets {
		if err := r.Register(m); err != nil {
			r.logger.WarnContext(ctx, "market: skipping reference entry",
				slog.String("symbol", m.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	return n, nil
}

// Get returns a registered market or domain.ErrUnknownMarket.
func (r *Registry) Get(symbol string) (domain.MarketConfig, error) {
	r.mu.RLock()
	m, ok := r.markets[symbol]
	r.mu.RUnlock()
	if !ok {
		return domain.MarketConfig{}, fmt.Errorf("market %q: %w", symbol, domain.ErrUnknownMarket)
	}
	return m, nil
}

// Resolve returns the market for symbol without registering it. An unseen
// symbol resolves when it is a well-formed BASE_QUOTE pair.
func (r *Registry) Resolve(symbol string) (domain.MarketConfig, error) {
	if m, err := r.Get(symbol); err == nil {
		return m, nil
	}
	return domain.ParseSymbol(symbol)
}

// Ensure returns the market for symbol, registering it on the fly when the
// symbol is a well-formed BASE_QUOTE pair that has not been seen before.
func (r *Registry) Ensure(symbol string) (domain.MarketConfig, bool, error) {
	if m, err := r.Get(symbol); err == nil {
		return m, false, nil
	}
	m, err := domain.ParseSymbol(symbol)
	if err != nil {
		return domain.MarketConfig{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.markets[m.Symbol]; ok {
		return existing, false, nil
	}
	r.markets[m.Symbol] = m
	r.logger.Info("market: auto-registered",
		slog.String("symbol", m.Symbol),
		slog.String("base", m.BaseAsset),
		slog.String("quote", m.QuoteAsset),
	)
	return m, true, nil
}

// List returns all markets sorted by symbol.
func (r *Registry) List() []domain.MarketConfig {
	r.mu.RLock()
	out := make([]domain.MarketConfig, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the sorted list of registered symbols.
func (r *Registry) Symbols() []string {
	markets := r.List()
	out := make([]string, len(markets))
	for i, m := range markets {
		out[i] = m.Symbol
	}
	return out
}
