package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// MarketStore is the reference feed of tradable markets.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const upsertMarket = `
	INSERT INTO markets (symbol, base_asset, quote_asset, active, updated_at)
	VALUES ($1, $2, $3, TRUE, NOW())
	ON CONFLICT (symbol) DO UPDATE SET
		base_asset  = EXCLUDED.base_asset,
		quote_asset = EXCLUDED.quote_asset,
		active      = TRUE,
		updated_at  = NOW()`

// UpsertBatch inserts or reactivates markets in one round trip.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.MarketConfig) error {
	if len(markets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarket, m.Symbol, m.BaseAsset, m.QuoteAsset)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, m := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market %s: %w", m.Symbol, err)
		}
	}
	return nil
}

// ListActive returns every active market ordered by symbol.
func (s *MarketStore) ListActive(ctx context.Context) ([]domain.MarketConfig, error) {
	const query = `
		SELECT symbol, base_asset, quote_asset
		FROM markets
		WHERE active
		ORDER BY symbol`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketConfig
	for rows.Next() {
		var m domain.MarketConfig
		if err := rows.Scan(&m.Symbol, &m.BaseAsset, &m.QuoteAsset); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	return out, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
