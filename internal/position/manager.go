// Package position derives one net position per (user, market) from fills and
// tracks realized and unrealized PnL.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Outcome describes what one fill did to a user's position.
type Outcome struct {
	// Position is the open position after the fill, nil when flat.
	Position *domain.Position
	// Realized is the PnL realized by this fill.
	Realized decimal.Decimal
	// Closed is true when a previous position was fully closed.
	Closed bool
	// Flipped is true when the fill closed a position and opened the
	// opposite one.
	Flipped bool
}

// Manager applies fills to positions. Every mutation is published on the
// user's positions channel and enqueued for the durable store.
type Manager struct {
	store  domain.PositionStore
	pub    domain.Publisher
	events domain.EventQueue
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(store domain.PositionStore, pub domain.Publisher, events domain.EventQueue, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		pub:    pub,
		events: events,
		logger: logger.With(slog.String("component", "position_manager")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyFill applies a fill of qty at price on side to the position of
// (userID, market).
func (m *Manager) ApplyFill(ctx context.Context, userID, market string, side domain.Side, price, qty decimal.Decimal) (Outcome, error) {
	effect := domain.PositionSideFor(side)
	now := m.now()

	cur, err := m.store.Get(ctx, userID, market)
	if errors.Is(err, domain.ErrNotFound) {
		pos := m.open(userID, market, effect, price, qty, now)
		if err := m.save(ctx, pos); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &pos, Realized: decimal.Zero}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("position: load %s/%s: %w", userID, market, err)
	}

	if cur.Side == effect {
		total := cur.Quantity.Add(qty)
		cur.EntryPrice = cur.Quantity.Mul(cur.EntryPrice).Add(qty.Mul(price)).Div(total)
		cur.Quantity = total
		cur.UnrealizedPnL = cur.PnLAt(price, cur.Quantity)
		cur.UpdatedAt = now
		if err := m.save(ctx, cur); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &cur, Realized: decimal.Zero}, nil
	}

	switch qty.Cmp(cur.Quantity) {
	case -1:
		realized := cur.PnLAt(price, qty)
		cur.Quantity = cur.Quantity.Sub(qty)
		cur.RealizedPnL = cur.RealizedPnL.Add(realized)
		cur.UnrealizedPnL = cur.PnLAt(price, cur.Quantity)
		cur.UpdatedAt = now
		if err := m.save(ctx, cur); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &cur, Realized: realized}, nil

	case 0:
		realized := cur.PnLAt(price, cur.Quantity)
		if err := m.close(ctx, cur, price, realized, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Realized: realized, Closed: true}, nil

	default:
		realized := cur.PnLAt(price, cur.Quantity)
		if err := m.close(ctx, cur, price, realized, now); err != nil {
			return Outcome{}, err
		}
		pos := m.open(userID, market, effect, price, qty.Sub(cur.Quantity), now)
		if err := m.save(ctx, pos); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &pos, Realized: realized, Closed: true, Flipped: true}, nil
	}
}

func (m *Manager) open(userID, market string, side domain.PositionSide, price, qty decimal.Decimal, now time.Time) domain.Position {
	return domain.Position{
		UserID:        userID,
		Market:        market,
		Side:          side,
		EntryPrice:    price,
		Quantity:      qty,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UpdateUnrealizedPnL marks every tracked position in market to price and
// drops index entries whose position no longer exists. It returns the number
// of positions updated.
func (m *Manager) UpdateUnrealizedPnL(ctx context.Context, market string, price decimal.Decimal) (int, error) {
	users, err := m.store.Users(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("position: list users of %s: %w", market, err)
	}

	updated := 0
	for _, userID := range users {
		pos, err := m.store.Get(ctx, userID, market)
		if errors.Is(err, domain.ErrNotFound) {
			if err := m.store.Untrack(ctx, market, userID); err != nil {
				m.logger.WarnContext(ctx, "position: prune stale index entry failed",
					slog.String("market", market),
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if err != nil {
			m.logger.WarnContext(ctx, "position: load for mark failed",
				slog.String("market", market),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}

		pos.UnrealizedPnL = pos.PnLAt(price, pos.Quantity)
		pos.UpdatedAt = m.now()
		if err := m.save(ctx, pos); err != nil {
			m.logger.WarnContext(ctx, "position: save mark failed",
				slog.String("market", market),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}
	return updated, nil
}

// Get returns the open position of (userID, market).
func (m *Manager) Get(ctx context.Context, userID, market string) (domain.Position, error) {
	return m.store.Get(ctx, userID, market)
}

// List returns every open position of userID.
func (m *Manager) List(ctx context.Context, userID string) ([]domain.Position, error) {
	return m.store.ListByUser(ctx, userID)
}

func (m *Manager) save(ctx context.Context, pos domain.Position) error {
	if err := m.store.Put(ctx, pos); err != nil {
		return fmt.Errorf("position: save %s/%s: %w", pos.UserID, pos.Market, err)
	}
	m.publish(ctx, pos.UserID, domain.PositionNotice{
		Event:       domain.NoticePositionUpdate,
		Position:    pos,
		RealizedPnL: pos.RealizedPnL,
	})
	m.enqueue(ctx, &domain.PositionUpdated{Position: pos})
	return nil
}

func (m *Manager) close(ctx context.Context, pos domain.Position, exit, realized decimal.Decimal, now time.Time) error {
	if err := m.store.Delete(ctx, pos.UserID, pos.Market); err != nil {
		return fmt.Errorf("position: delete %s/%s: %w", pos.UserID, pos.Market, err)
	}
	total := pos.RealizedPnL.Add(realized)

	closed := pos
	closed.Quantity = decimal.Zero
	closed.RealizedPnL = total
	closed.UnrealizedPnL = decimal.Zero
	closed.UpdatedAt = now
	m.publish(ctx, pos.UserID, domain.PositionNotice{
		Event:       domain.NoticePositionClosed,
		Position:    closed,
		RealizedPnL: realized,
	})

	m.enqueue(ctx, &domain.PositionHistoryAdded{History: domain.PositionHistory{
		UserID:      pos.UserID,
		Market:      pos.Market,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		Quantity:    pos.Quantity,
		RealizedPnL: total,
		OpenedAt:    pos.CreatedAt,
		ClosedAt:    now,
	}})
	m.enqueue(ctx, &domain.PositionClosed{
		UserID:      pos.UserID,
		Market:      pos.Market,
		RealizedPnL: total,
		ClosedAt:    now,
	})
	return nil
}

func (m *Manager) publish(ctx context.Context, userID string, notice domain.PositionNotice) {
	if m.pub == nil {
		return
	}
	channel := domain.PositionsChannel(userID)
	payload, err := json.Marshal(domain.StreamEvent{Stream: channel, Data: notice})
	if err != nil {
		m.logger.WarnContext(ctx, "position: marshal notice failed", slog.String("error", err.Error()))
		return
	}
	if err := m.pub.Publish(ctx, channel, payload); err != nil {
		m.logger.WarnContext(ctx, "position: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) enqueue(ctx context.Context, body domain.EventBody) {
	if m.events == nil {
		return
	}
	if err := m.events.Enqueue(ctx, domain.NewEvent(body, m.now())); err != nil {
		m.logger.WarnContext(ctx, "position: enqueue event failed",
			slog.String("type", string(body.EventType())),
			slog.String("error", err.Error()),
		)
	}
}
