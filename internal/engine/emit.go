package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// publish wraps data in a StreamEvent and sends it on channel. Delivery is
// best effort.
func (e *Engine) publish(ctx context.Context, channel string, data any) {
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(domain.StreamEvent{Stream: channel, Data: data})
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: encode stream event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.pub.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "engine: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// sendReply publishes reply on the caller's channel.
func (e *Engine) sendReply(ctx context.Context, clientID string, reply domain.Reply) {
	if e.pub == nil || clientID == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: encode reply",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.pub.Publish(ctx, clientID, payload); err != nil {
		e.logger.WarnContext(ctx, "engine: reply publish failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}
}

// enqueue hands a persistence event to the writer queue. Malformed events are
// dropped with an error log; enqueue failures only warn.
func (e *Engine) enqueue(ctx context.Context, body domain.EventBody) {
	if e.events == nil {
		return
	}
	evt := domain.NewEvent(body, e.now())
	if err := evt.Validate(); err != nil {
		e.logger.ErrorContext(ctx, "engine: dropping invalid event",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.events.Enqueue(ctx, evt); err != nil {
		e.logger.WarnContext(ctx, "engine: enqueue failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// levelSet records the price levels a command touched, per side, in first
// seen order.
type levelSet struct {
	seen map[string]struct{}
	bids []decimal.Decimal
	asks []decimal.Decimal
}

func newLevelSet() *levelSet {
	return &levelSet{seen: make(map[string]struct{})}
}

func (s *levelSet) add(side domain.Side, price decimal.Decimal) {
	key := string(side) + ":" + price.String()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	if side == domain.SideBuy {
		s.bids = append(s.bids, price)
	} else {
		s.asks = append(s.asks, price)
	}
}

func (s *levelSet) empty() bool { return len(s.bids) == 0 && len(s.asks) == 0 }

// publishDepth sends the current quantity of every touched level. A level
// that emptied is sent with zero quantity.
func (e *Engine) publishDepth(ctx context.Context, b *marketBook, touched *levelSet) {
	if touched.empty() {
		return
	}
	levels := func(side domain.Side, prices []decimal.Decimal) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(prices))
		for _, p := range prices {
			out = append(out, domain.PriceLevel{Price: p, Quantity: b.ob.Level(side, p)})
		}
		return out
	}
	e.publish(ctx, domain.DepthChannel(b.cfg.Symbol), domain.DepthUpdate{
		Event:  "depth",
		Market: b.cfg.Symbol,
		Bids:   levels(domain.SideBuy, touched.bids),
		Asks:   levels(domain.SideSell, touched.asks),
	})
}
