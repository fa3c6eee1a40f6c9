package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Process runs one command to completion and returns the reply for its
// caller. Errors and panics are converted to failure replies here; nothing is
// retried. The command is never cut short by ctx cancellation.
func (e *Engine) Process(ctx context.Context, cmd domain.Command) (reply domain.Reply) {
	ctx = context.WithoutCancel(ctx)
	typ := cmd.Message.Type
	start := time.Now()
	result := resultOK

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "engine: command panicked",
				slog.String("type", string(typ)),
				slog.String("client_id", cmd.ClientID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			reply = e.recoverReply(typ, fmt.Errorf("internal error: %v", r))
			result = resultPanic
		}
		commandsTotal.WithLabelValues(string(typ), result).Inc()
		commandDuration.WithLabelValues(string(typ)).Observe(time.Since(start).Seconds())
	}()

	var err error
	switch typ {
	case domain.CmdCreateOrder:
		reply, err = e.createOrder(ctx, cmd.Message.Data)
	case domain.CmdCancelOrder:
		reply, err = e.cancelOrder(ctx, cmd.Message.Data)
	case domain.CmdGetOpenOrders:
		reply = e.openOrders(ctx, cmd.Message.Data)
	case domain.CmdGetDepth:
		reply = e.depth(ctx, cmd.Message.Data)
	case domain.CmdOnRamp:
		reply, err = e.onRamp(ctx, cmd.Message.Data)
	case domain.CmdEnsureUser:
		reply, err = e.ensureUser(ctx, cmd.Message.Data)
	default:
		err = fmt.Errorf("%w: unknown type %q", domain.ErrInvalidCommand, typ)
	}

	if err != nil {
		result = classify(err)
		level := slog.LevelInfo
		if result == resultError {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "engine: command failed",
			slog.String("type", string(typ)),
			slog.String("client_id", cmd.ClientID),
			slog.String("error", err.Error()),
		)
		reply = failureReply(replyTypeFor(typ), err)
	}
	return reply
}

func (e *Engine) recoverReply(typ domain.CommandType, err error) domain.Reply {
	switch typ {
	case domain.CmdGetOpenOrders:
		return domain.Reply{Type: domain.ReplyOpenOrders, Payload: []domain.Order{}}
	case domain.CmdGetDepth:
		return domain.Reply{Type: domain.ReplyDepth, Payload: emptyDepth()}
	default:
		return failureReply(replyTypeFor(typ), err)
	}
}

func replyTypeFor(typ domain.CommandType) domain.ReplyType {
	switch typ {
	case domain.CmdCreateOrder:
		return domain.ReplyOrderPlaced
	case domain.CmdCancelOrder:
		return domain.ReplyOrderCancelled
	case domain.CmdGetOpenOrders:
		return domain.ReplyOpenOrders
	case domain.CmdGetDepth:
		return domain.ReplyDepth
	case domain.CmdOnRamp:
		return domain.ReplyBalance
	case domain.CmdEnsureUser:
		return domain.ReplyUserEnsured
	default:
		return domain.ReplyType(typ)
	}
}

func failureReply(typ domain.ReplyType, err error) domain.Reply {
	return domain.Reply{Type: typ, Payload: domain.FailureReply{
		OrderID:      "",
		ExecutedQty:  decimal.Zero,
		RemainingQty: decimal.Zero,
		Error:        err.Error(),
	}}
}

func emptyDepth() domain.Depth {
	return domain.Depth{Bids: []domain.PriceLevel{}, Asks: []domain.PriceLevel{}}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (e *Engine) createOrder(ctx context.Context, raw json.RawMessage) (domain.Reply, error) {
	var in domain.CreateOrderData
	if err := decode(raw, &in); err != nil {
		return domain.Reply{}, err
	}
	switch {
	case in.UserID == "":
		return domain.Reply{}, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	case !in.Side.Valid():
		return domain.Reply{}, fmt.Errorf("%w: side %q", domain.ErrValidation, in.Side)
	case !in.Price.IsPositive():
		return domain.Reply{}, fmt.Errorf("%w: price must be positive", domain.ErrValidation)
	case !in.Quantity.IsPositive():
		return domain.Reply{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}

	// An unseen market is registered only once the order is funded.
	cfg, err := e.registry.Resolve(in.Market)
	if err != nil {
		return domain.Reply{}, err
	}

	order := domain.Order{
		ID:        e.newID(),
		UserID:    in.UserID,
		Market:    cfg.Symbol,
		Side:      in.Side,
		Price:     in.Price,
		Quantity:  in.Quantity,
		Filled:    decimal.Zero,
		CreatedAt: e.now(),
	}
	if err := e.ledger.LockForOrder(ctx, cfg, order); err != nil {
		return domain.Reply{}, err
	}
	b, err := e.bookFor(cfg.Symbol, true)
	if err != nil {
		if uerr := e.ledger.UnlockRemaining(ctx, cfg, order); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return domain.Reply{}, err
	}

	res := b.ob.AddOrder(order)
	order.Filled = res.ExecutedQty

	touched := newLevelSet()
	for i, f := range res.Fills {
		e.settle(ctx, b, order, res.Makers[i], f)
		touched.add(res.Makers[i].Side, f.Price)
	}
	if res.Rested {
		touched.add(order.Side, order.Price)
	}
	e.publishDepth(ctx, b, touched)

	status := domain.StatusFor(res.ExecutedQty, order.Quantity)
	fills := res.Fills
	if fills == nil {
		fills = []domain.Fill{}
	}
	e.enqueue(ctx, &domain.OrderPlaced{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Market:      order.Market,
		Side:        order.Side,
		Price:       order.Price,
		Quantity:    order.Quantity,
		ExecutedQty: res.ExecutedQty,
		Status:      status,
		Fills:       fills,
		CreatedAt:   order.CreatedAt,
	})
	notice := domain.NoticeOrderPlaced
	if status == domain.OrderStatusFilled {
		notice = domain.NoticeOrderFilled
	}
	e.publish(ctx, domain.OpenOrdersChannel(order.UserID), orderNotice(notice, order, status, 0))

	if n := len(res.Fills); n > 0 {
		last := res.Fills[n-1].Price
		if _, err := e.positions.UpdateUnrealizedPnL(ctx, b.cfg.Symbol, last); err != nil {
			e.logger.WarnContext(ctx, "engine: mark positions failed",
				slog.String("market", b.cfg.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	return domain.Reply{Type: domain.ReplyOrderPlaced, Payload: domain.OrderReply{
		OrderID:     order.ID,
		ExecutedQty: res.ExecutedQty,
		Fills:       fills,
	}}, nil
}

// settle runs everything downstream of one fill. The book has already
// committed, so failures here are logged and never undo the match.
func (e *Engine) settle(ctx context.Context, b *marketBook, taker, maker domain.Order, f domain.Fill) {
	now := e.now()
	fillsTotal.WithLabelValues(b.cfg.Symbol).Inc()

	if err := e.ledger.SettleFill(ctx, b.cfg, taker, f); err != nil {
		e.logger.ErrorContext(ctx, "engine: settlement failed",
			slog.String("market", b.cfg.Symbol),
			slog.Int64("trade_id", f.TradeID),
			slog.String("error", err.Error()),
		)
	}

	tick := domain.TradeTick{
		TradeID:       f.TradeID,
		Market:        b.cfg.Symbol,
		Price:         f.Price,
		Quantity:      f.Quantity,
		QuoteQuantity: f.Notional(),
		TakerSide:     taker.Side,
		Timestamp:     now.UnixMilli(),
	}
	b.recent.push(tick)
	if e.trades != nil {
		if err := e.trades.PushTrade(ctx, tick); err != nil {
			e.logger.WarnContext(ctx, "engine: trade cache push failed",
				slog.String("market", b.cfg.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publish(ctx, domain.TradeChannel(b.cfg.Symbol), tick)

	e.enqueue(ctx, &domain.TradeAdded{
		TradeID:       f.TradeID,
		Market:        b.cfg.Symbol,
		Price:         f.Price,
		Quantity:      f.Quantity,
		QuoteQuantity: f.Notional(),
		IsBuyerMaker:  maker.Side == domain.SideBuy,
		TakerOrderID:  taker.ID,
		TakerUserID:   taker.UserID,
		MakerOrderID:  maker.ID,
		MakerUserID:   maker.UserID,
		Timestamp:     now,
	})

	makerStatus := domain.StatusFor(maker.Filled, maker.Quantity)
	e.enqueue(ctx, &domain.OrderUpdate{
		OrderID:     maker.ID,
		UserID:      maker.UserID,
		Market:      b.cfg.Symbol,
		ExecutedQty: maker.Filled,
		Status:      makerStatus,
	})
	e.publish(ctx, domain.OpenOrdersChannel(maker.UserID), orderNotice(domain.NoticeMakerFill, maker, makerStatus, f.TradeID))

	e.applyPosition(ctx, taker.UserID, b.cfg.Symbol, taker.Side, f)
	e.applyPosition(ctx, maker.UserID, b.cfg.Symbol, maker.Side, f)
}

func (e *Engine) applyPosition(ctx context.Context, userID, market string, side domain.Side, f domain.Fill) {
	if _, err := e.positions.ApplyFill(ctx, userID, market, side, f.Price, f.Quantity); err != nil {
		e.logger.WarnContext(ctx, "engine: position update failed",
			slog.String("market", market),
			slog.String("user_id", userID),
			slog.Int64("trade_id", f.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

func orderNotice(event string, o domain.Order, status domain.OrderStatus, tradeID int64) domain.OrderNotice {
	return domain.OrderNotice{
		Event:        event,
		OrderID:      o.ID,
		Market:       o.Market,
		Side:         o.Side,
		Price:        o.Price,
		Quantity:     o.Quantity,
		ExecutedQty:  o.Filled,
		RemainingQty: o.Remaining(),
		Status:       status,
		TradeID:      tradeID,
	}
}

func (e *Engine) cancelOrder(ctx context.Context, raw json.RawMessage) (domain.Reply, error) {
	var in domain.CancelOrderData
	if err := decode(raw, &in); err != nil {
		return domain.Reply{}, err
	}
	if in.OrderID == "" {
		return domain.Reply{}, fmt.Errorf("%w: orderId is required", domain.ErrValidation)
	}

	b, err := e.bookFor(in.Market, false)
	if err != nil {
		return domain.Reply{}, err
	}
	order, ok := b.ob.Find(in.OrderID)
	if !ok || (in.UserID != "" && in.UserID != order.UserID) {
		return domain.Reply{}, fmt.Errorf("order %s in %s: %w", in.OrderID, in.Market, domain.ErrNotFound)
	}

	if err := e.ledger.UnlockRemaining(ctx, b.cfg, order); err != nil {
		return domain.Reply{}, err
	}
	price, _ := b.ob.Cancel(order.ID, order.Side)

	touched := newLevelSet()
	touched.add(order.Side, price)
	e.publishDepth(ctx, b, touched)

	e.enqueue(ctx, &domain.OrderCancelled{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Market:       order.Market,
		Side:         order.Side,
		Price:        order.Price,
		ExecutedQty:  order.Filled,
		RemainingQty: order.Remaining(),
	})
	e.publish(ctx, domain.OpenOrdersChannel(order.UserID),
		orderNotice(domain.NoticeOrderCancelled, order, domain.OrderStatusCancelled, 0))

	return domain.Reply{Type: domain.ReplyOrderCancelled, Payload: domain.CancelReply{
		OrderID:      order.ID,
		ExecutedQty:  order.Filled,
		RemainingQty: order.Remaining(),
	}}, nil
}

func (e *Engine) openOrders(ctx context.Context, raw json.RawMessage) domain.Reply {
	empty := domain.Reply{Type: domain.ReplyOpenOrders, Payload: []domain.Order{}}
	var in domain.OpenOrdersData
	if err := decode(raw, &in); err != nil {
		e.logger.DebugContext(ctx, "engine: open orders: bad request", slog.String("error", err.Error()))
		return empty
	}
	b, err := e.bookFor(in.Market, false)
	if err != nil {
		return empty
	}
	return domain.Reply{Type: domain.ReplyOpenOrders, Payload: b.ob.OpenOrders(in.UserID)}
}

func (e *Engine) depth(ctx context.Context, raw json.RawMessage) domain.Reply {
	empty := domain.Reply{Type: domain.ReplyDepth, Payload: emptyDepth()}
	var in domain.DepthData
	if err := decode(raw, &in); err != nil {
		e.logger.DebugContext(ctx, "engine: depth: bad request", slog.String("error", err.Error()))
		return empty
	}
	b, err := e.bookFor(in.Market, false)
	if err != nil {
		return empty
	}
	bids, asks := b.ob.Depth()
	return domain.Reply{Type: domain.ReplyDepth, Payload: domain.Depth{Bids: bids, Asks: asks}}
}

func (e *Engine) onRamp(ctx context.Context, raw json.RawMessage) (domain.Reply, error) {
	var in domain.OnRampData
	if err := decode(raw, &in); err != nil {
		return domain.Reply{}, err
	}
	if in.UserID == "" {
		return domain.Reply{}, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	asset := in.Asset
	if asset == "" {
		asset = e.cfg.DepositAsset
	}
	txnID := in.TxnID
	if txnID == "" {
		txnID = e.newID()
	}

	if err := e.ledger.Deposit(ctx, in.UserID, asset, in.Amount, txnID); err != nil {
		return domain.Reply{}, err
	}
	bal, err := e.ledger.GetBalance(ctx, in.UserID, asset)
	if err != nil {
		return domain.Reply{}, err
	}
	return domain.Reply{Type: domain.ReplyBalance, Payload: domain.BalanceReply{
		UserID:  in.UserID,
		Asset:   asset,
		Balance: bal,
	}}, nil
}

// ensureUser reconciles a user's balances from the durable snapshot the first
// time the user is seen in this process. Later calls are no-ops.
func (e *Engine) ensureUser(ctx context.Context, raw json.RawMessage) (domain.Reply, error) {
	var in domain.EnsureUserData
	if err := decode(raw, &in); err != nil {
		return domain.Reply{}, err
	}
	if in.UserID == "" {
		return domain.Reply{}, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}

	assets := make([]string, 0, len(in.Balances))
	for asset := range in.Balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	_, seen := e.ensured[in.UserID]
	if !seen {
		var errs []error
		for _, asset := range assets {
			durable := in.Balances[asset]
			if _, err := e.ledger.SyncFromDurable(ctx, in.UserID, asset, durable.Available, durable.Locked); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return domain.Reply{}, errors.Join(errs...)
		}
		e.ensured[in.UserID] = struct{}{}
	}

	balances := make(map[string]domain.Balance, len(assets))
	for _, asset := range assets {
		bal, err := e.ledger.GetBalance(ctx, in.UserID, asset)
		if err != nil {
			return domain.Reply{}, err
		}
		balances[asset] = bal
	}
	return domain.Reply{Type: domain.ReplyUserEnsured, Payload: domain.EnsureUserReply{
		UserID:     in.UserID,
		Reconciled: !seen,
		Balances:   balances,
	}}, nil
}
