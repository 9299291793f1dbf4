// Package order implements the client order lifecycle: validation and
// marketable-limit promotion at entry, reservation and booking for limits,
// immediate settlement for markets, cancelation, the matcher's fill path, and
// forced liquidation.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	"github.com/Gainium/paper-trading-sh/internal/trading/settlement"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
	"github.com/Gainium/paper-trading-sh/pkg/locks"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// LiquidationPrefix marks synthetic close orders in externalId space.
const LiquidationPrefix = "liquidation_"

// Config wires the service's collaborators.
type Config struct {
	Store      core.IStore
	Symbols    core.ISymbolProvider
	Prices     core.IPriceSource
	Settler    *settlement.Settler
	Projection *projection.Projection
	Watch      *projection.WatchSet
	Bus        core.IMarketBus
	Locks      *locks.Manager
	Events     core.IEventSink
	Logger     core.ILogger
}

// Service owns every order mutation. Creation is serialized per
// (key, secret, symbol, exchange); cancels and fills per externalId.
type Service struct {
	store   core.IStore
	symbols core.ISymbolProvider
	prices  core.IPriceSource
	settler *settlement.Settler
	proj    *projection.Projection
	watch   *projection.WatchSet
	bus     core.IMarketBus
	locks   *locks.Manager
	events  core.IEventSink
	logger  core.ILogger

	tracer          trace.Tracer
	createdCounter  metric.Int64Counter
	filledCounter   metric.Int64Counter
	canceledCounter metric.Int64Counter
	liqCounter      metric.Int64Counter
}

var _ core.IFillDriver = (*Service)(nil)

func NewService(cfg Config) *Service {
	tracer := telemetry.GetTracer("order-lifecycle")
	meter := telemetry.GetMeter("order-lifecycle")

	createdCounter, _ := meter.Int64Counter(telemetry.MetricOrdersCreatedTotal,
		metric.WithDescription("Total orders accepted"))
	filledCounter, _ := meter.Int64Counter(telemetry.MetricOrdersFilledTotal,
		metric.WithDescription("Total orders fully filled"))
	canceledCounter, _ := meter.Int64Counter(telemetry.MetricOrdersCanceledTotal,
		metric.WithDescription("Total orders canceled or expired"))
	liqCounter, _ := meter.Int64Counter(telemetry.MetricLiquidationsTotal,
		metric.WithDescription("Total forced position liquidations"))

	return &Service{
		store:           cfg.Store,
		symbols:         cfg.Symbols,
		prices:          cfg.Prices,
		settler:         cfg.Settler,
		proj:            cfg.Projection,
		watch:           cfg.Watch,
		bus:             cfg.Bus,
		locks:           cfg.Locks,
		events:          cfg.Events,
		logger:          cfg.Logger.WithField("component", "order_lifecycle"),
		tracer:          tracer,
		createdCounter:  createdCounter,
		filledCounter:   filledCounter,
		canceledCounter: canceledCounter,
		liqCounter:      liqCounter,
	}
}

// CreateRequest is one client order submission.
type CreateRequest struct {
	APIKey       string
	APISecret    string
	ExternalID   string
	Symbol       string
	Exchange     core.Exchange
	Side         core.Side
	Type         core.OrderType
	Price        decimal.Decimal
	Amount       decimal.Decimal
	ReduceOnly   bool
	PositionSide core.PositionSide
}

func (r *CreateRequest) lockKey() string {
	return r.APIKey + "\x00" + r.APISecret + "\x00" + r.Symbol + "\x00" + string(r.Exchange)
}

func (r *CreateRequest) validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol required: %w", apperrors.ErrInvalidOrderParam)
	}
	if r.Side != core.SideBuy && r.Side != core.SideSell {
		return fmt.Errorf("side %q: %w", r.Side, apperrors.ErrInvalidOrderParam)
	}
	if r.Type != core.OrderTypeLimit && r.Type != core.OrderTypeMarket {
		return fmt.Errorf("type %q: %w", r.Type, apperrors.ErrInvalidOrderParam)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount %s: %w", r.Amount, apperrors.ErrInvalidOrderParam)
	}
	if r.Type == core.OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("limit price %s: %w", r.Price, apperrors.ErrInvalidOrderParam)
	}
	return nil
}

// CreateOrder validates, prices, and routes one submission: MARKET (or a
// marketable limit promoted to MARKET) settles immediately, LIMIT books into
// the projection and watch set.
func (s *Service) CreateOrder(ctx context.Context, req *CreateRequest) (*core.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder",
		trace.WithAttributes(
			attribute.String("symbol", req.Symbol),
			attribute.String("exchange", string(req.Exchange)),
			attribute.String("side", string(req.Side)),
		),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var out *core.Order
	err := s.locks.WithLock(locks.CreateOrder, req.lockKey(), func() error {
		o, err := s.createLocked(ctx, req)
		out = o
		return err
	})
	return out, err
}

func (s *Service) createLocked(ctx context.Context, req *CreateRequest) (*core.Order, error) {
	user, err := s.store.GetUserByCredentials(ctx, req.APIKey, req.APISecret)
	if err != nil {
		return nil, err
	}

	sym, err := s.symbols.GetSymbol(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}

	posSide := req.PositionSide
	reduceOnly := req.ReduceOnly
	hedge := false
	var lev *core.Leverage
	if req.Exchange.IsDerivative() {
		hedge, err = s.store.GetHedge(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("create order: hedge mode: %w", err)
		}
		if hedge {
			if posSide != core.PositionSideLong && posSide != core.PositionSideShort {
				return nil, apperrors.ErrHedgePositionSide
			}
		} else {
			posSide = core.PositionSideBoth
		}
		lev, err = s.store.EnsureLeverage(ctx, user.ID, req.Symbol, posSide)
		if err != nil {
			return nil, fmt.Errorf("create order: leverage: %w", err)
		}
	} else {
		// Position semantics do not exist on spot.
		posSide = ""
		reduceOnly = false
	}

	current, err := s.prices.LatestPrice(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}

	typ := req.Type
	price := req.Price
	if typ == core.OrderTypeLimit && marketable(req.Side, price, current) {
		typ = core.OrderTypeMarket
	}
	if typ == core.OrderTypeMarket {
		price = current
	}

	if err := s.checkBalance(ctx, user.ID, req, sym, hedge, posSide, lev, price); err != nil {
		return nil, err
	}

	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	o := &core.Order{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		UserID:       user.ID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         typ,
		Price:        price,
		Amount:       req.Amount,
		QuoteAmount:  req.Amount.Mul(price),
		FeePerc:      core.FeeRate(req.Exchange, typ),
		Status:       core.OrderStatusNew,
		ReduceOnly:   reduceOnly,
		PositionSide: posSide,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	s.createdCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", string(o.Exchange)),
		attribute.String("type", string(o.Type)),
	))

	if typ == core.OrderTypeMarket {
		return s.executeMarket(ctx, o, sym, price)
	}
	return s.bookLimit(ctx, o, sym)
}

// marketable reports whether a limit crosses the current price and must be
// promoted to MARKET.
func marketable(side core.Side, price, current decimal.Decimal) bool {
	if side == core.SideBuy {
		return price.GreaterThan(current)
	}
	return price.LessThan(current)
}

func (s *Service) checkBalance(ctx context.Context, userID string, req *CreateRequest, sym *core.Symbol, hedge bool, posSide core.PositionSide, lev *core.Leverage, usedPrice decimal.Decimal) error {
	if req.Exchange.IsSpot() {
		if req.Side == core.SideBuy {
			need := req.Amount.Mul(usedPrice)
			quote, err := s.store.GetBalance(ctx, userID, sym.QuoteAsset.Name)
			if err != nil {
				return fmt.Errorf("balance check: %w", err)
			}
			if quote.Free.LessThan(need) {
				return fmt.Errorf("need %s %s free: %w", need, sym.QuoteAsset.Name, apperrors.ErrInsufficientFunds)
			}
			return nil
		}
		base, err := s.store.GetBalance(ctx, userID, sym.BaseAsset.Name)
		if err != nil {
			return fmt.Errorf("balance check: %w", err)
		}
		if base.Free.LessThan(req.Amount) {
			return fmt.Errorf("need %s %s free: %w", req.Amount, sym.BaseAsset.Name, apperrors.ErrInsufficientFunds)
		}
		return nil
	}

	existing := s.findPosition(userID, req.Symbol, req.Exchange, hedge, posSide)
	if existing == nil && req.ReduceOnly {
		return apperrors.ErrReduceOrderRejected
	}

	marginNeed := decimal.Zero
	switch {
	case existing == nil || matchesDirection(req.Side, existing.PositionSide):
		marginNeed = core.MarginRequired(sym, req.Amount, usedPrice, lev.Leverage)
	case req.ReduceOnly:
		// Trims in place at settlement; nothing to reserve.
	case req.Amount.GreaterThan(existing.PositionAmt):
		marginNeed = core.MarginRequired(sym, req.Amount.Sub(existing.PositionAmt), usedPrice, lev.Leverage)
	}

	if marginNeed.IsPositive() {
		bal, err := s.store.GetBalance(ctx, userID, sym.MarginAsset())
		if err != nil {
			return fmt.Errorf("balance check: %w", err)
		}
		if bal.Free.LessThan(marginNeed) {
			return fmt.Errorf("need %s %s margin: %w", marginNeed, sym.MarginAsset(), apperrors.ErrInsufficientFunds)
		}
	}
	return nil
}

func (s *Service) findPosition(userID, symbol string, exchange core.Exchange, hedge bool, posSide core.PositionSide) *core.Position {
	for _, p := range s.proj.PositionsByUser(userID, symbol, exchange) {
		if p.Status != core.PositionStatusNew {
			continue
		}
		if hedge && p.PositionSide != posSide {
			continue
		}
		return p
	}
	return nil
}

func matchesDirection(side core.Side, posSide core.PositionSide) bool {
	if side == core.SideBuy {
		return posSide == core.PositionSideLong
	}
	return posSide == core.PositionSideShort
}

// executeMarket settles an inserted MARKET order at price and finalizes it
// FILLED. The settler may trim a reduce-only order in place; the rewritten
// amounts persist with the fill.
func (s *Service) executeMarket(ctx context.Context, o *core.Order, sym *core.Symbol, price decimal.Decimal) (*core.Order, error) {
	var res *settlement.Result
	var err error
	if o.Exchange.IsSpot() {
		res, err = s.settler.SettleSpotMarket(ctx, o, sym, price)
	} else {
		res, err = s.settler.SettleDerivative(ctx, o, sym, price, o.Amount)
	}
	if err != nil {
		s.expireShell(ctx, o)
		return nil, err
	}

	o.FilledAmount = o.Amount
	o.FilledQuoteAmount = o.Amount.Mul(price)
	o.AvgFilledPrice = price
	o.Fee = o.Fee.Add(res.Fee)
	o.Status = core.OrderStatusFilled
	o.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("market order %s: finalize: %w", o.ExternalID, err)
	}

	s.filledCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", string(o.Exchange)),
	))
	s.emitOrder(o)
	s.emitBalances(ctx, o.UserID)
	return o, nil
}

// expireShell retires an inserted order whose settlement failed, so a NEW
// record without projection backing cannot linger.
func (s *Service) expireShell(ctx context.Context, o *core.Order) {
	o.Status = core.OrderStatusExpired
	o.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		s.logger.Error("Failed to expire unsettled order", "externalId", o.ExternalID, "error", err.Error())
	}
}

// bookLimit reserves spot funds, registers the order in the projection and
// watch set, and subscribes to its symbol when it is the first holder.
func (s *Service) bookLimit(ctx context.Context, o *core.Order, sym *core.Symbol) (*core.Order, error) {
	reserved := false
	if o.Exchange.IsSpot() {
		asset, amount := sym.BaseAsset.Name, o.Amount
		if o.Side == core.SideBuy {
			asset, amount = sym.QuoteAsset.Name, o.QuoteAmount
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, asset, amount.Neg(), amount); err != nil {
			s.expireShell(ctx, o)
			return nil, fmt.Errorf("limit order %s: reserve: %w", o.ExternalID, err)
		}
		reserved = true
	}

	s.proj.PutOrder(o)
	s.watchOrder(ctx, o)

	s.emitOrder(o)
	if reserved {
		s.emitBalances(ctx, o.UserID)
	}
	return o, nil
}

// Cancel transitions a live order to CANCELED, or EXPIRED when expire is set,
// releasing any unfilled spot reservation. An empty userID skips the
// ownership check; the liquidation path relies on that.
func (s *Service) Cancel(ctx context.Context, userID, externalID, symbol string, expire bool) (*core.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CancelOrder",
		trace.WithAttributes(attribute.String("externalId", externalID)),
	)
	defer span.End()

	var out *core.Order
	err := s.locks.WithLock(locks.UpdateOrder, externalID, func() error {
		o := s.proj.GetOrder(symbol, externalID)
		if o == nil {
			stored, err := s.store.GetOrder(ctx, externalID, symbol)
			if err != nil {
				return err
			}
			if stored.Status.IsTerminal() {
				return apperrors.ErrOrderTerminal
			}
			o = stored
		}
		if userID != "" && o.UserID != userID {
			return apperrors.ErrOrderNotFound
		}

		o.Status = core.OrderStatusCanceled
		if expire {
			o.Status = core.OrderStatusExpired
		}
		o.UpdatedAt = time.Now().UnixMilli()
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("cancel %s: persist: %w", externalID, err)
		}

		released, err := s.releaseReservation(ctx, o)
		if err != nil {
			return err
		}

		s.proj.RemoveOrder(symbol, externalID)
		s.unwatchOrder(ctx, o)
		s.canceledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("exchange", string(o.Exchange)),
			attribute.String("status", string(o.Status)),
		))

		s.emitOrder(o)
		if released {
			s.emitBalances(ctx, o.UserID)
		}
		out = o
		return nil
	})
	return out, err
}

// CancelByID resolves the storage id to (externalId, symbol) and cancels.
func (s *Service) CancelByID(ctx context.Context, userID, id string, expire bool) (*core.Order, error) {
	o := s.proj.GetOrderByID(id)
	if o == nil {
		stored, err := s.store.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		o = stored
	}
	return s.Cancel(ctx, userID, o.ExternalID, o.Symbol, expire)
}

// releaseReservation returns the unfilled part of a spot limit reservation to
// free. Derivative orders reserve nothing at entry.
func (s *Service) releaseReservation(ctx context.Context, o *core.Order) (bool, error) {
	if o.Type != core.OrderTypeLimit || !o.Exchange.IsSpot() {
		return false, nil
	}
	sym, err := s.symbols.GetSymbol(ctx, o.Symbol, o.Exchange)
	if err != nil {
		return false, fmt.Errorf("cancel %s: symbol: %w", o.ExternalID, err)
	}

	asset, residual := sym.BaseAsset.Name, o.Amount.Sub(o.FilledAmount)
	if o.Side == core.SideBuy {
		asset, residual = sym.QuoteAsset.Name, o.QuoteAmount.Sub(o.FilledQuoteAmount)
	}
	if !residual.IsPositive() {
		return false, nil
	}
	if err := s.store.ApplyBalanceDelta(ctx, o.UserID, asset, residual, residual.Neg()); err != nil {
		return false, fmt.Errorf("cancel %s: release: %w", o.ExternalID, err)
	}
	return true, nil
}

// ProcessLimitFill applies one tick's execution to a booked limit order. The
// candidate was selected outside the lock; the live record is re-fetched
// under it because a cancel may have won the race.
func (s *Service) ProcessLimitFill(ctx context.Context, candidate *core.Order, tick *core.Ticker) error {
	return s.locks.WithLock(locks.UpdateOrder, candidate.ExternalID, func() error {
		o := s.proj.GetOrder(candidate.Symbol, candidate.ExternalID)
		if o == nil || o.Status.IsTerminal() {
			return nil
		}

		sym, err := s.symbols.GetSymbol(ctx, o.Symbol, o.Exchange)
		if err != nil {
			return fmt.Errorf("fill %s: symbol: %w", o.ExternalID, err)
		}

		fill := fillSize(o, tick)
		if !fill.IsPositive() {
			return nil
		}

		var res *settlement.Result
		if o.Exchange.IsSpot() {
			res, err = s.settler.SettleSpotLimitFill(ctx, o, sym, fill)
		} else {
			res, err = s.settler.SettleDerivative(ctx, o, sym, o.Price, fill)
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrReduceOrderRejected) || errors.Is(err, apperrors.ErrPositionNotFound) {
				// The position backing this reduce-only order is gone.
				return s.expireBooked(ctx, o)
			}
			return fmt.Errorf("fill %s: settle: %w", o.ExternalID, err)
		}

		o.FilledAmount = o.FilledAmount.Add(res.Amount)
		o.FilledQuoteAmount = o.FilledQuoteAmount.Add(res.Amount.Mul(o.Price))
		o.AvgFilledPrice = o.FilledQuoteAmount.Div(o.FilledAmount)
		o.Fee = o.Fee.Add(res.Fee)
		o.Status = core.OrderStatusPartiallyFilled
		if !o.Remaining().IsPositive() {
			o.Status = core.OrderStatusFilled
		}
		o.UpdatedAt = time.Now().UnixMilli()

		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("fill %s: persist: %w", o.ExternalID, err)
		}

		if o.Status == core.OrderStatusFilled {
			s.proj.RemoveOrder(o.Symbol, o.ExternalID)
			s.unwatchOrder(ctx, o)
			s.filledCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("exchange", string(o.Exchange)),
			))
		} else {
			s.proj.PutOrder(o)
		}

		s.emitOrder(o)
		s.emitBalances(ctx, o.UserID)
		return nil
	})
}

// fillSize computes the executed size of a booked limit against a tick.
// Derivatives always sweep the remainder. Spot strictly inside the touch
// sweeps too; at exactly the touched price the quoted size caps the fill.
func fillSize(o *core.Order, tick *core.Ticker) decimal.Decimal {
	remaining := o.Remaining()
	if !o.Exchange.IsSpot() {
		return remaining
	}

	touchPrice, touchSize := tick.BestBid, tick.BestBidQnt
	if o.Side == core.SideBuy {
		touchPrice, touchSize = tick.BestAsk, tick.BestAskQnt
	}
	if !o.Price.Equal(touchPrice) {
		return remaining
	}
	return decimal.Min(remaining, touchSize)
}

// expireBooked retires a booked order under an already-held UpdateOrder lock.
func (s *Service) expireBooked(ctx context.Context, o *core.Order) error {
	o.Status = core.OrderStatusExpired
	o.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("expire %s: persist: %w", o.ExternalID, err)
	}
	s.proj.RemoveOrder(o.Symbol, o.ExternalID)
	s.unwatchOrder(ctx, o)
	s.canceledCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", string(o.Exchange)),
		attribute.String("status", string(core.OrderStatusExpired)),
	))
	s.emitOrder(o)
	return nil
}

// Liquidate force-closes a position: the user's reduce-only orders on the
// symbol expire first, then a synthetic MARKET order settles at the
// liquidation price. Runs on the ticker worker frame, outside the CreateOrder
// lock. Failures are surfaced to the caller for logging only; when the user
// record is gone the position force-closes in place.
func (s *Service) Liquidate(ctx context.Context, pos *core.Position) error {
	ctx, span := s.tracer.Start(ctx, "Liquidate",
		trace.WithAttributes(
			attribute.String("position", pos.UUID),
			attribute.String("symbol", pos.Symbol),
		),
	)
	defer span.End()

	log := s.logger.WithFields(map[string]interface{}{
		"position": pos.UUID,
		"symbol":   pos.Symbol,
		"user":     pos.UserID,
	})

	reduceOrders, err := s.store.OpenReduceOnlyOrders(ctx, pos.UserID, pos.Symbol, pos.Exchange)
	if err != nil {
		log.Error("Liquidation: listing reduce-only orders failed", "error", err.Error())
	}
	for _, ro := range reduceOrders {
		if _, err := s.Cancel(ctx, "", ro.ExternalID, ro.Symbol, true); err != nil &&
			!errors.Is(err, apperrors.ErrOrderTerminal) {
			log.Warn("Liquidation: expiring reduce-only order failed",
				"externalId", ro.ExternalID, "error", err.Error())
		}
	}

	if _, err := s.store.GetUser(ctx, pos.UserID); err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return s.forceClose(ctx, pos)
		}
		return fmt.Errorf("liquidation %s: user: %w", pos.UUID, err)
	}

	sym, err := s.symbols.GetSymbol(ctx, pos.Symbol, pos.Exchange)
	if err != nil {
		return fmt.Errorf("liquidation %s: symbol: %w", pos.UUID, err)
	}

	side := core.SideSell
	if pos.PositionSide == core.PositionSideShort {
		side = core.SideBuy
	}
	now := time.Now().UnixMilli()
	o := &core.Order{
		ID:           uuid.NewString(),
		ExternalID:   LiquidationPrefix + uuid.NewString(),
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		Exchange:     pos.Exchange,
		Side:         side,
		Type:         core.OrderTypeMarket,
		Price:        pos.LiquidationPrice,
		Amount:       pos.PositionAmt,
		QuoteAmount:  pos.PositionAmt.Mul(pos.LiquidationPrice),
		FeePerc:      core.TakerFee(pos.Exchange),
		Status:       core.OrderStatusNew,
		ReduceOnly:   true,
		PositionSide: pos.PositionSide,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("liquidation %s: insert: %w", pos.UUID, err)
	}

	if _, err := s.executeMarket(ctx, o, sym, pos.LiquidationPrice); err != nil {
		return fmt.Errorf("liquidation %s: settle: %w", pos.UUID, err)
	}

	s.liqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", string(pos.Exchange)),
	))
	log.Warn("Position liquidated",
		"entry", pos.EntryPrice.String(),
		"liquidationPrice", pos.LiquidationPrice.String(),
		"amount", pos.PositionAmt.String())
	return nil
}

// forceClose closes a position in storage when no settlement is possible.
func (s *Service) forceClose(ctx context.Context, pos *core.Position) error {
	pos.Status = core.PositionStatusClosed
	pos.ClosePrice = pos.LiquidationPrice
	pos.Margin = decimal.Zero
	pos.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("force close %s: %w", pos.UUID, err)
	}
	s.proj.RemovePosition(pos.Symbol, pos.UUID)
	topic := core.TopicKey(pos.Symbol, pos.Exchange)
	if s.watch.Remove(topic, pos.UUID) && s.bus != nil {
		if err := s.bus.Unsubscribe(ctx, core.TradeChannel(pos.Symbol, pos.Exchange)); err != nil {
			s.logger.Error("Failed to unsubscribe force-closed topic", "topic", topic, "error", err.Error())
		}
	}
	s.logger.Warn("Force-closed position of missing user", "position", pos.UUID)
	return nil
}

// GetOrder returns the user's order by (externalId, symbol).
func (s *Service) GetOrder(ctx context.Context, userID, externalID, symbol string) (*core.Order, error) {
	o, err := s.store.GetOrder(ctx, externalID, symbol)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, nil
}

// GetOrderByID returns the user's order by storage id.
func (s *Service) GetOrderByID(ctx context.Context, userID, id string) (*core.Order, error) {
	o, err := s.store.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, nil
}

// OpenOrders lists the user's live orders.
func (s *Service) OpenOrders(ctx context.Context, userID string) ([]*core.Order, error) {
	return s.store.OpenOrdersByUser(ctx, userID)
}

func (s *Service) watchOrder(ctx context.Context, o *core.Order) {
	topic := core.TopicKey(o.Symbol, o.Exchange)
	if s.watch.Add(topic, o.ExternalID) && s.bus != nil {
		if err := s.bus.Subscribe(ctx, core.TradeChannel(o.Symbol, o.Exchange)); err != nil {
			s.logger.Error("Failed to subscribe order topic", "topic", topic, "error", err.Error())
		}
	}
}

func (s *Service) unwatchOrder(ctx context.Context, o *core.Order) {
	topic := core.TopicKey(o.Symbol, o.Exchange)
	if s.watch.Remove(topic, o.ExternalID) && s.bus != nil {
		if err := s.bus.Unsubscribe(ctx, core.TradeChannel(o.Symbol, o.Exchange)); err != nil {
			s.logger.Error("Failed to unsubscribe order topic", "topic", topic, "error", err.Error())
		}
	}
}

func (s *Service) emitOrder(o *core.Order) {
	if s.events != nil {
		s.events.OrderUpdate(o.UserID, o.Clone())
	}
}

func (s *Service) emitBalances(ctx context.Context, userID string) {
	if s.events == nil {
		return
	}
	balances, err := s.store.BalancesByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("Balance snapshot for push failed", "user", userID, "error", err.Error())
		return
	}
	s.events.AccountInfo(userID, balances)
}
