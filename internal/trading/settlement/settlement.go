// Package settlement applies the balance and position transitions of an
// execution: spot debits/credits, derivative margin accounting, leverage
// locking, and liquidation pricing. Callers (order lifecycle, matcher) own
// order records and events; this package owns wallets and positions.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
	"github.com/Gainium/paper-trading-sh/pkg/locks"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result reports what one settlement did. Amount reflects the executed size
// after a reduce-only trim; Fee is denominated in FeeAsset.
type Result struct {
	Fee      decimal.Decimal
	FeeAsset string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Trimmed  bool
	Closed   []*core.Position
	Opened   *core.Position
	Updated  *core.Position
}

// Settler owns wallet and position transitions. All mutation paths follow
// the same write order: persist the position transition, move the balance,
// then update the projection and watch set.
type Settler struct {
	store  core.IStore
	proj   *projection.Projection
	watch  *projection.WatchSet
	bus    core.IMarketBus
	locks  *locks.Manager
	logger core.ILogger

	feeCounter metric.Float64Counter
	volCounter metric.Float64Counter
}

func NewSettler(
	store core.IStore,
	proj *projection.Projection,
	watch *projection.WatchSet,
	bus core.IMarketBus,
	lockMgr *locks.Manager,
	logger core.ILogger,
) *Settler {
	meter := telemetry.GetMeter("settlement")
	feeCounter, _ := meter.Float64Counter(telemetry.MetricFeesCollectedTotal,
		metric.WithDescription("Cumulative fees charged, per asset"))
	volCounter, _ := meter.Float64Counter(telemetry.MetricVolumeTotal,
		metric.WithDescription("Total settled volume in base units"))

	return &Settler{
		store:      store,
		proj:       proj,
		watch:      watch,
		bus:        bus,
		locks:      lockMgr,
		logger:     logger.WithField("component", "settlement"),
		feeCounter: feeCounter,
		volCounter: volCounter,
	}
}

func (s *Settler) recordFill(ctx context.Context, sym *core.Symbol, amount, fee decimal.Decimal, feeAsset string) {
	amtF, _ := amount.Float64()
	feeF, _ := fee.Float64()
	s.volCounter.Add(ctx, amtF, metric.WithAttributes(
		attribute.String("exchange", string(sym.Exchange)),
		attribute.String("symbol", sym.Pair),
	))
	s.feeCounter.Add(ctx, feeF, metric.WithAttributes(
		attribute.String("asset", feeAsset),
	))
}

// SettleSpotMarket executes a spot order immediately at price. BUY debits
// quote free and credits base free minus a base-denominated fee; SELL debits
// base free and credits quote free minus a quote-denominated fee.
func (s *Settler) SettleSpotMarket(ctx context.Context, o *core.Order, sym *core.Symbol, price decimal.Decimal) (*Result, error) {
	amount := o.Amount
	notional := amount.Mul(price)

	res := &Result{Amount: amount, Price: price}

	if o.Side == core.SideBuy {
		fee := amount.Mul(o.FeePerc)
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.QuoteAsset.Name, notional.Neg(), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot market buy: debit quote: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.BaseAsset.Name, amount.Sub(fee), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot market buy: credit base: %w", err)
		}
		res.Fee, res.FeeAsset = fee, sym.BaseAsset.Name
	} else {
		fee := notional.Mul(o.FeePerc)
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.BaseAsset.Name, amount.Neg(), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot market sell: debit base: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.QuoteAsset.Name, notional.Sub(fee), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot market sell: credit quote: %w", err)
		}
		res.Fee, res.FeeAsset = fee, sym.QuoteAsset.Name
	}

	s.recordFill(ctx, sym, amount, res.Fee, res.FeeAsset)
	return res, nil
}

// SettleSpotLimitFill applies a fill of fill base units at the order's limit
// price. The reservation made at order entry moves out of locked; proceeds
// land in free.
func (s *Settler) SettleSpotLimitFill(ctx context.Context, o *core.Order, sym *core.Symbol, fill decimal.Decimal) (*Result, error) {
	notional := fill.Mul(o.Price)
	res := &Result{Amount: fill, Price: o.Price}

	if o.Side == core.SideBuy {
		fee := fill.Mul(o.FeePerc)
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.QuoteAsset.Name, decimal.Zero, notional.Neg()); err != nil {
			return nil, fmt.Errorf("spot limit buy: release locked quote: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.BaseAsset.Name, fill.Sub(fee), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot limit buy: credit base: %w", err)
		}
		res.Fee, res.FeeAsset = fee, sym.BaseAsset.Name
	} else {
		fee := notional.Mul(o.FeePerc)
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.BaseAsset.Name, decimal.Zero, fill.Neg()); err != nil {
			return nil, fmt.Errorf("spot limit sell: release locked base: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.QuoteAsset.Name, notional.Sub(fee), decimal.Zero); err != nil {
			return nil, fmt.Errorf("spot limit sell: credit quote: %w", err)
		}
		res.Fee, res.FeeAsset = fee, sym.QuoteAsset.Name
	}

	s.recordFill(ctx, sym, fill, res.Fee, res.FeeAsset)
	return res, nil
}

// SettleDerivative applies a derivative execution of amount at price against
// the user's position on (symbol, exchange). In hedge mode the order's
// positionSide picks the leg; in one-way mode the single netted position is
// used whatever its side.
func (s *Settler) SettleDerivative(ctx context.Context, o *core.Order, sym *core.Symbol, price, amount decimal.Decimal) (*Result, error) {
	hedge, err := s.store.GetHedge(ctx, o.UserID)
	if err != nil {
		return nil, fmt.Errorf("derivative settle: hedge mode: %w", err)
	}

	existing := s.findPosition(o, hedge)

	if existing == nil {
		if o.ReduceOnly {
			return nil, apperrors.ErrReduceOrderRejected
		}
		return s.openPosition(ctx, o, sym, hedge, price, amount)
	}

	if sameDirection(o.Side, existing.PositionSide) {
		return s.increasePosition(ctx, o, sym, existing, price, amount)
	}

	// Opposite direction: trim reduce-only over-fills in place, then close,
	// flip, or reduce.
	res := &Result{Price: price}
	if o.ReduceOnly && amount.GreaterThan(existing.PositionAmt) {
		trimOrder(o, existing.PositionAmt)
		amount = existing.PositionAmt
		res.Trimmed = true
	}

	if !o.ReduceOnly && amount.GreaterThan(existing.PositionAmt) {
		return s.flipPosition(ctx, o, sym, hedge, existing, price, amount, res)
	}

	if existing.PositionAmt.Sub(amount).LessThan(closeFloor(sym)) {
		return s.closePosition(ctx, o, sym, hedge, existing, price, amount, res)
	}

	return s.reducePosition(ctx, o, sym, existing, price, amount, res)
}

// findPosition picks the target open position from the projection.
func (s *Settler) findPosition(o *core.Order, hedge bool) *core.Position {
	positions := s.proj.PositionsByUser(o.UserID, o.Symbol, o.Exchange)
	for _, p := range positions {
		if p.Status != core.PositionStatusNew {
			continue
		}
		if hedge && p.PositionSide != o.PositionSide {
			continue
		}
		return p
	}
	return nil
}

func sameDirection(side core.Side, posSide core.PositionSide) bool {
	if side == core.SideBuy {
		return posSide == core.PositionSideLong
	}
	return posSide == core.PositionSideShort
}

func directionFor(side core.Side) core.PositionSide {
	if side == core.SideBuy {
		return core.PositionSideLong
	}
	return core.PositionSideShort
}

// leverageSide is the leverage-row key: the order's positionSide in hedge
// mode, BOTH in one-way mode.
func leverageSide(hedge bool, posSide core.PositionSide) core.PositionSide {
	if hedge {
		return posSide
	}
	return core.PositionSideBoth
}

// closeFloor is the residual below which an opposite-direction execution
// closes the position entirely: the base min amount for linear contracts,
// one contract for inverse.
func closeFloor(sym *core.Symbol) decimal.Decimal {
	if sym.Exchange.IsInverse() {
		return decimal.NewFromInt(1)
	}
	return sym.BaseAsset.MinAmount
}

// trimOrder rewrites a reduce-only order whose amount exceeds the position:
// the excess is cut and the proportional fee share refunded by recomputing
// on the trimmed size.
func trimOrder(o *core.Order, newAmount decimal.Decimal) {
	o.Amount = newAmount
	o.QuoteAmount = newAmount.Mul(o.Price)
	if o.FilledAmount.GreaterThan(newAmount) {
		o.FilledAmount = newAmount
		o.FilledQuoteAmount = o.QuoteAmount
	}
}

// case 1: no prior position.
func (s *Settler) openPosition(ctx context.Context, o *core.Order, sym *core.Symbol, hedge bool, price, amount decimal.Decimal) (*Result, error) {
	lev, err := s.store.EnsureLeverage(ctx, o.UserID, o.Symbol, leverageSide(hedge, o.PositionSide))
	if err != nil {
		return nil, fmt.Errorf("derivative open: leverage: %w", err)
	}

	margin := core.MarginRequired(sym, amount, price, lev.Leverage)
	fee := core.DerivativeFee(sym, amount, price, o.FeePerc)
	side := directionFor(o.Side)
	now := time.Now().UnixMilli()

	pos := &core.Position{
		UUID:             uuid.NewString(),
		UserID:           o.UserID,
		Symbol:           o.Symbol,
		Exchange:         o.Exchange,
		PositionSide:     side,
		PositionAmt:      amount,
		EntryPrice:       price,
		Margin:           margin,
		LiquidationPrice: LiquidationPrice(price, side, o.FeePerc, lev.Leverage),
		Leverage:         lev.Leverage,
		Profit:           fee.Neg(),
		Fee:              fee,
		Status:           core.PositionStatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.InsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("derivative open: persist: %w", err)
	}
	if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.MarginAsset(), margin.Add(fee).Neg(), margin); err != nil {
		return nil, fmt.Errorf("derivative open: balance: %w", err)
	}
	if err := s.lockLeverage(ctx, o.UserID, o.Symbol, leverageSide(hedge, o.PositionSide), true); err != nil {
		return nil, err
	}

	s.proj.PutPosition(pos)
	s.watchPosition(ctx, pos)
	s.recordFill(ctx, sym, amount, fee, sym.MarginAsset())

	return &Result{
		Fee: fee, FeeAsset: sym.MarginAsset(), Amount: amount, Price: price,
		Opened: pos,
	}, nil
}

// case 2: same direction, increase. Entry price becomes the amount-weighted
// average and the liquidation price is re-derived from it; this is the only
// transition that ever recomputes L after open.
func (s *Settler) increasePosition(ctx context.Context, o *core.Order, sym *core.Symbol, pos *core.Position, price, amount decimal.Decimal) (*Result, error) {
	margin := core.MarginRequired(sym, amount, price, pos.Leverage)
	fee := core.DerivativeFee(sym, amount, price, o.FeePerc)

	newAmt := pos.PositionAmt.Add(amount)
	newEntry := pos.PositionAmt.Mul(pos.EntryPrice).Add(amount.Mul(price)).Div(newAmt)

	pos.PositionAmt = newAmt
	pos.EntryPrice = newEntry
	pos.Margin = pos.Margin.Add(margin)
	pos.LiquidationPrice = LiquidationPrice(newEntry, pos.PositionSide, o.FeePerc, pos.Leverage)
	pos.Profit = pos.Profit.Sub(fee)
	pos.Fee = pos.Fee.Add(fee)
	pos.UpdatedAt = time.Now().UnixMilli()

	if err := s.store.UpdatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("derivative increase: persist: %w", err)
	}
	if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.MarginAsset(), margin.Add(fee).Neg(), margin); err != nil {
		return nil, fmt.Errorf("derivative increase: balance: %w", err)
	}

	s.proj.PutPosition(pos)
	s.recordFill(ctx, sym, amount, fee, sym.MarginAsset())

	return &Result{
		Fee: fee, FeeAsset: sym.MarginAsset(), Amount: amount, Price: price,
		Updated: pos,
	}, nil
}

// realizedPnl computes the close PnL for closeAmt of the position at price,
// minus fee. Linear settles the price move in quote; inverse settles the
// notional difference in base.
func realizedPnl(sym *core.Symbol, pos *core.Position, closeAmt, price, fee decimal.Decimal) decimal.Decimal {
	dir := pos.Direction()
	if sym.Exchange.IsInverse() {
		cs := sym.ContractSize()
		entryNotional := closeAmt.Mul(cs).Div(pos.EntryPrice)
		closeNotional := closeAmt.Mul(cs).Div(price)
		return entryNotional.Sub(closeNotional).Mul(dir).Sub(fee)
	}
	return closeAmt.Mul(price).Sub(closeAmt.Mul(pos.EntryPrice)).Mul(dir).Sub(fee)
}

// case 3: opposite direction, full close. The whole position unwinds at
// price; margin returns to free along with the realized PnL.
func (s *Settler) closePosition(ctx context.Context, o *core.Order, sym *core.Symbol, hedge bool, pos *core.Position, price, amount decimal.Decimal, res *Result) (*Result, error) {
	fee := core.DerivativeFee(sym, amount, price, o.FeePerc)

	err := s.locks.WithLock(locks.Common, pos.UUID, func() error {
		// The position may have been closed while this frame awaited; the
		// projection holds the live copy.
		live := s.proj.GetPosition(pos.Symbol, pos.UUID)
		if live == nil || live.Status != core.PositionStatusNew {
			return apperrors.ErrPositionNotFound
		}
		*pos = *live

		pnl := realizedPnl(sym, pos, pos.PositionAmt, price, fee)
		margin := pos.Margin

		pos.Status = core.PositionStatusClosed
		pos.ClosePrice = price
		pos.Profit = pos.Profit.Add(pnl)
		pos.Fee = pos.Fee.Add(fee)
		pos.Margin = decimal.Zero
		pos.UpdatedAt = time.Now().UnixMilli()

		if err := s.store.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("derivative close: persist: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.MarginAsset(), margin.Add(pnl), margin.Neg()); err != nil {
			return fmt.Errorf("derivative close: balance: %w", err)
		}

		s.proj.RemovePosition(pos.Symbol, pos.UUID)
		s.unwatchPosition(ctx, pos)
		return s.unlockLeverage(ctx, pos, hedge)
	})
	if err != nil {
		return nil, err
	}

	s.recordFill(ctx, sym, amount, fee, sym.MarginAsset())

	res.Fee, res.FeeAsset = fee, sym.MarginAsset()
	res.Amount = amount
	res.Closed = append(res.Closed, pos)
	return res, nil
}

// case 4: opposite direction with amount beyond the position, not
// reduce-only. The existing leg closes at price and the remainder opens a
// new position on the other side. The new leg's margin and fee are the
// order totals minus what the close consumed; diffMargin unwinds at the
// existing leg's entry and leverage.
func (s *Settler) flipPosition(ctx context.Context, o *core.Order, sym *core.Symbol, hedge bool, pos *core.Position, price, amount decimal.Decimal, res *Result) (*Result, error) {
	closingAmt := pos.PositionAmt
	closingFee := core.DerivativeFee(sym, closingAmt, price, o.FeePerc)
	totalMargin := core.MarginRequired(sym, amount, price, pos.Leverage)
	diffMargin := core.MarginRequired(sym, closingAmt, pos.EntryPrice, pos.Leverage)
	totalFee := core.DerivativeFee(sym, amount, price, o.FeePerc)

	closeRes := &Result{Price: price}
	closeOrder := o.Clone()
	if _, err := s.closePosition(ctx, closeOrder, sym, hedge, pos, price, closingAmt, closeRes); err != nil {
		return nil, err
	}

	remainder := amount.Sub(closingAmt)
	openMargin := totalMargin.Sub(diffMargin)
	openFee := totalFee.Sub(closingFee)
	newSide := directionFor(o.Side)
	now := time.Now().UnixMilli()

	newPos := &core.Position{
		UUID:             uuid.NewString(),
		UserID:           o.UserID,
		Symbol:           o.Symbol,
		Exchange:         o.Exchange,
		PositionSide:     newSide,
		PositionAmt:      remainder,
		EntryPrice:       price,
		Margin:           openMargin,
		LiquidationPrice: LiquidationPrice(price, newSide, o.FeePerc, pos.Leverage),
		Leverage:         pos.Leverage,
		Profit:           openFee.Neg(),
		Fee:              openFee,
		Status:           core.PositionStatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.InsertPosition(ctx, newPos); err != nil {
		return nil, fmt.Errorf("derivative flip: persist: %w", err)
	}
	if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.MarginAsset(), openMargin.Add(openFee).Neg(), openMargin); err != nil {
		return nil, fmt.Errorf("derivative flip: balance: %w", err)
	}
	if err := s.lockLeverage(ctx, o.UserID, o.Symbol, leverageSide(hedge, newSide), true); err != nil {
		return nil, err
	}

	s.proj.PutPosition(newPos)
	s.watchPosition(ctx, newPos)
	s.recordFill(ctx, sym, remainder, openFee, sym.MarginAsset())

	res.Fee = closeRes.Fee.Add(openFee)
	res.FeeAsset = sym.MarginAsset()
	res.Amount = amount
	res.Closed = closeRes.Closed
	res.Opened = newPos
	return res, nil
}

// case 6: opposite direction, partial reduce. Margin proportional to the
// executed size at the execution price is released along with the scaled
// PnL.
func (s *Settler) reducePosition(ctx context.Context, o *core.Order, sym *core.Symbol, pos *core.Position, price, amount decimal.Decimal, res *Result) (*Result, error) {
	fee := core.DerivativeFee(sym, amount, price, o.FeePerc)

	err := s.locks.WithLock(locks.Common, pos.UUID, func() error {
		live := s.proj.GetPosition(pos.Symbol, pos.UUID)
		if live == nil || live.Status != core.PositionStatusNew {
			return apperrors.ErrPositionNotFound
		}
		*pos = *live

		margin := core.MarginRequired(sym, amount, price, pos.Leverage)
		pnl := realizedPnl(sym, pos, amount, price, fee)

		pos.PositionAmt = pos.PositionAmt.Sub(amount)
		pos.Margin = pos.Margin.Sub(margin)
		pos.Profit = pos.Profit.Add(pnl)
		pos.Fee = pos.Fee.Add(fee)
		pos.UpdatedAt = time.Now().UnixMilli()

		if err := s.store.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("derivative reduce: persist: %w", err)
		}
		if err := s.store.ApplyBalanceDelta(ctx, o.UserID, sym.MarginAsset(), margin.Add(pnl), margin.Neg()); err != nil {
			return fmt.Errorf("derivative reduce: balance: %w", err)
		}

		s.proj.PutPosition(pos)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordFill(ctx, sym, amount, fee, sym.MarginAsset())

	res.Fee, res.FeeAsset = fee, sym.MarginAsset()
	res.Amount = amount
	res.Updated = pos
	return res, nil
}

// lockLeverage flips the locked flag on the leverage row under the Common
// lock for (user, symbol). Leverage is immutable while locked.
func (s *Settler) lockLeverage(ctx context.Context, userID, symbol string, side core.PositionSide, locked bool) error {
	return s.locks.WithLock(locks.Common, userID+"\x00"+symbol, func() error {
		row, err := s.store.EnsureLeverage(ctx, userID, symbol, side)
		if err != nil {
			return fmt.Errorf("leverage lock: %w", err)
		}
		if row.Locked == locked {
			return nil
		}
		row.Locked = locked
		if err := s.store.UpsertLeverage(ctx, row); err != nil {
			return fmt.Errorf("leverage lock: %w", err)
		}
		return nil
	})
}

// unlockLeverage releases the row for the closed position's side unless
// another open position still holds it.
func (s *Settler) unlockLeverage(ctx context.Context, pos *core.Position, hedge bool) error {
	side := leverageSide(hedge, pos.PositionSide)
	for _, other := range s.proj.PositionsByUser(pos.UserID, pos.Symbol, pos.Exchange) {
		if other.UUID == pos.UUID || other.Status != core.PositionStatusNew {
			continue
		}
		if leverageSide(hedge, other.PositionSide) == side {
			return nil
		}
	}
	return s.lockLeverage(ctx, pos.UserID, pos.Symbol, side, false)
}

func (s *Settler) watchPosition(ctx context.Context, pos *core.Position) {
	topic := core.TopicKey(pos.Symbol, pos.Exchange)
	if s.watch.Add(topic, pos.UUID) && s.bus != nil {
		if err := s.bus.Subscribe(ctx, core.TradeChannel(pos.Symbol, pos.Exchange)); err != nil {
			s.logger.Error("Failed to subscribe position topic", "topic", topic, "error", err.Error())
		}
	}
}

func (s *Settler) unwatchPosition(ctx context.Context, pos *core.Position) {
	topic := core.TopicKey(pos.Symbol, pos.Exchange)
	if s.watch.Remove(topic, pos.UUID) && s.bus != nil {
		if err := s.bus.Unsubscribe(ctx, core.TradeChannel(pos.Symbol, pos.Exchange)); err != nil {
			s.logger.Error("Failed to unsubscribe position topic", "topic", topic, "error", err.Error())
		}
	}
}
