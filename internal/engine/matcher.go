package engine

import (
	"sort"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/alert"
	"github.com/Gainium/paper-trading-sh/internal/core"
)

// matchBatch settles one coalesced batch for an exchange. Per symbol the
// liquidation scan runs before the limit scan, so a position that became
// unsafe on this very tick is closed before resting orders trade at it.
func (e *Engine) matchBatch(exchange core.Exchange, batch map[string]*core.Ticker) {
	start := time.Now()

	for symbol, tick := range batch {
		if exchange.IsDerivative() {
			e.liquidationScan(symbol, exchange, tick)
		}
		e.limitScan(symbol, exchange, tick)
	}

	e.batchHist.Record(e.ctx, float64(time.Since(start).Milliseconds()), tickAttrs(exchange))
	e.refreshGauges()
}

// liquidationScan closes every open position whose liquidation price the
// quote has reached. LONGs trigger when the best bid falls to or below the
// liquidation price and settle worst-first (lowest liquidation price first);
// SHORTs trigger when the best ask rises to or above it and settle
// highest-first.
func (e *Engine) liquidationScan(symbol string, exchange core.Exchange, tick *core.Ticker) {
	positions := e.proj.PositionsBySymbol(symbol, exchange)
	if len(positions) == 0 {
		return
	}

	var longs, shorts []*core.Position
	for _, p := range positions {
		if p.Status != core.PositionStatusNew {
			continue
		}
		switch p.PositionSide {
		case core.PositionSideLong:
			if tick.BestBid.IsPositive() && p.LiquidationPrice.GreaterThanOrEqual(tick.BestBid) {
				longs = append(longs, p)
			}
		case core.PositionSideShort:
			if tick.BestAsk.IsPositive() && p.LiquidationPrice.LessThanOrEqual(tick.BestAsk) {
				shorts = append(shorts, p)
			}
		}
	}
	sort.Slice(longs, func(i, j int) bool {
		return longs[i].LiquidationPrice.LessThan(longs[j].LiquidationPrice)
	})
	sort.Slice(shorts, func(i, j int) bool {
		return shorts[i].LiquidationPrice.GreaterThan(shorts[j].LiquidationPrice)
	})

	for _, p := range append(longs, shorts...) {
		if err := e.driver.Liquidate(e.ctx, p); err != nil {
			e.logger.Error("Liquidation failed",
				"position", p.UUID, "symbol", symbol, "exchange", string(exchange), "error", err.Error())
			if e.alerts != nil {
				e.alerts.Alert(e.ctx, "Liquidation failed",
					"A position crossed its liquidation price but could not be closed.",
					alert.Error, map[string]string{
						"position": p.UUID,
						"symbol":   symbol,
						"exchange": string(exchange),
						"error":    err.Error(),
					})
			}
		}
	}
}

// limitScan fills resting limit orders the quote has crossed. SELLs fill
// when the best bid reaches their price and settle lowest price first;
// BUYs fill when the best ask reaches their price and settle highest price
// first. Spot fills additionally need liquidity at the touch, so a zero
// quoted size on the relevant side skips the order.
func (e *Engine) limitScan(symbol string, exchange core.Exchange, tick *core.Ticker) {
	orders := e.proj.OrdersBySymbol(symbol, exchange)
	if len(orders) == 0 {
		return
	}
	spot := exchange.IsSpot()

	var sells, buys []*core.Order
	for _, o := range orders {
		if o.Status != core.OrderStatusNew && o.Status != core.OrderStatusPartiallyFilled {
			continue
		}
		switch o.Side {
		case core.SideSell:
			if !tick.BestBid.IsPositive() || o.Price.GreaterThan(tick.BestBid) {
				continue
			}
			if spot && !tick.BestBidQnt.IsPositive() {
				continue
			}
			sells = append(sells, o)
		case core.SideBuy:
			if !tick.BestAsk.IsPositive() || o.Price.LessThan(tick.BestAsk) {
				continue
			}
			if spot && !tick.BestAskQnt.IsPositive() {
				continue
			}
			buys = append(buys, o)
		}
	}
	sort.Slice(sells, func(i, j int) bool {
		return sells[i].Price.LessThan(sells[j].Price)
	})
	sort.Slice(buys, func(i, j int) bool {
		return buys[i].Price.GreaterThan(buys[j].Price)
	})

	for _, o := range append(sells, buys...) {
		if err := e.driver.ProcessLimitFill(e.ctx, o, tick); err != nil {
			e.logger.Error("Limit fill failed",
				"externalId", o.ExternalID, "symbol", symbol, "exchange", string(exchange), "error", err.Error())
		}
	}
}
