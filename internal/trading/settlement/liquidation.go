package settlement

import (
	"github.com/Gainium/paper-trading-sh/internal/core"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// LiquidationPrice derives the price at which a position is force-closed.
// It is computed once at open and re-derived only when the position grows.
//
// For leverage above 1 the entry price is shifted by the margin fraction and
// the fee, toward the losing side:
//
//	L = entry * (1 + s/leverage) * (1 + s*feePerc), s = -1 LONG, +1 SHORT
//
// At leverage 1 the formula degenerates to entry*feePerc (LONG, a near-zero
// floor) and entry/feePerc (SHORT). The extremes are intentional and kept
// for compatibility with existing client accounting.
func LiquidationPrice(entry decimal.Decimal, side core.PositionSide, feePerc, leverage decimal.Decimal) decimal.Decimal {
	if leverage.LessThanOrEqual(one) {
		if side == core.PositionSideShort {
			if feePerc.IsZero() {
				return decimal.Zero
			}
			return entry.Div(feePerc)
		}
		return entry.Mul(feePerc)
	}

	s := one
	if side != core.PositionSideShort {
		s = s.Neg()
	}
	marginShift := one.Add(s.Div(leverage))
	feeShift := one.Add(feePerc.Mul(s))
	return entry.Mul(marginShift).Mul(feeShift)
}
