package core

import "github.com/shopspring/decimal"

// Compiled-in fee schedule.
var (
	SpotMakerFee  = decimal.NewFromFloat(0.001)
	UsdmMakerFee  = decimal.NewFromFloat(0.0002)
	CoinmMakerFee = decimal.NewFromFloat(0.0001)
)

// MakerFee returns the maker rate for an exchange.
func MakerFee(e Exchange) decimal.Decimal {
	switch {
	case e.IsLinear():
		return UsdmMakerFee
	case e.IsInverse():
		return CoinmMakerFee
	default:
		return SpotMakerFee
	}
}

// TakerFee returns the taker rate for an exchange. Spot taker equals the
// spot maker rate; the asymmetry is kept for compatibility with existing
// client accounting.
func TakerFee(e Exchange) decimal.Decimal {
	switch {
	case e.IsLinear():
		return UsdmMakerFee.Mul(decimal.NewFromInt(2))
	case e.IsInverse():
		return CoinmMakerFee.Mul(decimal.NewFromInt(5))
	default:
		return SpotMakerFee
	}
}

// FeeRate picks the rate by order type: maker for LIMIT, taker for MARKET.
func FeeRate(e Exchange, t OrderType) decimal.Decimal {
	if t == OrderTypeMarket {
		return TakerFee(e)
	}
	return MakerFee(e)
}

// MarginRequired computes the margin to lock for a derivative order:
// amount*price/leverage for linear, amount*contractSize/price/leverage for
// inverse.
func MarginRequired(sym *Symbol, amount, price, leverage decimal.Decimal) decimal.Decimal {
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}
	if sym.Exchange.IsInverse() {
		return amount.Mul(sym.ContractSize()).Div(price).Div(leverage)
	}
	return amount.Mul(price).Div(leverage)
}

// DerivativeFee computes the fee for a derivative execution of amount at
// price: notional*rate in quote for linear, base-denominated
// (amount*contractSize/price)*rate for inverse.
func DerivativeFee(sym *Symbol, amount, price, rate decimal.Decimal) decimal.Decimal {
	if sym.Exchange.IsInverse() {
		return amount.Mul(sym.ContractSize()).Div(price).Mul(rate)
	}
	return amount.Mul(price).Mul(rate)
}
