package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Exchange identifies one of the simulated venues. The futures sets are
// closed; anything else is treated as spot only if listed.
type Exchange string

const (
	ExchangeBinance     Exchange = "binance"
	ExchangeKucoin      Exchange = "kucoin"
	ExchangeBybit       Exchange = "bybit"
	ExchangeOkx         Exchange = "okx"
	ExchangeCoinbase    Exchange = "coinbase"
	ExchangeBitget      Exchange = "bitget"
	ExchangeMexc        Exchange = "mexc"
	ExchangeHyperliquid Exchange = "hyperliquid"

	ExchangeBinanceUsdm  Exchange = "binanceUsdm"
	ExchangeBybitUsdm    Exchange = "bybitUsdm"
	ExchangeKucoinLinear Exchange = "kucoinLinear"
	ExchangeOkxLinear    Exchange = "okxLinear"
	ExchangeBitgetUsdm   Exchange = "bitgetUsdm"

	ExchangeBinanceCoinm       Exchange = "binanceCoinm"
	ExchangeBybitInverse       Exchange = "bybitInverse"
	ExchangeKucoinInverse      Exchange = "kucoinInverse"
	ExchangeOkxInverse         Exchange = "okxInverse"
	ExchangeBitgetCoinm        Exchange = "bitgetCoinm"
	ExchangeHyperliquidInverse Exchange = "hyperliquidInverse"
)

var spotExchanges = map[Exchange]bool{
	ExchangeBinance: true, ExchangeKucoin: true, ExchangeBybit: true,
	ExchangeOkx: true, ExchangeCoinbase: true, ExchangeBitget: true,
	ExchangeMexc: true, ExchangeHyperliquid: true,
}

var linearExchanges = map[Exchange]bool{
	ExchangeBinanceUsdm: true, ExchangeBybitUsdm: true, ExchangeKucoinLinear: true,
	ExchangeOkxLinear: true, ExchangeBitgetUsdm: true,
}

var inverseExchanges = map[Exchange]bool{
	ExchangeBinanceCoinm: true, ExchangeBybitInverse: true, ExchangeKucoinInverse: true,
	ExchangeOkxInverse: true, ExchangeBitgetCoinm: true, ExchangeHyperliquidInverse: true,
}

// ParseExchange validates an exchange identifier.
func ParseExchange(s string) (Exchange, error) {
	e := Exchange(s)
	if spotExchanges[e] || linearExchanges[e] || inverseExchanges[e] {
		return e, nil
	}
	return "", fmt.Errorf("unknown exchange %q", s)
}

func (e Exchange) IsSpot() bool       { return spotExchanges[e] }
func (e Exchange) IsLinear() bool     { return linearExchanges[e] }
func (e Exchange) IsInverse() bool    { return inverseExchanges[e] }
func (e Exchange) IsDerivative() bool { return linearExchanges[e] || inverseExchanges[e] }
func (e Exchange) String() string     { return string(e) }

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes booked limits from immediately settled markets.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the order state machine. Terminal states are absorbing.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusExpired
}

// PositionSide of a derivatives position. BOTH nets long/short in one-way mode.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// PositionStatus tracks position lifecycle.
type PositionStatus string

const (
	PositionStatusNew    PositionStatus = "NEW"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// AssetInfo describes one leg of a trading pair. For inverse contracts the
// quote MinAmount doubles as the contract size in quote units.
type AssetInfo struct {
	Name      string          `json:"name"`
	MinAmount decimal.Decimal `json:"minAmount"`
	Step      decimal.Decimal `json:"step,omitempty"`
}

// Symbol holds the immutable per-symbol parameters used for validation,
// precision, and inverse-contract sizing.
type Symbol struct {
	Pair                string    `json:"pair"`
	Exchange            Exchange  `json:"exchange"`
	BaseAsset           AssetInfo `json:"baseAsset"`
	QuoteAsset          AssetInfo `json:"quoteAsset"`
	PriceAssetPrecision int32     `json:"priceAssetPrecision"`
	MaxOrders           int       `json:"maxOrders"`
}

// Key returns the projection/watch-set key "pair@exchange".
func (s *Symbol) Key() string {
	return s.Pair + "@" + string(s.Exchange)
}

// MarginAsset is the asset margins and derivative fees settle in: base for
// inverse contracts, quote otherwise.
func (s *Symbol) MarginAsset() string {
	if s.Exchange.IsInverse() {
		return s.BaseAsset.Name
	}
	return s.QuoteAsset.Name
}

// ContractSize is the inverse contract size in quote units.
func (s *Symbol) ContractSize() decimal.Decimal {
	return s.QuoteAsset.MinAmount
}

// TopicKey builds the watch-set / pub-sub key for a symbol on an exchange.
func TopicKey(symbol string, exchange Exchange) string {
	return symbol + "@" + string(exchange)
}

// Order is a client order. Price/amount arithmetic stays in decimals end to
// end; filledQuoteAmount accumulates fill·price per fill.
type Order struct {
	ID                string          `json:"_id"`
	ExternalID        string          `json:"externalId"`
	UserID            string          `json:"userId"`
	Symbol            string          `json:"symbol"`
	Exchange          Exchange        `json:"exchange"`
	Side              Side            `json:"side"`
	Type              OrderType       `json:"type"`
	Price             decimal.Decimal `json:"price"`
	Amount            decimal.Decimal `json:"amount"`
	QuoteAmount       decimal.Decimal `json:"quoteAmount"`
	FilledAmount      decimal.Decimal `json:"filledAmount"`
	FilledQuoteAmount decimal.Decimal `json:"filledQuoteAmount"`
	AvgFilledPrice    decimal.Decimal `json:"avgFilledPrice"`
	Fee               decimal.Decimal `json:"fee"`
	FeePerc           decimal.Decimal `json:"feePerc"`
	Status            OrderStatus     `json:"status"`
	ReduceOnly        bool            `json:"reduceOnly,omitempty"`
	PositionSide      PositionSide    `json:"positionSide,omitempty"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         int64           `json:"updatedAt"`
}

// Remaining is the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// Clone returns a defensive copy.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Position is an open or closed derivatives position.
type Position struct {
	UUID             string          `json:"uuid"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Exchange         Exchange        `json:"exchange"`
	PositionSide     PositionSide    `json:"positionSide"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	Leverage         decimal.Decimal `json:"leverage"`
	Profit           decimal.Decimal `json:"profit"`
	Fee              decimal.Decimal `json:"fee"`
	Status           PositionStatus  `json:"status"`
	ClosePrice       decimal.Decimal `json:"closePrice,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
}

// Clone returns a defensive copy.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// Direction is +1 for LONG, -1 for SHORT, used in PnL math.
func (p *Position) Direction() decimal.Decimal {
	if p.PositionSide == PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Balance is one wallet row. free+locked is the user's holding of the asset.
type Balance struct {
	UserID string          `json:"userId"`
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Leverage is the per-(user, symbol, side) leverage row. It is locked while
// any open position exists for the key and cannot change while locked.
type Leverage struct {
	UserID   string          `json:"userId"`
	Symbol   string          `json:"symbol"`
	Side     PositionSide    `json:"side"`
	Leverage decimal.Decimal `json:"leverage"`
	Locked   bool            `json:"locked"`
}

// Hedge is the per-user hedge-mode flag.
type Hedge struct {
	UserID string `json:"userId"`
	Hedge  bool   `json:"hedge"`
}

// User is a credential-store row. The canonical user identifier is the
// opaque ID string.
type User struct {
	ID        string `json:"id"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	CreatedAt int64  `json:"createdAt"`
}

// Ticker is one decoded top-of-book update.
type Ticker struct {
	Symbol     string
	Exchange   Exchange
	BestAsk    decimal.Decimal
	BestBid    decimal.Decimal
	BestAskQnt decimal.Decimal
	BestBidQnt decimal.Decimal
	Price      decimal.Decimal
	Time       int64
	EventTime  int64
}

// EffectiveTime prefers the event time when the publisher sets it.
func (t *Ticker) EffectiveTime() int64 {
	if t.EventTime > 0 {
		return t.EventTime
	}
	return t.Time
}

// Signature collapses the price-relevant fields; identical consecutive
// signatures for a symbol are dropped by intake.
func (t *Ticker) Signature() string {
	return t.BestAsk.String() + "|" + t.BestBid.String() + "|" +
		t.BestAskQnt.String() + "|" + t.BestBidQnt.String() + "|" + t.Price.String()
}
