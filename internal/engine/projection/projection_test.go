package projection

import (
	"testing"

	"github.com/Gainium/paper-trading-sh/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newOrder(externalID, symbol string, exchange core.Exchange) *core.Order {
	return &core.Order{
		ID:         "id-" + externalID,
		ExternalID: externalID,
		UserID:     "user-1",
		Symbol:     symbol,
		Exchange:   exchange,
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Price:      decimal.NewFromInt(100),
		Amount:     decimal.NewFromInt(1),
		Status:     core.OrderStatusNew,
	}
}

func TestProjection_OrderDefensiveCopies(t *testing.T) {
	p := New()
	o := newOrder("ext-1", "BTCUSDT", core.ExchangeBinance)
	p.PutOrder(o)

	// Mutating the caller's struct after Put must not leak in.
	o.Status = core.OrderStatusCanceled
	got := p.GetOrder("BTCUSDT", "ext-1")
	assert.Equal(t, core.OrderStatusNew, got.Status)

	// Mutating a read copy must not leak back.
	got.Price = decimal.NewFromInt(999)
	again := p.GetOrder("BTCUSDT", "ext-1")
	assert.True(t, again.Price.Equal(decimal.NewFromInt(100)))
}

func TestProjection_RemovePrunesSymbolBucket(t *testing.T) {
	p := New()
	p.PutOrder(newOrder("a", "BTCUSDT", core.ExchangeBinance))
	p.PutOrder(newOrder("b", "BTCUSDT", core.ExchangeBinance))

	p.RemoveOrder("BTCUSDT", "a")
	assert.Nil(t, p.GetOrder("BTCUSDT", "a"))
	assert.NotNil(t, p.GetOrder("BTCUSDT", "b"))

	p.RemoveOrder("BTCUSDT", "b")
	assert.Empty(t, p.OrdersBySymbol("BTCUSDT", core.ExchangeBinance))
}

func TestProjection_OrdersBySymbolFiltersExchange(t *testing.T) {
	p := New()
	p.PutOrder(newOrder("a", "BTCUSDT", core.ExchangeBinance))
	p.PutOrder(newOrder("b", "BTCUSDT", core.ExchangeKucoin))

	got := p.OrdersBySymbol("BTCUSDT", core.ExchangeBinance)
	assert.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ExternalID)
}

func TestProjection_GetOrderByID(t *testing.T) {
	p := New()
	p.PutOrder(newOrder("x", "ETHUSDT", core.ExchangeBinance))

	assert.NotNil(t, p.GetOrderByID("id-x"))
	assert.Nil(t, p.GetOrderByID("missing"))
}

func TestProjection_Positions(t *testing.T) {
	p := New()
	pos := &core.Position{
		UUID:         "uuid-1",
		UserID:       "user-1",
		Symbol:       "BTCUSDT",
		Exchange:     core.ExchangeBinanceUsdm,
		PositionSide: core.PositionSideLong,
		PositionAmt:  decimal.NewFromFloat(0.01),
		Status:       core.PositionStatusNew,
	}
	p.PutPosition(pos)

	got := p.GetPosition("BTCUSDT", "uuid-1")
	assert.NotNil(t, got)
	got.PositionAmt = decimal.NewFromInt(5)
	assert.True(t, p.GetPosition("BTCUSDT", "uuid-1").PositionAmt.Equal(decimal.NewFromFloat(0.01)))

	byUser := p.PositionsByUser("user-1", "BTCUSDT", core.ExchangeBinanceUsdm)
	assert.Len(t, byUser, 1)
	assert.Empty(t, p.PositionsByUser("user-2", "BTCUSDT", core.ExchangeBinanceUsdm))

	p.RemovePosition("BTCUSDT", "uuid-1")
	assert.Nil(t, p.GetPosition("BTCUSDT", "uuid-1"))
}

func TestWatchSet_FirstAndLast(t *testing.T) {
	w := NewWatchSet()

	first := w.Add("BTCUSDT@binance", "ext-1")
	assert.True(t, first, "first holder should trigger subscribe")

	first = w.Add("BTCUSDT@binance", "ext-2")
	assert.False(t, first, "second holder must not re-subscribe")

	last := w.Remove("BTCUSDT@binance", "ext-1")
	assert.False(t, last, "one holder remains")

	last = w.Remove("BTCUSDT@binance", "ext-2")
	assert.True(t, last, "last holder should trigger unsubscribe")

	assert.Zero(t, w.Len())
}

func TestWatchSet_RemoveUnknownIsNoop(t *testing.T) {
	w := NewWatchSet()
	assert.False(t, w.Remove("nope@binance", "x"))

	w.Add("BTCUSDT@binance", "a")
	assert.False(t, w.Remove("BTCUSDT@binance", "b"))
	assert.True(t, w.Has("BTCUSDT@binance", "a"))
}

func TestWatchSet_DuplicateAddKeepsOneHolder(t *testing.T) {
	w := NewWatchSet()
	w.Add("BTCUSDT@binance", "a")
	w.Add("BTCUSDT@binance", "a")

	// A single remove must empty the topic.
	assert.True(t, w.Remove("BTCUSDT@binance", "a"))
}

func TestWatchSet_Topics(t *testing.T) {
	w := NewWatchSet()
	w.Add("BTCUSDT@binance", "a")
	w.Add("ETHUSDT@kucoin", "b")

	topics := w.Topics()
	assert.Len(t, topics, 2)
	assert.Contains(t, topics, "BTCUSDT@binance")
	assert.Contains(t, topics, "ETHUSDT@kucoin")
}
