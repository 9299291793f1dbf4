package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	"github.com/Gainium/paper-trading-sh/internal/marketdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// recordingDriver captures the settlement calls the matcher makes, in order.
type recordingDriver struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDriver) ProcessLimitFill(ctx context.Context, o *core.Order, tick *core.Ticker) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "fill:"+o.ExternalID)
	return nil
}

func (d *recordingDriver) Liquidate(ctx context.Context, p *core.Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "liq:"+p.UUID)
	return nil
}

func (d *recordingDriver) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

type fakeBus struct {
	mu          sync.Mutex
	subscribed  []string
	msgs        chan core.BusMessage
	onReconnect func()
}

func newFakeBus() *fakeBus {
	return &fakeBus{msgs: make(chan core.BusMessage, 64)}
}

func (b *fakeBus) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, channels...)
	return nil
}

func (b *fakeBus) Unsubscribe(ctx context.Context, channels ...string) error { return nil }
func (b *fakeBus) Messages() <-chan core.BusMessage                          { return b.msgs }
func (b *fakeBus) OnReconnect(fn func())                                     { b.onReconnect = fn }
func (b *fakeBus) Close() error                                              { return nil }

func (b *fakeBus) subs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subscribed))
	copy(out, b.subscribed)
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	engine *Engine
	driver *recordingDriver
	bus    *fakeBus
	proj   *projection.Projection
	watch  *projection.WatchSet
	board  *marketdata.PriceBoard
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		driver: &recordingDriver{},
		bus:    newFakeBus(),
		proj:   projection.New(),
		watch:  projection.NewWatchSet(),
		board:  marketdata.NewPriceBoard(),
	}
	h.engine = New(Config{
		Driver:     h.driver,
		Projection: h.proj,
		Watch:      h.watch,
		Board:      h.board,
		Bus:        h.bus,
		Logger:     &noopLogger{},
	})
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { _ = h.engine.Stop() })
	return h
}

func makeTick(symbol string, exchange core.Exchange, bid, ask, bidQnt, askQnt string, ts int64) *core.Ticker {
	return &core.Ticker{
		Symbol:     symbol,
		Exchange:   exchange,
		BestBid:    dec(bid),
		BestAsk:    dec(ask),
		BestBidQnt: dec(bidQnt),
		BestAskQnt: dec(askQnt),
		Price:      dec(bid),
		EventTime:  ts,
	}
}

func restingOrder(externalID, symbol string, exchange core.Exchange, side core.Side, price string) *core.Order {
	return &core.Order{
		ID:         "id-" + externalID,
		ExternalID: externalID,
		UserID:     "u1",
		Symbol:     symbol,
		Exchange:   exchange,
		Side:       side,
		Type:       core.OrderTypeLimit,
		Status:     core.OrderStatusNew,
		Price:      dec(price),
		Amount:     dec("1"),
	}
}

func openPosition(uuid, symbol string, exchange core.Exchange, side core.PositionSide, liqPrice string) *core.Position {
	return &core.Position{
		UUID:             uuid,
		UserID:           "u1",
		Symbol:           symbol,
		Exchange:         exchange,
		PositionSide:     side,
		Status:           core.PositionStatusNew,
		EntryPrice:       dec("100"),
		PositionAmt:      dec("1"),
		Leverage:         dec("10"),
		LiquidationPrice: dec(liqPrice),
	}
}

func waitCalls(t *testing.T, d *recordingDriver, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(d.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return d.snapshot()
}

func TestEngineDispatchesDecodedTicks(t *testing.T) {
	h := newHarness(t)
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))

	payload := fmt.Sprintf(`{"symbol":"BTCUSDT","exchange":"binance","bestAsk":"102","bestBid":"101","bestAskQnt":"5","bestBidQnt":"5","price":"101.5","eventTime":%d}`, time.Now().UnixMilli())
	h.bus.msgs <- core.BusMessage{Channel: "trade@BTCUSDT@binance", Payload: []byte(payload)}

	calls := waitCalls(t, h.driver, 1)
	assert.Equal(t, []string{"fill:ord-1"}, calls)

	price, ok := h.board.Get("BTCUSDT", core.ExchangeBinance)
	require.True(t, ok)
	assert.True(t, price.Equal(dec("101.5")))
}

func TestEngineDropsOutOfOrderTicks(t *testing.T) {
	h := newHarness(t)
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))
	now := time.Now().UnixMilli()

	// Fresh tick that does not cross the order.
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "99", "99.5", "5", "5", now))
	// Older tick that would cross; monotonicity must drop it.
	stale := makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "5", "5", now-1000)
	h.engine.ingest(stale)

	price, ok := h.board.Get("BTCUSDT", core.ExchangeBinance)
	require.True(t, ok)
	assert.True(t, price.Equal(dec("99")), "board must keep the newer price")

	// A later crossing tick still settles, proving the pipeline is alive.
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "100.5", "101", "5", "5", now+1000))
	calls := waitCalls(t, h.driver, 1)
	assert.Equal(t, []string{"fill:ord-1"}, calls)
}

func TestEngineInvalidatesBoardOnStaleTick(t *testing.T) {
	h := newHarness(t)
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))
	h.board.Set("BTCUSDT", core.ExchangeBinance, dec("99"))

	old := time.Now().Add(-31 * time.Second).UnixMilli()
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "5", "5", old))

	_, ok := h.board.Get("BTCUSDT", core.ExchangeBinance)
	assert.False(t, ok, "stale tick must invalidate the cached price")
	assert.Empty(t, h.driver.snapshot())
}

func TestEngineDeduplicatesIdenticalTicks(t *testing.T) {
	h := newHarness(t)
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))
	now := time.Now().UnixMilli()

	first := makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "5", "5", now)
	h.engine.ingest(first)
	waitCalls(t, h.driver, 1)

	// Same book, later timestamp: dropped by the signature filter even
	// though the resting order is still crossed (the driver left it open).
	dup := makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "5", "5", now+100)
	h.engine.ingest(dup)

	// A changed book settles again; the dedup drop never reached the driver.
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "6", "5", now+200))
	waitCalls(t, h.driver, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"fill:ord-1", "fill:ord-1"}, h.driver.snapshot())
}

func TestLiquidationsRunBeforeFills(t *testing.T) {
	h := newHarness(t)
	ex := core.ExchangeBinanceUsdm
	h.proj.PutPosition(openPosition("pos-a", "BTCUSDT", ex, core.PositionSideLong, "98"))
	h.proj.PutPosition(openPosition("pos-b", "BTCUSDT", ex, core.PositionSideLong, "95"))
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", ex, core.SideSell, "90"))

	now := time.Now().UnixMilli()
	h.engine.ingest(makeTick("BTCUSDT", ex, "94", "94.5", "5", "5", now))

	calls := waitCalls(t, h.driver, 3)
	assert.Equal(t, []string{"liq:pos-b", "liq:pos-a", "fill:ord-1"}, calls,
		"LONGs liquidate ascending by liquidation price, before any fills")
}

func TestShortLiquidationOrdering(t *testing.T) {
	h := newHarness(t)
	ex := core.ExchangeBinanceUsdm
	h.proj.PutPosition(openPosition("pos-a", "BTCUSDT", ex, core.PositionSideShort, "103"))
	h.proj.PutPosition(openPosition("pos-b", "BTCUSDT", ex, core.PositionSideShort, "106"))
	// Unsafe only above 110; must not trigger.
	h.proj.PutPosition(openPosition("pos-c", "BTCUSDT", ex, core.PositionSideShort, "110"))

	now := time.Now().UnixMilli()
	h.engine.ingest(makeTick("BTCUSDT", ex, "106.5", "107", "5", "5", now))

	calls := waitCalls(t, h.driver, 2)
	assert.Equal(t, []string{"liq:pos-b", "liq:pos-a"}, calls,
		"SHORTs liquidate descending by liquidation price")
}

func TestLimitScanSelectionAndOrdering(t *testing.T) {
	h := newHarness(t)
	ex := core.ExchangeBinance
	h.proj.PutOrder(restingOrder("sell-100", "BTCUSDT", ex, core.SideSell, "100"))
	h.proj.PutOrder(restingOrder("sell-98", "BTCUSDT", ex, core.SideSell, "98"))
	h.proj.PutOrder(restingOrder("sell-103", "BTCUSDT", ex, core.SideSell, "103")) // not crossed
	h.proj.PutOrder(restingOrder("buy-105", "BTCUSDT", ex, core.SideBuy, "105"))
	h.proj.PutOrder(restingOrder("buy-107", "BTCUSDT", ex, core.SideBuy, "107"))
	h.proj.PutOrder(restingOrder("buy-103", "BTCUSDT", ex, core.SideBuy, "103")) // not crossed

	now := time.Now().UnixMilli()
	h.engine.ingest(makeTick("BTCUSDT", ex, "101", "104", "5", "5", now))

	calls := waitCalls(t, h.driver, 4)
	assert.Equal(t, []string{"fill:sell-98", "fill:sell-100", "fill:buy-107", "fill:buy-105"}, calls,
		"SELLs ascending then BUYs descending")
}

func TestSpotRequiresTouchLiquidity(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UnixMilli()

	// Spot: zero bid size blocks the crossed SELL.
	h.proj.PutOrder(restingOrder("spot-sell", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "0", "5", now))

	// Derivatives fill regardless of quoted size.
	h.proj.PutOrder(restingOrder("perp-sell", "BTCUSDT", core.ExchangeBinanceUsdm, core.SideSell, "100"))
	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinanceUsdm, "101", "101.5", "0", "5", now))

	calls := waitCalls(t, h.driver, 1)
	assert.Equal(t, []string{"fill:perp-sell"}, calls)
}

func TestReplayWatchesAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.watch.Add(core.TopicKey("BTCUSDT", core.ExchangeBinance), "ord-1")
	h.watch.Add(core.TopicKey("ETHUSDT", core.ExchangeBinanceUsdm), "pos-1")

	require.NotNil(t, h.bus.onReconnect, "engine must register the reconnect hook")
	h.bus.onReconnect()

	subs := h.bus.subs()
	assert.ElementsMatch(t, []string{"trade@BTCUSDT@binance", "trade@ETHUSDT@binanceUsdm"}, subs)
}

func TestEngineStopDrainsPendingBatches(t *testing.T) {
	h := newHarness(t)
	h.proj.PutOrder(restingOrder("ord-1", "BTCUSDT", core.ExchangeBinance, core.SideSell, "100"))
	now := time.Now().UnixMilli()

	h.engine.ingest(makeTick("BTCUSDT", core.ExchangeBinance, "101", "101.5", "5", "5", now))
	require.NoError(t, h.engine.Stop())

	assert.Equal(t, []string{"fill:ord-1"}, h.driver.snapshot(),
		"queued batches settle before Stop returns")
}
