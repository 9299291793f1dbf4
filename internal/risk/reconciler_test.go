package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	"github.com/Gainium/paper-trading-sh/internal/storage"

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

type fakeSymbols struct {
	byKey map[string]*core.Symbol
}

func (f *fakeSymbols) GetSymbol(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	if s, ok := f.byKey[core.TopicKey(pair, exchange)]; ok {
		return s, nil
	}
	return nil, assert.AnError
}

type fakeBus struct {
	mu         sync.Mutex
	subscribed []string
}

func (b *fakeBus) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, channels...)
	return nil
}

func (b *fakeBus) Unsubscribe(ctx context.Context, channels ...string) error { return nil }
func (b *fakeBus) Messages() <-chan core.BusMessage                          { return nil }
func (b *fakeBus) OnReconnect(fn func())                                     {}
func (b *fakeBus) Close() error                                              { return nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcusdtSpot() *core.Symbol {
	return &core.Symbol{
		Pair:     "BTCUSDT",
		Exchange: core.ExchangeBinance,
		BaseAsset: core.AssetInfo{
			Name: "BTC", MinAmount: dec("0.00001"), Step: dec("0.00001"),
		},
		QuoteAsset: core.AssetInfo{Name: "USDT", MinAmount: dec("5")},
	}
}

func btcusdtLinear() *core.Symbol {
	s := btcusdtSpot()
	s.Exchange = core.ExchangeBinanceUsdm
	return s
}

type fixture struct {
	store   *storage.MemoryStore
	symbols *fakeSymbols
	proj    *projection.Projection
	watch   *projection.WatchSet
	bus     *fakeBus
	rec     *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		store: storage.NewMemoryStore(),
		symbols: &fakeSymbols{byKey: map[string]*core.Symbol{
			core.TopicKey("BTCUSDT", core.ExchangeBinance):     btcusdtSpot(),
			core.TopicKey("BTCUSDT", core.ExchangeBinanceUsdm): btcusdtLinear(),
		}},
		proj:  projection.New(),
		watch: projection.NewWatchSet(),
		bus:   &fakeBus{},
	}
	f.rec = NewReconciler(f.store, f.symbols, f.proj, f.watch, f.bus, nil, &noopLogger{})
	return f
}

func spotBuyOrder(externalID, userID string, amount, price, quoteAmount string) *core.Order {
	return &core.Order{
		ID:          "id-" + externalID,
		ExternalID:  externalID,
		UserID:      userID,
		Symbol:      "BTCUSDT",
		Exchange:    core.ExchangeBinance,
		Side:        core.SideBuy,
		Type:        core.OrderTypeLimit,
		Status:      core.OrderStatusNew,
		Price:       dec(price),
		Amount:      dec(amount),
		QuoteAmount: dec(quoteAmount),
	}
}

func linearLong(uuid, userID, margin string) *core.Position {
	return &core.Position{
		UUID:             uuid,
		UserID:           userID,
		Symbol:           "BTCUSDT",
		Exchange:         core.ExchangeBinanceUsdm,
		PositionSide:     core.PositionSideLong,
		Status:           core.PositionStatusNew,
		EntryPrice:       dec("50000"),
		PositionAmt:      dec("0.01"),
		Leverage:         dec("10"),
		Margin:           dec(margin),
		LiquidationPrice: dec("44982"),
	}
}

func TestReconcilerRebuildsProjectionAndWatchSet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.store.InsertOrder(ctx, spotBuyOrder("ord-1", "u1", "0.1", "50000", "5000")))
	require.NoError(t, f.store.InsertPosition(ctx, linearLong("pos-1", "u2", "50")))
	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u1", Asset: "USDT", Free: dec("5000"), Locked: dec("5000")}))
	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u2", Asset: "USDT", Free: dec("949.8"), Locked: dec("50")}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "completed", rep.Status)
	assert.Equal(t, 1, rep.OrdersRestored)
	assert.Equal(t, 1, rep.PositionsRestored)
	assert.Equal(t, 2, rep.TopicsSubscribed)
	assert.Zero(t, rep.BalancesCorrected)
	assert.Zero(t, rep.OrphansReset)

	assert.NotNil(t, f.proj.GetOrder("BTCUSDT", "ord-1"))
	assert.NotNil(t, f.proj.GetPositionByID("pos-1"))
	assert.True(t, f.watch.Has(core.TopicKey("BTCUSDT", core.ExchangeBinance), "ord-1"))
	assert.True(t, f.watch.Has(core.TopicKey("BTCUSDT", core.ExchangeBinanceUsdm), "pos-1"))
	assert.ElementsMatch(t,
		[]string{"trade@BTCUSDT@binance", "trade@BTCUSDT@binanceUsdm"},
		f.bus.subscribed)

	status := f.rec.GetStatus()
	assert.Equal(t, rep.ID, status.ID)
}

func TestReconcilerSubscribesOncePerTopic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.store.InsertOrder(ctx, spotBuyOrder("ord-1", "u1", "0.1", "50000", "5000")))
	require.NoError(t, f.store.InsertOrder(ctx, spotBuyOrder("ord-2", "u2", "0.2", "40000", "8000")))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.OrdersRestored)
	assert.Equal(t, 1, rep.TopicsSubscribed)
	assert.Equal(t, []string{"trade@BTCUSDT@binance"}, f.bus.subscribed)
}

func TestReconcilerRepairsLockDrift(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Reservation says 5000 locked, but the crash left only 4000 locked.
	require.NoError(t, f.store.InsertOrder(ctx, spotBuyOrder("ord-1", "u1", "0.1", "50000", "5000")))
	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u1", Asset: "USDT", Free: dec("6000"), Locked: dec("4000")}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.BalancesCorrected)

	b, err := f.store.GetBalance(ctx, "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(dec("5000")), "locked %s", b.Locked)
	assert.True(t, b.Free.Equal(dec("5000")), "free %s", b.Free)
}

func TestReconcilerCountsPartialFillsInExpectedLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	o := spotBuyOrder("ord-1", "u1", "0.1", "50000", "5000")
	o.Status = core.OrderStatusPartiallyFilled
	o.FilledAmount = dec("0.04")
	o.FilledQuoteAmount = dec("2000")
	require.NoError(t, f.store.InsertOrder(ctx, o))
	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u1", Asset: "USDT", Free: dec("5000"), Locked: dec("3000")}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.BalancesCorrected, "residual reservation already matches")
}

func TestReconcilerResetsOrphanedLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u1", Asset: "USDT", Free: dec("100"), Locked: dec("250")}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphansReset)

	b, err := f.store.GetBalance(ctx, "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Free.Equal(dec("350")), "free %s", b.Free)
	assert.True(t, b.Locked.IsZero(), "locked %s", b.Locked)
}

func TestReconcilerLeverageBackfill(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Hedge user with both sides open: the sideless row splits.
	require.NoError(t, f.store.SetHedge(ctx, "u1", true))
	long := linearLong("pos-l", "u1", "50")
	short := linearLong("pos-s", "u1", "50")
	short.PositionSide = core.PositionSideShort
	require.NoError(t, f.store.InsertPosition(ctx, long))
	require.NoError(t, f.store.InsertPosition(ctx, short))
	require.NoError(t, f.store.UpsertLeverage(ctx, &core.Leverage{
		UserID: "u1", Symbol: "BTCUSDT", Side: "", Leverage: dec("10"), Locked: true,
	}))

	// One-way user with a single open SHORT.
	shortOnly := linearLong("pos-2", "u2", "50")
	shortOnly.PositionSide = core.PositionSideShort
	require.NoError(t, f.store.InsertPosition(ctx, shortOnly))
	require.NoError(t, f.store.UpsertLeverage(ctx, &core.Leverage{
		UserID: "u2", Symbol: "BTCUSDT", Side: "", Leverage: dec("5"), Locked: true,
	}))

	// Stale row with nothing open: collapses to BOTH and unlocks.
	require.NoError(t, f.store.UpsertLeverage(ctx, &core.Leverage{
		UserID: "u3", Symbol: "BTCUSDT", Side: "", Leverage: dec("3"), Locked: true,
	}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.LeverageBackfilled)

	l1, err := f.store.GetLeverage(ctx, "u1", "BTCUSDT", core.PositionSideLong)
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.True(t, l1.Locked)
	assert.True(t, l1.Leverage.Equal(dec("10")))
	l1s, err := f.store.GetLeverage(ctx, "u1", "BTCUSDT", core.PositionSideShort)
	require.NoError(t, err)
	require.NotNil(t, l1s)

	l2, err := f.store.GetLeverage(ctx, "u2", "BTCUSDT", core.PositionSideShort)
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.True(t, l2.Locked)

	l3, err := f.store.GetLeverage(ctx, "u3", "BTCUSDT", core.PositionSideBoth)
	require.NoError(t, err)
	require.NotNil(t, l3)
	assert.False(t, l3.Locked, "no open positions, lock must clear")

	gone, err := f.store.GetLeverage(ctx, "u1", "BTCUSDT", "")
	require.NoError(t, err)
	assert.Nil(t, gone, "sideless row must be removed")
}

func TestReconcilerSkipsWalletsWithUnresolvedSymbols(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	o := spotBuyOrder("ord-1", "u1", "1", "10", "10")
	o.Symbol = "MYSTERYUSDT"
	require.NoError(t, f.store.InsertOrder(ctx, o))
	require.NoError(t, f.store.UpsertBalance(ctx, &core.Balance{UserID: "u1", Asset: "USDT", Free: dec("90"), Locked: dec("10")}))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.BalancesCorrected)
	assert.Zero(t, rep.OrphansReset)

	b, err := f.store.GetBalance(ctx, "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(dec("10")), "wallet untouched when symbol lookup fails")
}
