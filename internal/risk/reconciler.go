// Package risk holds the startup reconciliation pass: it rebuilds the
// in-memory projection and watch set from durable storage and repairs wallet
// lock drift left behind by a crash between a record persist and its balance
// write.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/alert"
	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"

	"github.com/shopspring/decimal"
)

// Report summarizes one reconciliation pass.
type Report struct {
	ID                 string
	Status             string
	StartedAt          int64
	CompletedAt        int64
	OrdersRestored     int
	PositionsRestored  int
	TopicsSubscribed   int
	BalancesCorrected  int
	OrphansReset       int
	LeverageBackfilled int
}

// Reconciler realigns process-local state with storage at startup. It must
// run before the engine starts consuming ticks: the projection it builds is
// the open set the matcher walks.
type Reconciler struct {
	store   core.IStore
	symbols core.ISymbolProvider
	proj    *projection.Projection
	watch   *projection.WatchSet
	bus     core.IMarketBus
	alerts  *alert.AlertManager
	logger  core.ILogger

	mu sync.Mutex

	statusMu sync.RWMutex
	last     *Report
}

// NewReconciler creates a reconciler. Alerts may be nil.
func NewReconciler(
	store core.IStore,
	symbols core.ISymbolProvider,
	proj *projection.Projection,
	watch *projection.WatchSet,
	bus core.IMarketBus,
	alerts *alert.AlertManager,
	logger core.ILogger,
) *Reconciler {
	return &Reconciler{
		store:   store,
		symbols: symbols,
		proj:    proj,
		watch:   watch,
		bus:     bus,
		alerts:  alerts,
		logger:  logger.WithField("component", "reconciler"),
		last:    &Report{Status: "never_run"},
	}
}

// GetStatus returns a copy of the last pass's report.
func (r *Reconciler) GetStatus() *Report {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	cp := *r.last
	return &cp
}

// Run performs one reconciliation pass. On healthy state (clean shutdown,
// no in-flight writes) the pass only rebuilds the projection and changes
// nothing durable.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		ID:        fmt.Sprintf("rec_%d", time.Now().UnixNano()),
		Status:    "running",
		StartedAt: time.Now().UnixMilli(),
	}
	r.setStatus(rep)
	r.logger.Info("Starting reconciliation pass", "id", rep.ID)

	// userID -> asset -> locked amount implied by open orders and positions.
	expected := make(map[string]map[string]decimal.Decimal)
	addExpected := func(userID, asset string, d decimal.Decimal) {
		m, ok := expected[userID]
		if !ok {
			m = make(map[string]decimal.Decimal)
			expected[userID] = m
		}
		m[asset] = m[asset].Add(d)
	}
	// Users whose expected sums are incomplete because a symbol could not be
	// resolved. Their wallets are left untouched.
	tainted := make(map[string]bool)

	orders, err := r.store.OpenLimitOrders(ctx)
	if err != nil {
		r.failStatus(rep, err)
		return rep, fmt.Errorf("load open orders: %w", err)
	}
	var channels []string
	for _, o := range orders {
		r.proj.PutOrder(o)
		topic := core.TopicKey(o.Symbol, o.Exchange)
		if r.watch.Add(topic, o.ExternalID) {
			channels = append(channels, core.TradeChannelForTopic(topic))
		}
		rep.OrdersRestored++

		if !o.Exchange.IsSpot() {
			continue
		}
		sym, err := r.symbols.GetSymbol(ctx, o.Symbol, o.Exchange)
		if err != nil {
			r.logger.Error("Symbol unresolved during reconciliation, wallet left as-is",
				"symbol", o.Symbol, "exchange", string(o.Exchange), "error", err.Error())
			tainted[o.UserID] = true
			continue
		}
		if o.Side == core.SideBuy {
			addExpected(o.UserID, sym.QuoteAsset.Name, o.QuoteAmount.Sub(o.FilledQuoteAmount))
		} else {
			addExpected(o.UserID, sym.BaseAsset.Name, o.Amount.Sub(o.FilledAmount))
		}
	}

	positions, err := r.store.OpenPositions(ctx)
	if err != nil {
		r.failStatus(rep, err)
		return rep, fmt.Errorf("load open positions: %w", err)
	}
	posIndex := make(map[string][]*core.Position)
	for _, p := range positions {
		r.proj.PutPosition(p)
		topic := core.TopicKey(p.Symbol, p.Exchange)
		if r.watch.Add(topic, p.UUID) {
			channels = append(channels, core.TradeChannelForTopic(topic))
		}
		rep.PositionsRestored++
		posIndex[p.UserID+"\x00"+p.Symbol] = append(posIndex[p.UserID+"\x00"+p.Symbol], p)

		sym, err := r.symbols.GetSymbol(ctx, p.Symbol, p.Exchange)
		if err != nil {
			r.logger.Error("Symbol unresolved during reconciliation, wallet left as-is",
				"symbol", p.Symbol, "exchange", string(p.Exchange), "error", err.Error())
			tainted[p.UserID] = true
			continue
		}
		addExpected(p.UserID, sym.MarginAsset(), p.Margin)
	}

	if len(channels) > 0 {
		if err := r.bus.Subscribe(ctx, channels...); err != nil {
			r.failStatus(rep, err)
			return rep, fmt.Errorf("subscribe watched channels: %w", err)
		}
	}
	rep.TopicsSubscribed = len(channels)

	if err := r.reconcileBalances(ctx, expected, tainted, rep); err != nil {
		r.failStatus(rep, err)
		return rep, err
	}

	if err := r.backfillLeverage(ctx, posIndex, rep); err != nil {
		r.failStatus(rep, err)
		return rep, err
	}

	rep.Status = "completed"
	rep.CompletedAt = time.Now().UnixMilli()
	r.setStatus(rep)
	r.logger.Info("Reconciliation pass completed",
		"id", rep.ID,
		"orders", rep.OrdersRestored,
		"positions", rep.PositionsRestored,
		"topics", rep.TopicsSubscribed,
		"balances_corrected", rep.BalancesCorrected,
		"orphans_reset", rep.OrphansReset,
		"leverage_backfilled", rep.LeverageBackfilled)

	if r.alerts != nil && rep.BalancesCorrected+rep.OrphansReset > 0 {
		r.alerts.Alert(ctx, "Wallet drift repaired at startup",
			"Stored locked balances did not match open orders and positions.",
			alert.Warning, map[string]string{
				"corrected": fmt.Sprintf("%d", rep.BalancesCorrected),
				"orphans":   fmt.Sprintf("%d", rep.OrphansReset),
			})
	}
	return rep, nil
}

// reconcileBalances compares stored wallet.locked with the recomputed sums
// and moves the difference between free and locked. A wallet with locked
// funds but nothing open gets reset, never losing the user's total holding.
func (r *Reconciler) reconcileBalances(ctx context.Context, expected map[string]map[string]decimal.Decimal, tainted map[string]bool, rep *Report) error {
	balances, err := r.store.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	seen := make(map[string]bool)
	for _, b := range balances {
		seen[b.UserID+"\x00"+b.Asset] = true

		var exp decimal.Decimal
		if m, ok := expected[b.UserID]; ok {
			exp = m[b.Asset]
		}
		if b.Locked.Equal(exp) {
			continue
		}
		if tainted[b.UserID] {
			r.logger.Warn("Skipping wallet repair for user with unresolved symbols",
				"user", b.UserID, "asset", b.Asset)
			continue
		}

		if exp.IsZero() {
			// Orphaned lock: release it without ever reducing free.
			freeDelta := decimal.Max(b.Locked, decimal.Zero)
			lockedDelta := b.Locked.Neg()
			if err := r.store.ApplyBalanceDelta(ctx, b.UserID, b.Asset, freeDelta, lockedDelta); err != nil {
				return fmt.Errorf("reset orphaned lock %s/%s: %w", b.UserID, b.Asset, err)
			}
			rep.OrphansReset++
			r.logger.Warn("Orphaned locked balance reset",
				"user", b.UserID, "asset", b.Asset, "locked", b.Locked.String())
			continue
		}

		freeDelta := b.Locked.Sub(exp)
		lockedDelta := exp.Sub(b.Locked)
		if err := r.store.ApplyBalanceDelta(ctx, b.UserID, b.Asset, freeDelta, lockedDelta); err != nil {
			return fmt.Errorf("correct wallet %s/%s: %w", b.UserID, b.Asset, err)
		}
		rep.BalancesCorrected++
		r.logger.Warn("Wallet lock drift corrected",
			"user", b.UserID, "asset", b.Asset,
			"stored_locked", b.Locked.String(), "expected_locked", exp.String())
	}

	// Open orders or positions whose wallet row is missing entirely. Creating
	// locked funds out of nothing would break free+locked accounting, so this
	// is only surfaced.
	for userID, assets := range expected {
		for asset, exp := range assets {
			if exp.IsZero() || seen[userID+"\x00"+asset] {
				continue
			}
			r.logger.Error("Expected locked balance but wallet row is missing",
				"user", userID, "asset", asset, "expected", exp.String())
		}
	}
	return nil
}

// backfillLeverage materializes the side column on locked leverage rows that
// predate per-side rows. Hedge users with both sides open get a row per
// side; a single open position donates its side; with nothing open the row
// collapses to BOTH and unlocks.
func (r *Reconciler) backfillLeverage(ctx context.Context, posIndex map[string][]*core.Position, rep *Report) error {
	rows, err := r.store.AllLeverage(ctx)
	if err != nil {
		return fmt.Errorf("load leverage rows: %w", err)
	}

	for _, row := range rows {
		if !row.Locked || row.Side != "" {
			continue
		}
		hedge, err := r.store.GetHedge(ctx, row.UserID)
		if err != nil {
			return fmt.Errorf("hedge flag for %s: %w", row.UserID, err)
		}
		open := posIndex[row.UserID+"\x00"+row.Symbol]

		var sides []core.PositionSide
		locked := true
		switch {
		case hedge && len(open) == 2:
			sides = []core.PositionSide{core.PositionSideLong, core.PositionSideShort}
		case len(open) == 1:
			sides = []core.PositionSide{open[0].PositionSide}
		default:
			sides = []core.PositionSide{core.PositionSideBoth}
			locked = len(open) > 0
		}

		for _, side := range sides {
			if err := r.store.UpsertLeverage(ctx, &core.Leverage{
				UserID:   row.UserID,
				Symbol:   row.Symbol,
				Side:     side,
				Leverage: row.Leverage,
				Locked:   locked,
			}); err != nil {
				return fmt.Errorf("backfill leverage %s/%s/%s: %w", row.UserID, row.Symbol, side, err)
			}
		}
		if err := r.store.DeleteLeverage(ctx, row.UserID, row.Symbol, ""); err != nil {
			return fmt.Errorf("drop sideless leverage %s/%s: %w", row.UserID, row.Symbol, err)
		}
		rep.LeverageBackfilled++
		r.logger.Info("Leverage row backfilled",
			"user", row.UserID, "symbol", row.Symbol, "sides", fmt.Sprintf("%v", sides))
	}
	return nil
}

func (r *Reconciler) setStatus(rep *Report) {
	r.statusMu.Lock()
	cp := *rep
	r.last = &cp
	r.statusMu.Unlock()
}

func (r *Reconciler) failStatus(rep *Report, err error) {
	rep.Status = "failed"
	rep.CompletedAt = time.Now().UnixMilli()
	r.setStatus(rep)
	r.logger.Error("Reconciliation pass failed", "id", rep.ID, "error", err.Error())
}
