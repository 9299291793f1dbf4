// Package engine drives the venue's matching loop: it consumes top-of-book
// ticks from the market bus, filters and coalesces them per exchange, and
// hands each batch to a single-worker pool where liquidations and resting
// limit orders are settled against the quote.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/alert"
	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	"github.com/Gainium/paper-trading-sh/internal/marketdata"
	"github.com/Gainium/paper-trading-sh/pkg/concurrency"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// staleAfter is how old a ticker may be before it is discarded and the
	// cached price for its symbol invalidated.
	staleAfter = 30 * time.Second

	// batchCapacity bounds the queue of pending batch tasks per exchange.
	batchCapacity = 1024
)

// Config carries the engine's collaborators. Alerts is optional.
type Config struct {
	Driver     core.IFillDriver
	Projection *projection.Projection
	Watch      *projection.WatchSet
	Board      *marketdata.PriceBoard
	Bus        core.IMarketBus
	Alerts     *alert.AlertManager
	Logger     core.ILogger
}

// Engine owns the tick pipeline. One consume goroutine reads the bus and
// fans surviving ticks out into per-exchange coalescing batches; a serial
// worker per exchange drains those batches so settlement for one exchange
// is never concurrent and always in arrival order.
type Engine struct {
	driver core.IFillDriver
	proj   *projection.Projection
	watch  *projection.WatchSet
	board  *marketdata.PriceBoard
	bus    core.IMarketBus
	alerts *alert.AlertManager
	logger core.ILogger

	mu        sync.Mutex
	workers   map[core.Exchange]*concurrency.WorkerPool
	pending   map[core.Exchange]map[string]*core.Ticker
	scheduled map[core.Exchange]bool
	lastTime  map[core.Exchange]int64
	lastSig   map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	batchHist        metric.Float64Histogram
}

// New builds an engine. Start must be called before ticks flow.
func New(cfg Config) *Engine {
	meter := telemetry.GetMeter("engine")

	processed, _ := meter.Int64Counter(telemetry.MetricTicksProcessedTotal,
		metric.WithDescription("Ticker events accepted by the intake filters"))
	dropped, _ := meter.Int64Counter(telemetry.MetricTicksDroppedTotal,
		metric.WithDescription("Ticker events dropped by the intake filters"))
	batchHist, _ := meter.Float64Histogram(telemetry.MetricTickBatchLatency,
		metric.WithDescription("Wall time spent settling one coalesced tick batch"))

	return &Engine{
		driver:           cfg.Driver,
		proj:             cfg.Projection,
		watch:            cfg.Watch,
		board:            cfg.Board,
		bus:              cfg.Bus,
		alerts:           cfg.Alerts,
		logger:           cfg.Logger.WithField("component", "engine"),
		workers:          make(map[core.Exchange]*concurrency.WorkerPool),
		pending:          make(map[core.Exchange]map[string]*core.Ticker),
		scheduled:        make(map[core.Exchange]bool),
		lastTime:         make(map[core.Exchange]int64),
		lastSig:          make(map[string]string),
		processedCounter: processed,
		droppedCounter:   dropped,
		batchHist:        batchHist,
	}
}

// Start registers the reconnect hook and launches the consume loop.
// Callers are expected to have run startup reconciliation first so the
// projection and watch set reflect the store.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.bus.OnReconnect(e.replayWatches)

	e.wg.Add(1)
	go e.consumeLoop()

	e.logger.Info("Engine started", "watched_topics", e.watch.Len())
	return nil
}

// Stop halts intake and drains the per-exchange workers. Batches already
// queued are settled before Stop returns.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	pools := make([]*concurrency.WorkerPool, 0, len(e.workers))
	for _, wp := range e.workers {
		pools = append(pools, wp)
	}
	e.mu.Unlock()

	for _, wp := range pools {
		wp.Stop()
	}
	e.logger.Info("Engine stopped")
	return nil
}

// replayWatches re-subscribes every watched topic after the bus rebuilds
// its connection. Subscriptions made directly on the client do not survive
// a replaced connection, so the watch set is the source of truth.
func (e *Engine) replayWatches() {
	topics := e.watch.Topics()
	for _, topic := range topics {
		if err := e.bus.Subscribe(context.Background(), core.TradeChannelForTopic(topic)); err != nil {
			e.logger.Error("Resubscribe after reconnect failed", "topic", topic, "error", err.Error())
		}
	}
	e.logger.Info("Watch subscriptions replayed", "count", len(topics))
}

// poolFor returns the serial worker for an exchange, creating it on first
// use. Pools are never removed; the exchange set is small and fixed.
func (e *Engine) poolFor(exchange core.Exchange) *concurrency.WorkerPool {
	if wp, ok := e.workers[exchange]; ok {
		return wp
	}
	wp := concurrency.NewSerialPool("ticker_"+string(exchange), batchCapacity, e.logger)
	e.workers[exchange] = wp
	return wp
}

// refreshGauges pushes projection sizes into the shared metrics holder.
func (e *Engine) refreshGauges() {
	m := telemetry.GetGlobalMetrics()
	for ex, n := range e.proj.OrderCount() {
		m.SetOpenOrders(string(ex), n)
	}
	for ex, n := range e.proj.PositionCount() {
		m.SetOpenPositions(string(ex), n)
	}
	m.SetWatchTopics(int64(e.watch.Len()))
}

func tickAttrs(exchange core.Exchange) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("exchange", string(exchange)))
}

func dropAttrs(exchange, reason string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("reason", reason),
	)
}
