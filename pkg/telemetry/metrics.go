package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal  = "paper_trading_orders_created_total"
	MetricOrdersFilledTotal   = "paper_trading_orders_filled_total"
	MetricOrdersCanceledTotal = "paper_trading_orders_canceled_total"
	MetricLiquidationsTotal   = "paper_trading_liquidations_total"
	MetricTicksProcessedTotal = "paper_trading_ticks_processed_total"
	MetricTicksDroppedTotal   = "paper_trading_ticks_dropped_total"
	MetricFeesCollectedTotal  = "paper_trading_fees_collected_total"
	MetricVolumeTotal         = "paper_trading_volume_total"
	MetricOrdersOpen          = "paper_trading_orders_open"
	MetricPositionsOpen       = "paper_trading_positions_open"
	MetricWatchTopics         = "paper_trading_watch_topics"
	MetricTickBatchLatency    = "paper_trading_tick_batch_ms"
	MetricSettleLatency       = "paper_trading_settle_ms"
	MetricHTTPRequestsTotal   = "paper_trading_http_requests_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersCreatedTotal  metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	LiquidationsTotal   metric.Int64Counter
	TicksProcessedTotal metric.Int64Counter
	TicksDroppedTotal   metric.Int64Counter
	FeesCollectedTotal  metric.Float64Counter
	VolumeTotal         metric.Float64Counter
	OrdersOpen          metric.Int64ObservableGauge
	PositionsOpen       metric.Int64ObservableGauge
	WatchTopics         metric.Int64ObservableGauge
	TickBatchLatency    metric.Float64Histogram
	SettleLatency       metric.Float64Histogram

	// State for observable gauges
	mu             sync.RWMutex
	openOrdersMap  map[string]int64
	openPosMap     map[string]int64
	watchTopicsCnt int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
			openPosMap:    make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders accepted"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled or expired"))
	if err != nil {
		return err
	}

	m.LiquidationsTotal, err = meter.Int64Counter(MetricLiquidationsTotal, metric.WithDescription("Total forced position liquidations"))
	if err != nil {
		return err
	}

	m.TicksProcessedTotal, err = meter.Int64Counter(MetricTicksProcessedTotal, metric.WithDescription("Ticker updates accepted into matching"))
	if err != nil {
		return err
	}

	m.TicksDroppedTotal, err = meter.Int64Counter(MetricTicksDroppedTotal, metric.WithDescription("Ticker updates dropped by intake filters"))
	if err != nil {
		return err
	}

	m.FeesCollectedTotal, err = meter.Float64Counter(MetricFeesCollectedTotal, metric.WithDescription("Cumulative fees charged, per asset"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total settled volume in base units"))
	if err != nil {
		return err
	}

	m.TickBatchLatency, err = meter.Float64Histogram(MetricTickBatchLatency, metric.WithDescription("Time to match one per-exchange tick batch"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SettleLatency, err = meter.Float64Histogram(MetricSettleLatency, metric.WithDescription("Time to settle one fill"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Open limit orders in the projection"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Open positions in the projection"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.openPosMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.WatchTopics, err = meter.Int64ObservableGauge(MetricWatchTopics, metric.WithDescription("Subscribed symbol@exchange topics"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.watchTopicsCnt)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(exchange string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[exchange] = count
}

func (m *MetricsHolder) SetOpenPositions(exchange string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPosMap[exchange] = count
}

func (m *MetricsHolder) SetWatchTopics(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchTopicsCnt = count
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOpenPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openPosMap {
		res[k] = v
	}
	return res
}
