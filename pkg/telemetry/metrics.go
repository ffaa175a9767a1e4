package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "trade_engine_orders_placed_total"
	MetricOrdersFilledTotal   = "trade_engine_orders_filled_total"
	MetricOrdersFailedTotal   = "trade_engine_orders_failed_total"
	MetricOrdersCancelled     = "trade_engine_orders_cancelled_total"
	MetricTPHitsTotal         = "trade_engine_tp_hits_total"
	MetricRiskOffsetsTotal    = "trade_engine_risk_offsets_total"
	MetricMonitorCyclesTotal  = "trade_engine_monitor_cycles_total"
	MetricMonitorCycleErrors  = "trade_engine_monitor_cycle_errors_total"
	MetricPositionsActive     = "trade_engine_positions_active"
	MetricPnLRealizedTotal    = "trade_engine_pnl_realized_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OrdersFailedTotal  metric.Int64Counter
	OrdersCancelled    metric.Int64Counter
	TPHitsTotal        metric.Int64Counter
	RiskOffsetsTotal   metric.Int64Counter
	MonitorCyclesTotal metric.Int64Counter
	MonitorCycleErrors metric.Int64Counter
	PositionsActive    metric.Int64ObservableGauge
	PnLRealizedTotal   metric.Float64Counter

	mu                 sync.RWMutex
	activePositionsMap map[string]int64

	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activePositionsMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders submitted to exchanges")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders observed filled")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Total order submissions that exhausted retries")); err != nil {
		return err
	}
	if m.OrdersCancelled, err = meter.Int64Counter(MetricOrdersCancelled,
		metric.WithDescription("Total orders cancelled")); err != nil {
		return err
	}
	if m.TPHitsTotal, err = meter.Int64Counter(MetricTPHitsTotal,
		metric.WithDescription("Total take-profit orders filled")); err != nil {
		return err
	}
	if m.RiskOffsetsTotal, err = meter.Int64Counter(MetricRiskOffsetsTotal,
		metric.WithDescription("Total risk offset executions")); err != nil {
		return err
	}
	if m.MonitorCyclesTotal, err = meter.Int64Counter(MetricMonitorCyclesTotal,
		metric.WithDescription("Total fill monitor cycles")); err != nil {
		return err
	}
	if m.MonitorCycleErrors, err = meter.Int64Counter(MetricMonitorCycleErrors,
		metric.WithDescription("Fill monitor cycles that ended with errors")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized PnL in USD")); err != nil {
		return err
	}

	m.PositionsActive, err = meter.Int64ObservableGauge(MetricPositionsActive,
		metric.WithDescription("Active position groups per user"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, count := range m.activePositionsMap {
				o.Observe(count, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// SetActivePositions records the active position count for a user.
func (m *MetricsHolder) SetActivePositions(userID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePositionsMap[userID] = count
}

// AddCounter is a nil-safe helper for incrementing an instrument that may not
// be initialized in tests.
func AddCounter(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AddFloat is the nil-safe float counterpart of AddCounter.
func AddFloat(ctx context.Context, c metric.Float64Counter, v float64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, v, metric.WithAttributes(attrs...))
}
