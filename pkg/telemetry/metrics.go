package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricFundingSamplesTotal   = "funding_arb_funding_samples_total"
	MetricCollectorErrorsTotal  = "funding_arb_collector_errors_total"
	MetricVenueLatency          = "funding_arb_venue_latency_ms"
	MetricOpportunitiesFound    = "funding_arb_opportunities_found_total"
	MetricPositionsOpenedTotal  = "funding_arb_positions_opened_total"
	MetricPositionsClosedTotal  = "funding_arb_positions_closed_total"
	MetricOrderErrorsTotal      = "funding_arb_order_errors_total"
	MetricPositionsOpen         = "funding_arb_positions_open"
	MetricBestNetAPY            = "funding_arb_best_net_apy"
	MetricCumulativeFundingUSD  = "funding_arb_cumulative_funding_usd"
	MetricTickDuration          = "funding_arb_tick_duration_ms"
	MetricVenueHealthy          = "funding_arb_venue_healthy"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	FundingSamplesTotal  metric.Int64Counter
	CollectorErrorsTotal metric.Int64Counter
	VenueLatency         metric.Float64Histogram
	OpportunitiesFound   metric.Int64Counter
	PositionsOpenedTotal metric.Int64Counter
	PositionsClosedTotal metric.Int64Counter
	OrderErrorsTotal     metric.Int64Counter
	PositionsOpen        metric.Int64ObservableGauge
	BestNetAPY           metric.Float64ObservableGauge
	CumulativeFundingUSD metric.Float64ObservableGauge
	TickDuration         metric.Float64Histogram
	VenueHealthy         metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	openPositions  int64
	bestNetAPYMap  map[string]float64
	cumFundingMap  map[string]float64
	venueHealthMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			bestNetAPYMap:  make(map[string]float64),
			cumFundingMap:  make(map[string]float64),
			venueHealthMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FundingSamplesTotal, err = meter.Int64Counter(MetricFundingSamplesTotal, metric.WithDescription("Funding rate samples collected"))
	if err != nil {
		return err
	}

	m.CollectorErrorsTotal, err = meter.Int64Counter(MetricCollectorErrorsTotal, metric.WithDescription("Per-venue collection cycle failures"))
	if err != nil {
		return err
	}

	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OpportunitiesFound, err = meter.Int64Counter(MetricOpportunitiesFound, metric.WithDescription("Profitable opportunities surfaced by the finder"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Two-leg positions opened"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Two-leg positions closed"))
	if err != nil {
		return err
	}

	m.OrderErrorsTotal, err = meter.Int64Counter(MetricOrderErrorsTotal, metric.WithDescription("Order placement and cancellation failures"))
	if err != nil {
		return err
	}

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration, metric.WithDescription("Wall time of one orchestrator cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Currently open two-leg positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.BestNetAPY, err = meter.Float64ObservableGauge(MetricBestNetAPY, metric.WithDescription("Best fee-net annualized rate per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.bestNetAPYMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CumulativeFundingUSD, err = meter.Float64ObservableGauge(MetricCumulativeFundingUSD, metric.WithDescription("Cumulative funding accrued per open position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.cumFundingMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position_id", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueHealthy, err = meter.Int64ObservableGauge(MetricVenueHealthy, metric.WithDescription("Venue health state (1=healthy, 0=degraded)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.venueHealthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *MetricsHolder) SetBestNetAPY(symbol string, apy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestNetAPYMap[symbol] = apy
}

func (m *MetricsHolder) SetCumulativeFunding(positionID string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumFundingMap[positionID] = usd
}

// ClearCumulativeFunding drops a closed position's gauge series.
func (m *MetricsHolder) ClearCumulativeFunding(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cumFundingMap, positionID)
}

func (m *MetricsHolder) SetVenueHealthy(venue string, healthy bool) {
	val := int64(0)
	if healthy {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueHealthMap[venue] = val
}

func (m *MetricsHolder) GetVenueHealth() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.venueHealthMap {
		res[k] = v
	}
	return res
}
