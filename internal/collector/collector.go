// Package collector refreshes funding rates and market data across venues
// and persists the results.
package collector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
	"funding_arb/pkg/telemetry"
)

// venueDeadline bounds one venue's collection pass; a slow venue cannot
// stall the rest of the fan-out.
const venueDeadline = 30 * time.Second

// Collector fans out across venue adapters, normalizes funding samples and
// persists latest plus historical rows. Venue failures are isolated: each
// failure is recorded in health state and the other venues proceed.
type Collector struct {
	venues []core.IVenue
	store  storage.Store
	logger core.ILogger

	mu     sync.RWMutex
	health map[string]core.VenueHealth
}

// New creates a Collector over the given venues.
func New(venues []core.IVenue, store storage.Store, logger core.ILogger) *Collector {
	health := make(map[string]core.VenueHealth, len(venues))
	for _, v := range venues {
		health[v.Name()] = core.VenueHealth{Venue: v.Name()}
	}
	return &Collector{
		venues: venues,
		store:  store,
		logger: logger.WithField("component", "collector"),
		health: health,
	}
}

// RunOnce collects every venue concurrently. It returns an error only when
// the context is canceled; per-venue failures are absorbed into health
// state so one bad venue never aborts the cycle.
func (c *Collector) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, venue := range c.venues {
		venue := venue
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gctx, venueDeadline)
			defer cancel()

			start := time.Now()
			err := c.collectVenue(vctx, venue)
			c.recordOutcome(venue.Name(), time.Since(start), err)
			if err != nil {
				c.logger.Warn("Venue collection failed",
					"venue", venue.Name(), "error", err)
			}
			// Absorb the error so sibling venues keep running.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Collector) collectVenue(ctx context.Context, venue core.IVenue) error {
	metrics := telemetry.GetGlobalMetrics()

	samples, err := venue.FetchFundingRates(ctx)
	if err != nil {
		return err
	}
	for _, sample := range samples {
		if err := c.store.UpsertFundingRate(ctx, sample); err != nil {
			return err
		}
		if err := c.store.AppendFundingHistory(ctx, sample); err != nil {
			return err
		}
	}
	if metrics.FundingSamplesTotal != nil {
		metrics.FundingSamplesTotal.Add(ctx, int64(len(samples)))
	}

	market, err := venue.FetchMarketData(ctx)
	if err != nil {
		return err
	}
	for _, md := range market {
		if err := c.store.UpsertMarketData(ctx, md); err != nil {
			return err
		}
	}

	c.logger.Debug("Venue collected",
		"venue", venue.Name(), "funding_samples", len(samples), "market_rows", len(market))
	return nil
}

func (c *Collector) recordOutcome(venue string, latency time.Duration, err error) {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.VenueLatency != nil {
		metrics.VenueLatency.Record(context.Background(), float64(latency.Milliseconds()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[venue]
	h.Venue = venue
	h.LastLatency = latency
	if err != nil {
		h.LastError = err.Error()
		h.ErrorCount++
		if metrics.CollectorErrorsTotal != nil {
			metrics.CollectorErrorsTotal.Add(context.Background(), 1)
		}
	} else {
		h.LastSuccess = time.Now().UTC()
		h.LastError = ""
	}
	c.health[venue] = h
	metrics.SetVenueHealthy(venue, err == nil)
}

// Health returns a copy of the per-venue health snapshots.
func (c *Collector) Health() map[string]core.VenueHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]core.VenueHealth, len(c.health))
	for k, v := range c.health {
		out[k] = v
	}
	return out
}
