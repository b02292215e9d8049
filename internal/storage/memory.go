package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
)

// MemoryStore is an in-process Store used by tests and dry runs. It applies
// the same ordering and uniqueness rules as the SQL stores.
type MemoryStore struct {
	mu sync.RWMutex

	latest    map[VenueSymbol]core.FundingRateSample
	history   []core.FundingRateSample
	market    map[VenueSymbol]core.MarketData
	positions map[string]core.Position
	fills     map[string]core.TradeFill // key: positionID + "\x00" + orderID
	fillOrder []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:    make(map[VenueSymbol]core.FundingRateSample),
		market:    make(map[VenueSymbol]core.MarketData),
		positions: make(map[string]core.Position),
		fills:     make(map[string]core.TradeFill),
	}
}

func (m *MemoryStore) UpsertFundingRate(ctx context.Context, s core.FundingRateSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := VenueSymbol{s.Venue, s.Symbol}
	// Same (venue,symbol) writes are ordered by sampled_at.
	if old, ok := m.latest[key]; ok && old.SampledAt.After(s.SampledAt) {
		return nil
	}
	m.latest[key] = s
	return nil
}

func (m *MemoryStore) AppendFundingHistory(ctx context.Context, s core.FundingRateSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	return nil
}

func (m *MemoryStore) UpsertMarketData(ctx context.Context, md core.MarketData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := VenueSymbol{md.Venue, md.Symbol}
	if old, ok := m.market[key]; ok && old.UpdatedAt.After(md.UpdatedAt) {
		return nil
	}
	m.market[key] = md
	return nil
}

func (m *MemoryStore) GetLatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]core.FundingRateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := venueSet(venues)
	now := time.Now().UTC()
	var out []core.FundingRateSample
	for key, s := range m.latest {
		if allowed != nil && !allowed[key.Venue] {
			continue
		}
		if maxAge > 0 && s.Age(now) > maxAge {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Venue < out[j].Venue
	})
	return out, nil
}

func (m *MemoryStore) GetFundingHistory(ctx context.Context, venue, symbol string, limit int) ([]core.FundingRateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.FundingRateSample
	for i := len(m.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.history[i].Venue == venue && m.history[i].Symbol == symbol {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) GetMarketData(ctx context.Context, venues []string) (map[VenueSymbol]core.MarketData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := venueSet(venues)
	out := make(map[VenueSymbol]core.MarketData, len(m.market))
	for key, md := range m.market {
		if allowed != nil && !allowed[key.Venue] {
			continue
		}
		out[key] = md
	}
	return out, nil
}

func (m *MemoryStore) InsertPosition(ctx context.Context, p core.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// At most one open position per (account, symbol, long venue, short venue).
	for _, existing := range m.positions {
		if existing.Open() &&
			existing.AccountID == p.AccountID &&
			existing.Symbol == p.Symbol &&
			existing.LongVenue == p.LongVenue &&
			existing.ShortVenue == p.ShortVenue {
			return apperrors.ErrImpossibleState
		}
	}
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryStore) UpdatePosition(ctx context.Context, id string, patch PositionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	applyPatch(&p, patch)
	m.positions[id] = p
	return nil
}

func (m *MemoryStore) GetOpenPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Position
	for _, p := range m.positions {
		if !p.Open() {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) InsertTradeFill(ctx context.Context, f core.TradeFill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := f.PositionID + "\x00" + f.OrderID
	if _, ok := m.fills[key]; ok {
		return false, nil
	}
	m.fills[key] = f
	m.fillOrder = append(m.fillOrder, key)
	return true, nil
}

func (m *MemoryStore) GetTradeFills(ctx context.Context, positionID string) ([]core.TradeFill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.TradeFill
	for _, key := range m.fillOrder {
		f := m.fills[key]
		if f.PositionID == positionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// AllTradeFills returns every fill in insertion order. Test helper.
func (m *MemoryStore) AllTradeFills() []core.TradeFill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.TradeFill, 0, len(m.fillOrder))
	for _, key := range m.fillOrder {
		out = append(out, m.fills[key])
	}
	return out
}

// FundingHistory returns the appended history, newest last. Test helper.
func (m *MemoryStore) FundingHistory() []core.FundingRateSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.FundingRateSample, len(m.history))
	copy(out, m.history)
	return out
}

func applyPatch(p *core.Position, patch PositionPatch) {
	// Closed positions never reopen.
	if p.Stage == core.StageClosed && patch.Stage != nil && *patch.Stage != core.StageClosed {
		return
	}
	if patch.Stage != nil {
		p.Stage = *patch.Stage
	}
	if patch.CumulativeFundingUSD != nil {
		p.CumulativeFundingUSD = *patch.CumulativeFundingUSD
	}
	if patch.LastHeartbeat != nil {
		p.LastHeartbeat = *patch.LastHeartbeat
	}
	if patch.ClosedAt != nil {
		p.ClosedAt = patch.ClosedAt
	}
	if patch.PnLUSD != nil {
		p.PnLUSD = patch.PnLUSD
	}
	if patch.ExitReason != nil {
		p.ExitReason = *patch.ExitReason
	}
	if patch.CloseDegraded != nil {
		p.CloseDegraded = *patch.CloseDegraded
	}
}

func venueSet(venues []string) map[string]bool {
	if len(venues) == 0 {
		return nil
	}
	set := make(map[string]bool, len(venues))
	for _, v := range venues {
		set[v] = true
	}
	return set
}
