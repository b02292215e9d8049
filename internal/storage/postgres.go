package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
)

// Venues and symbols are stored as integer IDs; rows carry resolved names
// only in memory.
const pgSchema = `
CREATE TABLE IF NOT EXISTS dexes (
    id   SERIAL PRIMARY KEY,
    name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS symbols (
    id   SERIAL PRIMARY KEY,
    name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS funding_rates (
    time         TIMESTAMP NOT NULL,
    dex_id       INTEGER NOT NULL REFERENCES dexes(id),
    symbol_id    INTEGER NOT NULL REFERENCES symbols(id),
    funding_rate NUMERIC(38,18) NOT NULL
);
CREATE INDEX IF NOT EXISTS funding_rates_time_idx
    ON funding_rates (dex_id, symbol_id, time DESC);
CREATE TABLE IF NOT EXISTS latest_funding_rates (
    dex_id            INTEGER NOT NULL REFERENCES dexes(id),
    symbol_id         INTEGER NOT NULL REFERENCES symbols(id),
    funding_rate      NUMERIC(38,18) NOT NULL,
    raw_rate          NUMERIC(38,18) NOT NULL,
    interval_hours    NUMERIC(10,4)  NOT NULL,
    next_funding_time TIMESTAMP,
    updated_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (dex_id, symbol_id)
);
CREATE TABLE IF NOT EXISTS dex_symbols (
    dex_id            INTEGER NOT NULL REFERENCES dexes(id),
    symbol_id         INTEGER NOT NULL REFERENCES symbols(id),
    volume_24h        NUMERIC(38,18),
    open_interest_usd NUMERIC(38,18),
    updated_at        TIMESTAMP NOT NULL,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (dex_id, symbol_id)
);
CREATE TABLE IF NOT EXISTS strategy_positions (
    id                     UUID PRIMARY KEY,
    account_id             TEXT NOT NULL,
    symbol_id              INTEGER NOT NULL REFERENCES symbols(id),
    long_dex_id            INTEGER NOT NULL REFERENCES dexes(id),
    short_dex_id           INTEGER NOT NULL REFERENCES dexes(id),
    size_usd               NUMERIC(38,18) NOT NULL,
    entry_long_rate        NUMERIC(38,18) NOT NULL,
    entry_short_rate       NUMERIC(38,18) NOT NULL,
    entry_divergence       NUMERIC(38,18) NOT NULL,
    entry_long_price       NUMERIC(38,18) NOT NULL,
    entry_short_price      NUMERIC(38,18) NOT NULL,
    opened_at              TIMESTAMP NOT NULL,
    cumulative_funding_usd NUMERIC(38,18) NOT NULL DEFAULT 0,
    last_heartbeat         TIMESTAMP,
    lifecycle_stage        TEXT NOT NULL,
    closed_at              TIMESTAMP,
    pnl_usd                NUMERIC(38,18),
    exit_reason            TEXT,
    close_degraded         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS strategy_positions_open_pair
    ON strategy_positions (account_id, symbol_id, long_dex_id, short_dex_id)
    WHERE lifecycle_stage <> 'closed';
CREATE TABLE IF NOT EXISTS trade_fills (
    position_id        UUID NOT NULL,
    account_id         TEXT NOT NULL,
    trade_type         TEXT NOT NULL,
    dex_id             INTEGER NOT NULL REFERENCES dexes(id),
    symbol_id          INTEGER NOT NULL REFERENCES symbols(id),
    order_id           TEXT NOT NULL,
    "timestamp"        TIMESTAMP NOT NULL,
    side               TEXT NOT NULL,
    total_quantity     NUMERIC(38,18) NOT NULL,
    weighted_avg_price NUMERIC(38,18) NOT NULL,
    total_fee          NUMERIC(38,18) NOT NULL,
    fee_currency       TEXT NOT NULL,
    realized_pnl       NUMERIC(38,18),
    realized_funding   NUMERIC(38,18),
    fill_count         INTEGER NOT NULL,
    PRIMARY KEY (position_id, order_id)
);
`

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB

	mu        sync.Mutex
	dexIDs    map[string]int64
	symbolIDs map[string]int64
}

// NewPostgresStore connects, applies the schema and sizes the pool.
func NewPostgresStore(dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{
		db:        db,
		dexIDs:    make(map[string]int64),
		symbolIDs: make(map[string]int64),
	}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) dexID(ctx context.Context, name string) (int64, error) {
	return s.dimensionID(ctx, "dexes", s.dexIDs, name)
}

func (s *PostgresStore) symbolID(ctx context.Context, name string) (int64, error) {
	return s.dimensionID(ctx, "symbols", s.symbolIDs, name)
}

func (s *PostgresStore) dimensionID(ctx context.Context, table string, cache map[string]int64, name string) (int64, error) {
	s.mu.Lock()
	id, ok := cache[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	query := fmt.Sprintf(`
		WITH ins AS (
			INSERT INTO %s (name) VALUES ($1)
			ON CONFLICT (name) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM %s WHERE name = $1
		LIMIT 1`, table, table)
	if err := s.db.GetContext(ctx, &id, query, name); err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", table, name, err)
	}

	s.mu.Lock()
	cache[name] = id
	s.mu.Unlock()
	return id, nil
}

func (s *PostgresStore) UpsertFundingRate(ctx context.Context, sample core.FundingRateSample) error {
	dexID, err := s.dexID(ctx, sample.Venue)
	if err != nil {
		return err
	}
	symbolID, err := s.symbolID(ctx, sample.Symbol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO latest_funding_rates
			(dex_id, symbol_id, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dex_id, symbol_id) DO UPDATE SET
			funding_rate      = EXCLUDED.funding_rate,
			raw_rate          = EXCLUDED.raw_rate,
			interval_hours    = EXCLUDED.interval_hours,
			next_funding_time = EXCLUDED.next_funding_time,
			updated_at        = GREATEST(latest_funding_rates.updated_at, EXCLUDED.updated_at)
		WHERE EXCLUDED.updated_at >= latest_funding_rates.updated_at`,
		dexID, symbolID, sample.NormalizedRate, sample.RawRate, sample.IntervalHours,
		naiveUTCPtr(sample.NextFundingTime), naiveUTC(sample.SampledAt))
	return err
}

func (s *PostgresStore) AppendFundingHistory(ctx context.Context, sample core.FundingRateSample) error {
	dexID, err := s.dexID(ctx, sample.Venue)
	if err != nil {
		return err
	}
	symbolID, err := s.symbolID(ctx, sample.Symbol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO funding_rates (time, dex_id, symbol_id, funding_rate)
		VALUES ($1, $2, $3, $4)`,
		naiveUTC(sample.SampledAt), dexID, symbolID, sample.NormalizedRate)
	return err
}

func (s *PostgresStore) UpsertMarketData(ctx context.Context, m core.MarketData) error {
	dexID, err := s.dexID(ctx, m.Venue)
	if err != nil {
		return err
	}
	symbolID, err := s.symbolID(ctx, m.Symbol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dex_symbols (dex_id, symbol_id, volume_24h, open_interest_usd, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (dex_id, symbol_id) DO UPDATE SET
			volume_24h        = EXCLUDED.volume_24h,
			open_interest_usd = EXCLUDED.open_interest_usd,
			updated_at        = GREATEST(dex_symbols.updated_at, EXCLUDED.updated_at),
			is_active         = TRUE
		WHERE EXCLUDED.updated_at >= dex_symbols.updated_at`,
		dexID, symbolID, nullDec(m.Volume24hUSD), nullDec(m.OpenInterestUSD), naiveUTC(m.UpdatedAt))
	return err
}

type latestRateRow struct {
	Venue           string              `db:"venue"`
	Symbol          string              `db:"symbol"`
	FundingRate     decimal.Decimal     `db:"funding_rate"`
	RawRate         decimal.Decimal     `db:"raw_rate"`
	IntervalHours   decimal.Decimal     `db:"interval_hours"`
	NextFundingTime sql.NullTime        `db:"next_funding_time"`
	UpdatedAt       time.Time           `db:"updated_at"`
}

func (s *PostgresStore) GetLatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]core.FundingRateSample, error) {
	query := `
		SELECT d.name AS venue, sy.name AS symbol,
		       l.funding_rate, l.raw_rate, l.interval_hours, l.next_funding_time, l.updated_at
		FROM latest_funding_rates l
		JOIN dexes d ON d.id = l.dex_id
		JOIN symbols sy ON sy.id = l.symbol_id
		WHERE l.updated_at >= ?`
	args := []interface{}{naiveUTC(time.Now().Add(-maxAge))}
	if maxAge <= 0 {
		args[0] = time.Time{}
	}
	if len(venues) > 0 {
		query += ` AND d.name IN (?)`
		var err error
		query, args, err = sqlx.In(query, args[0], venues)
		if err != nil {
			return nil, err
		}
	}
	query = s.db.Rebind(query)

	var rows []latestRateRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]core.FundingRateSample, 0, len(rows))
	for _, r := range rows {
		sample := core.FundingRateSample{
			Venue:          r.Venue,
			Symbol:         r.Symbol,
			RawRate:        r.RawRate,
			IntervalHours:  r.IntervalHours,
			NormalizedRate: r.FundingRate,
			SampledAt:      r.UpdatedAt.UTC(),
		}
		if r.NextFundingTime.Valid {
			t := r.NextFundingTime.Time.UTC()
			sample.NextFundingTime = &t
		}
		out = append(out, sample)
	}
	return out, nil
}

func (s *PostgresStore) GetFundingHistory(ctx context.Context, venue, symbol string, limit int) ([]core.FundingRateSample, error) {
	if limit <= 0 {
		limit = 100
	}
	type historyRow struct {
		Time time.Time       `db:"time"`
		Rate decimal.Decimal `db:"funding_rate"`
	}
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT f.time, f.funding_rate
		FROM funding_rates f
		JOIN dexes d ON d.id = f.dex_id
		JOIN symbols sy ON sy.id = f.symbol_id
		WHERE d.name = $1 AND sy.name = $2
		ORDER BY f.time DESC
		LIMIT $3`, venue, symbol, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.FundingRateSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.FundingRateSample{
			Venue:          venue,
			Symbol:         symbol,
			NormalizedRate: r.Rate,
			IntervalHours:  decimal.NewFromInt(core.ReferenceIntervalHours),
			RawRate:        r.Rate,
			SampledAt:      r.Time.UTC(),
		})
	}
	return out, nil
}

type marketDataRow struct {
	Venue           string              `db:"venue"`
	Symbol          string              `db:"symbol"`
	Volume24h       decimal.NullDecimal `db:"volume_24h"`
	OpenInterestUSD decimal.NullDecimal `db:"open_interest_usd"`
	UpdatedAt       time.Time           `db:"updated_at"`
}

func (s *PostgresStore) GetMarketData(ctx context.Context, venues []string) (map[VenueSymbol]core.MarketData, error) {
	query := `
		SELECT d.name AS venue, sy.name AS symbol,
		       ds.volume_24h, ds.open_interest_usd, ds.updated_at
		FROM dex_symbols ds
		JOIN dexes d ON d.id = ds.dex_id
		JOIN symbols sy ON sy.id = ds.symbol_id
		WHERE ds.is_active`
	var args []interface{}
	if len(venues) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND d.name IN (?)`, venues)
		if err != nil {
			return nil, err
		}
	}
	query = s.db.Rebind(query)

	var rows []marketDataRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make(map[VenueSymbol]core.MarketData, len(rows))
	for _, r := range rows {
		md := core.MarketData{
			Venue:     r.Venue,
			Symbol:    r.Symbol,
			UpdatedAt: r.UpdatedAt.UTC(),
		}
		if r.Volume24h.Valid {
			v := r.Volume24h.Decimal
			md.Volume24hUSD = &v
		}
		if r.OpenInterestUSD.Valid {
			v := r.OpenInterestUSD.Decimal
			md.OpenInterestUSD = &v
		}
		out[VenueSymbol{r.Venue, r.Symbol}] = md
	}
	return out, nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p core.Position) error {
	symbolID, err := s.symbolID(ctx, p.Symbol)
	if err != nil {
		return err
	}
	longID, err := s.dexID(ctx, p.LongVenue)
	if err != nil {
		return err
	}
	shortID, err := s.dexID(ctx, p.ShortVenue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_positions
			(id, account_id, symbol_id, long_dex_id, short_dex_id, size_usd,
			 entry_long_rate, entry_short_rate, entry_divergence,
			 entry_long_price, entry_short_price, opened_at,
			 cumulative_funding_usd, last_heartbeat, lifecycle_stage)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.AccountID, symbolID, longID, shortID, p.SizeUSD,
		p.EntryLongRate, p.EntryShortRate, p.EntryDivergence,
		p.EntryLongPrice, p.EntryShortPrice, naiveUTC(p.OpenedAt),
		p.CumulativeFundingUSD, naiveUTC(p.LastHeartbeat), string(p.Stage))
	return err
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, id string, patch PositionPatch) error {
	set := ""
	var args []interface{}
	add := func(col string, v interface{}) {
		if set != "" {
			set += ", "
		}
		args = append(args, v)
		set += fmt.Sprintf("%s = $%d", col, len(args))
	}
	if patch.Stage != nil {
		add("lifecycle_stage", string(*patch.Stage))
	}
	if patch.CumulativeFundingUSD != nil {
		add("cumulative_funding_usd", *patch.CumulativeFundingUSD)
	}
	if patch.LastHeartbeat != nil {
		add("last_heartbeat", naiveUTC(*patch.LastHeartbeat))
	}
	if patch.ClosedAt != nil {
		add("closed_at", naiveUTC(*patch.ClosedAt))
	}
	if patch.PnLUSD != nil {
		add("pnl_usd", *patch.PnLUSD)
	}
	if patch.ExitReason != nil {
		add("exit_reason", string(*patch.ExitReason))
	}
	if patch.CloseDegraded != nil {
		add("close_degraded", *patch.CloseDegraded)
	}
	if set == "" {
		return nil
	}
	args = append(args, id)
	// A closed position never reopens.
	query := fmt.Sprintf(`
		UPDATE strategy_positions SET %s
		WHERE id = $%d AND (lifecycle_stage <> 'closed' OR $%d = 'closed')`,
		set, len(args), 1)
	if patch.Stage == nil {
		query = fmt.Sprintf(`UPDATE strategy_positions SET %s WHERE id = $%d`, set, len(args))
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

type positionRow struct {
	ID                   string              `db:"id"`
	AccountID            string              `db:"account_id"`
	Symbol               string              `db:"symbol"`
	LongVenue            string              `db:"long_venue"`
	ShortVenue           string              `db:"short_venue"`
	SizeUSD              decimal.Decimal     `db:"size_usd"`
	EntryLongRate        decimal.Decimal     `db:"entry_long_rate"`
	EntryShortRate       decimal.Decimal     `db:"entry_short_rate"`
	EntryDivergence      decimal.Decimal     `db:"entry_divergence"`
	EntryLongPrice       decimal.Decimal     `db:"entry_long_price"`
	EntryShortPrice      decimal.Decimal     `db:"entry_short_price"`
	OpenedAt             time.Time           `db:"opened_at"`
	CumulativeFundingUSD decimal.Decimal     `db:"cumulative_funding_usd"`
	LastHeartbeat        sql.NullTime        `db:"last_heartbeat"`
	LifecycleStage       string              `db:"lifecycle_stage"`
	ClosedAt             sql.NullTime        `db:"closed_at"`
	PnLUSD               decimal.NullDecimal `db:"pnl_usd"`
	ExitReason           sql.NullString      `db:"exit_reason"`
	CloseDegraded        bool                `db:"close_degraded"`
}

const positionSelect = `
	SELECT p.id, p.account_id, sy.name AS symbol,
	       dl.name AS long_venue, ds.name AS short_venue,
	       p.size_usd, p.entry_long_rate, p.entry_short_rate, p.entry_divergence,
	       p.entry_long_price, p.entry_short_price, p.opened_at,
	       p.cumulative_funding_usd, p.last_heartbeat, p.lifecycle_stage,
	       p.closed_at, p.pnl_usd, p.exit_reason, p.close_degraded
	FROM strategy_positions p
	JOIN symbols sy ON sy.id = p.symbol_id
	JOIN dexes dl ON dl.id = p.long_dex_id
	JOIN dexes ds ON ds.id = p.short_dex_id`

func (s *PostgresStore) GetOpenPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	query := positionSelect + ` WHERE p.lifecycle_stage <> 'closed'`
	var args []interface{}
	if accountID != "" {
		query += ` AND p.account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY p.opened_at`

	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row, positionSelect+` WHERE p.id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := row.toPosition()
	return &p, nil
}

func (r positionRow) toPosition() core.Position {
	p := core.Position{
		ID:                   r.ID,
		AccountID:            r.AccountID,
		Symbol:               r.Symbol,
		LongVenue:            r.LongVenue,
		ShortVenue:           r.ShortVenue,
		SizeUSD:              r.SizeUSD,
		EntryLongRate:        r.EntryLongRate,
		EntryShortRate:       r.EntryShortRate,
		EntryDivergence:      r.EntryDivergence,
		EntryLongPrice:       r.EntryLongPrice,
		EntryShortPrice:      r.EntryShortPrice,
		OpenedAt:             r.OpenedAt.UTC(),
		CumulativeFundingUSD: r.CumulativeFundingUSD,
		Stage:                core.LifecycleStage(r.LifecycleStage),
		CloseDegraded:        r.CloseDegraded,
	}
	if r.LastHeartbeat.Valid {
		p.LastHeartbeat = r.LastHeartbeat.Time.UTC()
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time.UTC()
		p.ClosedAt = &t
	}
	if r.PnLUSD.Valid {
		v := r.PnLUSD.Decimal
		p.PnLUSD = &v
	}
	if r.ExitReason.Valid {
		p.ExitReason = core.ExitReason(r.ExitReason.String)
	}
	return p
}

func (s *PostgresStore) InsertTradeFill(ctx context.Context, f core.TradeFill) (bool, error) {
	dexID, err := s.dexID(ctx, f.Venue)
	if err != nil {
		return false, err
	}
	symbolID, err := s.symbolID(ctx, f.Symbol)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_fills
			(position_id, account_id, trade_type, dex_id, symbol_id, order_id,
			 "timestamp", side, total_quantity, weighted_avg_price, total_fee,
			 fee_currency, realized_pnl, realized_funding, fill_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (position_id, order_id) DO NOTHING`,
		f.PositionID, f.AccountID, string(f.TradeType), dexID, symbolID, f.OrderID,
		naiveUTC(f.Timestamp), string(f.Side), f.TotalQuantity, f.WeightedAvgPrice,
		f.TotalFee, f.FeeCurrency, nullDec(f.RealizedPnL), nullDec(f.RealizedFunding), f.FillCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type tradeFillRow struct {
	PositionID       string              `db:"position_id"`
	AccountID        string              `db:"account_id"`
	TradeType        string              `db:"trade_type"`
	Venue            string              `db:"venue"`
	Symbol           string              `db:"symbol"`
	OrderID          string              `db:"order_id"`
	Timestamp        time.Time           `db:"timestamp"`
	Side             string              `db:"side"`
	TotalQuantity    decimal.Decimal     `db:"total_quantity"`
	WeightedAvgPrice decimal.Decimal     `db:"weighted_avg_price"`
	TotalFee         decimal.Decimal     `db:"total_fee"`
	FeeCurrency      string              `db:"fee_currency"`
	RealizedPnL      decimal.NullDecimal `db:"realized_pnl"`
	RealizedFunding  decimal.NullDecimal `db:"realized_funding"`
	FillCount        int                 `db:"fill_count"`
}

func (s *PostgresStore) GetTradeFills(ctx context.Context, positionID string) ([]core.TradeFill, error) {
	var rows []tradeFillRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT f.position_id, f.account_id, f.trade_type,
		       d.name AS venue, sy.name AS symbol, f.order_id, f."timestamp",
		       f.side, f.total_quantity, f.weighted_avg_price, f.total_fee,
		       f.fee_currency, f.realized_pnl, f.realized_funding, f.fill_count
		FROM trade_fills f
		JOIN dexes d ON d.id = f.dex_id
		JOIN symbols sy ON sy.id = f.symbol_id
		WHERE f.position_id = $1
		ORDER BY f."timestamp"`, positionID)
	if err != nil {
		return nil, err
	}
	out := make([]core.TradeFill, 0, len(rows))
	for _, r := range rows {
		fill := core.TradeFill{
			PositionID:       r.PositionID,
			AccountID:        r.AccountID,
			TradeType:        core.TradeType(r.TradeType),
			Venue:            r.Venue,
			Symbol:           r.Symbol,
			OrderID:          r.OrderID,
			Timestamp:        r.Timestamp.UTC(),
			Side:             core.OrderSide(r.Side),
			TotalQuantity:    r.TotalQuantity,
			WeightedAvgPrice: r.WeightedAvgPrice,
			TotalFee:         r.TotalFee,
			FeeCurrency:      r.FeeCurrency,
			FillCount:        r.FillCount,
		}
		if r.RealizedPnL.Valid {
			v := r.RealizedPnL.Decimal
			fill.RealizedPnL = &v
		}
		if r.RealizedFunding.Valid {
			v := r.RealizedFunding.Decimal
			fill.RealizedFunding = &v
		}
		out = append(out, fill)
	}
	return out, nil
}

// naiveUTC strips the timezone: all timestamps are stored naive UTC.
func naiveUTC(t time.Time) time.Time {
	return t.UTC()
}

func naiveUTCPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
