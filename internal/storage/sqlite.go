package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
)

// Decimals are stored as TEXT so no precision is lost at rest.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS funding_rates (
    time         TIMESTAMP NOT NULL,
    dex_id       TEXT NOT NULL,
    symbol_id    TEXT NOT NULL,
    funding_rate TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS latest_funding_rates (
    dex_id            TEXT NOT NULL,
    symbol_id         TEXT NOT NULL,
    funding_rate      TEXT NOT NULL,
    raw_rate          TEXT NOT NULL,
    interval_hours    TEXT NOT NULL,
    next_funding_time TIMESTAMP,
    updated_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (dex_id, symbol_id)
);
CREATE TABLE IF NOT EXISTS dex_symbols (
    dex_id            TEXT NOT NULL,
    symbol_id         TEXT NOT NULL,
    volume_24h        TEXT,
    open_interest_usd TEXT,
    updated_at        TIMESTAMP NOT NULL,
    is_active         INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (dex_id, symbol_id)
);
CREATE TABLE IF NOT EXISTS strategy_positions (
    id                     TEXT PRIMARY KEY,
    account_id             TEXT NOT NULL,
    symbol_id              TEXT NOT NULL,
    long_dex_id            TEXT NOT NULL,
    short_dex_id           TEXT NOT NULL,
    size_usd               TEXT NOT NULL,
    entry_long_rate        TEXT NOT NULL,
    entry_short_rate       TEXT NOT NULL,
    entry_divergence       TEXT NOT NULL,
    entry_long_price       TEXT NOT NULL,
    entry_short_price      TEXT NOT NULL,
    opened_at              TIMESTAMP NOT NULL,
    cumulative_funding_usd TEXT NOT NULL DEFAULT '0',
    last_heartbeat         TIMESTAMP,
    lifecycle_stage        TEXT NOT NULL,
    closed_at              TIMESTAMP,
    pnl_usd                TEXT,
    exit_reason            TEXT,
    close_degraded         INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS strategy_positions_open_pair
    ON strategy_positions (account_id, symbol_id, long_dex_id, short_dex_id)
    WHERE lifecycle_stage <> 'closed';
CREATE TABLE IF NOT EXISTS trade_fills (
    position_id        TEXT NOT NULL,
    account_id         TEXT NOT NULL,
    trade_type         TEXT NOT NULL,
    dex_id             TEXT NOT NULL,
    symbol_id          TEXT NOT NULL,
    order_id           TEXT NOT NULL,
    ts                 TIMESTAMP NOT NULL,
    side               TEXT NOT NULL,
    total_quantity     TEXT NOT NULL,
    weighted_avg_price TEXT NOT NULL,
    total_fee          TEXT NOT NULL,
    fee_currency       TEXT NOT NULL,
    realized_pnl       TEXT,
    realized_funding   TEXT,
    fill_count         INTEGER NOT NULL,
    PRIMARY KEY (position_id, order_id)
);
`

// SQLiteStore implements Store on a local SQLite file. It serves single-node
// deployments and dry runs where a Postgres instance is not available.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	// WAL for crash recovery.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertFundingRate(ctx context.Context, sample core.FundingRateSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_funding_rates
			(dex_id, symbol_id, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (dex_id, symbol_id) DO UPDATE SET
			funding_rate      = excluded.funding_rate,
			raw_rate          = excluded.raw_rate,
			interval_hours    = excluded.interval_hours,
			next_funding_time = excluded.next_funding_time,
			updated_at        = max(latest_funding_rates.updated_at, excluded.updated_at)
		WHERE excluded.updated_at >= latest_funding_rates.updated_at`,
		sample.Venue, sample.Symbol, sample.NormalizedRate.String(), sample.RawRate.String(),
		sample.IntervalHours.String(), naiveUTCPtr(sample.NextFundingTime), naiveUTC(sample.SampledAt))
	return err
}

func (s *SQLiteStore) AppendFundingHistory(ctx context.Context, sample core.FundingRateSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_rates (time, dex_id, symbol_id, funding_rate)
		VALUES (?,?,?,?)`,
		naiveUTC(sample.SampledAt), sample.Venue, sample.Symbol, sample.NormalizedRate.String())
	return err
}

func (s *SQLiteStore) UpsertMarketData(ctx context.Context, m core.MarketData) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dex_symbols (dex_id, symbol_id, volume_24h, open_interest_usd, updated_at, is_active)
		VALUES (?,?,?,?,?,1)
		ON CONFLICT (dex_id, symbol_id) DO UPDATE SET
			volume_24h        = excluded.volume_24h,
			open_interest_usd = excluded.open_interest_usd,
			updated_at        = max(dex_symbols.updated_at, excluded.updated_at),
			is_active         = 1
		WHERE excluded.updated_at >= dex_symbols.updated_at`,
		m.Venue, m.Symbol, decStrPtr(m.Volume24hUSD), decStrPtr(m.OpenInterestUSD), naiveUTC(m.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetLatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]core.FundingRateSample, error) {
	query := `
		SELECT dex_id, symbol_id, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at
		FROM latest_funding_rates WHERE updated_at >= ?`
	args := []interface{}{time.Time{}}
	if maxAge > 0 {
		args[0] = naiveUTC(time.Now().Add(-maxAge))
	}
	if len(venues) > 0 {
		query += ` AND dex_id IN (` + placeholders(len(venues)) + `)`
		for _, v := range venues {
			args = append(args, v)
		}
	}
	query += ` ORDER BY symbol_id, dex_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.FundingRateSample
	for rows.Next() {
		var (
			sample                       core.FundingRateSample
			rate, raw, interval          string
			next                         sql.NullTime
			updated                      time.Time
		)
		if err := rows.Scan(&sample.Venue, &sample.Symbol, &rate, &raw, &interval, &next, &updated); err != nil {
			return nil, err
		}
		if sample.NormalizedRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if sample.RawRate, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		if sample.IntervalHours, err = decimal.NewFromString(interval); err != nil {
			return nil, err
		}
		if next.Valid {
			t := next.Time.UTC()
			sample.NextFundingTime = &t
		}
		sample.SampledAt = updated.UTC()
		out = append(out, sample)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFundingHistory(ctx context.Context, venue, symbol string, limit int) ([]core.FundingRateSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, funding_rate FROM funding_rates
		WHERE dex_id = ? AND symbol_id = ?
		ORDER BY time DESC LIMIT ?`, venue, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.FundingRateSample
	for rows.Next() {
		var (
			t    time.Time
			rate string
		)
		if err := rows.Scan(&t, &rate); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, err
		}
		out = append(out, core.FundingRateSample{
			Venue:          venue,
			Symbol:         symbol,
			NormalizedRate: d,
			RawRate:        d,
			IntervalHours:  decimal.NewFromInt(core.ReferenceIntervalHours),
			SampledAt:      t.UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetMarketData(ctx context.Context, venues []string) (map[VenueSymbol]core.MarketData, error) {
	query := `
		SELECT dex_id, symbol_id, volume_24h, open_interest_usd, updated_at
		FROM dex_symbols WHERE is_active = 1`
	var args []interface{}
	if len(venues) > 0 {
		query += ` AND dex_id IN (` + placeholders(len(venues)) + `)`
		for _, v := range venues {
			args = append(args, v)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[VenueSymbol]core.MarketData)
	for rows.Next() {
		var (
			md       core.MarketData
			vol, oi  sql.NullString
			updated  time.Time
		)
		if err := rows.Scan(&md.Venue, &md.Symbol, &vol, &oi, &updated); err != nil {
			return nil, err
		}
		md.UpdatedAt = updated.UTC()
		if md.Volume24hUSD, err = parseNullDec(vol); err != nil {
			return nil, err
		}
		if md.OpenInterestUSD, err = parseNullDec(oi); err != nil {
			return nil, err
		}
		out[VenueSymbol{md.Venue, md.Symbol}] = md
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertPosition(ctx context.Context, p core.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_positions
			(id, account_id, symbol_id, long_dex_id, short_dex_id, size_usd,
			 entry_long_rate, entry_short_rate, entry_divergence,
			 entry_long_price, entry_short_price, opened_at,
			 cumulative_funding_usd, last_heartbeat, lifecycle_stage)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.Symbol, p.LongVenue, p.ShortVenue, p.SizeUSD.String(),
		p.EntryLongRate.String(), p.EntryShortRate.String(), p.EntryDivergence.String(),
		p.EntryLongPrice.String(), p.EntryShortPrice.String(), naiveUTC(p.OpenedAt),
		p.CumulativeFundingUSD.String(), naiveUTC(p.LastHeartbeat), string(p.Stage))
	return err
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, id string, patch PositionPatch) error {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Stage != nil {
		add("lifecycle_stage", string(*patch.Stage))
	}
	if patch.CumulativeFundingUSD != nil {
		add("cumulative_funding_usd", patch.CumulativeFundingUSD.String())
	}
	if patch.LastHeartbeat != nil {
		add("last_heartbeat", naiveUTC(*patch.LastHeartbeat))
	}
	if patch.ClosedAt != nil {
		add("closed_at", naiveUTC(*patch.ClosedAt))
	}
	if patch.PnLUSD != nil {
		add("pnl_usd", patch.PnLUSD.String())
	}
	if patch.ExitReason != nil {
		add("exit_reason", string(*patch.ExitReason))
	}
	if patch.CloseDegraded != nil {
		add("close_degraded", boolInt(*patch.CloseDegraded))
	}
	if len(sets) == 0 {
		return nil
	}
	query := `UPDATE strategy_positions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if patch.Stage != nil && *patch.Stage != core.StageClosed {
		query += ` AND lifecycle_stage <> 'closed'`
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

const sqlitePositionSelect = `
	SELECT id, account_id, symbol_id, long_dex_id, short_dex_id, size_usd,
	       entry_long_rate, entry_short_rate, entry_divergence,
	       entry_long_price, entry_short_price, opened_at,
	       cumulative_funding_usd, last_heartbeat, lifecycle_stage,
	       closed_at, pnl_usd, exit_reason, close_degraded
	FROM strategy_positions`

func (s *SQLiteStore) GetOpenPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	query := sqlitePositionSelect + ` WHERE lifecycle_stage <> 'closed'`
	var args []interface{}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY opened_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePositionSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanSQLitePosition(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLitePosition(rows *sql.Rows) (core.Position, error) {
	var (
		p                               core.Position
		size, elr, esr, ed, elp, esp    string
		cum                             string
		opened                          time.Time
		heartbeat, closed               sql.NullTime
		stage                           string
		pnl, reason                     sql.NullString
		degraded                        int
	)
	err := rows.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.LongVenue, &p.ShortVenue, &size,
		&elr, &esr, &ed, &elp, &esp, &opened, &cum, &heartbeat, &stage,
		&closed, &pnl, &reason, &degraded)
	if err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.SizeUSD, size}, {&p.EntryLongRate, elr}, {&p.EntryShortRate, esr},
		{&p.EntryDivergence, ed}, {&p.EntryLongPrice, elp}, {&p.EntryShortPrice, esp},
		{&p.CumulativeFundingUSD, cum},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return p, err
		}
	}
	p.OpenedAt = opened.UTC()
	if heartbeat.Valid {
		p.LastHeartbeat = heartbeat.Time.UTC()
	}
	p.Stage = core.LifecycleStage(stage)
	if closed.Valid {
		t := closed.Time.UTC()
		p.ClosedAt = &t
	}
	if pnl.Valid {
		v, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return p, err
		}
		p.PnLUSD = &v
	}
	if reason.Valid {
		p.ExitReason = core.ExitReason(reason.String)
	}
	p.CloseDegraded = degraded != 0
	return p, nil
}

func (s *SQLiteStore) InsertTradeFill(ctx context.Context, f core.TradeFill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_fills
			(position_id, account_id, trade_type, dex_id, symbol_id, order_id,
			 ts, side, total_quantity, weighted_avg_price, total_fee,
			 fee_currency, realized_pnl, realized_funding, fill_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.PositionID, f.AccountID, string(f.TradeType), f.Venue, f.Symbol, f.OrderID,
		naiveUTC(f.Timestamp), string(f.Side), f.TotalQuantity.String(), f.WeightedAvgPrice.String(),
		f.TotalFee.String(), f.FeeCurrency, decStrPtr(f.RealizedPnL), decStrPtr(f.RealizedFunding), f.FillCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetTradeFills(ctx context.Context, positionID string) ([]core.TradeFill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, account_id, trade_type, dex_id, symbol_id, order_id,
		       ts, side, total_quantity, weighted_avg_price, total_fee,
		       fee_currency, realized_pnl, realized_funding, fill_count
		FROM trade_fills WHERE position_id = ? ORDER BY ts`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.TradeFill
	for rows.Next() {
		var (
			f               core.TradeFill
			tradeType, side string
			ts              time.Time
			qty, avg, fee   string
			pnl, funding    sql.NullString
		)
		err := rows.Scan(&f.PositionID, &f.AccountID, &tradeType, &f.Venue, &f.Symbol, &f.OrderID,
			&ts, &side, &qty, &avg, &fee, &f.FeeCurrency, &pnl, &funding, &f.FillCount)
		if err != nil {
			return nil, err
		}
		f.TradeType = core.TradeType(tradeType)
		f.Side = core.OrderSide(side)
		f.Timestamp = ts.UTC()
		if f.TotalQuantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if f.WeightedAvgPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		if f.TotalFee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if f.RealizedPnL, err = parseNullDec(pnl); err != nil {
			return nil, err
		}
		if f.RealizedFunding, err = parseNullDec(funding); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func decStrPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDec(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
