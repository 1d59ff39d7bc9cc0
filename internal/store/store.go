// Package store persists funding rates and price candles in SQLite or
// PostgreSQL behind one interface. Uniqueness is enforced by the schema, not
// the application: re-inserting an already stored row is a no-op.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// StorageError wraps a failed database operation. Batches roll back as a
// unit; a StorageError means none of the batch was written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store wraps the SQL database holding funding rates and price candles.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     *logger.Log
}

// Open connects to the configured database, bootstraps the schema and
// returns the store. Supported types are sqlite and postgres.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	log := logger.GetLogger()

	var db *sql.DB
	var d dialect
	var err error

	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &StorageError{Op: "open", Err: err}
			}
		}
		db, err = sql.Open("sqlite3", cfg.SQLite.Path)
		d = dialectSQLite
	case "postgres", "postgresql":
		pg := cfg.Postgres
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode)
		db, err = sql.Open("postgres", dsn)
		d = dialectPostgres
	default:
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("unsupported database type: %s", cfg.Type)}
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if d == dialectPostgres {
		if cfg.Postgres.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		}
		if cfg.Postgres.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &Store{db: db, dialect: d, log: log}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.WithComponent("store").WithFields(logger.Fields{
		"type": cfg.Type,
	}).Info("store initialized")
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == dialectPostgres {
		idColumn = "id SERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS funding_rates (
			%s,
			symbol TEXT NOT NULL,
			funding_time TIMESTAMP NOT NULL,
			funding_rate REAL NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(symbol, funding_time)
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_funding_rates_symbol_time
			ON funding_rates(symbol, funding_time)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS price_candles (
			%s,
			symbol TEXT NOT NULL,
			funding_time TIMESTAMP NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			granularity TEXT NOT NULL,
			position TEXT NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(symbol, funding_time, timestamp, granularity, position)
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_price_candles_event
			ON price_candles(symbol, funding_time)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StorageError{Op: "create_schema", Err: err}
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) insertIgnoreSuffix(conflictColumns string) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictColumns)
	}
	return ""
}

func (s *Store) insertVerb() string {
	if s.dialect == dialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT"
}

// UpsertFundingRates inserts the rows not already present by
// (symbol, funding_time) and reports how many were new. The batch commits or
// rolls back as a whole.
func (s *Store) UpsertFundingRates(ctx context.Context, rows []models.FundingRate) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "upsert_funding_rates", Err: err}
	}
	defer tx.Rollback()

	query := s.rebind(fmt.Sprintf(`%s INTO funding_rates
		(symbol, funding_time, funding_rate, recorded_at)
		VALUES (?, ?, ?, ?)%s`,
		s.insertVerb(), s.insertIgnoreSuffix("symbol, funding_time")))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, &StorageError{Op: "upsert_funding_rates", Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx,
			row.Symbol, row.FundingTime.UTC(), row.FundingRate, row.RecordedAt.UTC())
		if err != nil {
			return 0, &StorageError{Op: "upsert_funding_rates", Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "upsert_funding_rates", Err: err}
	}

	logger.IncrementFundingRows(inserted)
	s.log.WithComponent("store").WithFields(logger.Fields{
		"batch":    len(rows),
		"inserted": inserted,
	}).Debug("funding rates upserted")
	return inserted, nil
}

// UpsertPriceCandles inserts candles not already present by the five part
// snapshot key and reports how many were new.
func (s *Store) UpsertPriceCandles(ctx context.Context, rows []models.PriceCandle) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "upsert_price_candles", Err: err}
	}
	defer tx.Rollback()

	query := s.rebind(fmt.Sprintf(`%s INTO price_candles
		(symbol, funding_time, timestamp, granularity, position, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)%s`,
		s.insertVerb(), s.insertIgnoreSuffix("symbol, funding_time, timestamp, granularity, position")))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, &StorageError{Op: "upsert_price_candles", Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx,
			row.Symbol, row.FundingTime.UTC(), row.Timestamp.UTC(),
			string(row.Granularity), string(row.Position),
			row.Open, row.High, row.Low, row.Close, row.Volume)
		if err != nil {
			return 0, &StorageError{Op: "upsert_price_candles", Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "upsert_price_candles", Err: err}
	}

	logger.IncrementCandleRows(inserted)
	s.log.WithComponent("store").WithFields(logger.Fields{
		"batch":    len(rows),
		"inserted": inserted,
	}).Debug("price candles upserted")
	return inserted, nil
}

// HasPriceData reports whether at least one candle exists for the event.
// Used to short-circuit re-fetching snapshots for events already processed.
func (s *Store) HasPriceData(ctx context.Context, symbol string, fundingTime time.Time) (bool, error) {
	query := s.rebind(`SELECT COUNT(1) FROM price_candles WHERE symbol = ? AND funding_time = ?`)

	var count int
	if err := s.db.QueryRowContext(ctx, query, symbol, fundingTime.UTC()).Scan(&count); err != nil {
		return false, &StorageError{Op: "has_price_data", Err: err}
	}
	return count > 0, nil
}

// LatestFundingTime returns the newest stored funding time for the symbol.
// The second return is false when the symbol has no rows yet.
func (s *Store) LatestFundingTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	query := s.rebind(`SELECT MAX(funding_time) FROM funding_rates WHERE symbol = ?`)

	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, symbol).Scan(&latest); err != nil {
		return time.Time{}, false, &StorageError{Op: "latest_funding_time", Err: err}
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// FundingRates returns all funding events in [since, until], oldest first,
// optionally restricted to one symbol when symbol is non-empty.
func (s *Store) FundingRates(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error) {
	query := `SELECT symbol, funding_time, funding_rate, recorded_at, created_at
		FROM funding_rates WHERE funding_time >= ? AND funding_time <= ?`
	args := []interface{}{since.UTC(), until.UTC()}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY funding_time ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, &StorageError{Op: "funding_rates", Err: err}
	}
	defer rows.Close()

	return scanFundingRates(rows)
}

// TopFundingRates returns up to limit events in [since, until] ordered by
// absolute funding rate, largest first.
func (s *Store) TopFundingRates(ctx context.Context, limit int, since, until time.Time) ([]models.FundingRate, error) {
	query := s.rebind(`SELECT symbol, funding_time, funding_rate, recorded_at, created_at
		FROM funding_rates
		WHERE funding_time >= ? AND funding_time <= ?
		ORDER BY ABS(funding_rate) DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, since.UTC(), until.UTC(), limit)
	if err != nil {
		return nil, &StorageError{Op: "top_funding_rates", Err: err}
	}
	defer rows.Close()

	return scanFundingRates(rows)
}

func scanFundingRates(rows *sql.Rows) ([]models.FundingRate, error) {
	var out []models.FundingRate
	for rows.Next() {
		var r models.FundingRate
		var created sql.NullTime
		if err := rows.Scan(&r.Symbol, &r.FundingTime, &r.FundingRate, &r.RecordedAt, &created); err != nil {
			return nil, &StorageError{Op: "scan_funding_rates", Err: err}
		}
		r.FundingTime = r.FundingTime.UTC()
		r.RecordedAt = r.RecordedAt.UTC()
		if created.Valid {
			r.CreatedAt = created.Time.UTC()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan_funding_rates", Err: err}
	}
	return out, nil
}

// PriceCandles returns the stored snapshot for one funding event, ordered by
// granularity, position and candle time.
func (s *Store) PriceCandles(ctx context.Context, symbol string, fundingTime time.Time) ([]models.PriceCandle, error) {
	query := s.rebind(`SELECT symbol, funding_time, timestamp, granularity, position,
			open, high, low, close, volume, created_at
		FROM price_candles
		WHERE symbol = ? AND funding_time = ?
		ORDER BY granularity, position, timestamp ASC`)

	rows, err := s.db.QueryContext(ctx, query, symbol, fundingTime.UTC())
	if err != nil {
		return nil, &StorageError{Op: "price_candles", Err: err}
	}
	defer rows.Close()

	var out []models.PriceCandle
	for rows.Next() {
		var c models.PriceCandle
		var granularity, position string
		var created sql.NullTime
		if err := rows.Scan(&c.Symbol, &c.FundingTime, &c.Timestamp, &granularity, &position,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &created); err != nil {
			return nil, &StorageError{Op: "scan_price_candles", Err: err}
		}
		c.Granularity = models.Granularity(granularity)
		c.Position = models.Position(position)
		c.FundingTime = c.FundingTime.UTC()
		c.Timestamp = c.Timestamp.UTC()
		if created.Valid {
			c.CreatedAt = created.Time.UTC()
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan_price_candles", Err: err}
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
