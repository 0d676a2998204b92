package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
)

const candlesTable = "candles"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		id VARCHAR NOT NULL,
		symbol VARCHAR NOT NULL,
		exchange VARCHAR NOT NULL,
		timestamp BIGINT NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		PRIMARY KEY (symbol, exchange, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candles_timestamp ON candles (timestamp)`,
}

const candleColumns = "id, symbol, exchange, timestamp, open, high, low, close, volume"

// SQLStorage implements FullStorage over database/sql. The DuckDB and SQLite
// backends share it; both accept the same DDL, ? placeholders and
// INSERT OR REPLACE.
type SQLStorage struct {
	db           *sql.DB
	driver       string
	dsn          string
	batchSize    int
	queryTimeout time.Duration
	logger       *slog.Logger
	mu           sync.RWMutex
}

// NewDuckDBStorage opens a DuckDB database. The DSN may be ":memory:" or a
// file path.
func NewDuckDBStorage(cfg config.StorageConfig, logger *slog.Logger) (*SQLStorage, error) {
	dsn := cfg.DatabaseURL
	if dsn == ":memory:" {
		dsn = ""
	}
	// DuckDB allows a single writer per database file
	return openSQLStorage("duckdb", dsn, 1, cfg, logger)
}

// NewSQLiteStorage opens a SQLite database file.
func NewSQLiteStorage(cfg config.StorageConfig, logger *slog.Logger) (*SQLStorage, error) {
	maxConns := cfg.MaxConns
	if cfg.DatabaseURL == ":memory:" || maxConns <= 0 {
		// every connection to :memory: would see its own database
		maxConns = 1
	}
	return openSQLStorage("sqlite3", cfg.DatabaseURL, maxConns, cfg, logger)
}

func openSQLStorage(driver, dsn string, maxConns int, cfg config.StorageConfig, logger *slog.Logger) (*SQLStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database: %w", driver, err))
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	return &SQLStorage{
		db:           db,
		driver:       driver,
		dsn:          dsn,
		batchSize:    batchSize,
		queryTimeout: config.ParseDuration(cfg.QueryTimeout, 30*time.Second),
		logger:       logger.With("storage", driver),
	}, nil
}

// Initialize implements StorageManager.
func (s *SQLStorage) Initialize(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return NewStorageError("initialize", candlesTable, "", err)
	}

	s.logger.Info("initializing storage", "dsn", s.dsn)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", candlesTable, stmt, err)
		}
	}
	return nil
}

// Close implements StorageManager.
func (s *SQLStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// HealthCheck implements StorageManager.
func (s *SQLStorage) HealthCheck(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// Store implements CandleStorer. Candles are written in transactions of at
// most batchSize rows.
func (s *SQLStorage) Store(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError(candlesTable, fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	db, err := s.handle()
	if err != nil {
		return NewInsertError(candlesTable, err)
	}

	start := time.Now()
	for from := 0; from < len(candles); from += s.batchSize {
		to := min(from+s.batchSize, len(candles))
		if err := s.storeBatch(ctx, db, candles[from:to]); err != nil {
			return err
		}
	}

	s.logger.Debug("stored candles", "count", len(candles), "duration", time.Since(start))
	return nil
}

func (s *SQLStorage) storeBatch(ctx context.Context, db *sql.DB, candles []models.Candle) (err error) {
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", candlesTable, candleColumns)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError(candlesTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return NewStorageError("insert", candlesTable, query, err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err = stmt.ExecContext(ctx, c.ID, c.Symbol, c.Exchange, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return NewStorageError("insert", candlesTable, query, fmt.Errorf("candle %s: %w", c.String(), err))
		}
	}

	if err = tx.Commit(); err != nil {
		return NewInsertError(candlesTable, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Query implements CandleReader.
func (s *SQLStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}
	db, err := s.handle()
	if err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := buildFilter(req)

	countQuery := "SELECT COUNT(*) FROM " + candlesTable + where
	var total int
	if err := db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, NewQueryError(candlesTable, countQuery, err)
	}

	order := "ASC"
	if req.OrderBy == "timestamp_desc" {
		order = "DESC"
	}
	limit := int64(req.Limit)
	if limit == 0 {
		limit = math.MaxInt32
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp %s, exchange, symbol LIMIT ? OFFSET ?",
		candleColumns, candlesTable, where, order)

	rows, err := db.QueryContext(ctx, query, append(args, limit, req.Offset)...)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}

	next := req.Offset + len(candles)
	queryTime := time.Since(start)
	s.logger.Debug("query completed", "results", len(candles), "total", total, "duration", queryTime)

	return &QueryResponse{
		Candles:    candles,
		Total:      total,
		HasMore:    next < total,
		NextOffset: next,
		QueryTime:  queryTime,
	}, nil
}

// GetLatest implements CandleReader.
func (s *SQLStorage) GetLatest(ctx context.Context, symbol, exchange string) (*models.Candle, error) {
	resp, err := s.Query(ctx, QueryRequest{
		Symbol:   symbol,
		Exchange: exchange,
		Limit:    1,
		OrderBy:  "timestamp_desc",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Candles) == 0 {
		return nil, nil
	}
	return &resp.Candles[0], nil
}

// GetStats implements StorageManager.
func (s *SQLStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, NewStorageError("stats", candlesTable, "", err)
	}

	query := "SELECT COUNT(*), COUNT(DISTINCT symbol), MIN(timestamp), MAX(timestamp) FROM " + candlesTable
	var (
		stats            StorageStats
		earliest, latest sql.NullInt64
	)
	if err := db.QueryRowContext(ctx, query).Scan(&stats.TotalCandles, &stats.TotalSymbols, &earliest, &latest); err != nil {
		return nil, NewStorageError("stats", candlesTable, query, err)
	}
	if earliest.Valid {
		stats.EarliestData = time.UnixMilli(earliest.Int64).UTC()
	}
	if latest.Valid {
		stats.LatestData = time.UnixMilli(latest.Int64).UTC()
	}
	return &stats, nil
}

func (s *SQLStorage) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database connection is closed")
	}
	return s.db, nil
}

func buildFilter(req QueryRequest) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if req.Symbol != "" {
		conditions = append(conditions, "symbol = ?")
		args = append(args, req.Symbol)
	}
	if req.Exchange != "" {
		conditions = append(conditions, "exchange = ?")
		args = append(args, req.Exchange)
	}
	if !req.Start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, req.Start.UnixMilli())
	}
	if !req.End.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, req.End.UnixMilli())
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanCandles(rows *sql.Rows) ([]models.Candle, error) {
	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Exchange, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return candles, nil
}
