// Package storage defines candle persistence for imported OHLCV data and the
// memory, DuckDB and SQLite backends that implement it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
)

// CandleStorer persists candles. Storing a candle whose (symbol, exchange,
// timestamp) already exists replaces the earlier row.
type CandleStorer interface {
	// Store validates and persists candles. Nothing is written if any candle
	// fails validation.
	Store(ctx context.Context, candles []models.Candle) error
}

// CandleReader retrieves stored candles.
type CandleReader interface {
	// Query retrieves candles matching the request, with pagination metadata.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// GetLatest returns the newest candle for symbol on exchange, or nil when
	// none is stored.
	GetLatest(ctx context.Context, symbol, exchange string) (*models.Candle, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize creates the schema. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// Close releases the backend. The instance must not be used afterwards.
	Close() error

	// GetStats returns counts and the stored time range.
	GetStats(ctx context.Context) (*StorageStats, error)

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error
}

// CandleStorage combines candle writes and reads.
type CandleStorage interface {
	CandleStorer
	CandleReader
}

// FullStorage is implemented by every backend.
type FullStorage interface {
	CandleStorage
	StorageManager
}

// QueryRequest defines parameters for querying stored candles.
type QueryRequest struct {
	// Symbol filters on the platform symbol (e.g. "XBTUSD")
	Symbol string

	// Exchange filters on the exchange name (e.g. "Kraken")
	Exchange string

	// Start is the earliest candle time to include (inclusive)
	Start time.Time

	// End is the latest candle time to include (exclusive)
	End time.Time

	// Limit caps the number of results (0 = no limit)
	Limit int

	// Offset skips results for pagination
	Offset int

	// OrderBy is "timestamp_asc" (default) or "timestamp_desc"
	OrderBy string
}

// Validate checks the request for contradictory bounds
func (r QueryRequest) Validate() error {
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if r.Offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.Start.Before(r.End) {
		return fmt.Errorf("start %s must be before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	switch r.OrderBy {
	case "", "timestamp_asc", "timestamp_desc":
	default:
		return fmt.Errorf("unsupported order %q", r.OrderBy)
	}
	return nil
}

// QueryResponse contains the results of a candle query.
type QueryResponse struct {
	Candles    []models.Candle
	Total      int // matches before limit and offset
	HasMore    bool
	NextOffset int
	QueryTime  time.Duration
}

// StorageStats summarizes stored data.
type StorageStats struct {
	TotalCandles int64
	TotalSymbols int
	EarliestData time.Time
	LatestData   time.Time
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// New creates the backend selected by cfg.Type. The backend is not
// initialized.
func New(cfg config.StorageConfig, logger *slog.Logger) (FullStorage, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "duckdb":
		return NewDuckDBStorage(cfg, logger)
	case "sqlite":
		return NewSQLiteStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}
