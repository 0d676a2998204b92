package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/models"
)

type seriesKey struct {
	symbol   string
	exchange string
}

// MemoryStorage keeps candles in process memory. It is safe for concurrent use.
type MemoryStorage struct {
	mu sync.RWMutex

	// candles[symbol, exchange][timestamp ms]
	candles map[seriesKey]map[int64]models.Candle

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[seriesKey]map[int64]models.Candle),
	}
}

// Store persists candles, replacing any with the same key.
func (m *MemoryStorage) Store(ctx context.Context, candles []models.Candle) error {
	if ctx.Err() != nil {
		return NewStorageError("store", "candles", "", ctx.Err())
	}
	if len(candles) == 0 {
		return nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("candle at index %d validation failed: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("store", "candles", "", errors.New("storage is closed"))
	}

	for _, candle := range candles {
		key := seriesKey{candle.Symbol, candle.Exchange}
		if m.candles[key] == nil {
			m.candles[key] = make(map[int64]models.Candle)
		}
		m.candles[key][candle.Timestamp] = candle
	}
	return nil
}

// Query retrieves candles based on the provided request parameters.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	if ctx.Err() != nil {
		return nil, NewQueryError("candles", "", ctx.Err())
	}
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, NewQueryError("candles", "", errors.New("storage is closed"))
	}

	var matched []models.Candle
	for key, byTime := range m.candles {
		if req.Symbol != "" && key.symbol != req.Symbol {
			continue
		}
		if req.Exchange != "" && key.exchange != req.Exchange {
			continue
		}
		for _, candle := range byTime {
			if !req.Start.IsZero() && candle.Timestamp < req.Start.UnixMilli() {
				continue
			}
			if !req.End.IsZero() && candle.Timestamp >= req.End.UnixMilli() {
				continue
			}
			matched = append(matched, candle)
		}
	}
	m.mu.RUnlock()

	sortCandles(matched, req.OrderBy)

	total := len(matched)
	from := min(req.Offset, total)
	to := total
	if req.Limit > 0 {
		to = min(from+req.Limit, total)
	}
	page := append([]models.Candle(nil), matched[from:to]...)

	return &QueryResponse{
		Candles:    page,
		Total:      total,
		HasMore:    to < total,
		NextOffset: to,
		QueryTime:  time.Since(start),
	}, nil
}

// GetLatest returns the newest candle for symbol on exchange.
func (m *MemoryStorage) GetLatest(ctx context.Context, symbol, exchange string) (*models.Candle, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("candles", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("candles", "", errors.New("storage is closed"))
	}

	var latest *models.Candle
	for ts, candle := range m.candles[seriesKey{symbol, exchange}] {
		if latest == nil || ts > latest.Timestamp {
			c := candle
			latest = &c
		}
	}
	return latest, nil
}

// Initialize implements StorageManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("initialize", "", "", errors.New("storage is closed"))
	}
	return nil
}

// Close implements StorageManager.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.candles = nil
	return nil
}

// GetStats implements StorageManager.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errors.New("storage is closed"))
	}

	stats := &StorageStats{}
	symbols := make(map[string]struct{})
	var earliest, latest int64
	for key, byTime := range m.candles {
		if len(byTime) == 0 {
			continue
		}
		symbols[key.symbol] = struct{}{}
		for ts := range byTime {
			stats.TotalCandles++
			if earliest == 0 || ts < earliest {
				earliest = ts
			}
			if ts > latest {
				latest = ts
			}
		}
	}
	stats.TotalSymbols = len(symbols)
	if stats.TotalCandles > 0 {
		stats.EarliestData = time.UnixMilli(earliest).UTC()
		stats.LatestData = time.UnixMilli(latest).UTC()
	}
	return stats, nil
}

// HealthCheck implements StorageManager.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("storage is closed")
	}
	return nil
}

func sortCandles(candles []models.Candle, orderBy string) {
	sort.Slice(candles, func(i, j int) bool {
		a, b := candles[i], candles[j]
		if a.Timestamp != b.Timestamp {
			if orderBy == "timestamp_desc" {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Symbol < b.Symbol
	})
}
