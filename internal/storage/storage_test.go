package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeCandles(symbol, exchange string, from time.Time, n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		price := 100 + float64(i)
		candles[i] = models.Candle{
			ID:        fmt.Sprintf("%s-%s-%d", symbol, exchange, i),
			Symbol:    symbol,
			Exchange:  exchange,
			Timestamp: from.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Open:      price,
			High:      price + 2,
			Low:       price - 1,
			Close:     price + 1,
			Volume:    float64(i) + 0.5,
		}
	}
	return candles
}

type backend struct {
	name string
	open func(t *testing.T) FullStorage
}

func backends() []backend {
	sqlCfg := func(t *testing.T, typ string) config.StorageConfig {
		return config.StorageConfig{
			Type:         typ,
			DatabaseURL:  filepath.Join(t.TempDir(), "candles."+typ),
			BatchSize:    7,
			QueryTimeout: "10s",
		}
	}
	return []backend{
		{"memory", func(t *testing.T) FullStorage { return NewMemoryStorage() }},
		{"sqlite", func(t *testing.T) FullStorage {
			s, err := NewSQLiteStorage(sqlCfg(t, "sqlite"), testLogger())
			require.NoError(t, err)
			return s
		}},
		{"duckdb", func(t *testing.T) FullStorage {
			s, err := NewDuckDBStorage(sqlCfg(t, "duckdb"), testLogger())
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s FullStorage)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { s.Close() })
			require.NoError(t, s.Initialize(context.Background()))
			fn(t, s)
		})
	}
}

func TestStorage_StoreAndQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()
		require.NoError(t, s.Store(ctx, makeCandles("XBTUSD", "Kraken", baseTime, 20)))
		require.NoError(t, s.Store(ctx, makeCandles("ETHUSD", "Kraken", baseTime, 5)))

		resp, err := s.Query(ctx, QueryRequest{Symbol: "XBTUSD", Exchange: "Kraken"})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 20)
		assert.Equal(t, 20, resp.Total)
		assert.False(t, resp.HasMore)
		assert.NoError(t, models.ValidateSequence(resp.Candles))

		got := resp.Candles[3]
		assert.Equal(t, "XBTUSD-Kraken-3", got.ID)
		assert.Equal(t, 103.0, got.Open)
		assert.Equal(t, 105.0, got.High)
		assert.Equal(t, 102.0, got.Low)
		assert.Equal(t, 104.0, got.Close)
		assert.Equal(t, 3.5, got.Volume)
	})
}

func TestStorage_QueryFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()
		require.NoError(t, s.Store(ctx, makeCandles("XBTUSD", "Kraken", baseTime, 10)))

		t.Run("time range is half open", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{
				Symbol: "XBTUSD",
				Start:  baseTime.Add(2 * time.Minute),
				End:    baseTime.Add(5 * time.Minute),
			})
			require.NoError(t, err)
			require.Len(t, resp.Candles, 3)
			assert.Equal(t, baseTime.Add(2*time.Minute).UnixMilli(), resp.Candles[0].Timestamp)
			assert.Equal(t, baseTime.Add(4*time.Minute).UnixMilli(), resp.Candles[2].Timestamp)
		})

		t.Run("pagination", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{Symbol: "XBTUSD", Limit: 4, Offset: 4})
			require.NoError(t, err)
			require.Len(t, resp.Candles, 4)
			assert.Equal(t, 10, resp.Total)
			assert.True(t, resp.HasMore)
			assert.Equal(t, 8, resp.NextOffset)
			assert.Equal(t, baseTime.Add(4*time.Minute).UnixMilli(), resp.Candles[0].Timestamp)
		})

		t.Run("descending", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{Symbol: "XBTUSD", Limit: 2, OrderBy: "timestamp_desc"})
			require.NoError(t, err)
			require.Len(t, resp.Candles, 2)
			assert.Equal(t, baseTime.Add(9*time.Minute).UnixMilli(), resp.Candles[0].Timestamp)
		})

		t.Run("unknown exchange", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{Symbol: "XBTUSD", Exchange: "Binance"})
			require.NoError(t, err)
			assert.Empty(t, resp.Candles)
			assert.Zero(t, resp.Total)
		})

		t.Run("invalid request", func(t *testing.T) {
			_, err := s.Query(ctx, QueryRequest{Start: baseTime, End: baseTime})
			require.Error(t, err)
			var storageErr *StorageError
			assert.ErrorAs(t, err, &storageErr)
		})
	})
}

func TestStorage_UpsertReplacesExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()
		original := makeCandles("XBTUSD", "Kraken", baseTime, 3)
		require.NoError(t, s.Store(ctx, original))

		replacement := makeCandles("XBTUSD", "Kraken", baseTime.Add(time.Minute), 1)
		replacement[0].ID = "replacement"
		replacement[0].Close = 100.5
		require.NoError(t, s.Store(ctx, replacement))

		resp, err := s.Query(ctx, QueryRequest{Symbol: "XBTUSD"})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 3)
		assert.Equal(t, "replacement", resp.Candles[1].ID)
		assert.Equal(t, 100.5, resp.Candles[1].Close)
	})
}

func TestStorage_RejectsInvalidCandles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()
		candles := makeCandles("XBTUSD", "Kraken", baseTime, 3)
		candles[2].High = 1

		err := s.Store(ctx, candles)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index 2")

		resp, err := s.Query(ctx, QueryRequest{})
		require.NoError(t, err)
		assert.Empty(t, resp.Candles, "nothing is written when validation fails")
	})
}

func TestStorage_GetLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()

		latest, err := s.GetLatest(ctx, "XBTUSD", "Kraken")
		require.NoError(t, err)
		assert.Nil(t, latest)

		require.NoError(t, s.Store(ctx, makeCandles("XBTUSD", "Kraken", baseTime, 6)))
		latest, err = s.GetLatest(ctx, "XBTUSD", "Kraken")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, baseTime.Add(5*time.Minute).UnixMilli(), latest.Timestamp)
	})
}

func TestStorage_StatsAndHealth(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s FullStorage) {
		ctx := context.Background()

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalCandles)
		assert.True(t, stats.EarliestData.IsZero())

		require.NoError(t, s.Store(ctx, makeCandles("XBTUSD", "Kraken", baseTime, 4)))
		require.NoError(t, s.Store(ctx, makeCandles("ETHUSD", "Kraken", baseTime.Add(time.Hour), 2)))

		stats, err = s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), stats.TotalCandles)
		assert.Equal(t, 2, stats.TotalSymbols)
		assert.Equal(t, baseTime, stats.EarliestData)
		assert.Equal(t, baseTime.Add(time.Hour+time.Minute), stats.LatestData)

		assert.NoError(t, s.HealthCheck(ctx))
		require.NoError(t, s.Close())
		assert.Error(t, s.HealthCheck(ctx))
		assert.Error(t, s.Store(ctx, makeCandles("XBTUSD", "Kraken", baseTime, 1)))
	})
}

func TestNew(t *testing.T) {
	s, err := New(config.StorageConfig{Type: "memory"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	_, err = New(config.StorageConfig{Type: "postgres"}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage type")
}
