package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	exerrors "github.com/johnayoung/go-ohlcv-importer/internal/errors"
	"github.com/johnayoung/go-ohlcv-importer/internal/exchange"
	"github.com/johnayoung/go-ohlcv-importer/internal/logger"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	"github.com/johnayoung/go-ohlcv-importer/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) Name() string { return "Kraken" }

func (m *mockExchange) ResolvePair(ctx context.Context, symbol string) (string, error) {
	args := m.Called(ctx, symbol)
	return args.String(0), args.Error(1)
}

func (m *mockExchange) FetchTicks(ctx context.Context, pairID string, since int64) ([]models.Tick, error) {
	args := m.Called(ctx, pairID, since)
	ticks, _ := args.Get(0).([]models.Tick)
	return ticks, args.Error(1)
}

func (m *mockExchange) Fetch(ctx context.Context, symbol string, startMs int64) ([]models.Candle, error) {
	args := m.Called(ctx, symbol, startMs)
	candles, _ := args.Get(0).([]models.Candle)
	return candles, args.Error(1)
}

func (m *mockExchange) GetStartingTime(ctx context.Context, symbol string) (int64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockExchange) InitBackupExchange() {}

func (m *mockExchange) Backup() (exchange.Exchange, bool) { return nil, false }

type recorded struct {
	candles  map[string]int
	failures map[string]int
}

func (r *recorded) ObserveCandles(_, symbol string, count int, _ time.Time) {
	r.candles[symbol] += count
}

func (r *recorded) ObserveImportFailure(_, symbol string) {
	r.failures[symbol]++
}

func minutes(symbol string, from time.Time, n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			ID:        symbol + from.Add(time.Duration(i)*time.Minute).Format(time.RFC3339),
			Symbol:    symbol,
			Exchange:  "Kraken",
			Timestamp: from.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Open:      10,
			High:      11,
			Low:       9,
			Close:     10.5,
			Volume:    1,
		}
	}
	return out
}

type harness struct {
	ex       *mockExchange
	store    *storage.MemoryStorage
	recorder *recorded
	importer *Importer
}

func newHarness(maxBatches int) *harness {
	h := &harness{
		ex:       &mockExchange{},
		store:    storage.NewMemoryStorage(),
		recorder: &recorded{candles: map[string]int{}, failures: map[string]int{}},
	}
	cfg := config.ImporterConfig{
		MaxBatches: maxBatches,
		RetryPolicy: config.RetryPolicyConfig{
			MaxAttempts:  3,
			InitialDelay: "1ms",
			MaxDelay:     "2ms",
			Multiplier:   2,
		},
	}
	h.importer = New(h.ex, h.store, cfg, logger.NewComponentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "importer"), h.recorder)
	return h
}

func TestImport_WalksWindowsUntilEnd(t *testing.T) {
	h := newHarness(0)
	ctx := context.Background()
	end := t0.Add(25 * time.Minute)

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 10), nil).Once()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(10*time.Minute).UnixMilli()).
		Return(minutes("XBTUSD", t0.Add(10*time.Minute), 10), nil).Once()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(20*time.Minute).UnixMilli()).
		Return(minutes("XBTUSD", t0.Add(20*time.Minute), 10), nil).Once()

	res, err := h.importer.Import(ctx, Request{Symbol: "XBTUSD", Start: t0.Add(30 * time.Second), End: end})
	require.NoError(t, err)

	assert.Equal(t, 25, res.Candles)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, "Kraken", res.Exchange)
	assert.Equal(t, t0, res.First)
	assert.Equal(t, t0.Add(24*time.Minute), res.Last)
	assert.Equal(t, 25, h.recorder.candles["XBTUSD"])
	h.ex.AssertExpectations(t)

	stored, err := h.store.Query(ctx, storage.QueryRequest{Symbol: "XBTUSD"})
	require.NoError(t, err)
	assert.Len(t, stored.Candles, 25)
}

func TestImport_StopsOnEmptyWindow(t *testing.T) {
	h := newHarness(0)

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 5), nil).Once()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(5*time.Minute).UnixMilli()).Return(nil, nil).Once()

	res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Candles)
	assert.Equal(t, 2, res.Batches)
	h.ex.AssertExpectations(t)
}

func TestImport_DropsCandlesBeforeCursor(t *testing.T) {
	h := newHarness(0)

	// the window's first bucket opens a minute early because of cursor overlap
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).
		Return(minutes("XBTUSD", t0.Add(-time.Minute), 4), nil).Once()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(3*time.Minute).UnixMilli()).Return(nil, nil).Once()

	res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candles)
	assert.Equal(t, t0, res.First)
}

func TestImport_RespectsMaxBatches(t *testing.T) {
	h := newHarness(1)

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 5), nil).Once()

	res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	h.ex.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestImport_RetriesMaintenance(t *testing.T) {
	h := newHarness(1)

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(nil, exerrors.MaintenanceError()).Twice()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 2), nil).Once()

	res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candles)
	h.ex.AssertNumberOfCalls(t, "Fetch", 3)
}

func TestImport_FailsFastOnUnsupportedSymbol(t *testing.T) {
	h := newHarness(0)

	h.ex.On("Fetch", mock.Anything, "FOOBAR", t0.UnixMilli()).
		Return(nil, exerrors.UnsupportedSymbolError("EQuery:Unknown asset pair")).Once()

	_, err := h.importer.Import(context.Background(), Request{Symbol: "FOOBAR", Start: t0})
	require.Error(t, err)
	assert.ErrorIs(t, err, exerrors.ErrUnsupportedSymbol)
	assert.Equal(t, 1, h.recorder.failures["FOOBAR"])
	h.ex.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestImport_NormalizesSymbol(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 3), nil).Once()

	res, err := h.importer.Import(ctx, Request{Symbol: " xbtusd ", Start: t0})
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", res.Symbol)
	assert.Equal(t, 3, h.recorder.candles["XBTUSD"])
	h.ex.AssertExpectations(t)

	stored, err := h.store.Query(ctx, storage.QueryRequest{Symbol: "XBTUSD"})
	require.NoError(t, err)
	assert.Len(t, stored.Candles, 3)

	_, err = h.importer.Import(ctx, Request{Symbol: "   "})
	assert.Error(t, err)
	assert.Equal(t, "ETHUSD", NormalizeSymbol("ethUSD\n"))
}

func TestImport_LogsEachWindow(t *testing.T) {
	h := newHarness(0)
	var buf bytes.Buffer
	h.importer.logger = logger.NewComponentLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), "importer")

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 2), nil).Once()
	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(2*time.Minute).UnixMilli()).
		Return(nil, exerrors.UnsupportedSymbolError("EQuery:Unknown asset pair")).Once()

	_, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.Error(t, err)

	var windows []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["operation"] == "import window" {
			windows = append(windows, entry)
		}
	}
	require.Len(t, windows, 2)
	assert.Equal(t, "operation completed", windows[0]["msg"])
	assert.Equal(t, "XBTUSD", windows[0]["symbol"])
	assert.Equal(t, "Kraken", windows[0]["exchange"])
	assert.Equal(t, "importer", windows[0]["component"])
	assert.Equal(t, "operation failed", windows[1]["msg"])
}

func TestImport_RejectsBrokenSequence(t *testing.T) {
	h := newHarness(0)
	batch := minutes("XBTUSD", t0, 3)
	batch[2].Timestamp = batch[1].Timestamp

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(batch, nil).Once()

	_, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid candle sequence")
}

func TestImport_StartResolution(t *testing.T) {
	t.Run("asks the exchange when nothing is stored", func(t *testing.T) {
		h := newHarness(1)
		first := t0.Add(90 * time.Second)

		h.ex.On("GetStartingTime", mock.Anything, "XBTUSD").Return(first.UnixMilli(), nil).Once()
		h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(time.Minute).UnixMilli()).
			Return(minutes("XBTUSD", t0.Add(time.Minute), 2), nil).Once()

		res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD"})
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute), res.First)
		h.ex.AssertExpectations(t)
	})

	t.Run("resumes after the newest stored candle", func(t *testing.T) {
		h := newHarness(1)
		require.NoError(t, h.store.Store(context.Background(), minutes("XBTUSD", t0, 3)))

		h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.Add(3*time.Minute).UnixMilli()).
			Return(minutes("XBTUSD", t0.Add(3*time.Minute), 2), nil).Once()

		res, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Candles)
		h.ex.AssertNotCalled(t, "GetStartingTime", mock.Anything, mock.Anything)
	})

	t.Run("no trades", func(t *testing.T) {
		h := newHarness(0)
		h.ex.On("GetStartingTime", mock.Anything, "XBTUSD").Return(int64(0), exerrors.ErrNoTrades).Once()

		_, err := h.importer.Import(context.Background(), Request{Symbol: "XBTUSD"})
		assert.ErrorIs(t, err, exerrors.ErrNoTrades)
	})
}

func TestImport_InvalidRequests(t *testing.T) {
	h := newHarness(0)

	_, err := h.importer.Import(context.Background(), Request{})
	assert.Error(t, err)

	_, err = h.importer.Import(context.Background(), Request{Symbol: "XBTUSD", Start: t0, End: t0})
	assert.Error(t, err)
	h.ex.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestImport_Cancelled(t *testing.T) {
	h := newHarness(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.importer.Import(ctx, Request{Symbol: "XBTUSD", Start: t0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportAll(t *testing.T) {
	h := newHarness(1)

	h.ex.On("Fetch", mock.Anything, "XBTUSD", t0.UnixMilli()).Return(minutes("XBTUSD", t0, 2), nil).Once()
	h.ex.On("Fetch", mock.Anything, "BADPAIR", t0.UnixMilli()).
		Return(nil, exerrors.UnsupportedSymbolError("EQuery:Unknown asset pair")).Once()
	h.ex.On("Fetch", mock.Anything, "ETHUSD", t0.UnixMilli()).Return(minutes("ETHUSD", t0, 3), nil).Once()

	results, err := h.importer.ImportAll(context.Background(), []string{"XBTUSD", "BADPAIR", "ETHUSD"}, t0, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BADPAIR")
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].Candles)
	assert.Equal(t, 3, results[2].Candles)
}

func TestClip(t *testing.T) {
	batch := minutes("XBTUSD", t0, 5)

	assert.Len(t, clip(batch, t0.UnixMilli(), 0), 5)
	assert.Len(t, clip(batch, t0.Add(2*time.Minute).UnixMilli(), 0), 3)
	assert.Len(t, clip(batch, t0.UnixMilli(), t0.Add(3*time.Minute).UnixMilli()), 3)
	assert.Empty(t, clip(batch, t0.Add(10*time.Minute).UnixMilli(), 0))
	assert.Empty(t, clip(nil, 0, 0))
}
