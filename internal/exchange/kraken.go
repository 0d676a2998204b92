package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/candles"
	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	exerrors "github.com/johnayoung/go-ohlcv-importer/internal/errors"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	krakenName    = "Kraken"
	krakenBaseURL = "https://api.kraken.com"

	tradesEndpoint     = "/0/public/Trades"
	assetPairsEndpoint = "/0/public/AssetPairs"

	defaultSpanMinutes  = 2000
	defaultRequestDelay = 6 * time.Second
	defaultReportingLag = 24 * time.Hour
	defaultTimeout      = 30 * time.Second
	defaultPairCacheTTL = time.Hour

	// cursorOverlap is how far before the latest held tick the next batch starts
	cursorOverlap = time.Second
)

var nanosPerSecond = decimal.New(1, 9)

// KrakenAdapter implements Exchange against the Kraken public REST API.
type KrakenAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
	observer    Observer

	span         time.Duration
	requestDelay time.Duration
	reportingLag time.Duration
	carryVolume  bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// Asset pair identifiers with TTL
	pairCache      []string
	pairCacheTime  time.Time
	pairCacheTTL   time.Duration
	pairCacheMutex sync.RWMutex

	backup Exchange
}

// KrakenOption customizes a KrakenAdapter.
type KrakenOption func(*KrakenAdapter)

// WithClock replaces the wall clock used for the reporting horizon.
func WithClock(now func() time.Time) KrakenOption {
	return func(k *KrakenAdapter) { k.now = now }
}

// WithSleeper replaces the pause taken between paginated requests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) KrakenOption {
	return func(k *KrakenAdapter) { k.sleep = sleep }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) KrakenOption {
	return func(k *KrakenAdapter) { k.httpClient = client }
}

// NewKrakenAdapter creates a Kraken adapter from configuration. Zero or
// malformed values fall back to the exchange defaults.
func NewKrakenAdapter(cfg config.ExchangeConfig, logger *slog.Logger, observer Observer, opts ...KrakenOption) *KrakenAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = krakenBaseURL
	}
	spanMinutes := cfg.SpanMinutes
	if spanMinutes <= 0 {
		spanMinutes = defaultSpanMinutes
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(float64(cfg.RateLimit) / 60.0)
	}

	k := &KrakenAdapter{
		httpClient: &http.Client{
			Timeout: config.ParseDuration(cfg.Timeout, defaultTimeout),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter:  rate.NewLimiter(limit, 1),
		baseURL:      baseURL,
		logger:       logger.With("exchange", krakenName),
		observer:     observer,
		span:         time.Duration(spanMinutes) * time.Minute,
		requestDelay: config.ParseDuration(cfg.RequestDelay, defaultRequestDelay),
		reportingLag: config.ParseDuration(cfg.ReportingLag, defaultReportingLag),
		carryVolume:  cfg.CarryForwardVolume,
		now:          time.Now,
		sleep:        sleepContext,
		pairCacheTTL: config.ParseDuration(cfg.PairCacheTTL, defaultPairCacheTTL),
	}

	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Name implements Exchange.
func (k *KrakenAdapter) Name() string {
	return krakenName
}

// ResolvePair implements Exchange using the cached asset pair listing.
func (k *KrakenAdapter) ResolvePair(ctx context.Context, symbol string) (string, error) {
	pairs, err := k.assetPairs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list asset pairs: %w", err)
	}

	pairID := ResolvePair(symbol, pairs)
	k.logger.Debug("resolved pair", "symbol", symbol, "pair", pairID)
	return pairID, nil
}

// FetchTicks implements Exchange.
func (k *KrakenAdapter) FetchTicks(ctx context.Context, pairID string, since int64) ([]models.Tick, error) {
	query := url.Values{}
	query.Set("pair", pairID)
	query.Set("since", strconv.FormatInt(since, 10))

	body, err := k.get(ctx, tradesEndpoint, query)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, exerrors.GenericTransportError(http.StatusOK, fmt.Sprintf("malformed trades body: %v", err))
	}

	raw, ok := envelope.Result[pairID]
	if !ok {
		return nil, exerrors.UnresolvedPairError(pairID)
	}

	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, exerrors.GenericTransportError(http.StatusOK, fmt.Sprintf("malformed trades for %s: %v", pairID, err))
	}

	ticks := make([]models.Tick, 0, len(entries))
	for i, entry := range entries {
		tick, err := parseTrade(entry)
		if err != nil {
			return nil, exerrors.GenericTransportError(http.StatusOK, fmt.Sprintf("trade %d for %s: %v", i, pairID, err))
		}
		ticks = append(ticks, tick)
	}

	k.observer.ObserveTicks(krakenName, len(ticks))
	k.logger.Debug("fetched trades", "pair", pairID, "since", since, "count", len(ticks))
	return ticks, nil
}

// parseTrade decodes a [price, volume, time, ...] entry. Prices and volumes
// arrive as decimal strings and time as fractional epoch seconds.
func parseTrade(entry []json.RawMessage) (models.Tick, error) {
	if len(entry) < 3 {
		return models.Tick{}, fmt.Errorf("expected at least 3 fields, got %d", len(entry))
	}

	var price, volume, seconds decimal.Decimal
	if err := price.UnmarshalJSON(entry[0]); err != nil {
		return models.Tick{}, fmt.Errorf("price: %w", err)
	}
	if err := volume.UnmarshalJSON(entry[1]); err != nil {
		return models.Tick{}, fmt.Errorf("volume: %w", err)
	}
	if err := seconds.UnmarshalJSON(entry[2]); err != nil {
		return models.Tick{}, fmt.Errorf("time: %w", err)
	}

	return models.Tick{
		Price:  price.InexactFloat64(),
		Volume: volume,
		Time:   time.Unix(0, seconds.Mul(nanosPerSecond).IntPart()).UTC(),
	}, nil
}

// Fetch implements Exchange.
func (k *KrakenAdapter) Fetch(ctx context.Context, symbol string, startMs int64) ([]models.Candle, error) {
	series, window, err := k.AssembleCoverage(ctx, symbol, startMs)
	if err != nil {
		return nil, err
	}
	if series.IsEmpty() {
		return nil, nil
	}

	all := candles.Aggregate(series, symbol, candles.Options{
		Exchange:    krakenName,
		CarryVolume: k.carryVolume,
	})

	// candles past the window end belong to the next call
	endMs := window.End.UnixMilli()
	result := all[:0]
	for _, c := range all {
		if c.Timestamp >= endMs {
			break
		}
		result = append(result, c)
	}

	k.logger.Debug("aggregated candles",
		"symbol", symbol,
		"ticks", series.Len(),
		"candles", len(result),
		"beyond_window", len(all)-len(result))
	return result, nil
}

// GetStartingTime implements Exchange.
func (k *KrakenAdapter) GetStartingTime(ctx context.Context, symbol string) (int64, error) {
	pairID, err := k.ResolvePair(ctx, symbol)
	if err != nil {
		return 0, err
	}

	ticks, err := k.FetchTicks(ctx, pairID, 0)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, fmt.Errorf("starting time for %s: %w", symbol, exerrors.ErrNoTrades)
	}
	return ticks[0].Time.UnixMilli(), nil
}

// InitBackupExchange implements Exchange. Kraken has no fallback.
func (k *KrakenAdapter) InitBackupExchange() {
	k.backup = nil
}

// Backup implements Exchange.
func (k *KrakenAdapter) Backup() (Exchange, bool) {
	return k.backup, k.backup != nil
}

// assetPairs returns the exchange's pair identifiers, refreshing the cache
// when it has expired.
func (k *KrakenAdapter) assetPairs(ctx context.Context) ([]string, error) {
	k.pairCacheMutex.RLock()
	if !k.pairCacheTime.IsZero() && k.now().Sub(k.pairCacheTime) < k.pairCacheTTL {
		pairs := k.pairCache
		k.pairCacheMutex.RUnlock()
		return pairs, nil
	}
	k.pairCacheMutex.RUnlock()

	body, err := k.get(ctx, assetPairsEndpoint, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, exerrors.GenericTransportError(http.StatusOK, fmt.Sprintf("malformed asset pairs body: %v", err))
	}

	pairs := make([]string, 0, len(envelope.Result))
	for key := range envelope.Result {
		pairs = append(pairs, key)
	}

	k.pairCacheMutex.Lock()
	k.pairCache = pairs
	k.pairCacheTime = k.now()
	k.pairCacheMutex.Unlock()

	k.logger.Debug("fetched asset pairs", "count", len(pairs))
	return pairs, nil
}

// get performs one rate-limited GET and classifies the response.
func (k *KrakenAdapter) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if err := k.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	requestURL := k.baseURL + endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-importer/1.0")

	start := time.Now()
	resp, err := k.httpClient.Do(req)
	if err != nil {
		k.observer.ObserveRequest(krakenName, "network", time.Since(start))
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		k.observer.ObserveRequest(krakenName, "network", time.Since(start))
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if err := exerrors.Classify(resp.StatusCode, body); err != nil {
		k.observer.ObserveRequest(krakenName, string(exerrors.GetErrorType(err)), time.Since(start))
		k.logger.Warn("exchange request rejected",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"error", err)
		return nil, err
	}

	k.observer.ObserveRequest(krakenName, "ok", time.Since(start))
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
