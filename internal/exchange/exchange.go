// Package exchange defines the trade-tick exchange abstraction and its Kraken
// implementation.
//
// An Exchange turns a symbol and a starting timestamp into one-minute candles
// by walking the exchange's cursor-based trade feed forward until a coverage
// window is filled, then aggregating the merged ticks. Retries are left to
// callers; every method fails fast with a classified error from
// internal/errors.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
)

// Exchange is the capability set every trade-tick source provides.
type Exchange interface {
	// Name is the exchange name stamped on every candle.
	Name() string

	// ResolvePair maps a platform symbol onto the exchange's pair identifier.
	ResolvePair(ctx context.Context, symbol string) (string, error)

	// FetchTicks performs one trade query starting at since, in nanoseconds
	// since the epoch. The response passes through errors.Classify before any
	// tick is extracted.
	FetchTicks(ctx context.Context, pairID string, since int64) ([]models.Tick, error)

	// Fetch returns the closed one-minute candles covering the window that
	// starts at startMs. It returns an empty result, without touching the
	// network, when startMs lies beyond the exchange's reporting horizon.
	Fetch(ctx context.Context, symbol string, startMs int64) ([]models.Candle, error)

	// GetStartingTime reads the feed from the zero cursor and reports the
	// timestamp of the first trade in milliseconds.
	GetStartingTime(ctx context.Context, symbol string) (int64, error)

	// InitBackupExchange configures the fallback exchange, if any.
	InitBackupExchange()

	// Backup returns the fallback exchange and whether one is configured.
	Backup() (Exchange, bool)
}

// Observer receives request telemetry from exchange adapters.
type Observer interface {
	ObserveRequest(exchange, outcome string, duration time.Duration)
	ObserveTicks(exchange string, count int)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveTicks(string, int)                      {}

// New creates the exchange selected by cfg.Type.
func New(cfg config.ExchangeConfig, logger *slog.Logger, observer Observer, opts ...KrakenOption) (Exchange, error) {
	switch strings.ToLower(cfg.Type) {
	case "kraken":
		return NewKrakenAdapter(cfg, logger, observer, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported exchange type: %q", cfg.Type)
	}
}
