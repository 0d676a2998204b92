// Package importer drives an exchange window by window across a time range
// and persists the resulting one-minute candles.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	exerrors "github.com/johnayoung/go-ohlcv-importer/internal/errors"
	"github.com/johnayoung/go-ohlcv-importer/internal/exchange"
	"github.com/johnayoung/go-ohlcv-importer/internal/logger"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	"github.com/johnayoung/go-ohlcv-importer/internal/storage"
)

// Recorder receives import telemetry.
type Recorder interface {
	ObserveCandles(exchange, symbol string, count int, last time.Time)
	ObserveImportFailure(exchange, symbol string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCandles(string, string, int, time.Time) {}
func (nopRecorder) ObserveImportFailure(string, string)           {}

// Request describes one import.
type Request struct {
	Symbol string

	// Start is the first minute to import. When zero the import resumes after
	// the newest stored candle, or begins at the exchange's first trade.
	Start time.Time

	// End is exclusive. When zero the import runs until the exchange has
	// nothing more to report.
	End time.Time
}

// Result summarizes a completed import.
type Result struct {
	Symbol   string
	Exchange string
	Candles  int
	Batches  int
	First    time.Time
	Last     time.Time
	Duration time.Duration
}

// Importer pulls candles from an exchange into storage.
type Importer struct {
	exchange exchange.Exchange
	store    storage.CandleStorage
	cfg      config.ImporterConfig
	recorder Recorder
	logger   *logger.ComponentLogger
}

// New creates an Importer. A nil log falls back to the default logger and a
// nil recorder disables telemetry.
func New(ex exchange.Exchange, store storage.CandleStorage, cfg config.ImporterConfig, log *logger.ComponentLogger, recorder Recorder) *Importer {
	if log == nil {
		log = logger.NewComponentLogger(slog.Default(), "importer")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Importer{
		exchange: ex,
		store:    store,
		cfg:      cfg,
		recorder: recorder,
		logger:   log,
	}
}

// NormalizeSymbol returns the canonical, upper-case form of a platform symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Import fetches and stores candles for req.Symbol from req.Start up to
// req.End. The symbol is normalized first, so candles are always stored under
// its upper-case form. Each exchange window is retried according to the retry
// policy; an empty window ends the import.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	name := im.exchange.Name()

	req.Symbol = NormalizeSymbol(req.Symbol)
	if req.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if !req.End.IsZero() && !req.Start.IsZero() && !req.Start.Before(req.End) {
		return nil, fmt.Errorf("start %s must be before end %s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}

	ctx = logger.WithExchange(logger.WithSymbol(ctx, req.Symbol), name)
	log := logger.FromContext(ctx, im.logger.Logger)

	result, err := im.run(ctx, log, req)
	if err != nil {
		im.recorder.ObserveImportFailure(name, req.Symbol)
		log.Error("import failed", "error", err, "error_type", exerrors.GetErrorType(err), "duration", time.Since(started))
		return result, err
	}

	result.Duration = time.Since(started)
	log.Info("import completed",
		"candles", result.Candles,
		"batches", result.Batches,
		"first", result.First,
		"last", result.Last,
		"duration", result.Duration)
	return result, nil
}

func (im *Importer) run(ctx context.Context, log *slog.Logger, req Request) (*Result, error) {
	result := &Result{Symbol: req.Symbol, Exchange: im.exchange.Name()}

	start, err := im.resolveStart(ctx, log, req)
	if err != nil {
		return result, err
	}
	cursor := start.UnixMilli()
	var endMs int64
	if !req.End.IsZero() {
		endMs = req.End.UnixMilli()
		if cursor >= endMs {
			log.Info("nothing to import", "start", start, "end", req.End)
			return result, nil
		}
	}

	log.Info("starting import", "start", start, "end", req.End, "max_batches", im.cfg.MaxBatches)

	for endMs == 0 || cursor < endMs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if im.cfg.MaxBatches > 0 && result.Batches >= im.cfg.MaxBatches {
			log.Info("batch limit reached", "batches", result.Batches)
			break
		}

		var batch []models.Candle
		err := im.logger.LogOperation(ctx, "import window", func() error {
			op := fmt.Sprintf("fetch %s@%d", req.Symbol, cursor)
			err := exerrors.Retry(ctx, im.cfg.RetryPolicy, log, op, func() error {
				var fetchErr error
				batch, fetchErr = im.exchange.Fetch(ctx, req.Symbol, cursor)
				return fetchErr
			})
			if err != nil {
				return fmt.Errorf("fetch window at %s: %w", time.UnixMilli(cursor).UTC().Format(time.RFC3339), err)
			}
			result.Batches++

			batch = clip(batch, cursor, endMs)
			if len(batch) == 0 {
				return nil
			}
			if err := models.ValidateSequence(batch); err != nil {
				return fmt.Errorf("invalid candle sequence: %w", err)
			}
			if err := im.store.Store(ctx, batch); err != nil {
				return fmt.Errorf("store candles: %w", err)
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			log.Info("exchange returned no more candles", "cursor", time.UnixMilli(cursor).UTC())
			break
		}

		first, last := batch[0].Time(), batch[len(batch)-1].Time()
		if result.First.IsZero() {
			result.First = first
		}
		result.Last = last
		result.Candles += len(batch)
		im.recorder.ObserveCandles(result.Exchange, req.Symbol, len(batch), last)

		log.Debug("stored window",
			"batch", result.Batches,
			"candles", len(batch),
			"first", first,
			"last", last)

		next := last.Add(time.Minute).UnixMilli()
		if next <= cursor {
			break
		}
		cursor = next
	}

	return result, nil
}

// resolveStart picks the first minute to import, aligned down to the minute.
func (im *Importer) resolveStart(ctx context.Context, log *slog.Logger, req Request) (time.Time, error) {
	if !req.Start.IsZero() {
		return req.Start.UTC().Truncate(time.Minute), nil
	}

	latest, err := im.store.GetLatest(ctx, req.Symbol, im.exchange.Name())
	if err != nil {
		return time.Time{}, fmt.Errorf("read latest stored candle: %w", err)
	}
	if latest != nil {
		resume := latest.Time().Add(time.Minute)
		log.Info("resuming after stored candles", "latest", latest.Time(), "resume", resume)
		return resume, nil
	}

	var firstMs int64
	err = exerrors.Retry(ctx, im.cfg.RetryPolicy, log, "starting time "+req.Symbol, func() error {
		var startErr error
		firstMs, startErr = im.exchange.GetStartingTime(ctx, req.Symbol)
		return startErr
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("determine starting time: %w", err)
	}
	return time.UnixMilli(firstMs).UTC().Truncate(time.Minute), nil
}

// ImportAll imports each symbol in turn with the same bounds. It keeps going
// after a failure and returns every error joined.
func (im *Importer) ImportAll(ctx context.Context, symbols []string, start, end time.Time) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := im.Import(ctx, Request{Symbol: symbol, Start: start, End: end})
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return results, errors.Join(errs...)
}

// clip drops candles before fromMs and, when toMs is set, at or after toMs.
func clip(candles []models.Candle, fromMs, toMs int64) []models.Candle {
	lo := 0
	for lo < len(candles) && candles[lo].Timestamp < fromMs {
		lo++
	}
	hi := len(candles)
	if toMs > 0 {
		for hi > lo && candles[hi-1].Timestamp >= toMs {
			hi--
		}
	}
	return candles[lo:hi]
}
