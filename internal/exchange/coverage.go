package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/models"
)

// AssembleCoverage walks the trade feed forward from startMs until the merged
// series reaches the end of the coverage window. The window spans the
// configured number of minutes and never extends past now minus the
// reporting lag.
//
// The returned window is the range the series was assembled for; the last
// batch usually runs past its end. A nil series and nil error mean startMs is
// beyond the reporting horizon and no request was made. An empty series means
// the first batch was empty. Any failure aborts the whole window; partial
// series are never returned.
func (k *KrakenAdapter) AssembleCoverage(ctx context.Context, symbol string, startMs int64) (*models.TradeSeries, models.Window, error) {
	horizon := k.now().Add(-k.reportingLag)
	start := time.UnixMilli(startMs).UTC()
	if !start.Before(horizon) {
		k.logger.Debug("start beyond reporting horizon", "symbol", symbol, "start", start, "horizon", horizon)
		return nil, models.Window{}, nil
	}
	window := models.NewWindow(start, k.span, horizon)

	pairID, err := k.ResolvePair(ctx, symbol)
	if err != nil {
		return nil, window, err
	}

	batch, err := k.FetchTicks(ctx, pairID, startMs*int64(time.Millisecond))
	if err != nil {
		return nil, window, err
	}
	series := models.NewTradeSeries(batch)
	if series.IsEmpty() {
		k.logger.Debug("no trades after start", "symbol", symbol, "start", start)
		return series, window, nil
	}

	requests := 1
	for !window.CoveredBy(series) {
		if err := k.sleep(ctx, k.requestDelay); err != nil {
			return nil, window, err
		}

		cursor := series.Latest().Add(-cursorOverlap)
		batch, err := k.FetchTicks(ctx, pairID, cursor.UnixNano())
		if err != nil {
			return nil, window, err
		}
		requests++

		if series.Merge(batch) == 0 {
			// the feed has nothing newer than what is held
			k.logger.Debug("trade feed exhausted before window end",
				"symbol", symbol,
				"latest", series.Latest(),
				"window_end", window.End)
			break
		}
	}

	k.logger.Debug("coverage assembled",
		"symbol", symbol,
		"pair", pairID,
		"window_start", window.Start,
		"window_end", window.End,
		"first_tick", series.First(),
		"last_tick", series.Latest(),
		"ticks", series.Len(),
		"requests", requests)
	return series, window, nil
}
