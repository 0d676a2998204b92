// Package candles folds trade series into one-minute OHLCV candles.
package candles

import (
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-importer/internal/models"
	"github.com/shopspring/decimal"
)

// Options controls how candles are stamped and how gaps are filled.
type Options struct {
	// Exchange is the name stamped on every candle.
	Exchange string

	// CarryVolume makes gap candles repeat the previous candle's volume
	// instead of reporting zero.
	CarryVolume bool
}

type bucket struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume decimal.Decimal
	filled bool
}

func (b *bucket) add(tick models.Tick) {
	if !b.filled {
		b.open, b.high, b.low, b.close = tick.Price, tick.Price, tick.Price, tick.Price
		b.volume = tick.Volume
		b.filled = true
		return
	}
	b.high = max(b.high, tick.Price)
	b.low = min(b.low, tick.Price)
	b.close = tick.Price
	b.volume = b.volume.Add(tick.Volume)
}

// Aggregate groups the series into epoch-aligned one-minute buckets, from the
// bucket of the first tick through the bucket of the last.
//
// Within a bucket the first tick is the open, the last tick is the close and
// volumes are summed as decimals, converted to float only on the candle. A
// bucket with no ticks becomes a flat candle at the previous close. The final
// bucket may still be receiving trades and is always discarded, so N buckets
// yield N-1 candles.
func Aggregate(series *models.TradeSeries, symbol string, opts Options) []models.Candle {
	if series.IsEmpty() {
		return nil
	}

	ticks := series.Ticks()
	first := ticks[0].Time.Truncate(models.CandleInterval)
	last := ticks[len(ticks)-1].Time.Truncate(models.CandleInterval)
	count := int(last.Sub(first)/models.CandleInterval) + 1

	buckets := make([]bucket, count)
	for i := range buckets {
		buckets[i].start = first.Add(time.Duration(i) * models.CandleInterval)
	}
	for _, tick := range ticks {
		idx := int(tick.Time.Truncate(models.CandleInterval).Sub(first) / models.CandleInterval)
		buckets[idx].add(tick)
	}

	result := make([]models.Candle, 0, count-1)
	for i := 0; i < count-1; i++ {
		b := buckets[i]
		candle := models.Candle{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			Exchange:  opts.Exchange,
			Timestamp: b.start.UnixMilli(),
		}

		if b.filled {
			candle.Open, candle.High, candle.Low, candle.Close = b.open, b.high, b.low, b.close
			candle.Volume = b.volume.InexactFloat64()
		} else {
			// the first bucket always holds a tick, so a previous candle exists
			prev := result[len(result)-1]
			candle.Open, candle.High, candle.Low, candle.Close = prev.Close, prev.Close, prev.Close, prev.Close
			if opts.CarryVolume {
				candle.Volume = prev.Volume
			}
		}

		result = append(result, candle)
	}

	return result
}
