package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickAt(offset time.Duration, price float64) Tick {
	return Tick{Price: price, Volume: decimal.NewFromInt(1), Time: testTime.Add(offset)}
}

func TestNewTradeSeries_SortsAndDeduplicates(t *testing.T) {
	series := NewTradeSeries([]Tick{
		tickAt(30*time.Second, 3),
		tickAt(10*time.Second, 1),
		tickAt(20*time.Second, 2),
		tickAt(10*time.Second, 99),
	})

	require.Equal(t, 3, series.Len())
	ticks := series.Ticks()
	assert.Equal(t, 1.0, ticks[0].Price, "first occurrence of a duplicate key wins")
	assert.Equal(t, 2.0, ticks[1].Price)
	assert.Equal(t, 3.0, ticks[2].Price)
	assert.Equal(t, testTime.Add(10*time.Second), series.First())
	assert.Equal(t, testTime.Add(30*time.Second), series.Latest())
}

func TestTradeSeries_MergeOverlappingBatches(t *testing.T) {
	first := []Tick{
		tickAt(0, 100),
		tickAt(500*time.Millisecond, 101),
		tickAt(time.Second, 102),
		tickAt(1500*time.Millisecond, 103),
	}
	// second batch starts one second before the end of the first one
	second := []Tick{
		tickAt(500*time.Millisecond, 201),
		tickAt(time.Second, 202),
		tickAt(1500*time.Millisecond, 203),
		tickAt(2*time.Second, 204),
		tickAt(3*time.Second, 205),
	}

	series := NewTradeSeries(first)
	added := series.Merge(second)

	assert.Equal(t, 2, added)
	require.Equal(t, 6, series.Len())

	seen := make(map[int64]bool)
	ticks := series.Ticks()
	for i, tick := range ticks {
		key := tick.Time.UnixNano()
		assert.False(t, seen[key], "duplicate timestamp key %d", key)
		seen[key] = true
		if i > 0 {
			assert.False(t, tick.Time.Before(ticks[i-1].Time), "series must be non-decreasing")
		}
	}
	assert.Equal(t, 103.0, ticks[3].Price, "ticks already held are kept over the overlap")
	assert.Equal(t, testTime.Add(3*time.Second), series.Latest())
}

func TestTradeSeries_MergeNoProgress(t *testing.T) {
	series := NewTradeSeries([]Tick{tickAt(0, 1), tickAt(time.Second, 2)})
	assert.Equal(t, 0, series.Merge([]Tick{tickAt(time.Second, 5)}))
	assert.Equal(t, 0, series.Merge(nil))
	assert.Equal(t, 2, series.Len())
}

func TestTradeSeries_Empty(t *testing.T) {
	var nilSeries *TradeSeries
	assert.True(t, nilSeries.IsEmpty())
	assert.Nil(t, nilSeries.Ticks())

	empty := NewTradeSeries(nil)
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.Latest().IsZero())
	assert.True(t, empty.First().IsZero())

	var zero TradeSeries
	assert.Equal(t, 1, zero.Merge([]Tick{tickAt(0, 1)}))
}

func TestTradeSeries_TicksReturnsCopy(t *testing.T) {
	series := NewTradeSeries([]Tick{tickAt(0, 1)})
	ticks := series.Ticks()
	ticks[0].Price = 42
	assert.Equal(t, 1.0, series.Ticks()[0].Price)
}

func TestWindow(t *testing.T) {
	t.Run("span inside limit", func(t *testing.T) {
		w := NewWindow(testTime, 2000*time.Minute, testTime.Add(72*time.Hour))
		assert.Equal(t, testTime.Add(2000*time.Minute), w.End)
	})

	t.Run("end clamped to limit", func(t *testing.T) {
		limit := testTime.Add(time.Hour)
		w := NewWindow(testTime, 2000*time.Minute, limit)
		assert.Equal(t, limit, w.End)
	})

	t.Run("coverage", func(t *testing.T) {
		w := NewWindow(testTime, time.Minute, testTime.Add(time.Hour))
		assert.False(t, w.CoveredBy(NewTradeSeries(nil)))
		assert.False(t, w.CoveredBy(NewTradeSeries([]Tick{tickAt(30*time.Second, 1)})))
		assert.True(t, w.CoveredBy(NewTradeSeries([]Tick{tickAt(time.Minute, 1)})))
	})
}
