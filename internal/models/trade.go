package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single executed trade as reported by an exchange. Volume keeps
// the exchange's decimal string exactly so that per-minute sums do not pick
// up float rounding.
type Tick struct {
	Price  float64         `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Time   time.Time       `json:"time"`
}

// String returns a compact representation used in log output.
func (t Tick) String() string {
	return fmt.Sprintf("Tick{%s P: %v V: %v}", t.Time.UTC().Format(time.RFC3339Nano), t.Price, t.Volume)
}

// TradeSeries is an ordered run of ticks keyed by timestamp.
//
// The series is always sorted by time and never holds two ticks with the same
// timestamp; when a duplicate key is offered the tick already present wins.
// A series is owned by a single assembly call and is not safe for concurrent use.
type TradeSeries struct {
	ticks []Tick
	keys  map[int64]struct{}
}

// NewTradeSeries builds a series from a raw batch, sorting it and dropping
// ticks whose timestamp repeats an earlier one in the batch.
func NewTradeSeries(ticks []Tick) *TradeSeries {
	s := &TradeSeries{
		ticks: make([]Tick, 0, len(ticks)),
		keys:  make(map[int64]struct{}, len(ticks)),
	}
	s.Merge(ticks)
	return s
}

// Merge folds a batch into the series. Ticks whose timestamp key already
// exists (the overlap region between consecutive batches) are dropped, the rest
// are appended and the series is re-sorted. It returns the number of ticks added.
func (s *TradeSeries) Merge(batch []Tick) int {
	if s.keys == nil {
		s.keys = make(map[int64]struct{}, len(batch))
	}

	added := 0
	for _, tick := range batch {
		key := tick.Time.UnixNano()
		if _, exists := s.keys[key]; exists {
			continue
		}
		s.keys[key] = struct{}{}
		s.ticks = append(s.ticks, tick)
		added++
	}

	if added > 0 {
		sort.SliceStable(s.ticks, func(i, j int) bool {
			return s.ticks[i].Time.Before(s.ticks[j].Time)
		})
	}
	return added
}

// Len returns the number of ticks in the series.
func (s *TradeSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ticks)
}

// IsEmpty reports whether the series holds no ticks.
func (s *TradeSeries) IsEmpty() bool {
	return s.Len() == 0
}

// First returns the earliest tick time, or the zero time for an empty series.
func (s *TradeSeries) First() time.Time {
	if s.IsEmpty() {
		return time.Time{}
	}
	return s.ticks[0].Time
}

// Latest returns the most recent tick time, or the zero time for an empty series.
func (s *TradeSeries) Latest() time.Time {
	if s.IsEmpty() {
		return time.Time{}
	}
	return s.ticks[len(s.ticks)-1].Time
}

// Ticks returns a copy of the ordered ticks.
func (s *TradeSeries) Ticks() []Tick {
	if s.IsEmpty() {
		return nil
	}
	out := make([]Tick, len(s.ticks))
	copy(out, s.ticks)
	return out
}

// Window is the half-open time range [Start, End) an assembly call must cover.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow computes the coverage window for a start time and span, clamping
// the end to limit when the span would run past it.
func NewWindow(start time.Time, span time.Duration, limit time.Time) Window {
	end := start.Add(span)
	if end.After(limit) {
		end = limit
	}
	return Window{Start: start, End: end}
}

// CoveredBy reports whether a series reaches the end of the window.
func (w Window) CoveredBy(s *TradeSeries) bool {
	return !s.IsEmpty() && !s.Latest().Before(w.End)
}
