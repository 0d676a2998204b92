// Package models provides the data structures shared by the importer:
// raw trade ticks, assembled trade series, coverage windows and the
// minute candles produced from them.
package models

import (
	"fmt"
	"time"
)

// CandleInterval is the only candle resolution produced by the aggregator.
const CandleInterval = time.Minute

// Candle represents one minute of OHLCV data for a symbol on an exchange.
// Timestamp is the bucket start in milliseconds since the Unix epoch.
type Candle struct {
	ID        string  `json:"id" yaml:"id" db:"id"`
	Symbol    string  `json:"symbol" yaml:"symbol" db:"symbol"`
	Exchange  string  `json:"exchange" yaml:"exchange" db:"exchange"`
	Timestamp int64   `json:"timestamp" yaml:"timestamp" db:"timestamp"`
	Open      float64 `json:"open" yaml:"open" db:"open"`
	High      float64 `json:"high" yaml:"high" db:"high"`
	Low       float64 `json:"low" yaml:"low" db:"low"`
	Close     float64 `json:"close" yaml:"close" db:"close"`
	Volume    float64 `json:"volume" yaml:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with specific field context.
// It provides structured error information including the field name that failed
// validation and a descriptive error message.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the OHLC relationships (high >= max(open, close),
// low <= min(open, close)), that prices are positive, that volume is
// non-negative and that the identity fields are set.
func (c *Candle) Validate() error {
	if c.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be a positive millisecond epoch"}
	}
	if c.Timestamp%CandleInterval.Milliseconds() != 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be aligned to a minute boundary"}
	}

	if c.Open <= 0 {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High <= 0 {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low <= 0 {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close <= 0 {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	if maxOpenClose := max(c.Open, c.Close); c.High < maxOpenClose {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%v) must be greater than or equal to max(open, close) (%v)", c.High, maxOpenClose),
		}
	}
	if minOpenClose := min(c.Open, c.Close); c.Low > minOpenClose {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%v) must be less than or equal to min(open, close) (%v)", c.Low, minOpenClose),
		}
	}

	if c.ID == "" {
		return &ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Exchange == "" {
		return &ValidationError{Field: "exchange", Message: "exchange cannot be empty"}
	}

	return nil
}

// Time returns the bucket start as a UTC time.
func (c *Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// String returns a human-readable string representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Exchange: %s, Timestamp: %s, O: %v, H: %v, L: %v, C: %v, V: %v}",
		c.Symbol, c.Exchange, c.Time().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// ValidateSequence validates every candle and checks that the slice is
// ascending, free of duplicate timestamps and contiguous at minute granularity.
func ValidateSequence(candles []Candle) error {
	step := CandleInterval.Milliseconds()
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return fmt.Errorf("candle at index %d: %w", i, err)
		}
		if i == 0 {
			continue
		}

		prev, cur := candles[i-1].Timestamp, candles[i].Timestamp
		switch {
		case cur == prev:
			return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("duplicate timestamp %d at index %d", cur, i)}
		case cur < prev:
			return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("timestamp %d at index %d is before %d", cur, i, prev)}
		case cur-prev != step:
			return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("gap of %dms between index %d and %d", cur-prev, i-1, i)}
		}
	}
	return nil
}
