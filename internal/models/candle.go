// Package models provides the data structures that flow through the TVL/price pipeline.
// This package contains the raw ingestion records (TVL chart points and exchange
// candles), their cleaned per-day forms, and the merged table that is the
// pipeline's only durable output.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV entry returned by an exchange candle endpoint.
// Close is the field the pipeline consumes and is exposed as the price.
type Candle struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// ValidationError represents a record validation error with specific field context.
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

// NewCandleFromStrings builds a Candle from the textual fields most exchanges return.
// Each numeric field is parsed with decimal precision before conversion to float64.
func NewCandleFromStrings(timestampMs int64, open, high, low, close, volume string) (Candle, error) {
	c := Candle{TimestampMs: timestampMs}

	targets := []struct {
		name string
		raw  string
		dest *float64
	}{
		{"open", open, &c.Open},
		{"high", high, &c.High},
		{"low", low, &c.Low},
		{"close", close, &c.Close},
		{"volume", volume, &c.Volume},
	}

	for _, t := range targets {
		d, err := decimal.NewFromString(t.raw)
		if err != nil {
			return Candle{}, &ValidationError{Field: t.name, Message: fmt.Sprintf("invalid %s format: %v", t.name, err)}
		}
		*t.dest = d.InexactFloat64()
	}

	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate checks that the candle carries a usable timestamp and finite numbers.
// Exchange data is taken as-is otherwise; OHLC relationships are not enforced
// because only the close price is consumed downstream.
func (c *Candle) Validate() error {
	if c.TimestampMs <= 0 {
		return &ValidationError{Field: "timestamp_ms", Message: "timestamp must be positive"}
	}

	for name, v := range map[string]float64{
		"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: name, Message: "value must be finite"}
		}
	}

	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	return nil
}

// Time returns the candle open time in UTC.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.TimestampMs).UTC()
}

// Price returns the close price.
func (c Candle) Price() float64 {
	return c.Close
}

// Day returns the calendar day the candle belongs to.
func (c Candle) Day() time.Time {
	return DayFromMillis(c.TimestampMs)
}
