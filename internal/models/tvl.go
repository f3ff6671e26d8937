package models

import "time"

// DateLayout is the ISO-8601 calendar day format used for every date the
// pipeline emits.
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

// TvlPoint is one raw entry of a scraped TVL chart. Both fields keep the
// textual token the page carried (a JSON number or string); parsing happens
// in the merge engine so a single bad point never aborts the batch.
type TvlPoint struct {
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

// TvlRecord is a TVL point that survived cleaning, normalised to its UTC day.
// ObservedAt keeps the exact instant so same-day points can be ordered.
type TvlRecord struct {
	Date       time.Time `json:"date"`
	TVL        float64   `json:"tvl"`
	ObservedAt time.Time `json:"-"`
}

// PriceRecord is a candle close price normalised to its UTC day.
type PriceRecord struct {
	Date       time.Time `json:"date"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"-"`
}

// DayFromUnix returns the UTC calendar day containing the epoch second.
func DayFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC().Truncate(day)
}

// DayFromMillis returns the UTC calendar day containing the epoch millisecond.
func DayFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC().Truncate(day)
}

// NormalizeDay truncates t to the start of its UTC day. Applying it twice is a no-op.
func NormalizeDay(t time.Time) time.Time {
	return t.UTC().Truncate(day)
}
