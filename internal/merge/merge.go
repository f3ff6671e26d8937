// Package merge cleans the scraped TVL series and the exchange candles, normalises
// both to UTC calendar days and inner-joins them into a models.Table.
package merge

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/shopspring/decimal"
)

// Report describes what cleaning discarded or collapsed during a merge.
type Report struct {
	TvlInput       int
	TvlInvalid     []RecordError // points that failed to parse
	TvlCollapsed   int           // same-day TVL points folded into one
	PriceInput     int
	PriceCollapsed int // same-day candles folded into one
	Rows           int
}

// RecordError identifies one TVL point that was skipped.
type RecordError struct {
	Index int
	Field string
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("tvl point %d: invalid %s: %v", e.Index, e.Field, e.Err)
}

// Merge joins tvl points and candles on calendar day. See MergeWithReport.
func Merge(points []models.TvlPoint, candles []models.Candle) models.Table {
	table, _ := MergeWithReport(points, candles)
	return table
}

// MergeWithReport cleans both inputs and inner-joins them on UTC day.
//
// When no TVL point survives cleaning the candles are not inspected and an empty
// table is returned; an empty candle slice likewise yields an empty table. Same-day
// duplicates are collapsed before the join (latest TVL point, earliest candle), so
// the result has unique dates in ascending order.
func MergeWithReport(points []models.TvlPoint, candles []models.Candle) (models.Table, Report) {
	report := Report{TvlInput: len(points), PriceInput: len(candles)}
	empty := models.Table{Rows: []models.MergedRow{}}

	tvl, invalid := CleanTvl(points)
	report.TvlInvalid = invalid
	if len(tvl) == 0 {
		return empty, report
	}

	if len(candles) == 0 {
		return empty, report
	}
	prices := CleanPrices(candles)

	dailyTvl := DailyTvl(tvl)
	dailyPrices := DailyPrices(prices)
	report.TvlCollapsed = len(tvl) - len(dailyTvl)
	report.PriceCollapsed = len(prices) - len(dailyPrices)

	priceByDay := make(map[time.Time]float64, len(dailyPrices))
	for _, p := range dailyPrices {
		priceByDay[p.Date] = p.Price
	}

	rows := make([]models.MergedRow, 0, min(len(dailyTvl), len(dailyPrices)))
	for _, r := range dailyTvl {
		price, ok := priceByDay[r.Date]
		if !ok {
			continue
		}
		rows = append(rows, models.MergedRow{Date: r.Date, TVL: r.TVL, Price: price})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	report.Rows = len(rows)
	return models.Table{Rows: rows}, report
}

// CleanTvl parses each point into a TvlRecord, skipping points whose timestamp
// or value does not parse. Records keep input order.
func CleanTvl(points []models.TvlPoint) ([]models.TvlRecord, []RecordError) {
	records := make([]models.TvlRecord, 0, len(points))
	var invalid []RecordError

	for i, p := range points {
		sec, err := ParseUnixSeconds(p.Timestamp)
		if err != nil {
			invalid = append(invalid, RecordError{Index: i, Field: "timestamp", Err: err})
			continue
		}
		value, err := ParseValue(p.Value)
		if err != nil {
			invalid = append(invalid, RecordError{Index: i, Field: "value", Err: err})
			continue
		}
		records = append(records, models.TvlRecord{
			Date:       models.DayFromUnix(sec),
			TVL:        value,
			ObservedAt: time.Unix(sec, 0).UTC(),
		})
	}
	return records, invalid
}

// CleanPrices converts candles to day-normalised close prices, dropping repeated
// exact timestamps (first seen wins).
func CleanPrices(candles []models.Candle) []models.PriceRecord {
	seen := make(map[int64]struct{}, len(candles))
	records := make([]models.PriceRecord, 0, len(candles))
	for _, c := range candles {
		if _, dup := seen[c.TimestampMs]; dup {
			continue
		}
		seen[c.TimestampMs] = struct{}{}
		records = append(records, models.PriceRecord{
			Date:       c.Day(),
			Price:      c.Price(),
			ObservedAt: c.Time(),
		})
	}
	return records
}

// DailyTvl keeps one record per day: the one observed last. Ties keep the later input.
func DailyTvl(records []models.TvlRecord) []models.TvlRecord {
	byDay := make(map[time.Time]int, len(records))
	out := make([]models.TvlRecord, 0, len(records))
	for _, r := range records {
		if idx, ok := byDay[r.Date]; ok {
			if !r.ObservedAt.Before(out[idx].ObservedAt) {
				out[idx] = r
			}
			continue
		}
		byDay[r.Date] = len(out)
		out = append(out, r)
	}
	return out
}

// DailyPrices keeps one record per day: the one observed first. Ties keep the earlier input.
func DailyPrices(records []models.PriceRecord) []models.PriceRecord {
	byDay := make(map[time.Time]int, len(records))
	out := make([]models.PriceRecord, 0, len(records))
	for _, r := range records {
		if idx, ok := byDay[r.Date]; ok {
			if r.ObservedAt.Before(out[idx].ObservedAt) {
				out[idx] = r
			}
			continue
		}
		byDay[r.Date] = len(out)
		out = append(out, r)
	}
	return out
}

// ParseUnixSeconds parses an epoch-seconds token. Integral text is parsed exactly;
// a finite decimal token is truncated toward zero.
func ParseUnixSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return sec, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/1000 {
		return 0, fmt.Errorf("timestamp out of range: %q", s)
	}
	return int64(f), nil
}

// ParseValue parses a TVL value token with decimal precision.
func ParseValue(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	v := d.InexactFloat64()
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("value out of range: %q", s)
	}
	return v, nil
}
