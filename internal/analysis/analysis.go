// Package analysis computes Pearson correlation between the TVL and price columns
// of a merged table, over a selectable trailing timeframe and with the price
// series shifted forward by a number of days.
package analysis

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"gonum.org/v1/gonum/stat"
)

// Timeframe selects a trailing window ending at the table's last date.
type Timeframe string

const (
	TimeframeWeek     Timeframe = "1w"
	TimeframeMonth    Timeframe = "1m"
	TimeframeQuarter  Timeframe = "3m"
	TimeframeHalfYear Timeframe = "6m"
	TimeframeYTD      Timeframe = "YTD"
	TimeframeYear     Timeframe = "1y"
	TimeframeAll      Timeframe = "All"
)

// Timeframes lists the supported timeframes, shortest first.
var Timeframes = []Timeframe{
	TimeframeWeek, TimeframeMonth, TimeframeQuarter, TimeframeHalfYear,
	TimeframeYTD, TimeframeYear, TimeframeAll,
}

var spans = map[Timeframe]time.Duration{
	TimeframeWeek:     7 * 24 * time.Hour,
	TimeframeMonth:    30 * 24 * time.Hour,
	TimeframeQuarter:  90 * 24 * time.Hour,
	TimeframeHalfYear: 180 * 24 * time.Hour,
	TimeframeYear:     365 * 24 * time.Hour,
}

// ParseTimeframe accepts any supported timeframe, case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	for _, tf := range Timeframes {
		if strings.EqualFold(string(tf), strings.TrimSpace(s)) {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unsupported timeframe %q", s)
}

// Start returns the first date included by tf for table. The window never
// starts before the table's first date.
func Start(table models.Table, tf Timeframe) time.Time {
	if table.Empty() {
		return time.Time{}
	}
	first, last := table.FirstDate(), table.LastDate()

	var start time.Time
	switch tf {
	case TimeframeAll:
		return first
	case TimeframeYTD:
		start = time.Date(last.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		span, ok := spans[tf]
		if !ok {
			return first
		}
		start = last.Add(-span)
	}

	if start.Before(first) {
		return first
	}
	return start
}

// Filter returns the rows of table inside timeframe tf.
func Filter(table models.Table, tf Timeframe) models.Table {
	if table.Empty() {
		return models.Table{Rows: []models.MergedRow{}}
	}
	return table.Since(Start(table, tf))
}

// Pearson returns the correlation coefficient of x and y. The result is NaN when
// fewer than two pairs are available or either series has zero variance.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return math.NaN()
	}
	x, y = x[:n], y[:n]
	if constant(x) || constant(y) {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}

// Lagged correlates tvl[i] with price[i+lag], testing whether TVL leads price.
func Lagged(table models.Table, lag int) float64 {
	if lag < 0 || lag >= table.Len() {
		return math.NaN()
	}
	tvl := table.TVLs()
	price := table.Prices()
	return Pearson(tvl[:len(tvl)-lag], price[lag:])
}

func constant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

// Coefficient is one correlation value in a Report.
type Coefficient struct {
	Lag       int     `json:"lag"`
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
}

// Report is the correlation summary of one timeframe.
type Report struct {
	Timeframe Timeframe     `json:"timeframe"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Rows      int           `json:"rows"`
	Lags      []Coefficient `json:"lags"`
}

// ReportLags are the lags computed by Analyze.
var ReportLags = []int{0, 1, 7, 30}

// minRows returns the row count a lag needs before it is reported: lags 0 and 1
// need two rows, longer lags need strictly more rows than the lag.
func minRows(lag int) int {
	if lag <= 1 {
		return 2
	}
	return lag + 1
}

// Analyze filters table to tf and computes the report lags.
func Analyze(table models.Table, tf Timeframe) Report {
	window := Filter(table, tf)
	report := Report{
		Timeframe: tf,
		Start:     window.FirstDate(),
		End:       window.LastDate(),
		Rows:      window.Len(),
		Lags:      make([]Coefficient, 0, len(ReportLags)),
	}

	for _, lag := range ReportLags {
		c := Coefficient{Lag: lag, Value: math.NaN()}
		if window.Len() >= minRows(lag) {
			c.Value = Lagged(window, lag)
			c.Available = !math.IsNaN(c.Value)
		}
		report.Lags = append(report.Lags, c)
	}
	return report
}

// Lag returns the coefficient for lag, if the report computed it.
func (r Report) Lag(lag int) (Coefficient, bool) {
	for _, c := range r.Lags {
		if c.Lag == lag {
			return c, true
		}
	}
	return Coefficient{}, false
}
