package merge

import (
	"testing"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func candle(ts int64, close float64) models.Candle {
	return models.Candle{TimestampMs: ts, Open: 1, High: 1, Low: 1, Close: close, Volume: 1}
}

func TestMergeJoinCorrectness(t *testing.T) {
	points := []models.TvlPoint{
		{Timestamp: "1609459200", Value: "100"},
		{Timestamp: "1609545600", Value: "110"},
	}
	candles := []models.Candle{
		candle(1609459200000, 10),
		candle(1609632000000, 12),
	}

	table := Merge(points, candles)

	require.Equal(t, 1, table.Len())
	assert.Equal(t, models.MergedRow{Date: date("2021-01-01"), TVL: 100.0, Price: 10.0}, table.Rows[0])
	assert.Equal(t, "2021-01-01", table.Rows[0].DateString())
}

func TestMergeEmptyInputs(t *testing.T) {
	t.Run("empty tvl short-circuits", func(t *testing.T) {
		table, report := MergeWithReport(nil, []models.Candle{candle(1609459200000, 10)})
		assert.True(t, table.Empty())
		assert.NotNil(t, table.Rows)
		assert.Zero(t, report.PriceCollapsed)
	})

	t.Run("tvl with nothing parseable short-circuits", func(t *testing.T) {
		table, report := MergeWithReport([]models.TvlPoint{{Timestamp: "x", Value: "y"}}, []models.Candle{candle(1609459200000, 10)})
		assert.True(t, table.Empty())
		assert.Len(t, report.TvlInvalid, 1)
	})

	t.Run("empty candles", func(t *testing.T) {
		table := Merge([]models.TvlPoint{{Timestamp: "1609459200", Value: "100"}}, nil)
		assert.True(t, table.Empty())
	})

	t.Run("no overlapping days", func(t *testing.T) {
		table := Merge(
			[]models.TvlPoint{{Timestamp: "1609459200", Value: "100"}},
			[]models.Candle{candle(1609632000000, 12)},
		)
		assert.True(t, table.Empty())
	})
}

func TestCleanTvlSkipsMalformedRecords(t *testing.T) {
	points := []models.TvlPoint{
		{Timestamp: "1609459200", Value: "100"},
		{Timestamp: "bad", Value: "x"},
		{Timestamp: "1609545600", Value: "110"},
	}

	records, invalid := CleanTvl(points)

	require.Len(t, records, 2)
	assert.Equal(t, date("2021-01-01"), records[0].Date)
	assert.Equal(t, 100.0, records[0].TVL)
	assert.Equal(t, date("2021-01-02"), records[1].Date)
	assert.Equal(t, 110.0, records[1].TVL)

	require.Len(t, invalid, 1)
	assert.Equal(t, 1, invalid[0].Index)
	assert.Equal(t, "timestamp", invalid[0].Field)
	assert.Contains(t, invalid[0].Error(), "tvl point 1")
}

func TestCleanTvlValueParsing(t *testing.T) {
	records, invalid := CleanTvl([]models.TvlPoint{
		{Timestamp: "1609459200", Value: "1.5e9"},
		{Timestamp: "1609459200.9", Value: " 42 "},
		{Timestamp: "1609459200", Value: "NaN"},
		{Timestamp: "1609459200", Value: ""},
	})

	require.Len(t, records, 2)
	assert.Equal(t, 1.5e9, records[0].TVL)
	assert.Equal(t, 42.0, records[1].TVL)
	assert.Equal(t, date("2021-01-01"), records[1].Date)
	require.Len(t, invalid, 2)
	assert.Equal(t, "value", invalid[0].Field)
}

func TestSameDayDuplicatesAreCollapsed(t *testing.T) {
	points := []models.TvlPoint{
		{Timestamp: "1609459200", Value: "100"}, // 2021-01-01 00:00
		{Timestamp: "1609502400", Value: "105"}, // 2021-01-01 12:00
		{Timestamp: "1609545600", Value: "110"}, // 2021-01-02 00:00
	}
	candles := []models.Candle{
		candle(1609459200000, 10),
		candle(1609480800000, 10.5), // 2021-01-01 06:00
		candle(1609545600000, 11),
	}

	table, report := MergeWithReport(points, candles)

	require.Equal(t, 2, table.Len())
	assert.Equal(t, models.MergedRow{Date: date("2021-01-01"), TVL: 105, Price: 10}, table.Rows[0])
	assert.Equal(t, models.MergedRow{Date: date("2021-01-02"), TVL: 110, Price: 11}, table.Rows[1])
	assert.Equal(t, 1, report.TvlCollapsed)
	assert.Equal(t, 1, report.PriceCollapsed)
	assert.Equal(t, 2, report.Rows)
}

func TestMergeOutputIsSortedWithUniqueDates(t *testing.T) {
	points := []models.TvlPoint{
		{Timestamp: "1609632000", Value: "3"},
		{Timestamp: "1609459200", Value: "1"},
		{Timestamp: "1609545600", Value: "2"},
	}
	candles := []models.Candle{
		candle(1609545600000, 20),
		candle(1609632000000, 30),
		candle(1609459200000, 10),
		candle(1609459200000, 99),
	}

	table := Merge(points, candles)

	require.Equal(t, 3, table.Len())
	seen := map[time.Time]bool{}
	for i, row := range table.Rows {
		assert.False(t, seen[row.Date])
		seen[row.Date] = true
		if i > 0 {
			assert.True(t, table.Rows[i-1].Date.Before(row.Date))
		}
	}
	assert.Equal(t, []float64{10, 20, 30}, table.Prices())
	assert.Equal(t, []float64{1, 2, 3}, table.TVLs())
}

func TestCleanPricesDropsExactDuplicates(t *testing.T) {
	records := CleanPrices([]models.Candle{candle(1000, 1), candle(1000, 2), candle(2000, 3)})
	require.Len(t, records, 2)
	assert.Equal(t, 1.0, records[0].Price)
	assert.Equal(t, 3.0, records[1].Price)
}

func TestParseUnixSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1577836800", 1577836800, false},
		{" 1577836800 ", 1577836800, false},
		{"1577836800.75", 1577836800, false},
		{"1.5778368e9", 1577836800, false},
		{"", 0, true},
		{"abc", 0, true},
		{"Inf", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnixSeconds(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDayNormalisationIsIdempotent(t *testing.T) {
	tvlDay := models.DayFromUnix(1609502400)
	priceDay := models.DayFromMillis(1609502400000)
	assert.Equal(t, tvlDay, priceDay)
	assert.Equal(t, tvlDay, models.NormalizeDay(tvlDay))
}
