package models

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCandleFromStrings(t *testing.T) {
	c, err := NewCandleFromStrings(1609459200000, "9.5", "11", "9", "10.25", "1234.5")
	require.NoError(t, err)
	assert.Equal(t, 10.25, c.Price())
	assert.Equal(t, 1234.5, c.Volume)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), c.Time())

	_, err = NewCandleFromStrings(1609459200000, "9.5", "11", "9", "abc", "1")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "close", ve.Field)

	_, err = NewCandleFromStrings(0, "1", "1", "1", "1", "1")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "timestamp_ms", ve.Field)

	_, err = NewCandleFromStrings(1609459200000, "1", "1", "1", "1", "-1")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "volume", ve.Field)
}

func TestCandleValidate(t *testing.T) {
	c := Candle{TimestampMs: 1, Open: 1, High: 1, Low: 1, Close: math.NaN(), Volume: 1}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close")

	c.Close = 1
	assert.NoError(t, c.Validate())
}

func TestDayNormalization(t *testing.T) {
	want := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, want, DayFromUnix(1609459200))
	assert.Equal(t, want, DayFromUnix(1609459200+86399))
	assert.Equal(t, want, DayFromMillis(1609459200000+86399999))
	assert.Equal(t, want, Candle{TimestampMs: 1609459200000 + 3600000}.Day())

	// Day boundaries are UTC regardless of the input's location.
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2021, 1, 1, 8, 0, 0, 0, tokyo) // 2020-12-31T23:00Z
	assert.Equal(t, "2020-12-31", NormalizeDay(local).Format(DateLayout))
	assert.Equal(t, NormalizeDay(local), NormalizeDay(NormalizeDay(local)))
}

func sampleTable() Table {
	return Table{Rows: []MergedRow{
		{Date: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), TVL: 100, Price: 10},
		{Date: time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), TVL: 110, Price: 11},
		{Date: time.Date(2021, 1, 5, 0, 0, 0, 0, time.UTC), TVL: 120, Price: 9},
	}}
}

func TestTable(t *testing.T) {
	table := sampleTable()

	assert.Equal(t, 3, table.Len())
	assert.False(t, table.Empty())
	assert.Equal(t, "2021-01-01", table.Rows[0].DateString())
	assert.Equal(t, time.Date(2021, 1, 5, 0, 0, 0, 0, time.UTC), table.LastDate())
	assert.Equal(t, []float64{100, 110, 120}, table.TVLs())
	assert.Equal(t, []float64{10, 11, 9}, table.Prices())

	since := table.Since(time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2, since.Len())
	assert.Equal(t, 3, table.Len(), "Since must not modify the receiver")

	var empty Table
	assert.True(t, empty.Empty())
	assert.True(t, empty.FirstDate().IsZero())
	assert.True(t, empty.LastDate().IsZero())
	assert.Empty(t, empty.TVLs())
}
