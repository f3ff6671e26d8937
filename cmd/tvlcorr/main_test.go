package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFetchFlags(t *testing.T) {
	flags, err := parseFetchFlags([]string{"--ticker", "UNI/USDT", "-s", "2022-01-01", "--out", "-", "-c", "alt.json"})
	require.NoError(t, err)
	assert.Equal(t, "UNI/USDT", flags.Ticker)
	assert.Equal(t, "2022-01-01", flags.Start)
	assert.Equal(t, "-", flags.Out)
	assert.Equal(t, "alt.json", flags.Config)
	assert.False(t, flags.Help)

	flags, err = parseFetchFlags([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, flags.Help)

	_, err = parseFetchFlags([]string{"--ticker"})
	assert.EqualError(t, err, "--ticker requires a value")

	_, err = parseFetchFlags([]string{"--days", "3"})
	assert.EqualError(t, err, "unknown flag: --days")
}

func TestParseAnalyzeFlags(t *testing.T) {
	flags, err := parseAnalyzeFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "All", flags.Timeframe)
	assert.Equal(t, "table", flags.Format)

	flags, err = parseAnalyzeFlags([]string{"-i", "merged.csv", "-f", "1y", "--format", "json"})
	require.NoError(t, err)
	assert.Equal(t, "merged.csv", flags.In)
	assert.Equal(t, "1y", flags.Timeframe)
	assert.Equal(t, "json", flags.Format)

	_, err = parseAnalyzeFlags([]string{"--format", "xml"})
	assert.Error(t, err)
}

func TestLagLabel(t *testing.T) {
	assert.Equal(t, "same day", lagLabel(0))
	assert.Equal(t, "1 day", lagLabel(1))
	assert.Equal(t, "30 days", lagLabel(30))
}

func TestParseScheduleFlags(t *testing.T) {
	flags, err := parseScheduleFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "1h", flags.Every)

	flags, err = parseScheduleFlags([]string{"-e", "24h", "--out", "daily.csv", "-t", "UNI/USDT"})
	require.NoError(t, err)
	assert.Equal(t, "24h", flags.Every)
	assert.Equal(t, "daily.csv", flags.Out)
	assert.Equal(t, "UNI/USDT", flags.Ticker)

	_, err = parseScheduleFlags([]string{"--out", "-"})
	assert.Error(t, err)

	_, err = parseScheduleFlags([]string{"--every"})
	assert.EqualError(t, err, "--every requires a value")
}
