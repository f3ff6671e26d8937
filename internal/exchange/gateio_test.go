package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPair      = "AAVE/USDT"
	testTimestamp = int64(1609459200) // 2021-01-01 00:00:00 UTC
	day           = int64(86400)
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExchangeConfig(baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		Name:        "gateio",
		BaseURL:     baseURL,
		Ticker:      testPair,
		Timeframe:   "1d",
		RateLimitMs: 0,
		Timeout:     "2s",
		RetryPolicy: config.RetryPolicyConfig{
			MaxAttempts:     3,
			InitialDelay:    "1ms",
			MaxDelay:        "5ms",
			BackoffStrategy: "exponential",
		},
	}
}

func newTestAdapter(baseURL string, now time.Time) *GateAdapter {
	a := NewGateAdapter(testExchangeConfig(baseURL), nil, createTestLogger())
	a.now = func() time.Time { return now }
	return a
}

func gateRow(sec int64, close string) []string {
	return []string{strconv.FormatInt(sec, 10), "1000.5", close, close, close, close, "12.5", "true"}
}

// gateServer serves server time and candles from rows, honouring from/to.
func gateServer(t *testing.T, rows [][]string) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"server_time":1700000000000}`)
	})
	mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		out := [][]string{}
		for _, row := range rows {
			ts, _ := strconv.ParseInt(row[0], 10, 64)
			if ts >= from && ts <= to {
				out = append(out, row)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &queries
}

func TestToGateSymbol(t *testing.T) {
	assert.Equal(t, "AAVE_USDT", ToGateSymbol("AAVE/USDT"))
	assert.Equal(t, "AAVE_USDT", ToGateSymbol("aave-usdt"))
	assert.Equal(t, "BTC_USDT", ToGateSymbol(" BTC_USDT "))
}

func TestTimeframeDuration(t *testing.T) {
	d, ok := TimeframeDuration("1d")
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	_, ok = TimeframeDuration("2w")
	assert.False(t, ok)
}

func TestGateAdapterDefaults(t *testing.T) {
	a := NewGateAdapter(config.ExchangeConfig{PageLimit: 5000, RateLimitMs: 150}, nil, nil)
	assert.Equal(t, gateBaseURL, a.baseURL)
	assert.Equal(t, gateMaxCandlesPerRequest, a.pageLimit)
	assert.Equal(t, 150*time.Millisecond, a.rateInterval)
	assert.Equal(t, defaultRequestTimeout, a.timeout)
	assert.Equal(t, "gateio", a.Name())
}

func TestGateOpen(t *testing.T) {
	t.Run("successful health check", func(t *testing.T) {
		srv, _ := gateServer(t, nil)
		session, err := newTestAdapter(srv.URL, time.Unix(testTimestamp, 0)).Open(context.Background())
		require.NoError(t, err)
		assert.Equal(t, gateMaxCandlesPerRequest, session.PageLimit())
		assert.NoError(t, session.Close())
		assert.NoError(t, session.Close(), "close is idempotent")
	})

	t.Run("unreachable exchange", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		session, err := newTestAdapter(srv.URL, time.Now()).Open(context.Background())
		require.Error(t, err)
		assert.Nil(t, session)
		assert.Contains(t, err.Error(), "open gateio session")
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newTestAdapter(url, time.Now()).Open(context.Background())
		require.Error(t, err)
	})
}

func TestGateFetchOHLCV(t *testing.T) {
	rows := [][]string{
		gateRow(testTimestamp, "10"),
		gateRow(testTimestamp+day, "11"),
		gateRow(testTimestamp+2*day, "12"),
	}
	srv, queries := gateServer(t, rows)
	now := time.Unix(testTimestamp+10*day, 0)

	session, err := newTestAdapter(srv.URL, now).Open(context.Background())
	require.NoError(t, err)
	defer session.Close()

	t.Run("maps fields and request parameters", func(t *testing.T) {
		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000, 2)
		require.NoError(t, err)
		require.Len(t, candles, 2)

		assert.Equal(t, testTimestamp*1000, candles[0].TimestampMs)
		assert.Equal(t, 10.0, candles[0].Close)
		assert.Equal(t, 12.5, candles[0].Volume)
		assert.Equal(t, 11.0, candles[1].Price())

		last := (*queries)[len(*queries)-1]
		assert.Contains(t, last, "currency_pair=AAVE_USDT")
		assert.Contains(t, last, "interval=1d")
		assert.Contains(t, last, "from="+strconv.FormatInt(testTimestamp, 10))
		assert.Contains(t, last, "to="+strconv.FormatInt(testTimestamp+day, 10))
	})

	t.Run("cursor one millisecond past a candle excludes it", func(t *testing.T) {
		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000+1, 10)
		require.NoError(t, err)
		require.Len(t, candles, 2)
		assert.Equal(t, (testTimestamp+day)*1000, candles[0].TimestampMs)
	})

	t.Run("window is capped at now", func(t *testing.T) {
		_, err := session.FetchOHLCV(context.Background(), testPair, "1d", (testTimestamp+5*day)*1000, 1000)
		require.NoError(t, err)
		last := (*queries)[len(*queries)-1]
		assert.Contains(t, last, "to="+strconv.FormatInt(now.Unix(), 10))
	})

	t.Run("cursor in the future returns empty without a request", func(t *testing.T) {
		before := len(*queries)
		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", (now.Unix()+day)*1000, 10)
		require.NoError(t, err)
		assert.Empty(t, candles)
		assert.Equal(t, before, len(*queries))
	})

	t.Run("unsupported timeframe", func(t *testing.T) {
		_, err := session.FetchOHLCV(context.Background(), testPair, "3w", testTimestamp*1000, 10)
		require.Error(t, err)
	})
}

func TestGateFetchErrors(t *testing.T) {
	t.Run("malformed rows are a malformed payload", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"server_time":1}`)
		})
		mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[["1609459200","1","10"]]`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		session, err := newTestAdapter(srv.URL, time.Unix(testTimestamp+day, 0)).Open(context.Background())
		require.NoError(t, err)
		defer session.Close()

		_, err = session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000, 10)
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeMalformedPayload, errors.GetErrorType(err))
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"server_time":1}`)
		})
		mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode([][]string{gateRow(testTimestamp, "10")})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		session, err := newTestAdapter(srv.URL, time.Unix(testTimestamp+day, 0)).Open(context.Background())
		require.NoError(t, err)
		defer session.Close()

		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000, 10)
		require.NoError(t, err)
		assert.Len(t, candles, 1)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("retry after is honoured without an extra backoff delay", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"server_time":1}`)
		})
		mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode([][]string{gateRow(testTimestamp, "10")})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testExchangeConfig(srv.URL)
		cfg.RetryPolicy = config.RetryPolicyConfig{MaxAttempts: 2, InitialDelay: "10s", MaxDelay: "10s", BackoffStrategy: "fixed"}
		adapter := NewGateAdapter(cfg, nil, createTestLogger())
		adapter.now = func() time.Time { return time.Unix(testTimestamp+day, 0) }

		session, err := adapter.Open(context.Background())
		require.NoError(t, err)
		defer session.Close()

		started := time.Now()
		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000, 10)
		elapsed := time.Since(started)

		require.NoError(t, err)
		assert.Len(t, candles, 1)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.GreaterOrEqual(t, elapsed, time.Second)
		assert.Less(t, elapsed, 5*time.Second, "the 10s backoff interval must not follow Retry-After")
	})

	t.Run("rate limits without retry after use the backoff", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"server_time":1}`)
		})
		mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode([][]string{gateRow(testTimestamp, "10")})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		session, err := newTestAdapter(srv.URL, time.Unix(testTimestamp+day, 0)).Open(context.Background())
		require.NoError(t, err)
		defer session.Close()

		candles, err := session.FetchOHLCV(context.Background(), testPair, "1d", testTimestamp*1000, 10)
		require.NoError(t, err)
		assert.Len(t, candles, 1)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc(serverTimeEndpoint, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"server_time":1}`)
		})
		mux.HandleFunc(candlesticksEndpoint, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"label":"INVALID_CURRENCY_PAIR","message":"Invalid currency pair"}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		session, err := newTestAdapter(srv.URL, time.Unix(testTimestamp+day, 0)).Open(context.Background())
		require.NoError(t, err)
		defer session.Close()

		_, err = session.FetchOHLCV(context.Background(), "NOPE/USDT", "1d", testTimestamp*1000, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "INVALID_CURRENCY_PAIR")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestParseGateCandles(t *testing.T) {
	t.Run("accepts numeric and string tokens", func(t *testing.T) {
		candles, err := parseGateCandles([]byte(`[[1609459200,"5","10.5","11","9","10","2"]]`))
		require.NoError(t, err)
		require.Len(t, candles, 1)
		assert.Equal(t, 10.0, candles[0].Open)
		assert.Equal(t, 11.0, candles[0].High)
		assert.Equal(t, 9.0, candles[0].Low)
		assert.Equal(t, 10.5, candles[0].Close)
		assert.Equal(t, 2.0, candles[0].Volume)
	})

	t.Run("six field rows use quote volume", func(t *testing.T) {
		candles, err := parseGateCandles([]byte(`[["1609459200","5","10.5","11","9","10"]]`))
		require.NoError(t, err)
		assert.Equal(t, 5.0, candles[0].Volume)
	})

	t.Run("non numeric price", func(t *testing.T) {
		_, err := parseGateCandles([]byte(`[["1609459200","5","abc","11","9","10","2"]]`))
		require.Error(t, err)
	})

	t.Run("not an array", func(t *testing.T) {
		_, err := parseGateCandles([]byte(`{"label":"x"}`))
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeMalformedPayload, errors.GetErrorType(err))
	})
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
