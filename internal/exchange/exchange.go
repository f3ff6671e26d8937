// Package exchange defines the exchange adapter interfaces used to fetch daily price history,
// together with the Gate.io implementation and the PriceFetcher that drives pagination.
//
// An Adapter opens a Session; the Session owns its HTTP connections exclusively and must
// be closed by the caller on every exit path. The interfaces are kept small so tests can
// substitute fakes without an HTTP server.
package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

// Adapter creates sessions against a single exchange.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "gateio".
	Name() string

	// Open establishes a session and verifies the exchange is reachable.
	//
	// A failed Open means no candles can be fetched. Implementations must not
	// leave connections behind when Open returns an error.
	Open(ctx context.Context) (Session, error)
}

// Session is an open connection to an exchange's candle endpoint.
type Session interface {
	// FetchOHLCV returns up to limit candles for symbol at the given timeframe
	// whose timestamp is >= since (milliseconds), oldest first.
	//
	// An empty slice with a nil error means there is no more data at or after since.
	// Errors are returned for transport failures, non-200 statuses that survive
	// retries, and rows that do not have the expected shape.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]models.Candle, error)

	// PageLimit returns the maximum candles per request the exchange declares,
	// or 0 when it declares none.
	PageLimit() int

	// RateInterval returns the minimum time between two requests.
	RateInterval() time.Duration

	// Close releases the session's connections. It is safe to call more than once.
	Close() error
}

// TimeframeDuration converts a timeframe such as "1d" or "4h" into a duration.
func TimeframeDuration(timeframe string) (time.Duration, bool) {
	switch timeframe {
	case "1m":
		return time.Minute, true
	case "5m":
		return 5 * time.Minute, true
	case "15m":
		return 15 * time.Minute, true
	case "30m":
		return 30 * time.Minute, true
	case "1h":
		return time.Hour, true
	case "4h":
		return 4 * time.Hour, true
	case "8h":
		return 8 * time.Hour, true
	case "1d":
		return 24 * time.Hour, true
	case "7d":
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
