package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/johnayoung/go-tvl-correlator/internal/metrics"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/johnayoung/go-tvl-correlator/internal/paginator"
)

// StageFetchPrice names the pipeline stage price diagnostics are attributed to.
const StageFetchPrice = "fetch_price"

// PriceResult carries the candles of one price-history fetch. Diagnostic is set
// when the fetch could not open a session or stopped early; Candles then holds
// whatever was collected (possibly nothing).
type PriceResult struct {
	Candles    []models.Candle
	Pages      int
	Diagnostic *errors.Diagnostic
}

// OK reports whether the fetch completed without a diagnostic.
func (r PriceResult) OK() bool {
	return r.Diagnostic == nil
}

// Empty reports whether no candles were returned.
func (r PriceResult) Empty() bool {
	return len(r.Candles) == 0
}

// PriceFetcher fetches full daily price histories through an Adapter.
type PriceFetcher struct {
	adapter   Adapter
	timeframe string
	maxPages  int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewPriceFetcher creates a fetcher. timeframe defaults to "1d".
func NewPriceFetcher(adapter Adapter, timeframe string, logger *slog.Logger, m *metrics.Metrics) *PriceFetcher {
	if timeframe == "" {
		timeframe = "1d"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceFetcher{
		adapter:   adapter,
		timeframe: timeframe,
		logger:    logger,
		metrics:   m,
	}
}

// WithMaxPages caps the number of pages a single fetch may request.
func (f *PriceFetcher) WithMaxPages(n int) *PriceFetcher {
	f.maxPages = n
	return f
}

// FetchPriceHistory returns candles for ticker from start (inclusive, truncated to
// the UTC day) through the present. It never returns an error: an exchange that
// cannot be reached yields an empty result with a source_unavailable diagnostic,
// and a walk that fails midway keeps its partial candles.
func (f *PriceFetcher) FetchPriceHistory(ctx context.Context, ticker string, start time.Time) PriceResult {
	start = models.NormalizeDay(start)

	session, err := f.adapter.Open(ctx)
	if err != nil {
		d := errors.NewDiagnostic(errors.ErrorTypeSourceUnavailable, StageFetchPrice, "open_failed", err)
		f.logger.WarnContext(ctx, "exchange session unavailable",
			"exchange", f.adapter.Name(),
			"error_type", d.Type,
			"error", err)
		return PriceResult{Candles: []models.Candle{}, Diagnostic: &d}
	}
	defer session.Close()

	fetch := func(ctx context.Context, since int64, limit int) ([]models.Candle, error) {
		return session.FetchOHLCV(ctx, ticker, f.timeframe, since, limit)
	}

	res := paginator.Paginate(ctx, fetch, paginator.Options{
		Since:    start.UnixMilli(),
		Limit:    session.PageLimit(),
		Interval: session.RateInterval(),
		MaxPages: f.maxPages,
		Logger:   f.logger,
		OnPage:   func(int) { f.metrics.ObservePage() },
	})
	f.metrics.ObserveCandles(len(res.Candles))

	result := PriceResult{Candles: res.Candles, Pages: res.Pages}
	if res.Err != nil {
		d := errors.DiagnosticFrom(StageFetchPrice, "pagination_aborted", res.Err)
		result.Diagnostic = &d
		f.logger.WarnContext(ctx, "price history incomplete",
			"exchange", f.adapter.Name(),
			"candles", len(res.Candles),
			"pages", res.Pages,
			"error_type", d.Type,
			"error", res.Err)
		return result
	}

	f.logger.InfoContext(ctx, "price history fetched",
		"exchange", f.adapter.Name(),
		"start", start.Format(models.DateLayout),
		"candles", len(res.Candles),
		"pages", res.Pages)
	return result
}
