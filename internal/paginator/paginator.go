// Package paginator walks a cursor-paged candle source until it runs dry.
//
// The loop advances the since-cursor to one millisecond past the last candle of
// each non-empty page and stops at the first empty page. Requests are paced by a
// token-bucket limiter whose Wait blocks only the calling goroutine. A failing
// page ends the walk early; everything gathered up to that point is returned
// together with the error.
package paginator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"golang.org/x/time/rate"
)

// DefaultLimit is used when the exchange does not declare a page size.
const DefaultLimit = 1000

// PageFunc fetches up to limit candles with TimestampMs >= since, in ascending order.
type PageFunc func(ctx context.Context, since int64, limit int) ([]models.Candle, error)

// Options controls a single pagination walk.
type Options struct {
	Since    int64         // First timestamp (ms) to request
	Limit    int           // Page size; <= 0 falls back to DefaultLimit
	Interval time.Duration // Minimum time between page requests
	MaxPages int           // Safety cap; 0 means unlimited

	Logger *slog.Logger
	OnPage func(candles int) // Called after every successful page
}

// Result is the outcome of a walk. Err is set when the walk stopped before an
// empty page was seen; Candles then holds the partial accumulation.
type Result struct {
	Candles []models.Candle
	Pages   int
	Err     error
}

// Partial reports whether the walk was cut short.
func (r Result) Partial() bool {
	return r.Err != nil
}

// Paginate repeatedly calls fetch until it returns an empty page, the context
// ends, or a page fails. The accumulated candles are deduplicated by timestamp.
func Paginate(ctx context.Context, fetch PageFunc, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}

	since := opts.Since
	var all []models.Candle
	pages := 0

	finish := func(err error) Result {
		return Result{Candles: Dedup(all), Pages: pages, Err: err}
	}

	for {
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			return finish(fmt.Errorf("page cap of %d reached at since=%d", opts.MaxPages, since))
		}

		if err := limiter.Wait(ctx); err != nil {
			logger.WarnContext(ctx, "pagination interrupted", "since", since, "pages", pages, "error", err)
			return finish(err)
		}

		page, err := fetch(ctx, since, limit)
		if err != nil {
			logger.WarnContext(ctx, "page fetch failed, keeping partial results",
				"since", since,
				"pages", pages,
				"candles", len(all),
				"error", err)
			return finish(fmt.Errorf("fetch page since %d: %w", since, err))
		}

		if len(page) == 0 {
			logger.DebugContext(ctx, "empty page, pagination complete", "since", since, "pages", pages)
			return finish(nil)
		}

		pages++
		all = append(all, page...)
		if opts.OnPage != nil {
			opts.OnPage(len(page))
		}

		last := page[len(page)-1].TimestampMs
		if last < since {
			// A source that ignores the cursor would loop forever.
			return finish(fmt.Errorf("cursor did not advance: last timestamp %d before since %d", last, since))
		}
		since = last + 1

		logger.DebugContext(ctx, "page fetched",
			"page", pages,
			"candles", len(page),
			"next_since", since)
	}
}

// Dedup collapses candles sharing a timestamp, keeping the first occurrence and
// the original relative order.
func Dedup(candles []models.Candle) []models.Candle {
	if len(candles) == 0 {
		return []models.Candle{}
	}

	seen := make(map[int64]struct{}, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if _, ok := seen[c.TimestampMs]; ok {
			continue
		}
		seen[c.TimestampMs] = struct{}{}
		out = append(out, c)
	}
	return out
}
