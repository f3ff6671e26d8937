package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/cache"
	"github.com/johnayoung/go-tvl-correlator/internal/logger"
	"github.com/johnayoung/go-tvl-correlator/internal/metrics"
)

// CachedRunner consults a cache before delegating to another Runner. Only runs
// that reach done with rows are stored; gated or empty outcomes are always
// recomputed.
type CachedRunner struct {
	next    Runner
	cache   cache.Cache
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCachedRunner wraps next with c. A non-positive ttl uses cache.DefaultTTL.
func NewCachedRunner(next Runner, c cache.Cache, ttl time.Duration, prefix string, log *slog.Logger, m *metrics.Metrics) *CachedRunner {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedRunner{next: next, cache: c, ttl: ttl, prefix: prefix, logger: log, metrics: m}
}

// CacheKey returns the key a run with p is stored under.
func (r *CachedRunner) CacheKey(p Params) string {
	start := p.StartOverride
	if start == "" {
		start = "auto"
	}
	return cache.Key(r.prefix, p.URL, p.Ticker, start)
}

// Run implements Runner.
func (r *CachedRunner) Run(ctx context.Context, p Params) Outcome {
	key := r.CacheKey(p)

	table, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.WarnContext(ctx, "cache lookup failed", "key", key, "error", err)
	}
	if ok && !table.Empty() {
		r.metrics.ObserveCache(true)
		runID := logger.GetRunID(ctx)
		if runID == "" {
			runID = logger.NewRunID()
		}
		r.logger.InfoContext(ctx, "serving cached table", "key", key, "rows", table.Len())
		return Outcome{
			RunID:  runID,
			Stage:  StageDone,
			Table:  table,
			Cached: true,
		}
	}
	r.metrics.ObserveCache(false)

	return r.Refresh(ctx, p)
}

// Refresh runs the wrapped Runner without consulting the cache and stores a
// successful result, replacing whatever was cached for p.
func (r *CachedRunner) Refresh(ctx context.Context, p Params) Outcome {
	out := r.next.Run(ctx, p)
	if !out.OK() || out.Empty() {
		return out
	}
	key := r.CacheKey(p)
	if err := r.cache.Set(ctx, key, out.Table, r.ttl); err != nil {
		r.logger.WarnContext(ctx, "cache store failed", "key", key, "error", err)
	}
	return out
}

// Refresher returns a Runner whose Run is Refresh. Scheduled jobs use it so a
// tick never serves the table it is meant to replace.
func (r *CachedRunner) Refresher() Runner {
	return refresher{r}
}

type refresher struct{ r *CachedRunner }

func (f refresher) Run(ctx context.Context, p Params) Outcome { return f.r.Refresh(ctx, p) }
