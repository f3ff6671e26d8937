// Package pipeline sequences the TVL scrape, the price fetch and the merge into a
// single run-to-completion job.
//
// A run moves through a fixed sequence of stages with no back-edges:
//
//	start → scrape_tvl → derive_start_date → fetch_price → merge → done
//
// Two gates can end the run early in the failed stage: an empty TVL series after
// the scrape, and an empty price series after the fetch. A gated run returns an
// empty table and never retries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/johnayoung/go-tvl-correlator/internal/exchange"
	"github.com/johnayoung/go-tvl-correlator/internal/logger"
	"github.com/johnayoung/go-tvl-correlator/internal/merge"
	"github.com/johnayoung/go-tvl-correlator/internal/metrics"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/johnayoung/go-tvl-correlator/internal/scraper"
)

// Stage names one step of a run.
type Stage string

const (
	StageStart           Stage = "start"
	StageScrapeTvl       Stage = scraper.StageScrapeTvl
	StageDeriveStartDate Stage = "derive_start_date"
	StageFetchPrice      Stage = exchange.StageFetchPrice
	StageMerge           Stage = "merge"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Gate reasons recorded on pipeline_gate diagnostics.
const (
	GateTvlEmpty   = "tvl_empty"
	GatePriceEmpty = "price_empty"
)

// TvlSource supplies the raw TVL chart of a protocol page.
type TvlSource interface {
	ScrapeChartData(ctx context.Context, url string) scraper.ScrapeResult
}

// PriceSource supplies daily candles from a start day through the present.
type PriceSource interface {
	FetchPriceHistory(ctx context.Context, ticker string, start time.Time) exchange.PriceResult
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, p Params) Outcome
}

// Params are the inputs that determine a run's output.
type Params struct {
	URL    string
	Ticker string

	// StartOverride replaces the start date derived from the TVL series when set (YYYY-MM-DD).
	StartOverride string
}

// Validate checks that the parameters can drive a run.
func (p Params) Validate() error {
	var problems []string
	if strings.TrimSpace(p.URL) == "" {
		problems = append(problems, "url is required")
	}
	if strings.TrimSpace(p.Ticker) == "" {
		problems = append(problems, "ticker is required")
	}
	if p.StartOverride != "" {
		if _, err := time.Parse(models.DateLayout, p.StartOverride); err != nil {
			problems = append(problems, fmt.Sprintf("start date %q is not YYYY-MM-DD", p.StartOverride))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid pipeline parameters: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Outcome is the result of one run. Table is never nil-rowed; an empty table is
// the "data unavailable" signal and Diagnostics say why.
type Outcome struct {
	RunID       string
	Stage       Stage  // done or failed
	FailedAt    Stage  // stage whose gate ended the run, empty when done
	StartDate   string // price-fetch start; empty when served from cache
	Table       models.Table
	Diagnostics errors.Diagnostics
	TvlPoints   int
	Candles     int
	Cached      bool
}

// OK reports whether the run reached done.
func (o Outcome) OK() bool {
	return o.Stage == StageDone
}

// Empty reports whether the run produced no rows.
func (o Outcome) Empty() bool {
	return o.Table.Empty()
}

// Orchestrator runs the stages against a TVL source and a price source.
type Orchestrator struct {
	tvl          TvlSource
	prices       PriceSource
	defaultStart string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewOrchestrator wires the two sources together. A nil metrics disables instrumentation.
func NewOrchestrator(tvl TvlSource, prices PriceSource, cfg config.PipelineConfig, log *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	defaultStart := cfg.DefaultStartDate
	if _, err := time.Parse(models.DateLayout, defaultStart); err != nil {
		defaultStart = config.DefaultStartDate
	}
	return &Orchestrator{
		tvl:          tvl,
		prices:       prices,
		defaultStart: defaultStart,
		logger:       log,
		metrics:      m,
	}
}

// Run executes one pipeline run. It never returns an error: every failure mode
// ends in an Outcome whose Diagnostics explain the missing data.
func (o *Orchestrator) Run(ctx context.Context, p Params) Outcome {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	ctx = logger.WithPair(ctx, p.Ticker)
	ctx = logger.WithSourceURL(ctx, p.URL)

	out := Outcome{
		RunID: runID,
		Stage: StageStart,
		Table: models.Table{Rows: []models.MergedRow{}},
	}
	o.logger.InfoContext(ctx, "pipeline run started", "ticker", p.Ticker, "url", p.URL)

	var scraped scraper.ScrapeResult
	o.stage(ctx, StageScrapeTvl, func(ctx context.Context) {
		scraped = o.tvl.ScrapeChartData(ctx, p.URL)
	})
	out.TvlPoints = len(scraped.Points)
	if scraped.Diagnostic != nil {
		out.Diagnostics = append(out.Diagnostics, *scraped.Diagnostic)
	}
	if scraped.Empty() {
		return o.gate(ctx, out, StageScrapeTvl, GateTvlEmpty)
	}

	var start string
	o.stage(ctx, StageDeriveStartDate, func(ctx context.Context) {
		start = DeriveStartDate(scraped.Points, o.defaultStart)
		if p.StartOverride == "" {
			return
		}
		if _, err := time.Parse(models.DateLayout, p.StartOverride); err != nil {
			o.logger.WarnContext(ctx, "ignoring invalid start override", "start_override", p.StartOverride, "error", err)
			return
		}
		start = p.StartOverride
	})
	out.StartDate = start
	startDay, _ := time.Parse(models.DateLayout, start)

	var priced exchange.PriceResult
	o.stage(ctx, StageFetchPrice, func(ctx context.Context) {
		priced = o.prices.FetchPriceHistory(ctx, p.Ticker, startDay)
	})
	out.Candles = len(priced.Candles)
	if priced.Diagnostic != nil {
		out.Diagnostics = append(out.Diagnostics, *priced.Diagnostic)
	}
	if priced.Empty() {
		return o.gate(ctx, out, StageFetchPrice, GatePriceEmpty)
	}

	o.stage(ctx, StageMerge, func(ctx context.Context) {
		table, report := merge.MergeWithReport(scraped.Points, priced.Candles)
		out.Table = table
		o.recordMerge(ctx, &out, report)
	})

	out.Stage = StageDone
	o.metrics.ObserveRun(string(StageDone))
	o.logger.InfoContext(ctx, "pipeline run completed",
		"start_date", start,
		"tvl_points", out.TvlPoints,
		"candles", out.Candles,
		"rows", out.Table.Len(),
		"diagnostics", len(out.Diagnostics))
	return out
}

// stage runs fn with the stage recorded on its context and its duration observed.
func (o *Orchestrator) stage(ctx context.Context, stage Stage, fn func(ctx context.Context)) {
	ctx = logger.WithStage(ctx, string(stage))
	d, _ := logger.TimedOperation(ctx, o.logger, string(stage), func() error {
		fn(ctx)
		return nil
	})
	o.metrics.ObserveStage(string(stage), d)
}

func (o *Orchestrator) gate(ctx context.Context, out Outcome, at Stage, reason string) Outcome {
	d := errors.NewDiagnostic(errors.ErrorTypePipelineGate, string(at), reason, nil)
	out.Diagnostics = append(out.Diagnostics, d)
	out.Stage = StageFailed
	out.FailedAt = at
	out.Table = models.Table{Rows: []models.MergedRow{}}

	o.metrics.ObserveRun(string(StageFailed))
	o.logger.WarnContext(logger.WithStage(ctx, string(at)), "pipeline halted: "+reason,
		"error_type", d.Type,
		"diagnostics", len(out.Diagnostics))
	return out
}

func (o *Orchestrator) recordMerge(ctx context.Context, out *Outcome, report merge.Report) {
	if n := len(report.TvlInvalid); n > 0 {
		err := fmt.Errorf("%d of %d tvl points skipped, first: %w", n, report.TvlInput, report.TvlInvalid[0])
		out.Diagnostics = append(out.Diagnostics,
			errors.NewDiagnostic(errors.ErrorTypeRecordInvalid, string(StageMerge), "tvl_point_invalid", err))
		o.metrics.ObserveDropped("tvl_invalid", n)
		o.logger.WarnContext(ctx, "skipped invalid tvl points",
			"error_type", errors.ErrorTypeRecordInvalid,
			"skipped", n,
			"first", report.TvlInvalid[0].Error())
	}
	o.metrics.ObserveMerged(report.Rows)

	if report.TvlCollapsed > 0 || report.PriceCollapsed > 0 {
		o.logger.DebugContext(ctx, "collapsed same-day points",
			"tvl_collapsed", report.TvlCollapsed,
			"price_collapsed", report.PriceCollapsed)
	}
	if report.Rows == 0 {
		o.logger.WarnContext(ctx, "tvl and price series share no dates")
	}
}

// DeriveStartDate returns the UTC day of the earliest parseable TVL timestamp as
// YYYY-MM-DD. Points whose timestamp does not parse are ignored; when none parse
// the fallback is returned.
func DeriveStartDate(points []models.TvlPoint, fallback string) string {
	if fallback == "" {
		fallback = config.DefaultStartDate
	}

	var (
		earliest int64
		found    bool
	)
	for _, p := range points {
		sec, err := merge.ParseUnixSeconds(p.Timestamp)
		if err != nil {
			continue
		}
		if !found || sec < earliest {
			earliest, found = sec, true
		}
	}
	if !found {
		return fallback
	}
	return models.DayFromUnix(earliest).Format(models.DateLayout)
}
