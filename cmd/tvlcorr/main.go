// TVL/Price Correlator CLI
// This application scrapes a protocol's TVL history, fetches the token's daily
// candles from an exchange, merges both series by date and reports how closely
// they move together.
//
// Usage:
//
//	tvlcorr fetch --ticker AAVE/USDT --out merged.csv
//	tvlcorr analyze --in merged.csv --timeframe 1y
//	tvlcorr schedule --every 1h --out merged.csv
//
// For detailed help on any command, use: tvlcorr <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/analysis"
	"github.com/johnayoung/go-tvl-correlator/internal/cache"
	"github.com/johnayoung/go-tvl-correlator/internal/config"
	tvlerrors "github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/johnayoung/go-tvl-correlator/internal/exchange"
	"github.com/johnayoung/go-tvl-correlator/internal/logger"
	"github.com/johnayoung/go-tvl-correlator/internal/metrics"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/johnayoung/go-tvl-correlator/internal/pipeline"
	"github.com/johnayoung/go-tvl-correlator/internal/scheduler"
	"github.com/johnayoung/go-tvl-correlator/internal/scraper"
	"github.com/johnayoung/go-tvl-correlator/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "tvlcorr"
	ConfigFile = "tvlcorr.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// errDataUnavailable marks a run that finished without any merged rows.
var errDataUnavailable = errors.New("data unavailable")

// usageError marks bad command-line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// connectionError marks a collaborator that could not be reached at startup.
type connectionError struct{ err error }

func (e connectionError) Error() string { return e.err.Error() }
func (e connectionError) Unwrap() error { return e.err }

// CLI holds the wired application components
type CLI struct {
	config    *config.AppConfig
	loggerMgr *logger.LoggerManager
	logger    *slog.Logger
	metrics   *metrics.Metrics
	server    *metrics.Server
	cache     cache.Cache
	runner    *pipeline.CachedRunner
}

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	case "fetch", "analyze", "schedule":
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, command, args))
}

// run executes one command and maps its result to an exit code.
func run(ctx context.Context, command string, args []string) int {
	var (
		fetch    *FetchFlags
		analyze  *AnalyzeFlags
		schedule *ScheduleFlags
		help     bool
		cfgPath  string
		err      error
	)
	switch command {
	case "fetch":
		if fetch, err = parseFetchFlags(args); err == nil {
			help, cfgPath = fetch.Help, fetch.Config
		}
	case "analyze":
		if analyze, err = parseAnalyzeFlags(args); err == nil {
			help, cfgPath = analyze.Help, analyze.Config
		}
	case "schedule":
		if schedule, err = parseScheduleFlags(args); err == nil {
			help, cfgPath = schedule.Help, schedule.Config
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(command)
		return ExitUsageError
	}
	if help {
		printCommandHelp(command)
		return ExitSuccess
	}

	configPath := ConfigFile
	if cfgPath != "" {
		configPath = cfgPath
	}

	cli := &CLI{}
	defer cli.close()
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		var connErr connectionError
		if errors.As(err, &connErr) {
			return ExitConnectionErr
		}
		return ExitConfigError
	}

	switch command {
	case "fetch":
		err = cli.handleFetch(ctx, fetch)
	case "analyze":
		err = cli.handleAnalyze(ctx, analyze)
	case "schedule":
		err = cli.handleSchedule(ctx, schedule)
	}
	return cli.exitCode(ctx, command, err)
}

func (cli *CLI) exitCode(ctx context.Context, command string, err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr usageError
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		cli.logger.Warn("interrupted", "command", command)
		return ExitInterrupt
	case errors.As(err, &usageErr):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	case errors.Is(err, errDataUnavailable):
		fmt.Fprintln(os.Stderr, "Data unavailable: the TVL or price source returned no usable data. Try again later.")
		return ExitDataError
	default:
		cli.logger.Error("command failed", "command", command, "error", err)
		return ExitDataError
	}
}

// initialize sets up the CLI application components
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	loggerMgr, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.loggerMgr = loggerMgr
	cli.logger = loggerMgr.GetComponentLogger("cli").Logger

	cli.metrics = metrics.NewMetrics()
	cli.server = metrics.NewServer(cfg.Metrics, cli.metrics, loggerMgr)
	if err := cli.server.Start(ctx); err != nil {
		return err
	}

	if cfg.Exchange.Name != "gateio" {
		return fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}
	// Exchange requests retry under the exchange's own policy unless one is configured explicitly.
	if cfg.ErrorHandling.ComponentPolicies == nil {
		cfg.ErrorHandling.ComponentPolicies = make(map[string]config.RetryPolicyConfig)
	}
	if _, ok := cfg.ErrorHandling.ComponentPolicies["exchange"]; !ok {
		cfg.ErrorHandling.ComponentPolicies["exchange"] = cfg.Exchange.RetryPolicy
	}
	classifier := tvlerrors.NewErrorClassifier(cfg.ErrorHandling, loggerMgr.GetComponentLogger("errors").Logger)
	exchangeLogger := loggerMgr.GetComponentLogger("exchange").Logger
	adapter := exchange.NewGateAdapter(cfg.Exchange, classifier, exchangeLogger)
	fetcher := exchange.NewPriceFetcher(adapter, cfg.Exchange.Timeframe, exchangeLogger, cli.metrics)

	tvlScraper := scraper.NewScraper(cfg.Scraper, loggerMgr.GetComponentLogger("scraper").Logger, cli.metrics)

	orchestrator := pipeline.NewOrchestrator(tvlScraper, fetcher, cfg.Pipeline,
		loggerMgr.GetComponentLogger("pipeline").Logger, cli.metrics)

	c, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return connectionError{fmt.Errorf("failed to initialize cache: %w", err)}
	}
	cli.cache = c
	cli.runner = pipeline.NewCachedRunner(orchestrator, c,
		config.ParseDuration(cfg.Cache.TTL, cache.DefaultTTL), cfg.Cache.KeyPrefix,
		loggerMgr.GetComponentLogger("cache").Logger, cli.metrics)

	return nil
}

func (cli *CLI) close() {
	if cli.server != nil {
		_ = cli.server.Stop(context.Background())
	}
	if cli.cache != nil {
		if err := cli.cache.Close(); err != nil && cli.logger != nil {
			cli.logger.Warn("failed to close cache", "error", err)
		}
	}
	if cli.loggerMgr != nil {
		_ = cli.loggerMgr.Close()
	}
}

// runPipeline executes one run bounded by the configured run timeout.
func (cli *CLI) runPipeline(ctx context.Context, params pipeline.Params) (pipeline.Outcome, error) {
	if err := params.Validate(); err != nil {
		return pipeline.Outcome{}, usageError{err}
	}

	if timeout := config.ParseDuration(cli.config.Pipeline.RunTimeout, 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := cli.runner.Run(ctx, params)
	for _, d := range out.Diagnostics {
		cli.logger.Info("run diagnostic", "run_id", out.RunID, "diagnostic", d)
	}
	if out.Empty() {
		return out, fmt.Errorf("run %s ended at %s: %w", out.RunID, out.Stage, errDataUnavailable)
	}
	return out, nil
}

func (cli *CLI) params(url, ticker, start string) pipeline.Params {
	if url == "" {
		url = cli.config.Scraper.URL
	}
	if ticker == "" {
		ticker = cli.config.Exchange.Ticker
	}
	return pipeline.Params{URL: url, Ticker: ticker, StartOverride: start}
}

// handleFetch handles the 'fetch' command: run the pipeline and write the CSV
func (cli *CLI) handleFetch(ctx context.Context, flags *FetchFlags) error {
	out, err := cli.runPipeline(ctx, cli.params(flags.URL, flags.Ticker, flags.Start))
	if err != nil {
		return err
	}

	if flags.Out == "-" {
		return storage.WriteCSV(os.Stdout, out.Table)
	}

	path := flags.Out
	if path == "" {
		path = cli.config.Output.Path
	}
	if err := storage.NewFileStore(path).Save(ctx, out.Table); err != nil {
		return fmt.Errorf("failed to write merged table: %w", err)
	}

	cli.logger.Info("merged table written", "path", path, "rows", out.Table.Len(), "cached", out.Cached)
	fmt.Printf("Wrote %d rows (%s to %s) to %s\n",
		out.Table.Len(),
		out.Table.FirstDate().Format(models.DateLayout),
		out.Table.LastDate().Format(models.DateLayout),
		path)
	return nil
}

// handleAnalyze handles the 'analyze' command: print the correlation report
func (cli *CLI) handleAnalyze(ctx context.Context, flags *AnalyzeFlags) error {
	tf, err := analysis.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return usageError{err}
	}

	var table models.Table
	if flags.In != "" {
		table, err = storage.NewFileStore(flags.In).Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to read merged table: %w", err)
		}
		if table.Empty() {
			return errDataUnavailable
		}
	} else {
		out, err := cli.runPipeline(ctx, cli.params(flags.URL, flags.Ticker, flags.Start))
		if err != nil {
			return err
		}
		table = out.Table
	}

	report := analysis.Analyze(table, tf)
	if flags.Format == "json" {
		return outputJSON(report)
	}
	return outputReport(report)
}

// handleSchedule handles the 'schedule' command: refresh the CSV and cache on a cadence
func (cli *CLI) handleSchedule(ctx context.Context, flags *ScheduleFlags) error {
	every, err := time.ParseDuration(flags.Every)
	if err != nil || every <= 0 {
		return usageError{fmt.Errorf("invalid --every %q, use a positive duration like 1h", flags.Every)}
	}

	path := flags.Out
	if path == "" {
		path = cli.config.Output.Path
	}
	store := storage.NewFileStore(path)
	sink := func(ctx context.Context, job scheduler.Job, out pipeline.Outcome) error {
		return store.Save(ctx, out.Table)
	}

	cfg := scheduler.DefaultConfig()
	cfg.Every = every
	if every < cfg.TickInterval {
		cfg.TickInterval = every
	}
	sched := scheduler.New(cfg, cli.runner.Refresher(), sink, cli.loggerMgr.GetComponentLogger("scheduler").Logger)

	if _, err := sched.AddJob(cli.params(flags.URL, flags.Ticker, flags.Start)); err != nil {
		return usageError{err}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Refreshing %s every %s (Ctrl+C to stop)\n", path, every)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		cli.logger.Warn("scheduler did not stop cleanly", "error", err)
	}

	stats := sched.GetStats()
	cli.logger.Info("scheduler summary",
		"completed", stats.CompletedJobs,
		"empty", stats.EmptyRuns,
		"failed", stats.FailedJobs)
	return ctx.Err()
}

func outputJSON(report analysis.Report) error {
	type coefficient struct {
		Lag   int      `json:"lag"`
		Value *float64 `json:"value"`
	}
	lags := make([]coefficient, 0, len(report.Lags))
	for _, c := range report.Lags {
		entry := coefficient{Lag: c.Lag}
		if c.Available && !math.IsNaN(c.Value) {
			v := c.Value
			entry.Value = &v
		}
		lags = append(lags, entry)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"timeframe": report.Timeframe,
		"start":     report.Start.Format(models.DateLayout),
		"end":       report.End.Format(models.DateLayout),
		"rows":      report.Rows,
		"lags":      lags,
	})
}

func outputReport(report analysis.Report) error {
	fmt.Printf("Timeframe %s: %s to %s (%d days)\n\n",
		report.Timeframe,
		report.Start.Format(models.DateLayout),
		report.End.Format(models.DateLayout),
		report.Rows)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LAG\tPEARSON")
	for _, c := range report.Lags {
		value := "n/a"
		if c.Available {
			value = fmt.Sprintf("%.4f", c.Value)
		}
		fmt.Fprintf(w, "%s\t%s\n", lagLabel(c.Lag), value)
	}
	return w.Flush()
}

func lagLabel(lag int) string {
	if lag == 0 {
		return "same day"
	}
	if lag == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", lag)
}

