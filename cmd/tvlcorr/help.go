package main

import (
	"fmt"
	"os"
)

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - TVL/Price Correlator CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    fetch       Scrape TVL, fetch daily prices, merge and write the CSV
    analyze     Print Pearson correlation (with lags) for a timeframe
    schedule    Re-run fetch on a fixed cadence until interrupted

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Merge AAVE TVL with AAVE/USDT daily closes into merged.csv
    %s fetch --ticker AAVE/USDT --out merged.csv

    # Correlation over the last year from a previously written CSV
    %s analyze --in merged.csv --timeframe 1y

    # Refresh merged.csv every hour until Ctrl+C
    %s schedule --every 1h --out merged.csv

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON format)
    - .env file in the working directory
    - Environment variables (e.g., TICKER, SCRAPER_URL, CACHE_TYPE, REDIS_ADDR)

    Example config file:
    {
        "scraper": {"url": "https://defillama.com/protocol/aave"},
        "exchange": {"name": "gateio", "ticker": "AAVE/USDT", "timeframe": "1d"},
        "cache": {"type": "redis", "ttl": "1h", "redis_addr": "localhost:6379"},
        "logging": {"level": "info", "format": "json"}
    }

EXIT CODES:
    0 success, 1 usage error, 2 configuration error, 3 connection error,
    4 data unavailable, 130 interrupted

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "fetch":
		fmt.Printf(`%s fetch - Build the merged TVL/price table

USAGE:
    %s fetch [options]

OPTIONS:
    --ticker, -t <pair>       Exchange pair (default: exchange.ticker, e.g. AAVE/USDT)
    --url, -u <url>           Page embedding the TVL chart (default: scraper.url)
    --start, -s <date>        First price day, YYYY-MM-DD
                              (default: the earliest TVL day)
    --out, -o <path>          CSV destination, "-" for stdout (default: output.path)
    --config, -c <path>       Config file (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    # Merge with defaults and write merged.csv
    %s fetch

    # Start prices at 2022-01-01 and print the CSV
    %s fetch --start 2022-01-01 --out -

NOTES:
    - Results are cached for cache.ttl; only non-empty tables are cached
    - When either source returns nothing the command prints a notice and exits 4
`, AppName, AppName, ConfigFile, AppName, AppName)

	case "analyze":
		fmt.Printf(`%s analyze - Correlate TVL with price

USAGE:
    %s analyze [options]

OPTIONS:
    --in, -i <path>           Read a merged CSV instead of running the pipeline
    --timeframe, -f <tf>      1w, 1m, 3m, 6m, YTD, 1y, All (default: All)
    --format <format>         table or json (default: table)
    --ticker, -t <pair>       Exchange pair when running the pipeline
    --url, -u <url>           TVL page when running the pipeline
    --start, -s <date>        First price day when running the pipeline
    --config, -c <path>       Config file (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    # Year-to-date correlation from a saved table
    %s analyze --in merged.csv --timeframe YTD

    # Fetch fresh data and print the report as JSON
    %s analyze --format json

NOTES:
    - Lags shift price forward: lag N pairs TVL on day i with price on day i+N
    - Lags 0 and 1 need two rows; lags 7 and 30 need more rows than the lag
`, AppName, AppName, ConfigFile, AppName, AppName)

	case "schedule":
		fmt.Printf(`%s schedule - Keep the merged CSV fresh

USAGE:
    %s schedule [options]

OPTIONS:
    --every, -e <duration>    Period between runs (default: 1h)
    --ticker, -t <pair>       Exchange pair (default: exchange.ticker)
    --url, -u <url>           Page embedding the TVL chart (default: scraper.url)
    --start, -s <date>        First price day, YYYY-MM-DD
    --out, -o <path>          CSV destination (default: output.path)
    --config, -c <path>       Config file (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    # Rewrite merged.csv at the top of every hour
    %s schedule --out merged.csv

    # Daily refresh at 00:00 UTC
    %s schedule --every 24h

NOTES:
    - Runs once immediately, then on multiples of --every in UTC
    - Runs that produce no rows leave the previous CSV in place
`, AppName, AppName, ConfigFile, AppName, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
