package main

import (
	"fmt"
)

// FetchFlags represents flags for the fetch command
type FetchFlags struct {
	Ticker string
	URL    string
	Start  string
	Out    string
	Config string
	Help   bool
}

// AnalyzeFlags represents flags for the analyze command
type AnalyzeFlags struct {
	In        string
	Timeframe string
	Format    string
	Ticker    string
	URL       string
	Start     string
	Config    string
	Help      bool
}

// flagValue returns the value following args[i] or an error naming the flag.
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

// parseFetchFlags parses command line arguments for the fetch command
func parseFetchFlags(args []string) (*FetchFlags, error) {
	flags := &FetchFlags{}

	for i := 0; i < len(args); i++ {
		var target *string
		switch args[i] {
		case "--ticker", "-t":
			target = &flags.Ticker
		case "--url", "-u":
			target = &flags.URL
		case "--start", "-s":
			target = &flags.Start
		case "--out", "-o":
			target = &flags.Out
		case "--config", "-c":
			target = &flags.Config
		case "--help", "-h":
			flags.Help = true
			continue
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}

		value, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		*target = value
		i++
	}

	return flags, nil
}

// parseAnalyzeFlags parses command line arguments for the analyze command
func parseAnalyzeFlags(args []string) (*AnalyzeFlags, error) {
	flags := &AnalyzeFlags{
		Timeframe: "All",   // Default timeframe
		Format:    "table", // Default output format
	}

	for i := 0; i < len(args); i++ {
		var target *string
		switch args[i] {
		case "--in", "-i":
			target = &flags.In
		case "--timeframe", "-f":
			target = &flags.Timeframe
		case "--format":
			target = &flags.Format
		case "--ticker", "-t":
			target = &flags.Ticker
		case "--url", "-u":
			target = &flags.URL
		case "--start", "-s":
			target = &flags.Start
		case "--config", "-c":
			target = &flags.Config
		case "--help", "-h":
			flags.Help = true
			continue
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}

		value, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		*target = value
		i++
	}

	if flags.Format != "table" && flags.Format != "json" {
		return nil, fmt.Errorf("invalid format %q, use table or json", flags.Format)
	}
	return flags, nil
}

// ScheduleFlags represents flags for the schedule command
type ScheduleFlags struct {
	Every  string
	Ticker string
	URL    string
	Start  string
	Out    string
	Config string
	Help   bool
}

// parseScheduleFlags parses command line arguments for the schedule command
func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{Every: "1h"}

	for i := 0; i < len(args); i++ {
		var target *string
		switch args[i] {
		case "--every", "-e":
			target = &flags.Every
		case "--ticker", "-t":
			target = &flags.Ticker
		case "--url", "-u":
			target = &flags.URL
		case "--start", "-s":
			target = &flags.Start
		case "--out", "-o":
			target = &flags.Out
		case "--config", "-c":
			target = &flags.Config
		case "--help", "-h":
			flags.Help = true
			continue
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}

		value, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		*target = value
		i++
	}

	if flags.Out == "-" {
		return nil, fmt.Errorf("schedule needs a file for --out, not stdout")
	}
	return flags, nil
}
