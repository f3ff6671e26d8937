package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

// Header is the column header of the merged table.
var Header = []string{"date", "tvl", "price"}

// WriteCSV writes table as CSV with a header row. Floats use the shortest
// representation that round-trips.
func WriteCSV(w io.Writer, table models.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return NewStorageError("write", "", err)
	}

	record := make([]string, 3)
	for _, row := range table.Rows {
		record[0] = row.DateString()
		record[1] = strconv.FormatFloat(row.TVL, 'f', -1, 64)
		record[2] = strconv.FormatFloat(row.Price, 'f', -1, 64)
		if err := cw.Write(record); err != nil {
			return NewStorageError("write", "", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return NewStorageError("write", "", err)
	}
	return nil
}

// ReadCSV parses a table written by WriteCSV. Columns are located by header
// name, so extra columns are ignored.
func ReadCSV(r io.Reader) (models.Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return models.Table{}, &StorageError{Operation: "read", Line: 1, Err: errors.New("missing header row")}
	}
	if err != nil {
		return models.Table{}, &StorageError{Operation: "read", Line: 1, Err: err}
	}

	cols := make(map[string]int, len(head))
	for i, name := range head {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range Header {
		if _, ok := cols[name]; !ok {
			return models.Table{}, &StorageError{Operation: "read", Line: 1, Err: fmt.Errorf("missing column %q", name)}
		}
	}

	rows := []models.MergedRow{}
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return models.Table{}, &StorageError{Operation: "read", Line: line, Err: err}
		}

		row, err := parseRow(record, cols)
		if err != nil {
			return models.Table{}, &StorageError{Operation: "read", Line: line, Err: err}
		}
		if n := len(rows); n > 0 && !rows[n-1].Date.Before(row.Date) {
			return models.Table{}, &StorageError{Operation: "read", Line: line,
				Err: fmt.Errorf("date %s is not after %s", row.DateString(), rows[n-1].DateString())}
		}
		rows = append(rows, row)
	}

	return models.Table{Rows: rows}, nil
}

func parseRow(record []string, cols map[string]int) (models.MergedRow, error) {
	date, err := time.Parse(models.DateLayout, strings.TrimSpace(record[cols["date"]]))
	if err != nil {
		return models.MergedRow{}, fmt.Errorf("invalid date: %w", err)
	}
	tvl, err := parseFinite(record[cols["tvl"]])
	if err != nil {
		return models.MergedRow{}, fmt.Errorf("invalid tvl: %w", err)
	}
	price, err := parseFinite(record[cols["price"]])
	if err != nil {
		return models.MergedRow{}, fmt.Errorf("invalid price: %w", err)
	}
	return models.MergedRow{Date: date, TVL: tvl, Price: price}, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", s)
	}
	return v, nil
}
