package models

import "time"

// MergedRow holds the TVL and price observed on one calendar day.
// A row only exists when both series had a value for that day.
type MergedRow struct {
	Date  time.Time `json:"date" msgpack:"date"`
	TVL   float64   `json:"tvl" msgpack:"tvl"`
	Price float64   `json:"price" msgpack:"price"`
}

// DateString returns the row date formatted as YYYY-MM-DD.
func (r MergedRow) DateString() string {
	return r.Date.Format(DateLayout)
}

// Table is the merged TVL/price series sorted ascending by date with unique dates.
// An empty Table is the "data unavailable" signal.
type Table struct {
	Rows []MergedRow `json:"rows" msgpack:"rows"`
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t Table) Empty() bool {
	return len(t.Rows) == 0
}

// FirstDate returns the earliest date, or the zero time for an empty table.
func (t Table) FirstDate() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return t.Rows[0].Date
}

// LastDate returns the latest date, or the zero time for an empty table.
func (t Table) LastDate() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return t.Rows[len(t.Rows)-1].Date
}

// TVLs returns the tvl column.
func (t Table) TVLs() []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.TVL
	}
	return out
}

// Prices returns the price column.
func (t Table) Prices() []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Price
	}
	return out
}

// Since returns the rows dated on or after start.
func (t Table) Since(start time.Time) Table {
	rows := make([]MergedRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		if !r.Date.Before(start) {
			rows = append(rows, r)
		}
	}
	return Table{Rows: rows}
}
