// Package storage persists the merged TVL/price table as delimited text.
// The table is the pipeline's only durable output: a header row followed by one
// `date,tvl,price` row per day, ascending.
package storage

import (
	"context"
	"fmt"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

// TableSaver persists a merged table.
type TableSaver interface {
	// Save replaces any previously stored table.
	Save(ctx context.Context, table models.Table) error
}

// TableLoader reads a previously saved table.
type TableLoader interface {
	// Load returns the stored table. Rows are validated to be in ascending date
	// order with unique dates.
	Load(ctx context.Context) (models.Table, error)
}

// TableStore combines saving and loading.
type TableStore interface {
	TableSaver
	TableLoader
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "save", "load")
	Operation string

	// Path is the file involved in the operation
	Path string

	// Line is the 1-based line that failed to parse, or 0
	Line int

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("storage operation %s on %s failed at line %d: %v", e.Operation, e.Path, e.Line, e.Err)
	case e.Path != "":
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Path, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("storage operation %s failed at line %d: %v", e.Operation, e.Line, e.Err)
	default:
		return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
	}
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, path string, err error) *StorageError {
	return &StorageError{Operation: operation, Path: path, Err: err}
}
