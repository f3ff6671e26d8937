package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

// FileStore keeps the merged table in a single CSV file.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes the table to a temporary file in the same directory and renames
// it over the target, so readers never see a half-written table.
func (f *FileStore) Save(ctx context.Context, table models.Table) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("save", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewStorageError("save", f.path, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return NewStorageError("save", f.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := WriteCSV(w, table); err != nil {
		tmp.Close()
		return NewStorageError("save", f.path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return NewStorageError("save", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return NewStorageError("save", f.path, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return NewStorageError("save", f.path, err)
	}
	return nil
}

// Load reads the table back from disk.
func (f *FileStore) Load(ctx context.Context) (models.Table, error) {
	if err := ctx.Err(); err != nil {
		return models.Table{}, NewStorageError("load", f.path, err)
	}

	file, err := os.Open(f.path)
	if err != nil {
		return models.Table{}, NewStorageError("load", f.path, err)
	}
	defer file.Close()

	table, err := ReadCSV(bufio.NewReader(file))
	if err != nil {
		return models.Table{}, NewStorageError("load", f.path, err)
	}
	return table, nil
}

var _ TableStore = (*FileStore)(nil)
