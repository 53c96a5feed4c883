// Package worklist persists the subscriber IDs awaiting a manual
// reconciliation run.
//
// The store is a single-column CSV file without a header. It is only ever
// rewritten whole: Save replaces the content, Clear truncates it.
package worklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is the worklist file name used when none is configured.
const DefaultPath = "manual_reprovision_targets.csv"

// Store reads and writes the worklist file.
type Store struct {
	path string
}

// New returns a Store backed by the file at path.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted IDs in file order. A missing or unreadable file
// yields an empty list together with the error, so callers can log it and
// carry on with zero targets.
func (s *Store) Load() ([]string, error) {
	// #nosec G304 -- path comes from configuration
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open worklist %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	// Hand edits may leave stray quotes; keep the line rather than the whole file.
	r.LazyQuotes = true

	var ids []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read worklist %s: %w", s.path, err)
		}
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		ids = append(ids, record[0])
	}
	return ids, nil
}

// Clear truncates the worklist to an empty file.
func (s *Store) Clear() error {
	return s.write(nil)
}

// Save overwrites the worklist with ids, one per record, in the given order.
func (s *Store) Save(ids []string) error {
	return s.write(ids)
}

// write replaces the file through a temp file and rename so a crash never
// leaves a half-written worklist behind.
func (s *Store) write(ids []string) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create worklist temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	w := csv.NewWriter(tmp)
	for _, id := range ids {
		if err := w.Write([]string{id}); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write worklist: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush worklist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync worklist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close worklist temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod worklist: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace worklist %s: %w", s.path, err)
	}
	return nil
}
