// Package ledger maintains the date-keyed summary ledger: one row per
// snapshot date, appended once and never rewritten.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"yelpetl/internal/domain"
	"yelpetl/internal/objstore"
	"yelpetl/internal/table"
)

// FileName is the canonical ledger object, overwritten on every run.
const FileName = "daily_data.csv"

// SnapshotName returns the dated copy of the ledger written alongside the
// canonical one.
func SnapshotName(date string) string {
	return date + "_" + FileName
}

// Ledger holds summary rows in insertion order with at most one row per date.
type Ledger struct {
	rows  []domain.DailySummary
	index map[string]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{index: make(map[string]int)}
}

// Merge appends row unless a row for its date already exists. The existing
// row is left untouched even when the statistics differ. It reports whether
// the row was added.
func (l *Ledger) Merge(row domain.DailySummary) bool {
	if _, ok := l.index[row.Date]; ok {
		return false
	}
	l.index[row.Date] = len(l.rows)
	l.rows = append(l.rows, row)
	return true
}

// Len returns the number of rows.
func (l *Ledger) Len() int { return len(l.rows) }

// Rows returns a copy of the rows in insertion order.
func (l *Ledger) Rows() []domain.DailySummary {
	return append([]domain.DailySummary(nil), l.rows...)
}

// Get returns the row for date.
func (l *Ledger) Get(date string) (domain.DailySummary, bool) {
	i, ok := l.index[date]
	if !ok {
		return domain.DailySummary{}, false
	}
	return l.rows[i], true
}

// Has reports whether the ledger holds a row for date.
func (l *Ledger) Has(date string) bool {
	_, ok := l.index[date]
	return ok
}

// Between returns rows with from <= date <= to, ordered by date.
func (l *Ledger) Between(from, to string) []domain.DailySummary {
	var out []domain.DailySummary
	for _, r := range l.rows {
		if r.Date >= from && r.Date <= to {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Read parses a ledger CSV. Files written by older jobs (a leading unnamed
// index column, short column names) are accepted. When a date appears more
// than once the first row wins.
func Read(r io.Reader) (*Ledger, error) {
	rows, err := table.Summary.ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	l := New()
	for _, row := range rows {
		if !domain.ValidDateKey(row.Date) {
			return nil, fmt.Errorf("ledger: invalid date %q", row.Date)
		}
		l.Merge(row)
	}
	return l, nil
}

// Write emits the ledger as CSV in insertion order.
func (l *Ledger) Write(w io.Writer) error {
	return table.Summary.WriteCSV(w, l.rows)
}

// Bytes returns the CSV encoding of the ledger.
func (l *Ledger) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := l.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads the ledger stored at key. A missing object yields an empty
// ledger; any other store failure is returned as is.
func Load(ctx context.Context, s objstore.Store, key string) (*Ledger, error) {
	rc, err := s.Get(ctx, key)
	if objstore.IsNotFound(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Read(rc)
}

// ReadFile loads a ledger from a local file. A missing file yields an
// empty ledger.
func ReadFile(path string) (*Ledger, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// WriteFiles writes the canonical ledger and the dated snapshot for date
// into dir and returns both paths.
func (l *Ledger) WriteFiles(dir, date string) ([]string, error) {
	data, err := l.Bytes()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for _, name := range []string{FileName, SnapshotName(date)} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("ledger: write %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
