// Package report builds the weekly trend summary from the ledger.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"yelpetl/internal/domain"
	"yelpetl/internal/ledger"
	"yelpetl/internal/objstore"
)

// ErrNoRow is returned when the ledger lacks a row for a reporting date.
var ErrNoRow = errors.New("no ledger row")

// Count is one tracked count at the start and end of the window.
type Count struct {
	Title string // section heading, e.g. "Facilities"
	Label string // line label, e.g. "Facility"
	Start int64
	End   int64
}

// Difference is End minus Start.
func (c Count) Difference() int64 { return c.End - c.Start }

// Summary is the weekly change between two ledger dates.
type Summary struct {
	Start  string // date key
	End    string // date key
	Counts []Count
}

// Window returns the reporting dates for today: eight days back and one
// day back.
func Window(today time.Time) (start, end string) {
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	return domain.DateKey(day.AddDate(0, 0, -8)), domain.DateKey(day.AddDate(0, 0, -1))
}

// Weekly compares the ledger rows at the edges of the window ending
// yesterday. Facility, review and category counts are reported in that
// order.
func Weekly(l *ledger.Ledger, today time.Time) (Summary, error) {
	start, end := Window(today)
	first, ok := l.Get(start)
	if !ok {
		return Summary{}, fmt.Errorf("%w for %s", ErrNoRow, start)
	}
	last, ok := l.Get(end)
	if !ok {
		return Summary{}, fmt.Errorf("%w for %s", ErrNoRow, end)
	}
	return Summary{
		Start: start,
		End:   end,
		Counts: []Count{
			{Title: "Facilities", Label: "Facility", Start: first.FacilityCount, End: last.FacilityCount},
			{Title: "Reviews", Label: "Review", Start: first.ReviewCount, End: last.ReviewCount},
			{Title: "Categories", Label: "Category", Start: first.CategoryCount, End: last.CategoryCount},
		},
	}, nil
}

// Render writes s as plain text with dates shown as YYYY/MM/DD.
func Render(w io.Writer, s Summary) error {
	start, end := displayDate(s.Start), displayDate(s.End)
	if _, err := fmt.Fprintf(w, "A summary of changes in the Yelp data between %s and %s is presented below:\n\n", start, end); err != nil {
		return err
	}
	for _, c := range s.Counts {
		_, err := fmt.Fprintf(w, "%s:\n%s count on %s: %d\n%s count on %s: %d\nDifference: %d\n\n",
			c.Title, c.Label, start, c.Start, c.Label, end, c.End, c.Difference())
		if err != nil {
			return err
		}
	}
	return nil
}

func displayDate(key string) string {
	t, err := time.Parse(domain.DateKeyLayout, key)
	if err != nil {
		return key
	}
	return t.Format("2006/01/02")
}

// LoadLedger reads the ledger snapshot for today from s, falling back to
// yesterday's snapshot and then to the canonical ledger. It returns the key
// that was read.
func LoadLedger(ctx context.Context, s objstore.Store, today time.Time, log *slog.Logger) (*ledger.Ledger, string, error) {
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	keys := []string{
		ledger.SnapshotName(domain.DateKey(day)),
		ledger.SnapshotName(domain.DateKey(day.AddDate(0, 0, -1))),
		ledger.FileName,
	}

	for _, key := range keys {
		rc, err := s.Get(ctx, key)
		if objstore.IsNotFound(err) {
			log.Info("ledger snapshot not available", "key", key)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		l, err := ledger.Read(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", key, err)
		}
		return l, key, nil
	}
	return nil, "", fmt.Errorf("no ledger in %s: %w", s.Name(), objstore.ErrNotFound)
}
