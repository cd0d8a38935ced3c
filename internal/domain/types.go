// Package domain defines the records produced by one batch run: facilities,
// their categories and reviews, and the per-date summary row.
package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DateKeyLayout is the time layout of a date key (YYYYMMDD).
const DateKeyLayout = "20060102"

// Facility is one business record from a source document.
type Facility struct {
	ID          string
	Name        string
	IsClosed    bool
	ReviewCount int64
	Rating      float64
	UpdatedTime string
	Phone       string
	BusinessURL string
	URL         string
	Address     string
	City        string
	Region      string
	Country     string
	PostalCode  string
	Latitude    float64 // NaN when the vendor publishes null
	Longitude   float64 // NaN when the vendor publishes null
}

// Category links a facility to one category alias.
type Category struct {
	FacilityID string
	Alias      string
	Title      string
}

// Review is one review attached to a facility.
type Review struct {
	FacilityID  string
	ReviewID    string
	Rating      float64
	Text        string
	Author      string
	CreatedTime string
	URL         string
	IsSelected  bool
}

// DailySummary is the summary-statistics row for one processed date.
// Means and medians are NaN when the underlying table is empty.
type DailySummary struct {
	Date                      string
	CategoryCount             int64
	FacilityCount             int64
	FacilityRatingMean        float64
	FacilityRatingMedian      float64
	FacilityReviewCountMean   float64
	FacilityReviewCountMedian float64
	ReviewCount               int64
	ReviewRatingMean          float64
	ReviewRatingMedian        float64
}

// Batch holds every record extracted from one source document.
type Batch struct {
	Date       string
	Facilities []Facility
	Categories []Category
	Reviews    []Review
}

// ValidDateKey reports whether s is an 8-digit YYYYMMDD calendar date.
func ValidDateKey(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	_, err := time.Parse(DateKeyLayout, s)
	return err == nil
}

// DateKey formats t as a date key.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// DateKeyFromName derives the date key from a document or archive file
// name: the base name up to the first '_' (or '.' when there is none).
//
//	upenn/20240101_upenn.json.gz -> 20240101
func DateKeyFromName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	key := base
	if i := strings.IndexByte(base, '_'); i >= 0 {
		key = base[:i]
	} else if i := strings.IndexByte(base, '.'); i >= 0 {
		key = base[:i]
	}
	if !ValidDateKey(key) {
		return "", fmt.Errorf("file name %q does not start with a YYYYMMDD date key", name)
	}
	return key, nil
}
