// Package extract projects decoded facility objects into flat facility,
// category and review rows.
package extract

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"

	"yelpetl/internal/domain"
	"yelpetl/internal/stacked"
)

// SchemaError reports a required field that is absent or has the wrong
// shape. FacilityID is empty when the facility id itself was unreadable.
type SchemaError struct {
	Path       string
	FacilityID string
	Reason     string
}

func (e *SchemaError) Error() string {
	if e.FacilityID != "" {
		return fmt.Sprintf("schema: facility %s: field %s: %s", e.FacilityID, e.Path, e.Reason)
	}
	return fmt.Sprintf("schema: field %s: %s", e.Path, e.Reason)
}

// Extract turns one decoded facility object into exactly one facility row
// and zero or more category and review rows, all linked by facility id.
// v is only read.
func Extract(v any) (domain.Facility, []domain.Category, []domain.Review, error) {
	root, ok := v.(map[string]any)
	if !ok {
		return domain.Facility{}, nil, nil, &SchemaError{Path: "$", Reason: fmt.Sprintf("expected object, got %s", kind(v))}
	}

	f := &fields{}
	id := f.str(root, "id", false)
	if f.err != nil {
		return domain.Facility{}, nil, nil, f.err
	}
	f.facilityID = id

	fac := domain.Facility{
		ID:          id,
		Name:        f.str(root, "name", true),
		IsClosed:    f.boolean(root, "is_closed"),
		ReviewCount: f.integer(root, "review_count"),
		Rating:      f.float(root, "rating", false),
		UpdatedTime: f.str(root, "time_updated", true),
		Phone:       f.str(root, "phone", true),
		BusinessURL: f.str(root, "business_url", true),
		URL:         f.str(root, "url", true),
	}

	loc := f.object(root, "location")
	if loc != nil {
		f.prefix = "location."
		fac.Address = f.address(loc, "address")
		fac.City = f.str(loc, "city", true)
		fac.Region = f.str(loc, "state", true)
		fac.Country = f.str(loc, "country", true)
		fac.PostalCode = f.str(loc, "postal_code", true)
		if coord := f.object(loc, "coordinate"); coord != nil {
			f.prefix = "location.coordinate."
			fac.Latitude = f.float(coord, "latitude", true)
			fac.Longitude = f.float(coord, "longitude", true)
		}
		f.prefix = ""
	}

	var cats []domain.Category
	for i, item := range f.array(root, "categories") {
		c := f.asObject(item, fmt.Sprintf("categories[%d]", i))
		if c == nil {
			break
		}
		f.prefix = fmt.Sprintf("categories[%d].", i)
		cats = append(cats, domain.Category{
			FacilityID: id,
			Alias:      f.str(c, "alias", false),
			Title:      f.str(c, "title", true),
		})
	}
	f.prefix = ""

	var revs []domain.Review
	for i, item := range f.array(root, "reviews") {
		r := f.asObject(item, fmt.Sprintf("reviews[%d]", i))
		if r == nil {
			break
		}
		f.prefix = fmt.Sprintf("reviews[%d].", i)
		rev := domain.Review{
			FacilityID:  id,
			ReviewID:    f.str(r, "id", false),
			Rating:      f.float(r, "rating", false),
			Text:        f.str(r, "text", true),
			CreatedTime: f.str(r, "created", true),
			URL:         f.str(r, "url", true),
			IsSelected:  f.boolean(r, "is_selected"),
		}
		if user := f.object(r, "user"); user != nil {
			f.prefix = fmt.Sprintf("reviews[%d].user.", i)
			rev.Author = f.str(user, "name", true)
		}
		revs = append(revs, rev)
	}

	if f.err != nil {
		return domain.Facility{}, nil, nil, f.err
	}
	return fac, cats, revs, nil
}

// JoinAddress joins the non-null address lines with single spaces and trims
// the result.
func JoinAddress(lines []any) (string, error) {
	parts := make([]string, 0, len(lines))
	for i, l := range lines {
		switch s := l.(type) {
		case nil:
		case string:
			parts = append(parts, s)
		default:
			return "", fmt.Errorf("line %d: expected string or null, got %s", i, kind(l))
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

// fields reads typed values out of decoded objects and keeps the first
// failure, so a whole record can be read without checking every access.
type fields struct {
	facilityID string
	prefix     string
	err        *SchemaError
}

func (f *fields) fail(key, reason string) {
	if f.err == nil {
		f.err = &SchemaError{Path: f.prefix + key, FacilityID: f.facilityID, Reason: reason}
	}
}

func (f *fields) lookup(obj map[string]any, key string) (any, bool) {
	if f.err != nil {
		return nil, false
	}
	v, ok := obj[key]
	if !ok {
		f.fail(key, "missing")
		return nil, false
	}
	return v, true
}

func (f *fields) str(obj map[string]any, key string, nullable bool) string {
	v, ok := f.lookup(obj, key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case nil:
		if nullable {
			return ""
		}
		f.fail(key, "must not be null")
	case json.Number:
		// Vendors publish some identifiers (postal codes, phones) as bare numbers.
		return s.String()
	default:
		f.fail(key, "expected string, got "+kind(v))
	}
	return ""
}

func (f *fields) boolean(obj map[string]any, key string) bool {
	v, ok := f.lookup(obj, key)
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	if !isBool {
		f.fail(key, "expected boolean, got "+kind(v))
	}
	return b
}

func (f *fields) integer(obj map[string]any, key string) int64 {
	v, ok := f.lookup(obj, key)
	if !ok {
		return 0
	}
	n, isNum := v.(json.Number)
	if !isNum {
		f.fail(key, "expected integer, got "+kind(v))
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		// Accept integral floats such as 12.0.
		fl, ferr := n.Float64()
		if ferr != nil || fl != math.Trunc(fl) {
			f.fail(key, "expected integer, got "+n.String())
			return 0
		}
		return int64(fl)
	}
	return i
}

func (f *fields) float(obj map[string]any, key string, nullable bool) float64 {
	v, ok := f.lookup(obj, key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case json.Number:
		fl, err := n.Float64()
		if err != nil {
			f.fail(key, "expected number, got "+n.String())
			return 0
		}
		return fl
	case nil:
		if nullable {
			return math.NaN()
		}
		f.fail(key, "must not be null")
	default:
		f.fail(key, "expected number, got "+kind(v))
	}
	return 0
}

func (f *fields) object(obj map[string]any, key string) map[string]any {
	v, ok := f.lookup(obj, key)
	if !ok {
		return nil
	}
	return f.asObject(v, f.prefix+key)
}

// asObject checks that v, found at the full path, is an object.
func (f *fields) asObject(v any, path string) map[string]any {
	if f.err != nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.err = &SchemaError{Path: path, FacilityID: f.facilityID, Reason: "expected object, got " + kind(v)}
	}
	return m
}

func (f *fields) array(obj map[string]any, key string) []any {
	v, ok := f.lookup(obj, key)
	if !ok {
		return nil
	}
	a, isArr := v.([]any)
	if !isArr {
		f.fail(key, "expected array, got "+kind(v))
	}
	return a
}

func (f *fields) address(obj map[string]any, key string) string {
	lines := f.array(obj, key)
	if f.err != nil {
		return ""
	}
	s, err := JoinAddress(lines)
	if err != nil {
		f.fail(key, err.Error())
	}
	return s
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ProgressEvery is how often Collect logs progress, in facilities.
const ProgressEvery = 100000

// Collect extracts every value of a decoded document into one batch for
// date. The first decode or schema failure aborts the whole batch.
func Collect(values iter.Seq2[stacked.Value, error], date string, log *slog.Logger) (*domain.Batch, error) {
	return CollectEvery(values, date, ProgressEvery, log)
}

// CollectEvery is Collect with a progress interval of every facilities.
func CollectEvery(values iter.Seq2[stacked.Value, error], date string, every int, log *slog.Logger) (*domain.Batch, error) {
	if every <= 0 {
		every = ProgressEvery
	}
	b := &domain.Batch{Date: date}
	count := 0
	for v, err := range values {
		if err != nil {
			return nil, err
		}
		fac, cats, revs, err := Extract(v.Data)
		if err != nil {
			return nil, fmt.Errorf("value at offset %d: %w", v.Offset, err)
		}
		b.Facilities = append(b.Facilities, fac)
		b.Categories = append(b.Categories, cats...)
		b.Reviews = append(b.Reviews, revs...)

		if count%every == 0 {
			log.Info("facilities processed", "date", date, "count", count)
		}
		count++
	}
	log.Info("extraction complete",
		"date", date,
		"facilities", len(b.Facilities),
		"categories", len(b.Categories),
		"reviews", len(b.Reviews),
	)
	return b, nil
}
