// Package table materialises extracted rows into fixed-column tables,
// computes the per-date summary statistics, and reads and writes the tables
// as CSV and Parquet.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Column maps one named CSV column onto a field of T.
type Column[T any] struct {
	Name string
	// Aliases are alternative header names accepted when reading.
	Aliases []string
	Get     func(*T) string
	Set     func(*T, string) error
}

// Schema is an ordered list of columns. Column order is part of the output
// contract for downstream consumers.
type Schema[T any] struct {
	Columns []Column[T]
}

// Header returns the column names in order.
func (s Schema[T]) Header() []string {
	h := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		h[i] = c.Name
	}
	return h
}

// WriteCSV writes a header row followed by one record per row.
func (s Schema[T]) WriteCSV(w io.Writer, rows []T) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.Header()); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}
	rec := make([]string, len(s.Columns))
	for i := range rows {
		for j, c := range s.Columns {
			rec[j] = c.Get(&rows[i])
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("csv: write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads rows written by WriteCSV. Columns are matched by header name
// (or alias), so extra columns such as a leading unnamed index are ignored.
// Every schema column must be present.
func (s Schema[T]) ReadCSV(r io.Reader) ([]T, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}

	idx := make([]int, len(s.Columns))
	for j, c := range s.Columns {
		i, ok := pos[c.Name]
		for _, a := range c.Aliases {
			if ok {
				break
			}
			i, ok = pos[a]
		}
		if !ok {
			return nil, fmt.Errorf("csv: missing column %q", c.Name)
		}
		idx[j] = i
	}

	var rows []T
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read line %d: %w", line, err)
		}
		var row T
		for j, c := range s.Columns {
			if idx[j] >= len(rec) {
				return nil, fmt.Errorf("csv: line %d: missing value for %q", line, c.Name)
			}
			if err := c.Set(&row, rec[idx[j]]); err != nil {
				return nil, fmt.Errorf("csv: line %d column %q: %w", line, c.Name, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Cell codecs
// ---------------------------------------------------------------------------

// FormatFloat uses the shortest representation that parses back to the
// same value. NaN is written as an empty cell.
func FormatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ParseFloat is the inverse of FormatFloat.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func FormatInt(i int64) string { return strconv.FormatInt(i, 10) }

// ParseInt accepts integral floats ("12.0") written by pandas for
// columns that once held a missing value.
func ParseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, err
	}
	return int64(f), nil
}

func FormatBool(b bool) string { return strconv.FormatBool(b) }

// ParseBool also accepts the True/False spelling used by pandas.
func ParseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

// Helpers for building columns over struct fields.

func stringCol[T any](name string, field func(*T) *string) Column[T] {
	return Column[T]{
		Name: name,
		Get:  func(r *T) string { return *field(r) },
		Set:  func(r *T, v string) error { *field(r) = v; return nil },
	}
}

func floatCol[T any](name string, field func(*T) *float64, aliases ...string) Column[T] {
	return Column[T]{
		Name:    name,
		Aliases: aliases,
		Get:     func(r *T) string { return FormatFloat(*field(r)) },
		Set: func(r *T, v string) (err error) {
			*field(r), err = ParseFloat(v)
			return err
		},
	}
}

func intCol[T any](name string, field func(*T) *int64, aliases ...string) Column[T] {
	return Column[T]{
		Name:    name,
		Aliases: aliases,
		Get:     func(r *T) string { return FormatInt(*field(r)) },
		Set: func(r *T, v string) (err error) {
			*field(r), err = ParseInt(v)
			return err
		},
	}
}

func boolCol[T any](name string, field func(*T) *bool) Column[T] {
	return Column[T]{
		Name: name,
		Get:  func(r *T) string { return FormatBool(*field(r)) },
		Set: func(r *T, v string) (err error) {
			*field(r), err = ParseBool(v)
			return err
		},
	}
}
