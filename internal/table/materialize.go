package table

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"yelpetl/internal/domain"
)

// Table names used in output file names: <date>_<name>.<ext>.
const (
	FacilitiesName = "facilities"
	CategoriesName = "categories"
	ReviewsName    = "reviews"
)

// Options controls which formats Materialize writes.
type Options struct {
	Parquet bool // also write .parquet next to each .csv
}

// FileName returns the output file name for a table of the given date.
func FileName(date, name, ext string) string {
	return date + "_" + name + "." + ext
}

// Materialize writes the three tables of b into dir and returns the paths
// written, in order.
func Materialize(dir string, b *domain.Batch, opts Options) ([]string, error) {
	var paths []string

	csvs := []struct {
		name  string
		write func(io.Writer) error
	}{
		{FacilitiesName, func(w io.Writer) error { return Facilities.WriteCSV(w, b.Facilities) }},
		{CategoriesName, func(w io.Writer) error { return Categories.WriteCSV(w, b.Categories) }},
		{ReviewsName, func(w io.Writer) error { return Reviews.WriteCSV(w, b.Reviews) }},
	}
	for _, t := range csvs {
		path := filepath.Join(dir, FileName(b.Date, t.name, "csv"))
		if err := writeFile(path, t.write); err != nil {
			return paths, fmt.Errorf("writing %s table for %s: %w", t.name, b.Date, err)
		}
		paths = append(paths, path)
	}

	if !opts.Parquet {
		return paths, nil
	}

	pq := []struct {
		name  string
		write func(string) error
	}{
		{FacilitiesName, func(p string) error { return writeParquetFile(p, facilityRecords(b.Facilities)) }},
		{CategoriesName, func(p string) error { return writeParquetFile(p, categoryRecords(b.Categories)) }},
		{ReviewsName, func(p string) error { return writeParquetFile(p, reviewRecords(b.Reviews)) }},
	}
	for _, t := range pq {
		path := filepath.Join(dir, FileName(b.Date, t.name, "parquet"))
		if err := t.write(path); err != nil {
			os.Remove(path)
			return paths, fmt.Errorf("writing %s parquet for %s: %w", t.name, b.Date, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadFacilitiesCSV loads a facility table written by Materialize.
func ReadFacilitiesCSV(path string) ([]domain.Facility, error) {
	return readCSVFile(path, Facilities)
}

// ReadCategoriesCSV loads a category table written by Materialize.
func ReadCategoriesCSV(path string) ([]domain.Category, error) {
	return readCSVFile(path, Categories)
}

// ReadReviewsCSV loads a review table written by Materialize.
func ReadReviewsCSV(path string) ([]domain.Review, error) {
	return readCSVFile(path, Reviews)
}

// ReadParquet loads a Parquet table written by Materialize; T is one of the
// *Record types.
func ReadParquet[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

func readCSVFile[T any](path string, s Schema[T]) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.ReadCSV(f)
}

// writeFile creates path, runs write and removes the partial file on failure.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// WriteCSVFile writes rows with schema s to path.
func WriteCSVFile[T any](path string, s Schema[T], rows []T) error {
	return writeFile(path, func(w io.Writer) error { return s.WriteCSV(w, rows) })
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
