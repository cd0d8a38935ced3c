// Package stage moves local artifacts to their object-store destinations
// and removes each local copy once every destination holds it.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"yelpetl/internal/objstore"
	"yelpetl/internal/util"
)

// Artifact class names.
const (
	Archive  = "archive"  // compressed source as fetched
	Document = "document" // decompressed stacked JSON
	Tables   = "tables"   // per-date CSV and Parquet tables
	Summary  = "summary"  // canonical and dated ledger
)

// Destination is one store a class is copied to.
type Destination struct {
	Store        objstore.Store
	StorageClass objstore.StorageClass
	// Overwrite replaces an existing object instead of skipping it.
	Overwrite bool
}

// Class describes one kind of artifact: where it lives locally, which files
// belong to it and where they go.
type Class struct {
	Name         string
	Dir          string
	Patterns     []string // matched against base names with filepath.Match
	Destinations []Destination
}

func (c Class) matches(name string) bool {
	for _, p := range c.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Outcome is the result of one file/destination transfer.
type Outcome string

const (
	Uploaded Outcome = "uploaded"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
	Removed  Outcome = "removed"
)

// Transfer is reported to the observer for every file/destination pair and
// for each local removal (Store and Key empty).
type Transfer struct {
	Class   string
	Path    string
	Store   string
	Key     string
	Outcome Outcome
	Err     error
}

// FileError records a file that could not be staged or removed. The local
// file is still present.
type FileError struct {
	Path  string
	Store string
	Key   string
	Err   error
}

func (e *FileError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("stage %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("stage %s -> %s/%s: %v", e.Path, e.Store, e.Key, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// ClassResult summarises one Stage call. Uploaded and Skipped count
// transfers; Removed counts local files deleted.
type ClassResult struct {
	Class    string
	Files    int
	Uploaded int
	Skipped  int
	Removed  int
	Bytes    int64
	Failed   []*FileError
}

// OK reports whether every file was confirmed and removed.
func (r ClassResult) OK() bool { return len(r.Failed) == 0 }

// Err joins the failures, or returns nil.
func (r ClassResult) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return fmt.Errorf("stage %s: %d of %d files failed: %w", r.Class, len(r.Failed), r.Files, errors.Join(errs...))
}

// Options tunes a Stager.
type Options struct {
	Logger  *slog.Logger
	Backoff util.Backoff
	Limiter *util.RateLimiter
	// Observe, when set, is called for every transfer.
	Observe func(Transfer)
}

// Stager stages artifact classes.
type Stager struct {
	classes map[string]Class
	order   []string
	opts    Options
	log     *slog.Logger
}

// New returns a stager for classes, keyed by Class.Name.
func New(classes []Class, opts Options) *Stager {
	s := &Stager{classes: make(map[string]Class, len(classes)), opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = util.Discard()
	}
	for _, c := range classes {
		s.classes[c.Name] = c
		s.order = append(s.order, c.Name)
	}
	return s
}

// Class returns the named class.
func (s *Stager) Class(name string) (Class, bool) {
	c, ok := s.classes[name]
	return c, ok
}

// Names returns the configured class names in configuration order.
func (s *Stager) Names() []string { return append([]string(nil), s.order...) }

// Stage copies every file of the named class to all of its destinations.
// A file whose key already exists at a destination is skipped there unless
// the destination overwrites. The local file is removed only after every
// destination holds it; otherwise it is kept and reported in Failed. An
// empty or missing class directory is a no-op.
func (s *Stager) Stage(ctx context.Context, name string) (ClassResult, error) {
	c, ok := s.classes[name]
	if !ok {
		return ClassResult{Class: name}, fmt.Errorf("stage: unknown class %q", name)
	}
	files, err := c.files()
	if err != nil {
		return ClassResult{Class: name}, fmt.Errorf("stage %s: scan %s: %w", name, c.Dir, err)
	}
	return s.stage(ctx, c, files, nil)
}

// StageFiles is Stage restricted to paths, which must lie under the class
// directory. Patterns are not applied, and other files in the directory are
// left alone. A path that is missing or outside the directory is reported
// in Failed. No paths is a no-op.
func (s *Stager) StageFiles(ctx context.Context, name string, paths []string) (ClassResult, error) {
	c, ok := s.classes[name]
	if !ok {
		return ClassResult{Class: name}, fmt.Errorf("stage: unknown class %q", name)
	}
	var (
		files []file
		bad   []*FileError
	)
	for _, p := range paths {
		f, err := c.file(p)
		if err != nil {
			bad = append(bad, &FileError{Path: p, Err: err})
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].key < files[j].key })
	return s.stage(ctx, c, files, bad)
}

func (s *Stager) stage(ctx context.Context, c Class, files []file, bad []*FileError) (ClassResult, error) {
	name := c.Name
	res := ClassResult{Class: name, Files: len(files) + len(bad)}
	log := s.log.With("class", name)

	for _, fe := range bad {
		res.Failed = append(res.Failed, fe)
		log.Error("cannot stage", "path", fe.Path, "error", fe.Err)
		s.observe(Transfer{Class: name, Path: fe.Path, Outcome: Failed, Err: fe.Err})
	}
	if len(files) == 0 {
		log.Debug("nothing to stage", "dir", c.Dir)
		return res, res.Err()
	}

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.key
	}

	// One listing per destination, narrowed to the keys' common prefix.
	existing := make([]map[string]bool, len(c.Destinations))
	listErr := make([]error, len(c.Destinations))
	prefix := commonPrefix(keys)
	for i, d := range c.Destinations {
		if d.Overwrite {
			continue
		}
		listed, err := d.Store.List(ctx, prefix)
		if err != nil {
			listErr[i] = err
			log.Warn("listing destination failed", "store", d.Store.Name(), "error", err)
			continue
		}
		existing[i] = make(map[string]bool, len(listed))
		for _, k := range listed {
			existing[i][k] = true
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		confirmed := true
		for i, d := range c.Destinations {
			t := Transfer{Class: name, Path: f.path, Store: d.Store.Name(), Key: f.key}
			switch {
			case listErr[i] != nil:
				t.Outcome, t.Err = Failed, listErr[i]
			case !d.Overwrite && existing[i][f.key]:
				t.Outcome = Skipped
			default:
				if err := s.put(ctx, d, f); err != nil {
					t.Outcome, t.Err = Failed, err
				} else {
					t.Outcome = Uploaded
				}
			}

			switch t.Outcome {
			case Uploaded:
				res.Uploaded++
				res.Bytes += f.size
				log.Debug("uploaded", "key", f.key, "store", t.Store,
					"storage_class", string(d.StorageClass), "size", humanize.Bytes(uint64(f.size)))
			case Skipped:
				res.Skipped++
				log.Debug("already present", "key", f.key, "store", t.Store)
			case Failed:
				confirmed = false
				res.Failed = append(res.Failed, &FileError{Path: f.path, Store: t.Store, Key: f.key, Err: t.Err})
				log.Error("transfer failed", "key", f.key, "store", t.Store, "error", t.Err)
			}
			s.observe(t)
		}

		if !confirmed {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			res.Failed = append(res.Failed, &FileError{Path: f.path, Err: err})
			s.observe(Transfer{Class: name, Path: f.path, Outcome: Failed, Err: err})
			continue
		}
		res.Removed++
		s.observe(Transfer{Class: name, Path: f.path, Outcome: Removed})
	}

	log.Info("class staged",
		"files", res.Files,
		"uploaded", res.Uploaded,
		"skipped", res.Skipped,
		"removed", res.Removed,
		"failed", len(res.Failed),
		"bytes", humanize.Bytes(uint64(res.Bytes)),
	)
	return res, res.Err()
}

// Selection names the files of one class to stage.
type Selection struct {
	Class string
	Paths []string
}

// StageAll stages each selection in order with StageFiles, continuing past
// failures, and returns the joined error.
func (s *Stager) StageAll(ctx context.Context, sels ...Selection) ([]ClassResult, error) {
	var (
		results []ClassResult
		errs    []error
	)
	for _, sel := range sels {
		res, err := s.StageFiles(ctx, sel.Class, sel.Paths)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}

func (s *Stager) put(ctx context.Context, d Destination, f file) error {
	return util.Retry(ctx, s.opts.Backoff, func() error {
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		body, err := os.Open(f.path)
		if err != nil {
			return util.Permanent(err)
		}
		defer body.Close()
		return d.Store.Put(ctx, f.key, body, d.StorageClass)
	})
}

func (s *Stager) observe(t Transfer) {
	if s.opts.Observe != nil {
		s.opts.Observe(t)
	}
}

type file struct {
	path string
	key  string // slash-separated path relative to the class directory
	size int64
}

func (c Class) files() ([]file, error) {
	var out []file
	err := filepath.WalkDir(c.Dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == c.Dir {
				return fs.SkipAll
			}
			return err
		}
		if e.IsDir() || !c.matches(e.Name()) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.Dir, path)
		if err != nil {
			return err
		}
		out = append(out, file{path: path, key: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, err
}

func (c Class) file(path string) (file, error) {
	rel, err := filepath.Rel(c.Dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return file{}, fmt.Errorf("%s is outside %s", path, c.Dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		return file{}, err
	}
	if info.IsDir() {
		return file{}, fmt.Errorf("%s is a directory", path)
	}
	return file{path: path, key: filepath.ToSlash(rel), size: info.Size()}, nil
}

func commonPrefix(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	p := keys[0]
	for _, k := range keys[1:] {
		for !strings.HasPrefix(k, p) {
			p = p[:len(p)-1]
		}
	}
	return p
}
