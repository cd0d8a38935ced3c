// Package pipeline drives one daily run: discover unseen source archives,
// fetch and decompress each, extract and materialise its tables, merge its
// summary into the ledger and stage every artifact.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"yelpetl/internal/config"
	"yelpetl/internal/objstore"
	"yelpetl/internal/stage"
	"yelpetl/internal/store"
	"yelpetl/internal/table"
	"yelpetl/internal/util"
)

// Dirs are the local staging directories, one per artifact class.
type Dirs struct {
	Archive  string
	Document string
	Tables   string
	Summary  string
}

// Deps holds everything a Pipeline needs. Stores and classes are built by
// the caller, so tests can substitute in-memory backends.
type Deps struct {
	// Source is the vendor store; SourcePrefix narrows its listing.
	Source       objstore.Store
	SourcePrefix string

	// Terminal is the archive destination. A source whose base name is
	// present there has been processed.
	Terminal objstore.Store

	// Ledger holds the canonical ledger object.
	Ledger objstore.Store

	// Classes configure staging; Dir of each class should match Dirs.
	Classes []stage.Class

	Dirs          Dirs
	Tables        table.Options
	ProgressEvery int
	Backoff       util.Backoff
	Limiter       *util.RateLimiter

	Journal store.Journal
	Logger  *slog.Logger

	Now      func() time.Time
	NewRunID func() string
}

// SourceResult is the outcome of one processed source.
type SourceResult struct {
	Key         string
	Date        string
	Facilities  int
	Categories  int
	Reviews     int
	LedgerAdded bool // false when the date was already in the ledger
	Staged      []stage.ClassResult
}

// RunResult summarises a run. Processed lists completed sources in order.
type RunResult struct {
	RunID     string
	StartedAt time.Time
	Unseen    int
	Processed []SourceResult
}

// Pipeline runs the daily job.
type Pipeline struct {
	d   Deps
	log *slog.Logger
}

// New returns a pipeline over d, filling unset optional fields.
func New(d Deps) *Pipeline {
	if d.Journal == nil {
		d.Journal = store.Nop{}
	}
	if d.Logger == nil {
		d.Logger = util.Discard()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewRunID == nil {
		d.NewRunID = uuid.NewString
	}
	return &Pipeline{d: d, log: d.Logger}
}

// Run performs one pass. Unseen sources are processed in key order; the
// first failure aborts the run and is returned as a *StageError (or a
// *config.ConfigError from the pre-flight check). Sources completed before
// the failure are listed in the result.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{RunID: p.d.NewRunID(), StartedAt: p.d.Now()}
	log := p.log.With("run_id", res.RunID)

	if err := p.d.Journal.StartRun(ctx, res.RunID, res.StartedAt); err != nil {
		log.Warn("journal unavailable", "error", err)
	}

	err := p.run(ctx, res, log)

	status := store.StatusSucceeded
	if err != nil {
		status = store.StatusFailed
		log.Error("run failed", "processed", len(res.Processed), "error", err)
	} else {
		log.Info("run complete", "unseen", res.Unseen, "processed", len(res.Processed),
			"elapsed", p.d.Now().Sub(res.StartedAt).Round(time.Millisecond))
	}
	if jerr := p.d.Journal.FinishRun(context.WithoutCancel(ctx), res.RunID, p.d.Now(), status, err); jerr != nil {
		log.Warn("journal finish failed", "error", jerr)
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, res *RunResult, log *slog.Logger) error {
	if err := p.preflight(); err != nil {
		return err
	}

	unseen, err := p.Discover(ctx)
	if err != nil {
		return stepError(StepDiscover, "", err)
	}
	res.Unseen = len(unseen)
	log.Info("discovered sources", "unseen", len(unseen))

	stager := stage.New(p.d.Classes, stage.Options{
		Logger:  log,
		Backoff: p.d.Backoff,
		Limiter: p.d.Limiter,
		Observe: p.journalTransfer(ctx, res.RunID, log),
	})

	for _, key := range unseen {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr, err := p.process(ctx, stager, key, log.With("source", key))
		rec := store.SourceRecord{
			RunID:      res.RunID,
			Key:        key,
			Date:       sr.Date,
			Status:     store.StatusSucceeded,
			Facilities: sr.Facilities,
			Categories: sr.Categories,
			Reviews:    sr.Reviews,
		}
		if err != nil {
			rec.Status, rec.Error = store.StatusFailed, err.Error()
		}
		if jerr := p.d.Journal.RecordSource(ctx, rec); jerr != nil {
			log.Warn("journal record failed", "source", key, "error", jerr)
		}
		if err != nil {
			return err
		}
		res.Processed = append(res.Processed, sr)
	}
	return nil
}

// preflight verifies the staging directories before any network call.
func (p *Pipeline) preflight() error {
	dirs := []struct{ field, path string }{
		{"staging.archive_dir", p.d.Dirs.Archive},
		{"staging.document_dir", p.d.Dirs.Document},
		{"staging.tables_dir", p.d.Dirs.Tables},
		{"staging.summary_dir", p.d.Dirs.Summary},
	}
	for _, d := range dirs {
		if d.path == "" {
			return &config.ConfigError{Field: d.field, Reason: "is required"}
		}
		info, err := os.Stat(d.path)
		if err != nil || !info.IsDir() {
			return &config.ConfigError{Field: d.field, Reason: fmt.Sprintf("directory %q does not exist", d.path)}
		}
	}
	return nil
}

// Discover lists the source keys whose base name is absent from the
// terminal store, sorted by key. Directory placeholders and keys that are
// not gzip archives are ignored.
func (p *Pipeline) Discover(ctx context.Context) ([]string, error) {
	var sources []string
	err := util.Retry(ctx, p.d.Backoff, func() (err error) {
		sources, err = p.d.Source.List(ctx, p.d.SourcePrefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	var done []string
	err = util.Retry(ctx, p.d.Backoff, func() (err error) {
		done, err = p.d.Terminal.List(ctx, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(done))
	for _, k := range done {
		seen[objstore.Base(k)] = true
	}

	var unseen []string
	for _, k := range sources {
		base := objstore.Base(k)
		switch {
		case base == "":
		case !strings.HasSuffix(base, ".gz"):
			p.log.Debug("ignoring non-archive source", "key", k)
		case seen[base]:
		default:
			seen[base] = true
			unseen = append(unseen, k)
		}
	}
	sort.Strings(unseen)
	return unseen, nil
}

func (p *Pipeline) journalTransfer(ctx context.Context, runID string, log *slog.Logger) func(stage.Transfer) {
	return func(t stage.Transfer) {
		rec := store.TransferRecord{
			RunID:     runID,
			Class:     t.Class,
			LocalPath: t.Path,
			Dest:      t.Store,
			Key:       t.Key,
			Outcome:   string(t.Outcome),
			At:        p.d.Now(),
		}
		if t.Err != nil {
			rec.Error = t.Err.Error()
		}
		if err := p.d.Journal.RecordTransfer(ctx, rec); err != nil {
			log.Warn("journal record failed", "path", t.Path, "error", err)
		}
	}
}
