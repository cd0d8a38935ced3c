package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"yelpetl/internal/domain"
	"yelpetl/internal/extract"
	"yelpetl/internal/ledger"
	"yelpetl/internal/objstore"
	"yelpetl/internal/stacked"
	"yelpetl/internal/stage"
	"yelpetl/internal/table"
	"yelpetl/internal/util"
)

// process runs FETCH through STAGE for one source key.
func (p *Pipeline) process(ctx context.Context, stager *stage.Stager, key string, log *slog.Logger) (SourceResult, error) {
	sr := SourceResult{Key: key}
	name := objstore.Base(key)
	docName := strings.TrimSuffix(name, ".gz")

	date, err := domain.DateKeyFromName(docName)
	if err != nil {
		return sr, stepError(StepExtract, key, err)
	}
	sr.Date = date
	log = log.With("date", date)

	// FETCH
	archivePath := filepath.Join(p.d.Dirs.Archive, name)
	if err := p.fetch(ctx, key, archivePath, log); err != nil {
		return sr, stepError(StepFetch, key, err)
	}
	docPath := filepath.Join(p.d.Dirs.Document, docName)
	if err := gunzip(archivePath, docPath); err != nil {
		return sr, stepError(StepFetch, key, err)
	}

	// EXTRACT
	batch, err := p.extract(docPath, date, log)
	if err != nil {
		return sr, stepError(StepExtract, key, err)
	}
	sr.Facilities, sr.Categories, sr.Reviews = len(batch.Facilities), len(batch.Categories), len(batch.Reviews)

	// MATERIALIZE
	paths, err := table.Materialize(p.d.Dirs.Tables, batch, p.d.Tables)
	if err != nil {
		return sr, stepError(StepMaterialize, key, err)
	}
	log.Info("tables written", "files", len(paths))

	// MERGE
	added, ledgerPaths, err := p.merge(ctx, table.Summarize(batch), log)
	if err != nil {
		return sr, stepError(StepMerge, key, err)
	}
	sr.LedgerAdded = added

	// STAGE only this source's files; leftovers of earlier failed sources
	// stay local. The archive goes last: its arrival in the terminal store
	// marks the source done.
	results, err := stager.StageAll(ctx,
		stage.Selection{Class: stage.Summary, Paths: ledgerPaths},
		stage.Selection{Class: stage.Tables, Paths: paths},
		stage.Selection{Class: stage.Document, Paths: []string{docPath}},
	)
	sr.Staged = results
	if err != nil {
		log.Warn("archive not staged; source stays unprocessed")
		return sr, stepError(StepStage, key, err)
	}
	res, err := stager.StageFiles(ctx, stage.Archive, []string{archivePath})
	sr.Staged = append(sr.Staged, res)
	if err != nil {
		return sr, stepError(StepStage, key, err)
	}

	log.Info("source processed",
		"facilities", sr.Facilities,
		"categories", sr.Categories,
		"reviews", sr.Reviews,
		"ledger_added", sr.LedgerAdded,
	)
	return sr, nil
}

// fetch downloads key to path through a temporary file.
func (p *Pipeline) fetch(ctx context.Context, key, path string, log *slog.Logger) error {
	tmp := path + ".part"
	var n int64
	err := util.Retry(ctx, p.d.Backoff, func() error {
		if err := p.d.Limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		rc, err := p.d.Source.Get(ctx, key)
		if objstore.IsNotFound(err) {
			return util.Permanent(err)
		}
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(tmp)
		if err != nil {
			return util.Permanent(err)
		}
		n, err = io.Copy(f, rc)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Info("fetched source", "path", path, "size", humanize.Bytes(uint64(n)))
	return nil
}

// gunzip decompresses src into dst, replacing any earlier copy.
func gunzip(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", filepath.Base(src), err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, zr); err != nil {
		return fmt.Errorf("gunzip %s: %w", filepath.Base(src), err)
	}
	return nil
}

func (p *Pipeline) extract(path, date string, log *slog.Logger) (*domain.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return extract.CollectEvery(stacked.Stream(f, 0), date, p.d.ProgressEvery, log)
}

// merge folds row into the stored ledger and writes the canonical and dated
// files into the summary directory for staging. It returns the written
// paths.
func (p *Pipeline) merge(ctx context.Context, row domain.DailySummary, log *slog.Logger) (bool, []string, error) {
	var l *ledger.Ledger
	err := util.Retry(ctx, p.d.Backoff, func() (err error) {
		l, err = ledger.Load(ctx, p.d.Ledger, ledger.FileName)
		var te *objstore.TransportError
		if err != nil && !errors.As(err, &te) {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		return false, nil, err
	}

	added := l.Merge(row)
	if !added {
		log.Warn("date already in ledger; keeping existing row")
	}
	paths, err := l.WriteFiles(p.d.Dirs.Summary, row.Date)
	if err != nil {
		return false, nil, err
	}
	log.Info("ledger updated", "rows", l.Len(), "added", added)
	return added, paths, nil
}
