package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"yelpetl/internal/config"
	"yelpetl/internal/extract"
	"yelpetl/internal/ledger"
	"yelpetl/internal/objstore"
	"yelpetl/internal/stacked"
	"yelpetl/internal/store"
	"yelpetl/internal/table"
)

// facility renders one vendor record with the given categories and review
// ratings.
func facility(id string, rating float64, reviewCount int, aliases []string, reviews []float64) string {
	var cats, revs []string
	for _, a := range aliases {
		cats = append(cats, fmt.Sprintf(`{"alias": %q, "title": %q}`, a, strings.ToUpper(a)))
	}
	for i, r := range reviews {
		revs = append(revs, fmt.Sprintf(`{"id": "%s-r%d", "rating": %g, "text": "ok", "user": {"name": "u%d"},
			"created": "2023-12-01 10:00:00", "url": "https://example.com/r", "is_selected": false}`, id, i, r, i))
	}
	return fmt.Sprintf(`{"id": %q, "name": "Place %s", "is_closed": false, "review_count": %d, "rating": %g,
		"time_updated": "2024-01-01T00:00:00", "phone": null, "business_url": "", "url": "https://example.com/%s",
		"location": {"address": ["1 Main St"], "city": "Philadelphia", "state": "PA", "country": "US",
			"postal_code": "19104", "coordinate": {"latitude": 39.95, "longitude": null}},
		"categories": [%s], "reviews": [%s]}`,
		id, id, reviewCount, rating, id, strings.Join(cats, ", "), strings.Join(revs, ", "))
}

// twoFacilities is one facility with nothing attached and one with three
// reviews and two categories.
var twoFacilities = facility("a", 3, 0, nil, nil) + "\n" +
	facility("b", 4.5, 10, []string{"delis", "bakeries"}, []float64{5, 4, 2}) + "\n"

func gz(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	root string
	dirs Dirs
	cfg  *config.Config

	source, zip, json, masterGlacier, master, aux *objstore.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root: root,
		dirs: Dirs{
			Archive:  filepath.Join(root, "zip"),
			Document: filepath.Join(root, "json"),
			Tables:   filepath.Join(root, "master"),
			Summary:  filepath.Join(root, "summary"),
		},
		source:        objstore.NewMemStore("yelp-syndication"),
		zip:           objstore.NewMemStore("zip"),
		json:          objstore.NewMemStore("json"),
		masterGlacier: objstore.NewMemStore("master-glacier"),
		master:        objstore.NewMemStore("master"),
		aux:           objstore.NewMemStore("aux"),
	}
	for _, d := range []string{f.dirs.Archive, f.dirs.Document, f.dirs.Tables, f.dirs.Summary} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	f.cfg = &config.Config{
		Source: config.Source{Bucket: "yelp-syndication", Prefix: "upenn/"},
		Stores: config.Stores{
			ZipGlacier:    config.Bucket{Bucket: "zip", StorageClass: "DEEP_ARCHIVE"},
			JSONGlacier:   config.Bucket{Bucket: "json", StorageClass: "DEEP_ARCHIVE"},
			MasterGlacier: config.Bucket{Bucket: "master-glacier", StorageClass: "DEEP_ARCHIVE"},
			Master:        config.Bucket{Bucket: "master", StorageClass: "STANDARD_IA"},
			Aux:           config.Bucket{Bucket: "aux", StorageClass: "STANDARD"},
		},
		Staging: config.Staging{
			Root:        root,
			ArchiveDir:  f.dirs.Archive,
			DocumentDir: f.dirs.Document,
			TablesDir:   f.dirs.Tables,
			SummaryDir:  f.dirs.Summary,
		},
		Transfer: config.Transfer{MaxAttempts: 1},
		Extract:  config.Extract{ProgressEvery: 1},
	}
	return f
}

func (f *fixture) stores() Stores {
	return Stores{
		Source:        f.source,
		ZipGlacier:    f.zip,
		JSONGlacier:   f.json,
		MasterGlacier: f.masterGlacier,
		Master:        f.master,
		Aux:           f.aux,
	}
}

func (f *fixture) pipeline(t *testing.T, journal store.Journal) *Pipeline {
	t.Helper()
	d, err := DepsFromConfig(f.cfg, f.stores())
	if err != nil {
		t.Fatalf("DepsFromConfig: %v", err)
	}
	d.Journal = journal
	d.Now = func() time.Time { return time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC) }
	d.NewRunID = func() string { return "run-test" }
	return New(d)
}

func (f *fixture) auxLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Load(context.Background(), f.aux, ledger.FileName)
	if err != nil {
		t.Fatalf("load aux ledger: %v", err)
	}
	return l
}

func emptyDir(t *testing.T, dir string) bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries) == 0
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))

	res, err := f.pipeline(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID != "run-test" || res.Unseen != 1 || len(res.Processed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	sr := res.Processed[0]
	if sr.Date != "20240101" || sr.Facilities != 2 || sr.Categories != 2 || sr.Reviews != 3 || !sr.LedgerAdded {
		t.Errorf("source result = %+v", sr)
	}

	// Tables reach both master stores with their tiers.
	data, class, ok := f.master.Object("20240101_facilities.csv")
	if !ok || class != objstore.StandardIA {
		t.Fatalf("master facilities = ok %v class %s", ok, class)
	}
	facs, err := table.Facilities.ReadCSV(bytes.NewReader(data))
	if err != nil || len(facs) != 2 {
		t.Errorf("facility table = %d rows, %v", len(facs), err)
	}
	data, class, _ = f.masterGlacier.Object("20240101_categories.csv")
	if cats, _ := table.Categories.ReadCSV(bytes.NewReader(data)); len(cats) != 2 || class != objstore.DeepArchive {
		t.Errorf("category table = %d rows, class %s", len(cats), class)
	}
	data, _, _ = f.master.Object("20240101_reviews.csv")
	if revs, _ := table.Reviews.ReadCSV(bytes.NewReader(data)); len(revs) != 3 {
		t.Errorf("review table = %d rows, want 3", len(revs))
	}

	// Archive and document are deep-archived under their file names.
	if _, class, ok := f.zip.Object("20240101_upenn.json.gz"); !ok || class != objstore.DeepArchive {
		t.Errorf("archive ok %v class %s", ok, class)
	}
	if data, _, ok := f.json.Object("20240101_upenn.json"); !ok || string(data) != twoFacilities {
		t.Errorf("document ok %v, content match %v", ok, string(data) == twoFacilities)
	}

	// The ledger and its dated copy reach the auxiliary store.
	row, ok := f.auxLedger(t).Get("20240101")
	if !ok {
		t.Fatal("ledger row missing")
	}
	if row.CategoryCount != 2 || row.FacilityCount != 2 || row.ReviewCount != 3 {
		t.Errorf("summary row = %+v", row)
	}
	if row.FacilityRatingMean != 3.75 || row.ReviewRatingMedian != 4 {
		t.Errorf("summary stats = %+v", row)
	}
	if _, class, ok := f.aux.Object("20240101_daily_data.csv"); !ok || class != objstore.Standard {
		t.Errorf("dated ledger ok %v class %s", ok, class)
	}

	for _, d := range []string{f.dirs.Archive, f.dirs.Document, f.dirs.Tables, f.dirs.Summary} {
		if !emptyDir(t, d) {
			t.Errorf("staging dir %s not emptied", d)
		}
	}
}

func TestRunParquetTables(t *testing.T) {
	f := newFixture(t)
	f.cfg.Tables.Parquet = true
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))

	if _, err := f.pipeline(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"facilities", "categories", "reviews"} {
		key := "20240101_" + name + ".parquet"
		if _, _, ok := f.master.Object(key); !ok {
			t.Errorf("%s missing from master", key)
		}
	}
}

func TestRunSkipsProcessedSources(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))
	f.zip.Set("20240101_upenn.json.gz", []byte("already archived"))

	res, err := f.pipeline(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Unseen != 0 || len(res.Processed) != 0 {
		t.Errorf("result = %+v, want nothing processed", res)
	}
	if len(f.aux.Puts()) != 0 {
		t.Error("ledger written with nothing to process")
	}
}

func TestDiscoverOrderAndFiltering(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/", nil)
	f.source.Set("upenn/20240103_upenn.json.gz", nil)
	f.source.Set("upenn/20240101_upenn.json.gz", nil)
	f.source.Set("upenn/readme.txt", nil)
	f.source.Set("upenn/20240102_upenn.json.gz", nil)
	f.source.Set("other/20231231_upenn.json.gz", nil)
	f.zip.Set("20240102_upenn.json.gz", nil)

	got, err := f.pipeline(t, nil).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"upenn/20240101_upenn.json.gz", "upenn/20240103_upenn.json.gz"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Discover = %v, want %v", got, want)
	}
}

func TestRunProcessesInOrder(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240102_upenn.json.gz", gz(t, facility("x", 2, 1, []string{"pizza"}, []float64{2})))
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))

	res, err := f.pipeline(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Processed) != 2 || res.Processed[0].Date != "20240101" || res.Processed[1].Date != "20240102" {
		t.Fatalf("processed = %+v", res.Processed)
	}
	rows := f.auxLedger(t).Rows()
	if len(rows) != 2 || rows[0].Date != "20240101" || rows[1].Date != "20240102" {
		t.Errorf("ledger rows = %+v", rows)
	}
}

func TestRunParseFailureLeavesSourceUnprocessed(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities+`{"id": "c", "name": `))
	f.source.Set("upenn/20240102_upenn.json.gz", gz(t, twoFacilities))

	res, err := f.pipeline(t, nil).Run(context.Background())
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("Run error = %v, want ErrExtract", err)
	}
	var pe *stacked.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("error %v does not wrap a ParseError", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Source != "upenn/20240101_upenn.json.gz" {
		t.Errorf("StageError = %+v", se)
	}
	if len(res.Processed) != 0 {
		t.Errorf("processed = %+v, want none", res.Processed)
	}
	if len(f.zip.Puts()) != 0 {
		t.Error("failed source archived as done")
	}
	if _, _, ok := f.aux.Object(ledger.FileName); ok {
		t.Error("ledger written for a failed source")
	}
}

func TestRunSchemaFailure(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, `{"id": "a", "name": "No rating"}`))

	_, err := f.pipeline(t, nil).Run(context.Background())
	var se *extract.SchemaError
	if !errors.As(err, &se) || !errors.Is(err, ErrExtract) {
		t.Fatalf("Run error = %v, want SchemaError", err)
	}
	if se.FacilityID != "a" {
		t.Errorf("SchemaError.FacilityID = %q, want a", se.FacilityID)
	}
}

func TestRunCorruptArchive(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", []byte("not gzip"))

	_, err := f.pipeline(t, nil).Run(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Run error = %v, want ErrFetch", err)
	}
}

func TestRunRetryAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))
	f.master.FailPut = func(string) error { return errors.New("access denied") }

	_, err := f.pipeline(t, nil).Run(context.Background())
	if !errors.Is(err, ErrStage) {
		t.Fatalf("first Run error = %v, want ErrStage", err)
	}
	var te *objstore.TransportError
	if !errors.As(err, &te) {
		t.Errorf("error %v does not wrap a TransportError", err)
	}
	if _, _, ok := f.zip.Object("20240101_upenn.json.gz"); ok {
		t.Fatal("archive staged although tables failed")
	}
	if !f.auxLedger(t).Has("20240101") {
		t.Fatal("ledger was not staged before the failure")
	}
	if emptyDir(t, f.dirs.Tables) {
		t.Error("tables removed locally despite failed transfer")
	}

	f.master.FailPut = nil
	res, err := f.pipeline(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(res.Processed) != 1 || res.Processed[0].LedgerAdded {
		t.Errorf("second run result = %+v, want reprocessed without a new ledger row", res.Processed)
	}
	if l := f.auxLedger(t); l.Len() != 1 {
		t.Errorf("ledger has %d rows, want 1", l.Len())
	}
	if n := len(f.masterGlacier.Puts()); n != 3 {
		t.Errorf("master glacier received %d puts, want 3 (retry skips present keys)", n)
	}
	if _, _, ok := f.zip.Object("20240101_upenn.json.gz"); !ok {
		t.Error("archive not staged on retry")
	}
}

func TestRunLeavesFailedSourceLeftoversLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities+`{"id": "c", "name": `))

	if _, err := f.pipeline(t, nil).Run(ctx); !errors.Is(err, ErrExtract) {
		t.Fatalf("first Run error = %v, want ErrExtract", err)
	}
	if err := f.source.Delete(ctx, "upenn/20240101_upenn.json.gz"); err != nil {
		t.Fatal(err)
	}
	f.source.Set("upenn/20240102_upenn.json.gz", gz(t, twoFacilities))
	stray := filepath.Join(f.dirs.Tables, "20231231_facilities.csv")
	if err := os.WriteFile(stray, []byte("facility_id\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.pipeline(t, nil).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(res.Processed) != 1 || res.Processed[0].Date != "20240102" {
		t.Fatalf("processed = %+v", res.Processed)
	}
	if _, _, ok := f.zip.Object("20240102_upenn.json.gz"); !ok {
		t.Error("processed archive not staged")
	}
	if _, _, ok := f.zip.Object("20240101_upenn.json.gz"); ok {
		t.Error("archive of a source that never extracted reached the terminal store")
	}
	if _, _, ok := f.json.Object("20240101_upenn.json"); ok {
		t.Error("document of a failed source was archived")
	}
	if _, _, ok := f.master.Object("20231231_facilities.csv"); ok {
		t.Error("stray table file was staged")
	}
	for _, path := range []string{
		filepath.Join(f.dirs.Archive, "20240101_upenn.json.gz"),
		filepath.Join(f.dirs.Document, "20240101_upenn.json"),
		stray,
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("leftover %s removed: %v", path, err)
		}
	}
	if f.auxLedger(t).Has("20240101") {
		t.Error("failed source reached the ledger")
	}
}

func TestRunArchiveWithoutJSONSuffix(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.gz", gz(t, twoFacilities))

	if _, err := f.pipeline(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if data, _, ok := f.json.Object("20240101_upenn"); !ok || string(data) != twoFacilities {
		t.Errorf("document ok %v; puts = %+v", ok, f.json.Puts())
	}
	if _, _, ok := f.zip.Object("20240101_upenn.gz"); !ok {
		t.Error("archive not staged")
	}
	if !emptyDir(t, f.dirs.Document) {
		t.Error("document left in the staging directory")
	}
}

func TestRunKeepsLegacyLedgerRows(t *testing.T) {
	f := newFixture(t)
	legacy := ",date,cat_count,fac_count,fac_rating_mean,fac_rating_med,fac_rev_count_mean,fac_rev_count_med,rev_count,rev_rating_mean,rev_rating_med\n" +
		"0,20231231,1,1,4.0,4.0,1.0,1.0,1,4.0,4.0\n"
	f.aux.Set(ledger.FileName, []byte(legacy))
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))

	if _, err := f.pipeline(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows := f.auxLedger(t).Rows()
	if len(rows) != 2 || rows[0].Date != "20231231" || rows[1].Date != "20240101" {
		t.Errorf("ledger rows = %+v", rows)
	}
}

func TestRunMissingStagingDir(t *testing.T) {
	f := newFixture(t)
	os.Remove(f.dirs.Summary)
	listed := false
	f.source.FailList = func(string) error { listed = true; return nil }

	_, err := f.pipeline(t, nil).Run(context.Background())
	var ce *config.ConfigError
	if !errors.As(err, &ce) || ce.Field != "staging.summary_dir" {
		t.Fatalf("Run error = %v, want ConfigError for summary dir", err)
	}
	if listed {
		t.Error("source listed before the configuration was checked")
	}
}

func TestRunDiscoverFailure(t *testing.T) {
	f := newFixture(t)
	f.source.FailList = func(string) error { return errors.New("expired token") }

	_, err := f.pipeline(t, nil).Run(context.Background())
	var te *objstore.TransportError
	if !errors.Is(err, ErrDiscover) || !errors.As(err, &te) {
		t.Fatalf("Run error = %v, want discover TransportError", err)
	}
}

func TestRunJournal(t *testing.T) {
	f := newFixture(t)
	f.source.Set("upenn/20240101_upenn.json.gz", gz(t, twoFacilities))
	j, err := store.OpenSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteJournal: %v", err)
	}
	defer j.Close()

	if _, err := f.pipeline(t, j).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ctx := context.Background()
	runs, err := j.Runs(ctx, 10)
	if err != nil || len(runs) != 1 || runs[0].ID != "run-test" || runs[0].Status != store.StatusSucceeded {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	sources, _ := j.Sources(ctx, "run-test")
	if len(sources) != 1 || sources[0].Facilities != 2 || sources[0].Date != "20240101" {
		t.Errorf("sources = %+v", sources)
	}
	transfers, _ := j.Transfers(ctx, "run-test")
	var uploaded, removed int
	for _, tr := range transfers {
		switch tr.Outcome {
		case "uploaded":
			uploaded++
		case "removed":
			removed++
		}
	}
	// 2 ledger files, 3 tables to two stores, 1 document, 1 archive.
	if uploaded != 10 || removed != 7 {
		t.Errorf("journal transfers: %d uploaded, %d removed; want 10 and 7", uploaded, removed)
	}
}
