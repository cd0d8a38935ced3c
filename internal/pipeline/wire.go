package pipeline

import (
	"fmt"
	"path/filepath"

	"yelpetl/internal/config"
	"yelpetl/internal/objstore"
	"yelpetl/internal/stage"
	"yelpetl/internal/table"
	"yelpetl/internal/util"
)

// Stores are the object stores named in the configuration.
type Stores struct {
	Source        objstore.Store
	ZipGlacier    objstore.Store
	JSONGlacier   objstore.Store
	MasterGlacier objstore.Store
	Master        objstore.Store
	Aux           objstore.Store
}

// OpenStores builds S3 stores for the configured buckets. When localRoot is
// set every bucket is a directory under it instead and no network is used.
func OpenStores(cfg *config.Config, localRoot string) (Stores, error) {
	buckets := []string{
		cfg.Source.Bucket,
		cfg.Stores.ZipGlacier.Bucket,
		cfg.Stores.JSONGlacier.Bucket,
		cfg.Stores.MasterGlacier.Bucket,
		cfg.Stores.Master.Bucket,
		cfg.Stores.Aux.Bucket,
	}
	out := make([]objstore.Store, len(buckets))

	if localRoot != "" {
		for i, b := range buckets {
			out[i] = objstore.NewDirStore(filepath.Join(localRoot, b))
		}
	} else {
		vendor, err := objstore.NewS3Client(S3Account(cfg.Vendor))
		if err != nil {
			return Stores{}, fmt.Errorf("vendor account: %w", err)
		}
		archive, err := objstore.NewS3Client(S3Account(cfg.Archive))
		if err != nil {
			return Stores{}, fmt.Errorf("archive account: %w", err)
		}
		out[0] = objstore.NewS3Store(vendor, buckets[0])
		for i := 1; i < len(buckets); i++ {
			out[i] = objstore.NewS3Store(archive, buckets[i])
		}
	}

	return Stores{
		Source:        out[0],
		ZipGlacier:    out[1],
		JSONGlacier:   out[2],
		MasterGlacier: out[3],
		Master:        out[4],
		Aux:           out[5],
	}, nil
}

// S3Account maps a configured account onto S3 client settings.
func S3Account(a config.Account) objstore.S3Account {
	return objstore.S3Account{
		Region:          a.Region,
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		ForcePathStyle:  a.ForcePathStyle,
	}
}

// DirsFromConfig returns the staging directories.
func DirsFromConfig(cfg *config.Config) Dirs {
	return Dirs{
		Archive:  cfg.Staging.ArchiveDir,
		Document: cfg.Staging.DocumentDir,
		Tables:   cfg.Staging.TablesDir,
		Summary:  cfg.Staging.SummaryDir,
	}
}

// Classes maps the four artifact classes onto their destinations:
// archives and documents to deep-archive buckets, tables to the master
// glacier and master buckets, and the ledger to the auxiliary bucket,
// overwriting the previous copy.
func Classes(cfg *config.Config, s Stores) ([]stage.Class, error) {
	// target is one destination and the YAML key of its bucket.
	type target struct {
		store  objstore.Store
		bucket config.Bucket
		field  string
	}
	var (
		zip           = target{s.ZipGlacier, cfg.Stores.ZipGlacier, "zip_glacier"}
		jsonGlacier   = target{s.JSONGlacier, cfg.Stores.JSONGlacier, "json_glacier"}
		masterGlacier = target{s.MasterGlacier, cfg.Stores.MasterGlacier, "master_glacier"}
		master        = target{s.Master, cfg.Stores.Master, "master"}
		aux           = target{s.Aux, cfg.Stores.Aux, "aux"}
	)

	type classLayout struct {
		name      string
		dir       string
		patterns  []string
		targets   []target
		overwrite bool
	}
	layouts := []classLayout{
		{stage.Archive, cfg.Staging.ArchiveDir, []string{"*.gz"}, []target{zip}, false},
		{stage.Document, cfg.Staging.DocumentDir, []string{"*.json"}, []target{jsonGlacier}, false},
		{stage.Tables, cfg.Staging.TablesDir, []string{"*.csv", "*.parquet"}, []target{masterGlacier, master}, false},
		{stage.Summary, cfg.Staging.SummaryDir, []string{"*.csv"}, []target{aux}, true},
	}

	classes := make([]stage.Class, 0, len(layouts))
	for _, l := range layouts {
		c := stage.Class{Name: l.name, Dir: l.dir, Patterns: l.patterns}
		for _, t := range l.targets {
			class, err := objstore.ParseStorageClass(t.bucket.StorageClass)
			if err != nil {
				return nil, &config.ConfigError{Field: "stores." + t.field + ".storage_class", Reason: err.Error()}
			}
			c.Destinations = append(c.Destinations, stage.Destination{Store: t.store, StorageClass: class, Overwrite: l.overwrite})
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// DepsFromConfig assembles pipeline dependencies from cfg and opened
// stores. Journal, Logger, Now and NewRunID are left for the caller.
func DepsFromConfig(cfg *config.Config, s Stores) (Deps, error) {
	classes, err := Classes(cfg, s)
	if err != nil {
		return Deps{}, err
	}
	return Deps{
		Source:        s.Source,
		SourcePrefix:  cfg.Source.Prefix,
		Terminal:      s.ZipGlacier,
		Ledger:        s.Aux,
		Classes:       classes,
		Dirs:          DirsFromConfig(cfg),
		Tables:        table.Options{Parquet: cfg.Tables.Parquet},
		ProgressEvery: cfg.Extract.ProgressEvery,
		Backoff: util.Backoff{
			MaxAttempts: cfg.Transfer.MaxAttempts,
			BaseDelay:   cfg.Transfer.BaseDelay,
			MaxDelay:    cfg.Transfer.MaxDelay,
		},
		Limiter: util.NewRateLimiter(cfg.Transfer.RateLimitPerMin),
	}, nil
}
