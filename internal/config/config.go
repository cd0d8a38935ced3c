package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the snapshot pipeline and the
// weekly report.
type Config struct {
	Logging  Logging  `yaml:"logging"`
	Vendor   Account  `yaml:"vendor"`
	Archive  Account  `yaml:"archive"`
	Source   Source   `yaml:"source"`
	Stores   Stores   `yaml:"stores"`
	Staging  Staging  `yaml:"staging"`
	Tables   Tables   `yaml:"tables"`
	Transfer Transfer `yaml:"transfer"`
	Extract  Extract  `yaml:"extract"`
	Journal  Journal  `yaml:"journal"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Account holds credentials and endpoint for one S3 account. The vendor
// account owns the source bucket; the archive account owns every
// destination bucket.
type Account struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Source is the vendor bucket new snapshots are published to.
type Source struct {
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
}

// Bucket is one destination bucket and the storage class objects are
// written with.
type Bucket struct {
	Bucket       string `yaml:"bucket" validate:"required"`
	StorageClass string `yaml:"storage_class" validate:"omitempty,oneof=STANDARD STANDARD_IA GLACIER DEEP_ARCHIVE"`
}

// Stores lists the destination buckets. ZipGlacier is the terminal store:
// a source whose archive is present there has been processed.
type Stores struct {
	ZipGlacier    Bucket `yaml:"zip_glacier"`
	JSONGlacier   Bucket `yaml:"json_glacier"`
	MasterGlacier Bucket `yaml:"master_glacier"`
	Master        Bucket `yaml:"master"`
	Aux           Bucket `yaml:"aux"`
}

// Staging holds the local working directories, one per artifact class.
// Unset directories default to subdirectories of Root.
type Staging struct {
	Root        string `yaml:"root"`
	ArchiveDir  string `yaml:"archive_dir" validate:"required,dir"`
	DocumentDir string `yaml:"document_dir" validate:"required,dir"`
	TablesDir   string `yaml:"tables_dir" validate:"required,dir"`
	SummaryDir  string `yaml:"summary_dir" validate:"required,dir"`
}

// Tables controls materialised output formats.
type Tables struct {
	Parquet bool `yaml:"parquet"`
}

// Transfer tunes remote requests.
type Transfer struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay       time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay        time.Duration `yaml:"max_delay" validate:"gte=0"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// Extract tunes record extraction.
type Extract struct {
	ProgressEvery int `yaml:"progress_every" validate:"gte=1"`
}

// Journal locates the optional SQLite run journal. An empty path disables
// it.
type Journal struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ConfigError reports an invalid or missing configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path and parses it
// into a Config. Defaults are filled in, then environment variables
// override file values. A .env file next to the configuration file, when
// present, supplies variables not already set in the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dotenv, err := readDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return env, nil
}

// applyDefaults fills unset fields with the production values.
func applyDefaults(cfg *Config) {
	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")
	setDefault(&cfg.Archive.Region, "us-east-2")
	setDefault(&cfg.Vendor.Region, "us-east-1")

	setDefault(&cfg.Source.Bucket, "yelp-syndication")
	setDefault(&cfg.Source.Prefix, "upenn/")

	stores := []struct {
		b      *Bucket
		bucket string
		class  string
	}{
		{&cfg.Stores.ZipGlacier, "yelp-zip-files-glacier", "DEEP_ARCHIVE"},
		{&cfg.Stores.JSONGlacier, "yelp-json-files-glacier", "DEEP_ARCHIVE"},
		{&cfg.Stores.MasterGlacier, "yelp-master-files-glacier", "DEEP_ARCHIVE"},
		{&cfg.Stores.Master, "yelp-master-files", "STANDARD_IA"},
		{&cfg.Stores.Aux, "yelp-auxiliary-files", "STANDARD"},
	}
	for _, s := range stores {
		setDefault(&s.b.Bucket, s.bucket)
		setDefault(&s.b.StorageClass, s.class)
		s.b.StorageClass = strings.ToUpper(s.b.StorageClass)
	}

	setDefault(&cfg.Staging.Root, "data")
	fillStagingDirs(&cfg.Staging)

	if cfg.Transfer.MaxAttempts == 0 {
		cfg.Transfer.MaxAttempts = 1
	}
	if cfg.Extract.ProgressEvery == 0 {
		cfg.Extract.ProgressEvery = 100000
	}
}

func fillStagingDirs(s *Staging) {
	setDefault(&s.ArchiveDir, filepath.Join(s.Root, "zip"))
	setDefault(&s.DocumentDir, filepath.Join(s.Root, "json"))
	setDefault(&s.TablesDir, filepath.Join(s.Root, "master"))
	setDefault(&s.SummaryDir, filepath.Join(s.Root, "summary"))
}

func setDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}

	if v := getenv("VENDOR_ACCESS_KEY_ID"); v != "" {
		cfg.Vendor.AccessKeyID = v
	}
	if v := getenv("VENDOR_SECRET_ACCESS_KEY"); v != "" {
		cfg.Vendor.SecretAccessKey = v
	}
	if v := getenv("VENDOR_REGION"); v != "" {
		cfg.Vendor.Region = v
	}

	if v := getenv("ARCHIVE_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKeyID = v
	}
	if v := getenv("ARCHIVE_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretAccessKey = v
	}
	if v := getenv("ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}

	// DATA_DIR relocates every staging directory that still sits under the
	// configured root.
	if v := getenv("DATA_DIR"); v != "" && v != cfg.Staging.Root {
		old := cfg.Staging.Root
		for _, d := range []*string{&cfg.Staging.ArchiveDir, &cfg.Staging.DocumentDir, &cfg.Staging.TablesDir, &cfg.Staging.SummaryDir} {
			if rel, err := filepath.Rel(old, *d); err == nil && !strings.HasPrefix(rel, "..") {
				*d = filepath.Join(v, rel)
			}
		}
		cfg.Staging.Root = v
	}

	if v := getenv("SQLITE_PATH"); v != "" {
		cfg.Journal.SQLitePath = v
	}
	if v := getenv("TRANSFER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.MaxAttempts = n
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = func() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}()

// Validate checks required values and that every staging directory exists.
// It returns one *ConfigError per failing field, joined.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		errs = append(errs, &ConfigError{Field: field, Reason: reason(fe)})
	}
	return errors.Join(errs...)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "dir":
		return fmt.Sprintf("directory %q does not exist", fe.Value())
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	default:
		return "is invalid"
	}
}
