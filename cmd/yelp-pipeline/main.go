// Daily batch: ingest unseen vendor snapshots, merge their summaries into
// the ledger and stage every artifact to object storage.
//
// Usage:
//
//	go run ./cmd/yelp-pipeline --config config/yelpetl.yaml
//	go run ./cmd/yelp-pipeline --dry-run          # buckets under <staging.root>/buckets
//	go run ./cmd/yelp-pipeline history --limit 5  # recent runs from the journal
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"yelpetl/internal/config"
	"yelpetl/internal/pipeline"
	"yelpetl/internal/store"
	"yelpetl/internal/util"
)

func main() {
	app := &cli.App{
		Name:  "yelp-pipeline",
		Usage: "ingest new vendor snapshots and stage their artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config/yelpetl.yaml",
				EnvVars: []string{"YELPETL_CONFIG"},
				Usage:   "path to the YAML configuration",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "use local directories instead of S3 buckets",
			},
			&cli.StringFlag{
				Name:  "local-root",
				Usage: "root of the bucket directories for --dry-run (default <staging.root>/buckets)",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:  "history",
				Usage: "list recent runs recorded in the journal",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "number of runs to show"},
				},
				Action: historyAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	localRoot := ""
	if c.Bool("dry-run") {
		localRoot = c.String("local-root")
		if localRoot == "" {
			localRoot = filepath.Join(cfg.Staging.Root, "buckets")
		}
		logger.Info("dry run: buckets are local directories", "root", localRoot)
	}

	stores, err := pipeline.OpenStores(cfg, localRoot)
	if err != nil {
		return err
	}
	deps, err := pipeline.DepsFromConfig(cfg, stores)
	if err != nil {
		return err
	}
	deps.Logger = logger

	if cfg.Journal.SQLitePath != "" {
		j, err := store.OpenSQLiteJournal(cfg.Journal.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		deps.Journal = j
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.New(deps).Run(ctx)
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			logger.Error("pipeline stopped", "step", se.Step, "source", se.Source, "processed", len(res.Processed))
		}
		return err
	}

	if len(res.Processed) == 0 {
		slog.Info("no new snapshots to ingest (all up to date)")
	} else {
		slog.Info("ingest complete", "run_id", res.RunID, "processed", len(res.Processed))
	}
	return nil
}

func historyAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Journal.SQLitePath == "" {
		return errors.New("journal.sqlite_path is not configured")
	}
	j, err := store.OpenSQLiteJournal(cfg.Journal.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	ctx := context.Background()
	runs, err := j.Runs(ctx, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-36s %-20s %-10s %-10s %s\n", "Run", "Started", "Status", "Elapsed", "Sources")
	for _, r := range runs {
		sources, err := j.Sources(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("failed to list sources for %s: %w", r.ID, err)
		}
		elapsed := "-"
		if !r.FinishedAt.IsZero() {
			elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%-36s %-20s %-10s %-10s %d\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, elapsed, len(sources))
		for _, s := range sources {
			if s.Error != "" {
				fmt.Printf("    %s %s: %s\n", s.Date, s.Status, s.Error)
			}
		}
	}
	return nil
}
