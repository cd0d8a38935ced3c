// Weekly report: print the change in facility, review and category counts
// between eight days ago and yesterday, read from the ledger in the
// auxiliary bucket.
//
// Usage:
//
//	go run ./cmd/yelp-weekly --config config/yelpetl.yaml
//	go run ./cmd/yelp-weekly --ledger data/summary/daily_data.csv
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"yelpetl/internal/config"
	"yelpetl/internal/ledger"
	"yelpetl/internal/objstore"
	"yelpetl/internal/pipeline"
	"yelpetl/internal/report"
	"yelpetl/internal/util"
)

func main() {
	app := &cli.App{
		Name:  "yelp-weekly",
		Usage: "summarise last week's changes from the daily ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config/yelpetl.yaml",
				EnvVars: []string{"YELPETL_CONFIG"},
				Usage:   "path to the YAML configuration",
			},
			&cli.StringFlag{
				Name:  "ledger",
				Usage: "read a local ledger file instead of the auxiliary bucket",
			},
			&cli.TimestampFlag{
				Name:   "today",
				Layout: "2006-01-02",
				Usage:  "report as of this date (default today)",
			},
		},
		Action: weeklyAction,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func weeklyAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	today := time.Now()
	if t := c.Timestamp("today"); t != nil {
		today = *t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var l *ledger.Ledger
	if path := c.String("ledger"); path != "" {
		l, err = ledger.ReadFile(path)
		if err != nil {
			return err
		}
	} else {
		client, err := objstore.NewS3Client(pipeline.S3Account(cfg.Archive))
		if err != nil {
			return fmt.Errorf("archive account: %w", err)
		}
		var key string
		l, key, err = report.LoadLedger(ctx, objstore.NewS3Store(client, cfg.Stores.Aux.Bucket), today, logger)
		if err != nil {
			return err
		}
		logger.Info("ledger loaded", "key", key, "rows", l.Len())
	}

	s, err := report.Weekly(l, today)
	if err != nil {
		return err
	}
	return report.Render(os.Stdout, s)
}
