/*
Package main implements the batch range bar builder.

Each argument names one input file, optionally prefixed with its pair. When
the pair is omitted it is taken from the file name, so Binance dumps such as
BTCUSDT-aggTrades-2024-01.csv need no prefix.

Usage:

	go run ./cmd/rangebar -format=aggtrades -thresholds=250,1000 -export=parquet \
		BTCUSDT-aggTrades-2024-01.csv ETH-USDT=eth.csv

Exports are written under <output>/<run id>/. With -upload the files are
copied to the configured S3 bucket, and with -store completed bars are
inserted into Postgres.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"rangebar/internal/batch"
	"rangebar/internal/blob"
	"rangebar/internal/config"
	"rangebar/internal/export"
	"rangebar/internal/logging"
	"rangebar/internal/sink"
	"rangebar/internal/utils"
)

var (
	configPath = flag.String("config", "", "Path to a TOML config file")
	format     = flag.String("format", "aggtrades", "Input format: aggtrades, trades or quotes")
	thresholds = flag.String("thresholds", "250", "Comma-separated thresholds in 0.1bp units")
	exportFmt  = flag.String("export", "", "Export format: csv, json or parquet (default from config)")
	outputDir  = flag.String("output", "", "Output directory (default from config)")
	workers    = flag.Int("workers", 0, "Files processed in parallel (default from config)")
	incomplete = flag.Bool("incomplete", false, "Export the trailing bar that never closed, flagged incomplete")
	upload     = flag.Bool("upload", false, "Upload exports to S3")
	store      = flag.Bool("store", false, "Insert completed bars into Postgres")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	jobs, err := buildJobs(flag.Args())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, jobs); err != nil {
		log.Error().Err(err).Msg("batch run failed")
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *exportFmt != "" {
		cfg.Batch.Format = *exportFmt
	}
	if *outputDir != "" {
		cfg.Batch.OutputDir = *outputDir
	}
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}
	if *upload {
		cfg.S3.Enabled = true
	}
	if *store {
		cfg.Postgres.Enabled = true
	}
}

// buildJobs turns "PAIR=path" or "path" arguments into jobs.
func buildJobs(args []string) ([]batch.Job, error) {
	if len(args) == 0 {
		return nil, errors.New("no input files")
	}
	inputFormat, err := batch.ParseFormat(*format)
	if err != nil {
		return nil, err
	}
	ths, err := utils.ParseThresholds(*thresholds)
	if err != nil {
		return nil, err
	}

	jobs := make([]batch.Job, 0, len(args))
	for _, arg := range args {
		pair, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			pair = pairFromFilename(path)
		}
		pair = utils.NormalizeSymbol(pair)
		if err := utils.ValidateSymbol(pair); err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		jobs = append(jobs, batch.Job{Pair: pair, Path: path, Format: inputFormat, Thresholds: ths})
	}
	return jobs, nil
}

// pairFromFilename takes the leading symbol of names like BTCUSDT-aggTrades-2024-01.csv.
func pairFromFilename(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.IndexAny(name, "-_."); i > 0 {
		name = name[:i]
	}
	return name
}

func run(ctx context.Context, cfg *config.Config, jobs []batch.Job) error {
	saver, err := export.NewBarSaver(cfg.Batch.Format)
	if err != nil {
		return err
	}

	rc := batch.RunnerConfig{
		Workers:           cfg.Batch.Workers,
		OutputDir:         cfg.Batch.OutputDir,
		Saver:             saver,
		IncludeIncomplete: *incomplete,
	}

	if cfg.S3.Enabled {
		up, err := blob.NewS3Uploader(ctx, blob.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return err
		}
		rc.Uploader = up
	}

	if cfg.Postgres.Enabled {
		pg, err := sink.NewPostgresSink(ctx, sink.PostgresConfig{
			DSN:           cfg.Postgres.DSN,
			MaxConns:      cfg.Postgres.MaxConns,
			BatchSize:     cfg.Postgres.BatchSize,
			FlushInterval: cfg.Postgres.FlushInterval.Duration,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		rc.Store = pg
	}

	runner, err := batch.NewRunner(rc)
	if err != nil {
		return err
	}

	results, err := runner.Run(ctx, jobs)
	for _, res := range results {
		event := log.Info()
		if res.Err != nil {
			event = log.Error().Err(res.Err)
		}
		event.
			Str("pair", res.Pair).
			Int("threshold", res.ThresholdUnits).
			Int("trades", res.Trades).
			Int("bars", res.Bars).
			Bool("incomplete_tail", res.Incomplete).
			Str("file", res.File).
			Str("uri", res.URI).
			Msg("Result")
	}
	return err
}
