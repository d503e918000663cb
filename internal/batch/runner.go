package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rangebar/internal/export"
	"rangebar/internal/model"
	"rangebar/internal/rangebar"
)

// ErrConservation is returned when the bars of a job do not account for
// every trade and every unit of volume read from its file.
var ErrConservation = errors.New("volume conservation violated")

// Job is one input file for one pair.
type Job struct {
	Pair       string
	Path       string
	Format     Format
	Thresholds []int
}

// Result describes the output of one job at one threshold.
type Result struct {
	Pair           string
	Path           string
	ThresholdUnits int
	Trades         int
	Bars           int
	Incomplete     bool
	File           string
	URI            string
	Err            error
}

// Uploader stores an exported file remotely.
type Uploader interface {
	Key(parts ...string) string
	UploadFile(ctx context.Context, localPath, key string) (string, error)
}

// BarStore persists completed bars.
type BarStore interface {
	WriteBars(ctx context.Context, exchange model.Exchange, pair string, thresholdUnits int, bars []model.Bar) error
}

// RunnerConfig wires the outputs of a run. Uploader and Store are optional.
type RunnerConfig struct {
	Workers   int
	OutputDir string
	Saver     export.BarSaver

	// IncludeIncomplete exports the trailing bar that never breached,
	// flagged as incomplete. It is never stored.
	IncludeIncomplete bool

	Uploader Uploader
	Store    BarStore
}

// Runner processes jobs in parallel.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner validates cfg.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Saver == nil {
		return nil, errors.New("batch: saver is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("batch: output directory is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{cfg: cfg}, nil
}

// Run processes every job and returns one result per job and threshold, in
// job order. Files go to <OutputDir>/<run id>/. A failing job does not stop
// the others; the returned error joins all job errors.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	runID := uuid.NewString()
	dir := filepath.Join(r.cfg.OutputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("batch: create output dir: %w", err)
	}

	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Int("jobs", len(jobs)).Int("workers", r.cfg.Workers).Msg("Batch run started")
	start := time.Now()

	perJob := make([][]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			perJob[i] = r.runJob(gctx, runID, dir, job)
			// only cancellation stops the group; job failures are reported per result
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		results []Result
		errs    []error
	)
	for _, rs := range perJob {
		for _, res := range rs {
			if res.Err != nil {
				errs = append(errs, fmt.Errorf("%s@%d: %w", res.Pair, res.ThresholdUnits, res.Err))
			}
			results = append(results, res)
		}
	}

	logger.Info().
		Int("results", len(results)).
		Int("failed", len(errs)).
		Dur("elapsed", time.Since(start)).
		Msg("Batch run finished")
	return results, errors.Join(errs...)
}

func (r *Runner) runJob(ctx context.Context, runID, dir string, job Job) []Result {
	fail := func(err error) []Result {
		out := make([]Result, 0, len(job.Thresholds))
		for _, th := range job.Thresholds {
			out = append(out, Result{Pair: job.Pair, Path: job.Path, ThresholdUnits: th, Err: err})
		}
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	trades, err := readFile(job.Path, job.Format)
	if err != nil {
		return fail(err)
	}

	out := make([]Result, 0, len(job.Thresholds))
	for _, th := range job.Thresholds {
		res := Result{Pair: job.Pair, Path: job.Path, ThresholdUnits: th, Trades: len(trades)}
		res.Err = r.runThreshold(ctx, runID, dir, job, th, trades, &res)
		out = append(out, res)
	}
	return out
}

func (r *Runner) runThreshold(ctx context.Context, runID, dir string, job Job, th int, trades []model.Trade, res *Result) error {
	engine, err := rangebar.NewEngine(th)
	if err != nil {
		return err
	}
	bars, err := engine.ProcessTradesWithIncomplete(trades)
	if err != nil {
		return err
	}
	if err := checkConservation(trades, bars); err != nil {
		return err
	}

	completed := bars
	if n := len(bars); n > 0 && !breached(bars[n-1]) {
		completed = bars[:n-1]
		res.Incomplete = true
	}
	res.Bars = len(completed)

	exported := completed
	withTail := r.cfg.IncludeIncomplete && res.Incomplete
	if withTail {
		exported = bars
	}
	records := export.Records(model.FileSource, job.Pair, th, exported, withTail)

	name := job.Pair + "_" + strconv.Itoa(th) + "." + r.cfg.Saver.Extension()
	res.File = filepath.Join(dir, name)
	if err := r.cfg.Saver.Save(records, res.File); err != nil {
		return err
	}

	if r.cfg.Uploader != nil {
		uri, err := r.cfg.Uploader.UploadFile(ctx, res.File, r.cfg.Uploader.Key(runID, name))
		if err != nil {
			return err
		}
		res.URI = uri
	}

	if r.cfg.Store != nil && len(completed) > 0 {
		if err := r.cfg.Store.WriteBars(ctx, model.FileSource, job.Pair, th, completed); err != nil {
			return err
		}
	}

	log.Info().
		Str("pair", job.Pair).
		Int("threshold", th).
		Int("trades", len(trades)).
		Int("bars", res.Bars).
		Str("file", res.File).
		Msg("Bars built")
	return nil
}

func readFile(path string, format Format) ([]model.Trade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	trades, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trades, nil
}

// breached reports whether b closed on a threshold, i.e. is complete.
func breached(b model.Bar) bool {
	return b.BreachedUpper() || b.BreachedLower()
}

// checkConservation compares trade count and total volume of the input with
// the bars built from it, trailing incomplete bar included.
func checkConservation(trades []model.Trade, bars []model.Bar) error {
	in, out := decimal.Zero, decimal.Zero
	for _, t := range trades {
		in = in.Add(t.Volume.Decimal())
	}
	var count int64
	for _, b := range bars {
		out = out.Add(b.Volume.Decimal())
		count += b.TradeCount
	}

	if count != int64(len(trades)) {
		return fmt.Errorf("%w: %d trades in, %d in bars", ErrConservation, len(trades), count)
	}
	if !in.Equal(out) {
		return fmt.Errorf("%w: volume %s in, %s in bars", ErrConservation, in, out)
	}
	return nil
}
