package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/signalnine/mpsearch/internal/config"
	"github.com/signalnine/mpsearch/internal/evaluate"
	"github.com/signalnine/mpsearch/internal/models"
	"github.com/signalnine/mpsearch/internal/partition"
	"github.com/signalnine/mpsearch/internal/result"
	"github.com/signalnine/mpsearch/internal/sampler"
	"github.com/signalnine/mpsearch/internal/stage"
)

// ErrIncomplete is returned when a search ends before every submitted task
// produced an outcome. Partial results are still persisted.
var ErrIncomplete = errors.New("search incomplete")

type SearchOpts struct {
	Config *config.Config
	// Registry defaults to models.NewRegistry.
	Registry *models.Registry
	// Loader defaults to stage.CSVLoader.
	Loader stage.Loader
	// RunDir defaults to a fresh directory under Config.OutPath.
	RunDir string
	// Progress receives the progress bar. Nil hides it.
	Progress io.Writer
}

type SearchResult struct {
	RunDir     string
	Partitions *partition.Partitions
	Snapshot   *result.Snapshot
	Manifest   *result.Manifest
	Stats      Stats
}

// Plan discovers the data sources and splits them into partitions.
func Plan(cfg *config.Config) (*partition.Partitions, error) {
	sources, err := partition.Discover(cfg.DataPath, cfg.FilePattern, cfg.DateLayout)
	if err != nil {
		return nil, err
	}
	return partition.Split(sources, cfg.TrainWindow(), cfg.TestWindow(), cfg.SubsetData.ValidationFrequency)
}

// RunSearch partitions the data, stages train and validation once, fans one
// evaluation task per candidate out to the worker pool and aggregates the
// outcomes as they complete.
func RunSearch(ctx context.Context, opts *SearchOpts) (*SearchResult, error) {
	cfg := opts.Config
	reg := opts.Registry
	if reg == nil {
		reg = models.NewRegistry()
	}
	spaces, err := cfg.Spaces(reg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	ev := &evaluate.Evaluator{
		Registry:   reg,
		OutputCols: cfg.OutputCols,
		Metrics:    cfg.Metrics,
		Seed:       cfg.RandomSeed,
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	stager, err := newStager(cfg, opts.Loader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	parts, err := Plan(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("train", len(parts.Train)).
		Int("validation", len(parts.Validation)).
		Int("test", len(parts.Test)).
		Msg("data partitioned")

	train, err := stager.Stage(ctx, parts.Train, true)
	if err != nil {
		return nil, fmt.Errorf("staging train: %w", err)
	}
	val, err := stager.Stage(ctx, parts.Validation, false)
	if err != nil {
		return nil, fmt.Errorf("staging validation: %w", err)
	}

	metrics := prometheus.NewRegistry()
	pool, err := NewPool[*stage.Dataset, *result.Evaluation](cfg.Workers,
		WithTaskTimeout(cfg.TaskTimeout),
		WithRegisterer(metrics),
		WithLogger(log.Logger),
	)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	trainHandle, err := pool.Broadcast(ctx, train)
	if err != nil {
		return nil, fmt.Errorf("broadcasting train: %w", err)
	}
	valHandle, err := pool.Broadcast(ctx, val)
	if err != nil {
		return nil, fmt.Errorf("broadcasting validation: %w", err)
	}

	agg := result.NewAggregator()
	candidates := make(map[TaskID]sampler.Candidate)
	for _, family := range cfg.Families() {
		agg.Declare(family)
		s := sampler.New(family, spaces[family], cfg.NumParamSamples, cfg.RandomSeed)
		for cand := range s.All() {
			id, err := pool.Submit(evaluationTask(ev, cand), trainHandle, valHandle)
			if err != nil {
				return nil, err
			}
			candidates[id] = cand
			agg.Expect(1)
		}
	}
	log.Info().Int("tasks", len(candidates)).Int("workers", pool.Workers()).Msg("tasks submitted")

	bar := newProgressBar(opts.Progress, len(candidates))
	for o := range pool.AsCompleted(ctx) {
		cand := candidates[o.ID]
		if o.Err != nil {
			agg.Reject(int(o.ID), cand, o.Err)
		} else {
			o.Value.TaskID = int(o.ID)
			agg.Accumulate(o.Value)
		}
		bar.Add(1)
	}
	bar.Finish()

	snap := agg.Finalize()
	runDir := opts.RunDir
	if runDir == "" {
		if runDir, err = result.CreateRunDir(cfg.OutPath); err != nil {
			return nil, err
		}
	}
	manifest, err := result.WriteSnapshot(runDir, snap)
	if err != nil {
		return nil, fmt.Errorf("writing results: %w", err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(runDir, "metrics.prom"), metrics); err != nil {
		log.Warn().Err(err).Msg("writing metrics")
	}

	res := &SearchResult{RunDir: runDir, Partitions: parts, Snapshot: snap, Manifest: manifest, Stats: pool.Stats()}
	log.Info().
		Int("received", snap.Received).
		Int("expected", snap.Expected).
		Int("failures", len(snap.Failures)).
		Str("run_dir", runDir).
		Msg("search finished")
	if !snap.Complete {
		return res, fmt.Errorf("%w: %d of %d outcomes received", ErrIncomplete, snap.Received, snap.Expected)
	}
	return res, nil
}

func evaluationTask(ev *evaluate.Evaluator, cand sampler.Candidate) Task[*stage.Dataset, *result.Evaluation] {
	return func(ctx context.Context, data ...*stage.Dataset) (*result.Evaluation, error) {
		if len(data) != 2 {
			return nil, fmt.Errorf("evaluation needs train and validation data, got %d datasets", len(data))
		}
		return ev.Evaluate(ctx, cand, data[0], data[1])
	}
}

func newStager(cfg *config.Config, loader stage.Loader) (*stage.Stager, error) {
	inT, err := stage.ResolveTransforms(cfg.InputTransforms)
	if err != nil {
		return nil, err
	}
	outT, err := stage.ResolveTransforms(cfg.OutputTransforms)
	if err != nil {
		return nil, err
	}
	s := &stage.Stager{
		Loader:           loader,
		InputCols:        cfg.InputCols,
		OutputCols:       cfg.OutputCols,
		InputTransforms:  inT,
		OutputTransforms: outT,
		Filter:           stage.Filter{Column: cfg.Filter.Column, Min: cfg.Filter.Min},
		Concurrency:      cfg.Workers,
	}
	opts := stage.ScalerOptions{NQuantiles: cfg.NQuantiles}
	if cfg.InputScaler != "" {
		if s.InputScaler, err = stage.NewScaler(cfg.InputScaler, opts); err != nil {
			return nil, err
		}
	}
	if cfg.OutputScaler != "" {
		if s.OutputScaler, err = stage.NewScaler(cfg.OutputScaler, opts); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("evaluating"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
