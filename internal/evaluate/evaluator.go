// Package evaluate fits one candidate model on the training partition and
// scores it on the validation partition.
package evaluate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/signalnine/mpsearch/internal/models"
	"github.com/signalnine/mpsearch/internal/result"
	"github.com/signalnine/mpsearch/internal/sampler"
	"github.com/signalnine/mpsearch/internal/stage"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

type Evaluator struct {
	Registry   *models.Registry
	OutputCols []string
	Metrics    []string
	// Parallelism bounds the score computations of one task. Values below 1
	// mean 1.
	Parallelism int
	Seed        int64
	Logger      *zerolog.Logger
}

// Validate checks that every configured metric exists.
func (e *Evaluator) Validate() error {
	if e.Registry == nil {
		return fmt.Errorf("evaluator has no model registry")
	}
	if len(e.Metrics) == 0 {
		return fmt.Errorf("evaluator has no metrics")
	}
	for _, name := range e.Metrics {
		if _, err := MetricByName(name); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate fits the candidate on train and scores its predictions on val.
// Neither dataset is modified.
func (e *Evaluator) Evaluate(ctx context.Context, cand sampler.Candidate, train, val *stage.Dataset) (*result.Evaluation, error) {
	base := log.Logger
	if e.Logger != nil {
		base = *e.Logger
	}
	x := newExecContext(ctx, base, cand, e.Seed, e.Parallelism)
	defer x.Close()

	start := time.Now()
	model, err := e.Registry.New(cand.Family, withSeed(cand.Params, x.Seed))
	if err != nil {
		return nil, err
	}
	if err := model.Fit(x.Context, train.Inputs, train.Outputs); err != nil {
		return nil, fmt.Errorf("fitting %s #%d: %w", cand.Family, cand.Index, err)
	}
	pred, err := model.Predict(val.Inputs)
	if err != nil {
		return nil, fmt.Errorf("predicting %s #%d: %w", cand.Family, cand.Index, err)
	}
	scores, err := e.score(x, val.Outputs, pred)
	if err != nil {
		return nil, fmt.Errorf("scoring %s #%d: %w", cand.Family, cand.Index, err)
	}
	elapsed := time.Since(start)
	x.Logger.Debug().Dur("elapsed", elapsed).Msg("candidate evaluated")

	return &result.Evaluation{
		Family:    cand.Family,
		Index:     cand.Index,
		Params:    cand.Params,
		Scores:    scores,
		DurationS: elapsed.Seconds(),
	}, nil
}

func (e *Evaluator) score(x *ExecContext, truth, pred *mat.Dense) (map[string]float64, error) {
	tr, tc := truth.Dims()
	pr, pc := pred.Dims()
	if tr != pr || tc != pc {
		return nil, fmt.Errorf("prediction shape %dx%d does not match validation %dx%d", pr, pc, tr, tc)
	}
	if tc != len(e.OutputCols) {
		return nil, fmt.Errorf("%d output columns configured, validation has %d", len(e.OutputCols), tc)
	}

	type job struct {
		key    string
		metric Metric
		col    int
	}
	var jobs []job
	for _, name := range e.Metrics {
		m, err := MetricByName(name)
		if err != nil {
			return nil, err
		}
		for j, col := range e.OutputCols {
			jobs = append(jobs, job{key: result.ScoreKey(name, col), metric: m, col: j})
		}
	}

	values := make([]float64, len(jobs))
	g, _ := errgroup.WithContext(x.Context)
	g.SetLimit(x.Parallelism)
	for i, jb := range jobs {
		g.Go(func() error {
			p := mat.Col(nil, jb.col, pred)
			for _, v := range p {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("non-finite prediction for %s", e.OutputCols[jb.col])
				}
			}
			values[i] = jb.metric(mat.Col(nil, jb.col, truth), p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(jobs))
	for i, jb := range jobs {
		scores[jb.key] = values[i]
	}
	return scores, nil
}

// withSeed returns params with a "seed" entry, leaving params untouched.
func withSeed(params sampler.Params, seed int64) sampler.Params {
	if _, ok := params["seed"]; ok {
		return params
	}
	out := make(sampler.Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["seed"] = int(seed)
	return out
}
