package models

import (
	"context"
	"fmt"
	"sort"

	randomforest "github.com/malaschitz/randomForest"
	"github.com/rs/zerolog"
	"github.com/signalnine/mpsearch/internal/sampler"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// TreeEnsemble regresses each output column with a random forest
// classifier over quantile bins of that column. A prediction is the
// vote-weighted mean of the bin centres.
type TreeEnsemble struct {
	NEstimators int
	NBins       int

	forests []*randomforest.Forest
	centres [][]float64
}

func newTreeEnsemble(p sampler.Params) (Model, error) {
	m := &TreeEnsemble{
		NEstimators: p.Int("n_estimators", 100),
		NBins:       p.Int("n_bins", 16),
	}
	if m.NEstimators < 1 {
		return nil, fmt.Errorf("n_estimators must be positive, got %d", m.NEstimators)
	}
	if m.NBins < 2 {
		return nil, fmt.Errorf("n_bins must be at least 2, got %d", m.NBins)
	}
	return m, nil
}

func (m *TreeEnsemble) Fit(ctx context.Context, x, y *mat.Dense) error {
	features := rows(x)
	_, nOut := y.Dims()
	m.forests = make([]*randomforest.Forest, nOut)
	m.centres = make([][]float64, nOut)
	for j := 0; j < nOut; j++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		classes, centres := binColumn(mat.Col(nil, j, y), m.NBins)
		forest := &randomforest.Forest{}
		forest.Data = randomforest.ForestData{X: features, Class: classes}
		forest.Train(m.NEstimators)
		m.forests[j] = forest
		m.centres[j] = centres
		zerolog.Ctx(ctx).Debug().Int("column", j).Int("bins", len(centres)).Msg("trained forest")
	}
	return nil
}

func (m *TreeEnsemble) Predict(x *mat.Dense) (*mat.Dense, error) {
	if m.forests == nil {
		return nil, fmt.Errorf("tree ensemble is not fitted")
	}
	r, _ := x.Dims()
	out := mat.NewDense(r, len(m.forests), nil)
	for i, row := range rows(x) {
		for j, f := range m.forests {
			out.Set(i, j, weightedCentre(f.Vote(row), m.centres[j]))
		}
	}
	return out, nil
}

// binColumn assigns every value to one of at most nBins quantile bins and
// returns the bin index per value plus the mean value of each bin.
func binColumn(col []float64, nBins int) ([]int, []float64) {
	sorted := append([]float64(nil), col...)
	sort.Float64s(sorted)
	var edges []float64
	for k := 1; k < nBins; k++ {
		e := stat.Quantile(float64(k)/float64(nBins), stat.Empirical, sorted, nil)
		if len(edges) == 0 || e > edges[len(edges)-1] {
			edges = append(edges, e)
		}
	}
	classes := make([]int, len(col))
	sums := make([]float64, len(edges)+1)
	counts := make([]int, len(edges)+1)
	for i, v := range col {
		c := sort.SearchFloat64s(edges, v)
		classes[i] = c
		sums[c] += v
		counts[c]++
	}
	centres := make([]float64, len(sums))
	for c := range centres {
		if counts[c] > 0 {
			centres[c] = sums[c] / float64(counts[c])
		}
	}
	return classes, centres
}

func weightedCentre(votes, centres []float64) float64 {
	var sum, weight float64
	for k, v := range votes {
		if k >= len(centres) {
			break
		}
		sum += v * centres[k]
		weight += v
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}
