package models

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/signalnine/mpsearch/internal/sampler"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GenerativeNetwork is a dense network conditioned on the inputs plus
// Gaussian noise columns. Predictions average several noise draws.
type GenerativeNetwork struct {
	*DenseNetwork
	NoiseDim int
	NSamples int

	noise distuv.Normal
}

func newGenerativeNetwork(p sampler.Params) (Model, error) {
	dense, err := parseDense(p)
	if err != nil {
		return nil, err
	}
	m := &GenerativeNetwork{
		DenseNetwork: dense,
		NoiseDim:     p.Int("noise_dim", 4),
		NSamples:     p.Int("n_samples", 8),
	}
	if m.NoiseDim < 1 || m.NSamples < 1 {
		return nil, fmt.Errorf("noise_dim and n_samples must be positive, got %d and %d", m.NoiseDim, m.NSamples)
	}
	seed := uint64(p.Int("seed", 1))
	m.noise = distuv.Normal{Mu: 0, Sigma: 1, Src: rand.New(rand.NewPCG(seed, seed+1))}
	return m, nil
}

func (m *GenerativeNetwork) Fit(ctx context.Context, x, y *mat.Dense) error {
	return m.fit(ctx, m.withNoise(rows(x)), rows(y))
}

func (m *GenerativeNetwork) Predict(x *mat.Dense) (*mat.Dense, error) {
	if m.net == nil {
		return nil, fmt.Errorf("generative network is not fitted")
	}
	inputs := rows(x)
	var mean mat.Dense
	for s := 0; s < m.NSamples; s++ {
		draw, err := m.predictRows(m.withNoise(inputs))
		if err != nil {
			return nil, err
		}
		if s == 0 {
			mean.CloneFrom(draw)
			continue
		}
		mean.Add(&mean, draw)
	}
	mean.Scale(1/float64(m.NSamples), &mean)
	return &mean, nil
}

func (m *GenerativeNetwork) withNoise(inputs [][]float64) [][]float64 {
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		row := make([]float64, len(in), len(in)+m.NoiseDim)
		copy(row, in)
		for k := 0; k < m.NoiseDim; k++ {
			row = append(row, m.noise.Rand())
		}
		out[i] = row
	}
	return out
}
