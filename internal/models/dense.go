package models

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/patrikeh/go-deep"
	"github.com/patrikeh/go-deep/training"
	"github.com/rs/zerolog"
	"github.com/signalnine/mpsearch/internal/sampler"
	"gonum.org/v1/gonum/mat"
)

var activations = map[string]deep.ActivationType{
	"relu":    deep.ActivationReLU,
	"tanh":    deep.ActivationTanh,
	"sigmoid": deep.ActivationSigmoid,
	"linear":  deep.ActivationLinear,
}

// DenseNetwork is a fully connected regression network.
type DenseNetwork struct {
	HiddenLayers  int
	HiddenNeurons int
	Activation    string
	Optimizer     string
	LearningRate  float64
	Momentum      float64
	Epochs        int
	Seed          uint64

	net *deep.Neural
}

func newDenseNetwork(p sampler.Params) (Model, error) {
	return parseDense(p)
}

func parseDense(p sampler.Params) (*DenseNetwork, error) {
	m := &DenseNetwork{
		HiddenLayers:  p.Int("hidden_layers", 1),
		HiddenNeurons: p.Int("hidden_neurons", 16),
		Activation:    p.String("activation", "relu"),
		Optimizer:     p.String("optimizer", "adam"),
		LearningRate:  p.Float("lr", 0.001),
		Momentum:      p.Float("momentum", 0.9),
		Epochs:        p.Int("epochs", 50),
		Seed:          uint64(p.Int("seed", 1)),
	}
	if _, ok := activations[m.Activation]; !ok {
		return nil, fmt.Errorf("unknown activation %q", m.Activation)
	}
	if m.Optimizer != "adam" && m.Optimizer != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q", m.Optimizer)
	}
	if m.HiddenLayers < 0 || m.HiddenNeurons < 1 || m.Epochs < 1 {
		return nil, fmt.Errorf("invalid network shape: %d layers x %d neurons, %d epochs", m.HiddenLayers, m.HiddenNeurons, m.Epochs)
	}
	if m.LearningRate <= 0 {
		return nil, fmt.Errorf("lr must be positive, got %g", m.LearningRate)
	}
	return m, nil
}

func (m *DenseNetwork) Fit(ctx context.Context, x, y *mat.Dense) error {
	return m.fit(ctx, rows(x), rows(y))
}

func (m *DenseNetwork) fit(ctx context.Context, inputs, responses [][]float64) error {
	examples := make(training.Examples, len(inputs))
	for i := range inputs {
		examples[i] = training.Example{Input: inputs[i], Response: responses[i]}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.net = m.build(len(inputs[0]), len(responses[0]))
	// Example shuffling inside go-deep draws from the global math/rand source.
	trainer := training.NewTrainer(m.solver(), 0)
	trainer.Train(m.net, examples, examples, m.Epochs)
	if err := ctx.Err(); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().
		Ints("layout", m.net.Config.Layout).
		Int("examples", len(examples)).
		Int("epochs", m.Epochs).
		Msg("trained dense network")
	return nil
}

// build creates an untrained network whose initial weights come from m.Seed.
func (m *DenseNetwork) build(inputs, outputs int) *deep.Neural {
	layout := make([]int, 0, m.HiddenLayers+1)
	for i := 0; i < m.HiddenLayers; i++ {
		layout = append(layout, m.HiddenNeurons)
	}
	layout = append(layout, outputs)

	src := rand.New(rand.NewPCG(m.Seed, m.Seed^0x9e3779b97f4a7c15))
	return deep.NewNeural(&deep.Config{
		Inputs:     inputs,
		Layout:     layout,
		Activation: activations[m.Activation],
		Mode:       deep.ModeRegression,
		Weight:     func() float64 { return src.NormFloat64() },
		Bias:       true,
	})
}

func (m *DenseNetwork) solver() training.Solver {
	if m.Optimizer == "sgd" {
		return training.NewSGD(m.LearningRate, m.Momentum, 1e-6, false)
	}
	return training.NewAdam(m.LearningRate, 0.9, 0.999, 1e-8)
}

func (m *DenseNetwork) Predict(x *mat.Dense) (*mat.Dense, error) {
	if m.net == nil {
		return nil, fmt.Errorf("dense network is not fitted")
	}
	return m.predictRows(rows(x))
}

func (m *DenseNetwork) predictRows(inputs [][]float64) (*mat.Dense, error) {
	var out *mat.Dense
	for i, in := range inputs {
		pred := m.net.Predict(in)
		if out == nil {
			out = mat.NewDense(len(inputs), len(pred), nil)
		}
		out.SetRow(i, pred)
	}
	return out, nil
}
