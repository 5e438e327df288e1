// Package models holds the closed set of model families a search can
// evaluate. Families are looked up by name in a Registry.
package models

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/signalnine/mpsearch/internal/sampler"
	"gonum.org/v1/gonum/mat"
)

var ErrUnknownFamily = errors.New("unknown model family")

// Model is one trainable instance of a family. Implementations must not
// modify the matrices passed to Fit and Predict.
type Model interface {
	Fit(ctx context.Context, x, y *mat.Dense) error
	Predict(x *mat.Dense) (*mat.Dense, error)
}

// Factory builds an unfitted model from sampled parameters.
type Factory func(params sampler.Params) (Model, error)

// Registry maps family names to factories. It is filled during setup and
// read concurrently afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in families.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("RandomForestRegressor", newTreeEnsemble)
	r.Register("DenseNeuralNetwork", newDenseNetwork)
	r.Register("DenseGAN", newGenerativeNetwork)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// New instantiates the named family with params.
func (r *Registry) New(family string, params sampler.Params) (Model, error) {
	f, ok := r.factories[family]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownFamily, family, r.Names())
	}
	m, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("configuring %s: %w", family, err)
	}
	return m, nil
}

func rows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
