package stage

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrUnknownScaler = errors.New("unknown scaler")
	ErrScalerNotFit  = errors.New("scaler has not been fit")
)

// Scaler is a column-wise transform whose parameters are estimated once, on
// training data, and then applied to every partition.
type Scaler interface {
	Fit(x *mat.Dense) error
	Fitted() bool
	Transform(x *mat.Dense) (*mat.Dense, error)
	InverseTransform(x *mat.Dense) (*mat.Dense, error)
}

// ScalerOptions carries shape parameters of scaler families that need them.
type ScalerOptions struct {
	NQuantiles int
}

const dfltNQuantiles = 1000

type scalerFactory func(ScalerOptions) Scaler

var scalers = map[string]scalerFactory{
	"MinMaxScaler":        func(ScalerOptions) Scaler { return &affineScaler{fit: fitMinMax} },
	"MaxAbsScaler":        func(ScalerOptions) Scaler { return &affineScaler{fit: fitMaxAbs} },
	"StandardScaler":      func(ScalerOptions) Scaler { return &affineScaler{fit: fitStandard} },
	"RobustScaler":        func(ScalerOptions) Scaler { return &affineScaler{fit: fitRobust} },
	"QuantileTransformer": newQuantileScaler,
}

// NewScaler returns a fresh, unfitted scaler of the named family.
func NewScaler(name string, opts ScalerOptions) (Scaler, error) {
	f, ok := scalers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownScaler, name, ScalerNames())
	}
	return f(opts), nil
}

func ScalerNames() []string {
	names := make([]string, 0, len(scalers))
	for k := range scalers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// affineScaler maps each column to (x - shift) / scale.
type affineScaler struct {
	fit   func(col []float64) (shift, scale float64)
	shift []float64
	scale []float64
}

func (s *affineScaler) Fit(x *mat.Dense) error {
	_, c := x.Dims()
	s.shift = make([]float64, c)
	s.scale = make([]float64, c)
	for j := 0; j < c; j++ {
		shift, scale := s.fit(mat.Col(nil, j, x))
		if scale == 0 || math.IsNaN(scale) {
			scale = 1
		}
		s.shift[j], s.scale[j] = shift, scale
	}
	return nil
}

func (s *affineScaler) Fitted() bool { return s.scale != nil }

func (s *affineScaler) Transform(x *mat.Dense) (*mat.Dense, error) {
	if err := s.check(x); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return (v - s.shift[j]) / s.scale[j] }, x)
	return &out, nil
}

func (s *affineScaler) InverseTransform(x *mat.Dense) (*mat.Dense, error) {
	if err := s.check(x); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return v*s.scale[j] + s.shift[j] }, x)
	return &out, nil
}

func (s *affineScaler) check(x *mat.Dense) error {
	if !s.Fitted() {
		return ErrScalerNotFit
	}
	if _, c := x.Dims(); c != len(s.scale) {
		return fmt.Errorf("scaler fit on %d columns, got %d", len(s.scale), c)
	}
	return nil
}

func fitMinMax(col []float64) (float64, float64) {
	lo, hi := floats.Min(col), floats.Max(col)
	return lo, hi - lo
}

func fitMaxAbs(col []float64) (float64, float64) {
	var m float64
	for _, v := range col {
		m = math.Max(m, math.Abs(v))
	}
	return 0, m
}

func fitStandard(col []float64) (float64, float64) {
	return stat.MeanStdDev(col, nil)
}

func fitRobust(col []float64) (float64, float64) {
	sorted := append([]float64(nil), col...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	iqr := stat.Quantile(0.75, stat.LinInterp, sorted, nil) - stat.Quantile(0.25, stat.LinInterp, sorted, nil)
	return median, iqr
}

// quantileScaler maps each column through its empirical CDF onto [0, 1].
type quantileScaler struct {
	n          int
	references []float64
	quantiles  [][]float64
}

func newQuantileScaler(opts ScalerOptions) Scaler {
	n := opts.NQuantiles
	if n < 2 {
		n = dfltNQuantiles
	}
	return &quantileScaler{n: n}
}

func (s *quantileScaler) Fit(x *mat.Dense) error {
	r, c := x.Dims()
	n := min(s.n, r)
	if n < 2 {
		n = 2
	}
	s.references = make([]float64, n)
	for k := range s.references {
		s.references[k] = float64(k) / float64(n-1)
	}
	s.quantiles = make([][]float64, c)
	for j := 0; j < c; j++ {
		sorted := mat.Col(nil, j, x)
		sort.Float64s(sorted)
		q := make([]float64, n)
		for k, p := range s.references {
			q[k] = stat.Quantile(p, stat.LinInterp, sorted, nil)
		}
		s.quantiles[j] = q
	}
	return nil
}

func (s *quantileScaler) Fitted() bool { return s.quantiles != nil }

func (s *quantileScaler) Transform(x *mat.Dense) (*mat.Dense, error) {
	if err := s.check(x); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return interp(v, s.quantiles[j], s.references) }, x)
	return &out, nil
}

func (s *quantileScaler) InverseTransform(x *mat.Dense) (*mat.Dense, error) {
	if err := s.check(x); err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return interp(v, s.references, s.quantiles[j]) }, x)
	return &out, nil
}

func (s *quantileScaler) check(x *mat.Dense) error {
	if !s.Fitted() {
		return ErrScalerNotFit
	}
	if _, c := x.Dims(); c != len(s.quantiles) {
		return fmt.Errorf("scaler fit on %d columns, got %d", len(s.quantiles), c)
	}
	return nil
}

// interp linearly interpolates v from the ascending knots xs onto ys,
// clamping outside the knot range.
func interp(v float64, xs, ys []float64) float64 {
	n := len(xs)
	if v <= xs[0] {
		return ys[0]
	}
	if v >= xs[n-1] {
		return ys[n-1]
	}
	i := sort.SearchFloat64s(xs, v)
	lo, hi := i-1, i
	if xs[hi] == xs[lo] {
		return ys[lo]
	}
	t := (v - xs[lo]) / (xs[hi] - xs[lo])
	return ys[lo] + t*(ys[hi]-ys[lo])
}
