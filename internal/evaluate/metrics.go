package evaluate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrUnknownMetric = errors.New("unknown metric")

// Metric scores predictions of one output column against the truth.
type Metric func(truth, pred []float64) float64

var metrics = map[string]Metric{
	"mse": meanSquaredError,
	"mae": meanAbsoluteError,
	"r2":  rSquared,
}

// lower is better for every metric except these
var higherIsBetter = map[string]bool{"r2": true}

func MetricByName(name string) (Metric, error) {
	m, ok := metrics[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownMetric, name, MetricNames())
	}
	return m, nil
}

func MetricNames() []string {
	names := make([]string, 0, len(metrics))
	for k := range metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HigherIsBetter reports the ranking direction of a metric.
func HigherIsBetter(name string) bool {
	return higherIsBetter[name]
}

func meanSquaredError(truth, pred []float64) float64 {
	d := floats.Distance(truth, pred, 2)
	return d * d / float64(len(truth))
}

func meanAbsoluteError(truth, pred []float64) float64 {
	return floats.Distance(truth, pred, 1) / float64(len(truth))
}

// rSquared is the coefficient of determination of pred against truth. A
// constant truth column scores 1 for a perfect prediction and 0 otherwise.
func rSquared(truth, pred []float64) float64 {
	r2 := stat.RSquaredFrom(pred, truth, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		if floats.Equal(truth, pred) {
			return 1
		}
		return 0
	}
	return r2
}
