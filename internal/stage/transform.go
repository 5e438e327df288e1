package stage

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrUnknownTransform = errors.New("unknown transform")

// Transform maps one raw column value to its transformed value.
type Transform func(float64) float64

// logFloor keeps log transforms finite for zero or wrong-signed values.
const logFloor = 1e-40

var transforms = map[string]Transform{
	"identity": func(v float64) float64 { return v },
	"log10_transform": func(v float64) float64 {
		return math.Log10(math.Max(v, logFloor))
	},
	"neg_log10_transform": func(v float64) float64 {
		return math.Log10(math.Max(-v, logFloor))
	},
}

func TransformByName(name string) (Transform, error) {
	t, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownTransform, name, TransformNames())
	}
	return t, nil
}

func TransformNames() []string {
	names := make([]string, 0, len(transforms))
	for k := range transforms {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ResolveTransforms looks up every named transform of a column mapping.
func ResolveTransforms(byColumn map[string]string) (map[string]Transform, error) {
	out := make(map[string]Transform, len(byColumn))
	for col, name := range byColumn {
		t, err := TransformByName(name)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		out[col] = t
	}
	return out, nil
}
