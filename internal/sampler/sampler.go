package sampler

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrSpec reports a malformed parameter distribution.
var ErrSpec = errors.New("invalid parameter distribution")

// Distribution draws one value per call from a seeded source.
type Distribution interface {
	Draw(src *rand.Rand) any
}

// Choice picks uniformly from a literal list of values.
type Choice []any

func (c Choice) Draw(src *rand.Rand) any {
	return c[src.IntN(len(c))]
}

// Uniform draws from [Loc, Loc+Scale].
type Uniform struct {
	Loc   float64
	Scale float64
}

func (u Uniform) Draw(src *rand.Rand) any {
	return distuv.Uniform{Min: u.Loc, Max: u.Loc + u.Scale, Src: src}.Rand()
}

// IntUniform draws an integer from [Low, High).
type IntUniform struct {
	Low  int
	High int
}

func (u IntUniform) Draw(src *rand.Rand) any {
	return u.Low + src.IntN(u.High-u.Low)
}

// Exponential draws Loc plus an exponential variate with mean Scale.
type Exponential struct {
	Loc   float64
	Scale float64
}

func (e Exponential) Draw(src *rand.Rand) any {
	return e.Loc + distuv.Exponential{Rate: 1 / e.Scale, Src: src}.Rand()
}

// Space maps parameter names to distributions.
type Space map[string]Distribution

// Candidate is one concrete point of a family's parameter space.
type Candidate struct {
	Family string
	Index  int
	Params Params
}

// Sampler produces a reproducible, finite sequence of candidates.
type Sampler struct {
	family string
	space  Space
	names  []string
	count  int
	seed   int64
}

func New(family string, space Space, count int, seed int64) *Sampler {
	names := make([]string, 0, len(space))
	for k := range space {
		names = append(names, k)
	}
	sort.Strings(names)
	return &Sampler{family: family, space: space, names: names, count: count, seed: seed}
}

// Len is the number of candidates All yields.
func (s *Sampler) Len() int {
	if s.count < 0 {
		return 0
	}
	return s.count
}

// All yields the candidate sequence. Every call restarts from the seed, so
// repeated iterations produce identical candidates.
func (s *Sampler) All() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		src := rand.New(rand.NewPCG(uint64(s.seed), uint64(s.seed)^0x9e3779b97f4a7c15))
		for i := 0; i < s.count; i++ {
			params := make(Params, len(s.names))
			for _, name := range s.names {
				params[name] = s.space[name].Draw(src)
			}
			if !yield(Candidate{Family: s.family, Index: i, Params: params}) {
				return
			}
		}
	}
}

// Collect materialises the whole sequence.
func (s *Sampler) Collect() []Candidate {
	out := make([]Candidate, 0, s.Len())
	for c := range s.All() {
		out = append(out, c)
	}
	return out
}

// ParseSpec converts a configuration mapping into a Space. A list whose
// first element names a distribution (uniform, randint, expon) is that
// distribution with the remaining elements as shape arguments; any other
// list, or a scalar, is a literal choice.
func ParseSpec(raw map[string]any) (Space, error) {
	space := make(Space, len(raw))
	for name, v := range raw {
		d, err := parseDistribution(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		space[name] = d
	}
	return space, nil
}

func parseDistribution(v any) (Distribution, error) {
	list, ok := v.([]any)
	if !ok {
		return Choice{normalize(v)}, nil
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty value list", ErrSpec)
	}
	kind, _ := list[0].(string)
	args := list[1:]
	switch kind {
	case "uniform":
		loc, scale, err := shape(args, 0, 1)
		if err != nil {
			return nil, err
		}
		if scale < 0 {
			return nil, fmt.Errorf("%w: uniform scale must be non-negative", ErrSpec)
		}
		return Uniform{Loc: loc, Scale: scale}, nil
	case "expon":
		loc, scale, err := shape(args, 0, 1)
		if err != nil {
			return nil, err
		}
		if scale <= 0 {
			return nil, fmt.Errorf("%w: expon scale must be positive", ErrSpec)
		}
		return Exponential{Loc: loc, Scale: scale}, nil
	case "randint":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: randint needs low and high", ErrSpec)
		}
		low, lok := asInt(args[0])
		high, hok := asInt(args[1])
		if !lok || !hok {
			return nil, fmt.Errorf("%w: randint bounds must be integers", ErrSpec)
		}
		if high <= low {
			return nil, fmt.Errorf("%w: randint high %d must exceed low %d", ErrSpec, high, low)
		}
		return IntUniform{Low: low, High: high}, nil
	}
	choice := make(Choice, len(list))
	for i, x := range list {
		choice[i] = normalize(x)
	}
	return choice, nil
}

func shape(args []any, dfltLoc, dfltScale float64) (float64, float64, error) {
	loc, scale := dfltLoc, dfltScale
	if len(args) > 2 {
		return 0, 0, fmt.Errorf("%w: expected at most loc and scale, got %d arguments", ErrSpec, len(args))
	}
	vals := []*float64{&loc, &scale}
	for i, a := range args {
		f, ok := asFloat(a)
		if !ok {
			return 0, 0, fmt.Errorf("%w: argument %v is not a number", ErrSpec, a)
		}
		*vals[i] = f
	}
	return loc, scale, nil
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
	}
	return 0, false
}

// normalize maps decoded YAML scalars onto the value types Params carries.
func normalize(v any) any {
	switch x := v.(type) {
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}
