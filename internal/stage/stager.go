package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/signalnine/mpsearch/internal/partition"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrSchema       = errors.New("schema mismatch")
	ErrEmptyDataset = errors.New("no rows left after filtering")
)

// Filter keeps rows whose Column value is at least Min. The zero Filter
// keeps every row.
type Filter struct {
	Column string
	Min    float64
}

func (f Filter) enabled() bool { return f.Column != "" }

// Stager turns partitioned sources into staged datasets. The same Stager
// must be used for every partition of a run so that the scalers fit on
// train are the ones applied to validation and test.
type Stager struct {
	Loader           Loader
	InputCols        []string
	OutputCols       []string
	InputTransforms  map[string]Transform
	OutputTransforms map[string]Transform
	InputScaler      Scaler
	OutputScaler     Scaler
	Filter           Filter
	Concurrency      int
}

// Stage loads sources, filters and concatenates their rows, applies column
// transforms and scales the result. With fit set the scalers are estimated
// on this data first; otherwise the previously fitted parameters are used.
func (s *Stager) Stage(ctx context.Context, sources []partition.Source, fit bool) (*Dataset, error) {
	columns, filterIdx := s.columns()
	frames := make([]*Frame, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)
	for i, src := range sources {
		g.Go(func() error {
			f, err := s.loader().Load(gctx, src.Path, columns)
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading sources: %w", err)
	}

	nIn, nOut := len(s.InputCols), len(s.OutputCols)
	var in, out []float64
	read := 0
	for _, f := range frames {
		read += len(f.Rows)
		for _, row := range f.Rows {
			if filterIdx >= 0 && row[filterIdx] < s.Filter.Min {
				continue
			}
			in = append(in, row[:nIn]...)
			out = append(out, row[nIn:nIn+nOut]...)
		}
	}
	rows := len(in) / max(nIn, 1)
	if rows == 0 {
		return nil, fmt.Errorf("%w: %d sources, %d rows read", ErrEmptyDataset, len(sources), read)
	}

	inputs := mat.NewDense(rows, nIn, in)
	outputs := mat.NewDense(rows, nOut, out)
	if err := applyTransforms(inputs, s.InputCols, s.InputTransforms); err != nil {
		return nil, err
	}
	if err := applyTransforms(outputs, s.OutputCols, s.OutputTransforms); err != nil {
		return nil, err
	}

	var err error
	if inputs, err = scale(s.InputScaler, inputs, fit); err != nil {
		return nil, fmt.Errorf("scaling inputs: %w", err)
	}
	if outputs, err = scale(s.OutputScaler, outputs, fit); err != nil {
		return nil, fmt.Errorf("scaling outputs: %w", err)
	}

	log.Info().
		Int("sources", len(sources)).
		Int("rowsRead", read).
		Int("rowsKept", rows).
		Bool("fit", fit).
		Msg("staged dataset")
	return &Dataset{
		InputCols:  s.InputCols,
		OutputCols: s.OutputCols,
		Inputs:     inputs,
		Outputs:    outputs,
	}, nil
}

func (s *Stager) loader() Loader {
	if s.Loader == nil {
		return CSVLoader{}
	}
	return s.Loader
}

// columns lists inputs, then outputs, then the filter column when it is not
// already one of them.
func (s *Stager) columns() ([]string, int) {
	columns := make([]string, 0, len(s.InputCols)+len(s.OutputCols)+1)
	columns = append(columns, s.InputCols...)
	columns = append(columns, s.OutputCols...)
	if !s.Filter.enabled() {
		return columns, -1
	}
	for i, c := range columns {
		if c == s.Filter.Column {
			return columns, i
		}
	}
	return append(columns, s.Filter.Column), len(columns)
}

func applyTransforms(m *mat.Dense, cols []string, byColumn map[string]Transform) error {
	if len(byColumn) == 0 {
		return nil
	}
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[c] = i
	}
	r, _ := m.Dims()
	for col, t := range byColumn {
		j, ok := pos[col]
		if !ok {
			return fmt.Errorf("%w: transform for unknown column %q", ErrSchema, col)
		}
		for i := 0; i < r; i++ {
			m.Set(i, j, t(m.At(i, j)))
		}
	}
	return nil
}

func scale(s Scaler, m *mat.Dense, fit bool) (*mat.Dense, error) {
	if s == nil {
		return m, nil
	}
	if fit {
		if err := s.Fit(m); err != nil {
			return nil, err
		}
	}
	return s.Transform(m)
}
