package stage_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/mpsearch/internal/partition"
	"github.com/signalnine/mpsearch/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

func writeCSV(t *testing.T, dir, name string, lines ...string) partition.Source {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return partition.Source{Path: path, Time: time.Now()}
}

func newStager(t *testing.T) *stage.Stager {
	t.Helper()
	in, err := stage.NewScaler("StandardScaler", stage.ScalerOptions{})
	require.NoError(t, err)
	out, err := stage.NewScaler("MinMaxScaler", stage.ScalerOptions{})
	require.NoError(t, err)
	tr, err := stage.ResolveTransforms(map[string]string{"qc": "log10_transform"})
	require.NoError(t, err)
	return &stage.Stager{
		InputCols:       []string{"qc", "nc"},
		OutputCols:      []string{"rate"},
		InputTransforms: tr,
		InputScaler:     in,
		OutputScaler:    out,
		Filter:          stage.Filter{Column: "nc", Min: 10},
		Concurrency:     2,
	}
}

func TestStageFiltersAndConcatenates(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)
	s.InputScaler, s.OutputScaler = nil, nil
	sources := []partition.Source{
		writeCSV(t, dir, "a.csv", "Index,qc,nc,rate", "0,10,20,1", "1,100,5,2", "2,1000,30,3"),
		writeCSV(t, dir, "b.csv", "Index,rate,nc,qc", "0,4,11,0.1"),
	}
	ds, err := s.Stage(context.Background(), sources, true)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Rows())
	r, _ := ds.Outputs.Dims()
	assert.Equal(t, ds.Rows(), r)
	assert.InDeltaSlice(t, []float64{1, 3, -1}, mat.Col(nil, 0, ds.Inputs), 1e-12)
	assert.Equal(t, []float64{20, 30, 11}, mat.Col(nil, 1, ds.Inputs))
	assert.Equal(t, []float64{1, 3, 4}, mat.Col(nil, 0, ds.Outputs))
}

func TestStageFitThenApply(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)
	train := []partition.Source{writeCSV(t, dir, "train.csv", "qc,nc,rate", "10,20,1", "100,40,2", "1000,60,4")}
	val := []partition.Source{writeCSV(t, dir, "val.csv", "qc,nc,rate", "10,30,3", "1000,50,5")}

	_, err := s.Stage(context.Background(), val, false)
	require.ErrorIs(t, err, stage.ErrScalerNotFit)

	_, err = s.Stage(context.Background(), train, true)
	require.NoError(t, err)
	got, err := s.Stage(context.Background(), val, false)
	require.NoError(t, err)

	// fit the same families by hand on the unscaled train matrices
	raw := newStager(t)
	raw.InputScaler, raw.OutputScaler = nil, nil
	rawTrain, err := raw.Stage(context.Background(), train, true)
	require.NoError(t, err)
	rawVal, err := raw.Stage(context.Background(), val, false)
	require.NoError(t, err)

	manualIn, _ := stage.NewScaler("StandardScaler", stage.ScalerOptions{})
	require.NoError(t, manualIn.Fit(rawTrain.Inputs))
	wantIn, err := manualIn.Transform(rawVal.Inputs)
	require.NoError(t, err)
	assert.True(t, mat.Equal(wantIn, got.Inputs))

	manualOut, _ := stage.NewScaler("MinMaxScaler", stage.ScalerOptions{})
	require.NoError(t, manualOut.Fit(rawTrain.Outputs))
	wantOut, err := manualOut.Transform(rawVal.Outputs)
	require.NoError(t, err)
	assert.True(t, mat.Equal(wantOut, got.Outputs))
	assert.InDelta(t, 4.0/3.0, got.Outputs.At(1, 0), 1e-12, "applied, not refit")
}

func TestStageSchemaError(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)
	src := writeCSV(t, dir, "a.csv", "qc,nc", "1,20")
	_, err := s.Stage(context.Background(), []partition.Source{src}, true)
	assert.ErrorIs(t, err, stage.ErrSchema)
}

func TestStageEmptyDataset(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)
	src := writeCSV(t, dir, "a.csv", "qc,nc,rate", "1,2,3", "4,5,6")
	_, err := s.Stage(context.Background(), []partition.Source{src}, true)
	assert.ErrorIs(t, err, stage.ErrEmptyDataset)
}

func TestDatasetMsgpack(t *testing.T) {
	ds := &stage.Dataset{
		InputCols:  []string{"a", "b"},
		OutputCols: []string{"y"},
		Inputs:     mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		Outputs:    mat.NewDense(2, 1, []float64{5, 6}),
	}
	payload, err := msgpack.Marshal(ds)
	require.NoError(t, err)
	var got *stage.Dataset
	require.NoError(t, msgpack.Unmarshal(payload, &got))
	assert.Equal(t, ds.InputCols, got.InputCols)
	assert.True(t, mat.Equal(ds.Inputs, got.Inputs))
	assert.True(t, mat.Equal(ds.Outputs, got.Outputs))
}

func TestScalersInvert(t *testing.T) {
	x := mat.NewDense(5, 2, []float64{1, -4, 2, 8, 3, 0, 10, 2, -6, 1})
	for _, name := range stage.ScalerNames() {
		t.Run(name, func(t *testing.T) {
			s, err := stage.NewScaler(name, stage.ScalerOptions{NQuantiles: 5})
			require.NoError(t, err)
			require.NoError(t, s.Fit(x))
			y, err := s.Transform(x)
			require.NoError(t, err)
			back, err := s.InverseTransform(y)
			require.NoError(t, err)
			assert.True(t, mat.EqualApprox(x, back, 1e-9))
		})
	}
}

func TestUnknownNames(t *testing.T) {
	_, err := stage.NewScaler("NopeScaler", stage.ScalerOptions{})
	assert.ErrorIs(t, err, stage.ErrUnknownScaler)
	_, err = stage.ResolveTransforms(map[string]string{"x": "sqrt_transform"})
	assert.ErrorIs(t, err, stage.ErrUnknownTransform)
}

func TestLogTransformsFinite(t *testing.T) {
	for _, name := range []string{"log10_transform", "neg_log10_transform"} {
		tr, err := stage.TransformByName(name)
		require.NoError(t, err)
		assert.False(t, math.IsInf(tr(0), 0))
	}
}
