package result_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/signalnine/mpsearch/internal/result"
	"github.com/signalnine/mpsearch/internal/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluation(family string, index int, params sampler.Params) *result.Evaluation {
	return &result.Evaluation{
		TaskID: index,
		Family: family,
		Index:  index,
		Params: params,
		Scores: map[string]float64{"mse_rate": float64(index) / 10, "r2_rate": 0.5},
	}
}

func TestAggregatorGroupsByFamily(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(8)

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Accumulate(evaluation("RandomForestRegressor", i, sampler.Params{"n_estimators": 10 + i}))
		}()
	}
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Accumulate(evaluation("DenseNeuralNetwork", i, sampler.Params{"lr": 0.01}))
		}()
	}
	wg.Wait()

	snap := agg.Finalize()
	assert.True(t, snap.Complete)
	assert.Equal(t, 8, snap.Received)
	require.Len(t, snap.Tables, 2)
	assert.Len(t, snap.Tables["RandomForestRegressor"].Rows, 5)
	assert.Len(t, snap.Tables["DenseNeuralNetwork"].Rows, 3)
	assert.Empty(t, snap.Failures)
}

func TestAggregatorPartial(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(3)
	agg.Declare("DenseGAN")
	agg.Accumulate(evaluation("RandomForestRegressor", 0, sampler.Params{"n_estimators": 3}))
	agg.Reject(1, sampler.Candidate{Family: "DenseGAN", Index: 0, Params: sampler.Params{"epochs": 2}}, errors.New("boom"))

	snap := agg.Finalize()
	assert.False(t, snap.Complete)
	assert.Equal(t, 2, snap.Received)
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, "boom", snap.Failures[0].Error)
	require.Contains(t, snap.Tables, "DenseGAN")
	assert.Empty(t, snap.Tables["DenseGAN"].Rows)

	// Later arrivals do not leak into an earlier snapshot.
	agg.Accumulate(evaluation("RandomForestRegressor", 1, sampler.Params{"n_estimators": 4}))
	assert.Len(t, snap.Tables["RandomForestRegressor"].Rows, 1)
	assert.True(t, agg.Finalize().Complete)
}

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	dir, err := result.CreateRunDir(base)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	target, err := os.Readlink(filepath.Join(base, "latest"))
	require.NoError(t, err)
	assert.Equal(t, dir, target)
}

func TestSnapshotRoundTrip(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(3)
	agg.Accumulate(evaluation("RandomForestRegressor", 0, sampler.Params{"n_estimators": 12, "criterion": "gini"}))
	agg.Accumulate(evaluation("RandomForestRegressor", 1, sampler.Params{"n_estimators": 40, "criterion": "entropy"}))
	agg.Accumulate(evaluation("DenseNeuralNetwork", 0, sampler.Params{"lr": 1.0, "epochs": 3, "batch_norm": true}))

	dir := t.TempDir()
	m, err := result.WriteSnapshot(dir, agg.Finalize())
	require.NoError(t, err)
	assert.True(t, m.Complete)
	assert.NotEmpty(t, m.RunID)
	require.Len(t, m.Tables, 2)
	assert.FileExists(t, filepath.Join(dir, "val_scores_RandomForestRegressor.csv"))
	assert.FileExists(t, filepath.Join(dir, "failures.csv"))

	read, err := result.ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, read.RunID)

	for _, info := range read.Tables {
		table, err := result.ReadTable(dir, info)
		require.NoError(t, err)
		assert.Len(t, table.Rows, info.Rows)
	}

	table, err := result.ReadTable(dir, read.Tables[0])
	require.NoError(t, err)
	assert.Equal(t, "DenseNeuralNetwork", table.Family)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, sampler.Params{"lr": 1.0, "epochs": 3, "batch_norm": true}, table.Rows[0].Params)
	assert.Equal(t, []string{"batch_norm", "epochs", "lr"}, read.Tables[0].Params)
	assert.Equal(t, []string{"mse_rate", "r2_rate"}, read.Tables[0].Scores)

	forest, err := result.ReadTable(dir, read.Tables[1])
	require.NoError(t, err)
	require.Len(t, forest.Rows, 2)
	assert.Equal(t, 40, forest.Rows[1].Params["n_estimators"])
	assert.Equal(t, "entropy", forest.Rows[1].Params["criterion"])
	assert.InDelta(t, 0.1, forest.Rows[1].Scores["mse_rate"], 1e-15)
}

func TestSnapshotHeader(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(1)
	agg.Accumulate(evaluation("DenseGAN", 0, sampler.Params{"noise_dim": 2}))
	dir := t.TempDir()
	_, err := result.WriteSnapshot(dir, agg.Finalize())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "val_scores_DenseGAN.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Index,name,candidate,task_id,noise_dim,mse_rate,r2_rate\n0,DenseGAN,0,0,2,0,0.5\n", string(data))
}

func TestSnapshotKeepsParamTypes(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(2)
	agg.Accumulate(evaluation("DenseNeuralNetwork", 0, sampler.Params{
		"code":   "10",
		"flag":   "true",
		"label":  "",
		"layers": []any{64, 32},
		"mixed":  5,
	}))
	agg.Accumulate(evaluation("DenseNeuralNetwork", 1, sampler.Params{
		"code":   "7",
		"flag":   "false",
		"label":  "wide",
		"layers": []any{128},
		"mixed":  "auto",
	}))

	dir := t.TempDir()
	m, err := result.WriteSnapshot(dir, agg.Finalize())
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)
	assert.Equal(t, map[string]string{
		"code":   sampler.KindString,
		"flag":   sampler.KindString,
		"label":  sampler.KindString,
		"layers": sampler.KindJSON,
		"mixed":  sampler.KindJSON,
	}, m.Tables[0].Kinds)

	read, err := result.ReadManifest(dir)
	require.NoError(t, err)
	table, err := result.ReadTable(dir, read.Tables[0])
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, sampler.Params{
		"code":   "10",
		"flag":   "true",
		"label":  "",
		"layers": []any{64, 32},
		"mixed":  5,
	}, table.Rows[0].Params)
	assert.Equal(t, sampler.Params{
		"code":   "7",
		"flag":   "false",
		"label":  "wide",
		"layers": []any{128},
		"mixed":  "auto",
	}, table.Rows[1].Params)
}

func TestSnapshotSparseColumns(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(2)
	agg.Accumulate(evaluation("DenseGAN", 0, sampler.Params{"noise_dim": 2, "tag": ""}))
	agg.Accumulate(evaluation("DenseGAN", 1, sampler.Params{"noise_dim": 3}))

	dir := t.TempDir()
	m, err := result.WriteSnapshot(dir, agg.Finalize())
	require.NoError(t, err)
	assert.Equal(t, sampler.KindInt, m.Tables[0].Kinds["noise_dim"])
	assert.Equal(t, sampler.KindJSON, m.Tables[0].Kinds["tag"])

	table, err := result.ReadTable(dir, m.Tables[0])
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, sampler.Params{"noise_dim": 2, "tag": ""}, table.Rows[0].Params)
	assert.Equal(t, sampler.Params{"noise_dim": 3}, table.Rows[1].Params)
}

func TestSnapshotKeepsCandidateIndex(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(2)
	late := evaluation("RandomForestRegressor", 7, sampler.Params{"n_estimators": 70})
	late.TaskID = 15
	early := evaluation("RandomForestRegressor", 2, sampler.Params{"n_estimators": 20})
	early.TaskID = 4
	agg.Accumulate(late)
	agg.Accumulate(early)

	dir := t.TempDir()
	m, err := result.WriteSnapshot(dir, agg.Finalize())
	require.NoError(t, err)
	table, err := result.ReadTable(dir, m.Tables[0])
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 7, table.Rows[0].Index)
	assert.Equal(t, 15, table.Rows[0].TaskID)
	assert.Equal(t, 70, table.Rows[0].Params["n_estimators"])
	assert.Equal(t, 2, table.Rows[1].Index)
	assert.Equal(t, 4, table.Rows[1].TaskID)
}

func TestSnapshotRejectsReservedParam(t *testing.T) {
	agg := result.NewAggregator()
	agg.Expect(1)
	agg.Accumulate(evaluation("DenseGAN", 0, sampler.Params{"candidate": 1}))
	_, err := result.WriteSnapshot(t.TempDir(), agg.Finalize())
	assert.ErrorContains(t, err, "reserved column")
}
