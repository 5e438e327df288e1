//go:build integration

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/mpsearch/internal/config"
	"github.com/signalnine/mpsearch/internal/report"
	"github.com/signalnine/mpsearch/internal/result"
	"github.com/signalnine/mpsearch/internal/runner"
)

// createFixtureData writes a month of daily files whose output is a noisy
// power law of the inputs, like a microphysics rate table.
func createFixtureData(t *testing.T, days int) string {
	t.Helper()
	dir := t.TempDir()
	src := rand.New(rand.NewPCG(1, 2))
	for d := 1; d <= days; d++ {
		lines := []string{"Index,QC_TAU_in,NC_TAU_in,qrtend_TAU"}
		for i := range 200 {
			qc := math.Pow(10, -6+4*src.Float64())
			nc := 1 + 100*src.Float64()
			rate := 1e-3 * math.Pow(qc, 1.5) / math.Sqrt(nc) * (1 + 0.05*src.NormFloat64())
			lines = append(lines, fmt.Sprintf("%d,%g,%g,%g", i, qc, nc, rate))
		}
		name := filepath.Join(dir, fmt.Sprintf("cam_mp_202001%02d.csv", d))
		if err := os.WriteFile(name, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestSearchIntegration(t *testing.T) {
	if os.Getenv("MPSEARCH_INTEGRATION_TESTS") == "" {
		t.Skip("set MPSEARCH_INTEGRATION_TESTS=1 to run integration tests")
	}

	data := createFixtureData(t, 20)
	out := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
data_path: %s
subset_data:
  train_date_start: 2020-01-01
  train_date_end: 2020-01-14
  test_date_start: 2020-01-15
  test_date_end: 2020-01-20
  validation_frequency: 4
filter: {column: NC_TAU_in, min: 10}
input_cols: [QC_TAU_in, NC_TAU_in]
output_cols: [qrtend_TAU]
input_transforms: {QC_TAU_in: log10_transform}
output_transforms: {qrtend_TAU: log10_transform}
input_scaler: StandardScaler
output_scaler: QuantileTransformer
n_quantiles: 100
models:
  RandomForestRegressor:
    n_estimators: ["randint", 5, 20]
    n_bins: [8, 16]
  DenseNeuralNetwork:
    hidden_layers: [1, 2]
    hidden_neurons: ["randint", 4, 16]
    lr: ["expon", 0.0005, 0.002]
    epochs: [5]
  DenseGAN:
    noise_dim: [2]
    n_samples: [4]
    epochs: [5]
num_param_samples: 4
random_seed: 505
workers: 4
task_timeout: 5m
out_path: %s
`, data, out)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := runner.RunSearch(ctx, &runner.SearchOpts{Config: cfg})
	if err != nil {
		t.Fatalf("RunSearch: %v", err)
	}
	if !res.Manifest.Complete {
		t.Errorf("manifest complete: got false, want true")
	}
	if got := len(res.Manifest.Tables); got != 3 {
		t.Errorf("tables: got %d, want 3", got)
	}
	for _, info := range res.Manifest.Tables {
		table, err := result.ReadTable(res.RunDir, info)
		if err != nil {
			t.Fatalf("ReadTable %s: %v", info.Family, err)
		}
		if len(table.Rows)+countFailures(res.Snapshot, info.Family) != 4 {
			t.Errorf("%s: %d rows, want 4 outcomes", info.Family, len(table.Rows))
		}
	}

	var buf strings.Builder
	if err := report.Generate(res.RunDir, report.Options{Format: "markdown"}, &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(buf.String(), "## DenseGAN") {
		t.Errorf("report is missing the DenseGAN section:\n%s", buf.String())
	}
}

func countFailures(snap *result.Snapshot, family string) int {
	n := 0
	for _, f := range snap.Failures {
		if f.Family == family {
			n++
		}
	}
	return n
}
