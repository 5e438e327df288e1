package result

import "github.com/signalnine/mpsearch/internal/sampler"

// Evaluation is the validation outcome of one candidate configuration.
type Evaluation struct {
	TaskID    int                `json:"task_id"`
	Family    string             `json:"family"`
	Index     int                `json:"index"`
	Params    sampler.Params     `json:"params"`
	Scores    map[string]float64 `json:"scores"`
	DurationS float64            `json:"duration_s"`
}

// Failure records a task that produced no evaluation.
type Failure struct {
	TaskID int            `json:"task_id"`
	Family string         `json:"family"`
	Index  int            `json:"index"`
	Params sampler.Params `json:"params"`
	Error  string         `json:"error"`
}

// Table is every evaluation of one model family in arrival order.
type Table struct {
	Family string
	Rows   []*Evaluation
}

// Snapshot is the aggregator state at one point of a run.
type Snapshot struct {
	Tables   map[string]*Table
	Failures []Failure
	Expected int
	Received int
	Complete bool
}

// ScoreKey names the score column of a metric on one output column.
func ScoreKey(metric, column string) string {
	return metric + "_" + column
}
