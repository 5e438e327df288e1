package result

import (
	"sync"

	"github.com/signalnine/mpsearch/internal/sampler"
)

// Aggregator collects evaluations and failures from a search. It is safe
// for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	tables   map[string]*Table
	order    []string
	failures []Failure
	expected int
	received int
}

func NewAggregator() *Aggregator {
	return &Aggregator{tables: make(map[string]*Table)}
}

// Expect raises the number of outcomes a complete run delivers.
func (a *Aggregator) Expect(n int) {
	a.mu.Lock()
	a.expected += n
	a.mu.Unlock()
}

// Declare registers a family so that it gets a table even when every one
// of its tasks fails.
func (a *Aggregator) Declare(family string) {
	a.mu.Lock()
	a.table(family)
	a.mu.Unlock()
}

func (a *Aggregator) Accumulate(e *Evaluation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.table(e.Family)
	t.Rows = append(t.Rows, e)
	a.received++
}

// Reject records a failed task for candidate c.
func (a *Aggregator) Reject(taskID int, c sampler.Candidate, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table(c.Family)
	a.failures = append(a.failures, Failure{
		TaskID: taskID,
		Family: c.Family,
		Index:  c.Index,
		Params: c.Params,
		Error:  err.Error(),
	})
	a.received++
}

func (a *Aggregator) table(family string) *Table {
	t, ok := a.tables[family]
	if !ok {
		t = &Table{Family: family}
		a.tables[family] = t
		a.order = append(a.order, family)
	}
	return t
}

// Finalize returns a copy of the current state. It can be called at any
// time; Complete reports whether every expected outcome has arrived.
func (a *Aggregator) Finalize() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := &Snapshot{
		Tables:   make(map[string]*Table, len(a.tables)),
		Failures: append([]Failure(nil), a.failures...),
		Expected: a.expected,
		Received: a.received,
		Complete: a.received == a.expected,
	}
	for _, name := range a.order {
		t := a.tables[name]
		snap.Tables[name] = &Table{Family: name, Rows: append([]*Evaluation(nil), t.Rows...)}
	}
	return snap
}
