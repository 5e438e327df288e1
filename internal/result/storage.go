package result

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/signalnine/mpsearch/internal/sampler"
)

const (
	manifestFile    = "manifest.json"
	failuresFile    = "failures.csv"
	indexColumn     = "Index"
	nameColumn      = "name"
	candidateColumn = "candidate"
	taskColumn      = "task_id"
)

// Manifest describes a persisted run.
type Manifest struct {
	RunID     string      `json:"run_id"`
	CreatedAt time.Time   `json:"created_at"`
	Complete  bool        `json:"complete"`
	Expected  int         `json:"expected"`
	Received  int         `json:"received"`
	Failures  int         `json:"failures"`
	Tables    []TableInfo `json:"tables"`
}

// TableInfo lists the file and column roles of one family table. Kinds
// holds the value kind of every parameter column.
type TableInfo struct {
	Family string            `json:"family"`
	File   string            `json:"file"`
	Rows   int               `json:"rows"`
	Params []string          `json:"params"`
	Kinds  map[string]string `json:"kinds"`
	Scores []string          `json:"scores"`
}

// CreateRunDir creates baseDir/runs/<timestamp> and points baseDir/latest
// at it.
func CreateRunDir(baseDir string) (string, error) {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	runDir, err := filepath.Abs(filepath.Join(baseDir, "runs", stamp))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// TableFile is the file name of a family's score table.
func TableFile(family string) string {
	return fmt.Sprintf("val_scores_%s.csv", family)
}

// WriteSnapshot persists every family table, the failure list and the
// manifest into runDir.
func WriteSnapshot(runDir string, snap *Snapshot) (*Manifest, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	m := &Manifest{
		RunID:     uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Complete:  snap.Complete,
		Expected:  snap.Expected,
		Received:  snap.Received,
		Failures:  len(snap.Failures),
	}
	families := make([]string, 0, len(snap.Tables))
	for name := range snap.Tables {
		families = append(families, name)
	}
	sort.Strings(families)
	for _, family := range families {
		info, err := writeTable(runDir, snap.Tables[family])
		if err != nil {
			return nil, err
		}
		m.Tables = append(m.Tables, *info)
	}
	if err := writeFailures(filepath.Join(runDir, failuresFile), snap.Failures); err != nil {
		return nil, err
	}
	if err := WriteManifest(runDir, m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeTable(runDir string, t *Table) (*TableInfo, error) {
	params, scores := columnSets(t.Rows)
	for _, p := range params {
		if p == indexColumn || p == nameColumn || p == candidateColumn || p == taskColumn {
			return nil, fmt.Errorf("%s: parameter %q collides with a reserved column", t.Family, p)
		}
	}
	info := &TableInfo{
		Family: t.Family,
		File:   TableFile(t.Family),
		Rows:   len(t.Rows),
		Params: params,
		Kinds:  columnKinds(t.Rows, params),
		Scores: scores,
	}

	header := append([]string{indexColumn, nameColumn, candidateColumn, taskColumn}, params...)
	header = append(header, scores...)
	records := [][]string{header}
	for i, e := range t.Rows {
		rec := []string{strconv.Itoa(i), e.Family, strconv.Itoa(e.Index), strconv.Itoa(e.TaskID)}
		for _, p := range params {
			v, ok := e.Params[p]
			if !ok {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, sampler.EncodeValue(v, info.Kinds[p]))
		}
		for _, s := range scores {
			v, ok := e.Scores[s]
			if !ok {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		records = append(records, rec)
	}
	if err := writeCSV(filepath.Join(runDir, info.File), records); err != nil {
		return nil, err
	}
	return info, nil
}

func columnSets(rows []*Evaluation) ([]string, []string) {
	params, scores := map[string]bool{}, map[string]bool{}
	for _, e := range rows {
		for k := range e.Params {
			params[k] = true
		}
		for k := range e.Scores {
			scores[k] = true
		}
	}
	return sortedKeys(params), sortedKeys(scores)
}

// columnKinds picks one kind per parameter column. A column whose values
// differ in kind, or that some rows lack, is stored as JSON so that every
// cell keeps its own type and an empty cell stays distinct from "".
func columnKinds(rows []*Evaluation, params []string) map[string]string {
	kinds := make(map[string]string, len(params))
	for _, p := range params {
		kind := ""
		for _, e := range rows {
			v, ok := e.Params[p]
			k := sampler.KindOf(v)
			if !ok {
				k = sampler.KindJSON
			}
			if kind == "" {
				kind = k
			} else if kind != k {
				kind = sampler.KindJSON
			}
		}
		kinds[p] = kind
	}
	return kinds
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeFailures(path string, failures []Failure) error {
	records := [][]string{{indexColumn, "task_id", nameColumn, "params", "error"}}
	for i, f := range failures {
		params, err := json.Marshal(f.Params)
		if err != nil {
			return fmt.Errorf("marshaling failure params: %w", err)
		}
		records = append(records, []string{strconv.Itoa(i), strconv.Itoa(f.TaskID), f.Family, string(params), f.Error})
	}
	return writeCSV(path, records)
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func WriteManifest(runDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, manifestFile), data, 0o644)
}

func ReadManifest(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// ReadTable re-parses a persisted family table. Parameter values come back
// with the types they were sampled with.
func ReadTable(runDir string, info TableInfo) (*Table, error) {
	f, err := os.Open(filepath.Join(runDir, info.File))
	if err != nil {
		return nil, fmt.Errorf("opening table: %w", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading table header: %w", err)
	}
	isParam, isScore := set(info.Params), set(info.Scores)

	t := &Table{Family: info.Family}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", info.File, err)
		}
		e := &Evaluation{Family: info.Family, Params: sampler.Params{}, Scores: map[string]float64{}}
		for i, col := range header {
			v := rec[i]
			switch {
			case col == candidateColumn:
				e.Index, err = strconv.Atoi(v)
			case col == taskColumn:
				e.TaskID, err = strconv.Atoi(v)
			case isParam[col]:
				err = readParam(e.Params, col, v, info.Kinds[col])
			case v == "":
			case isScore[col]:
				e.Scores[col], err = strconv.ParseFloat(v, 64)
			}
			if err != nil {
				return nil, fmt.Errorf("%s column %q: %w", info.File, col, err)
			}
		}
		t.Rows = append(t.Rows, e)
	}
	return t, nil
}

func readParam(params sampler.Params, col, v, kind string) error {
	switch {
	case kind == "":
		if v != "" {
			params[col] = sampler.ParseValue(v)
		}
		return nil
	case v == "" && kind != sampler.KindString:
		return nil
	}
	value, err := sampler.DecodeValue(v, kind)
	if err != nil {
		return err
	}
	params[col] = value
	return nil
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// CountFailures returns the number of failed tasks per family.
func CountFailures(runDir string) (map[string]int, error) {
	f, err := os.Open(filepath.Join(runDir, failuresFile))
	if err != nil {
		return nil, fmt.Errorf("opening failures: %w", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading failures: %w", err)
	}
	counts := make(map[string]int)
	for _, rec := range records[min(1, len(records)):] {
		counts[rec[2]]++
	}
	return counts, nil
}
