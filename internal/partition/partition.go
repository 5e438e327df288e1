package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRange reports an invalid combination of date windows or validation
// frequency.
var ErrRange = errors.New("invalid date range")

// Source is one data file and the time key parsed from its name.
type Source struct {
	Path string
	Time time.Time
}

// Window is a closed time interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Partitions holds the three disjoint subsets of a source collection.
type Partitions struct {
	Train      []Source
	Validation []Source
	Test       []Source

	TrainKeys      []time.Time
	ValidationKeys []time.Time
	TestKeys       []time.Time
}

var digitRun = regexp.MustCompile(`\d+`)

// Discover globs dir for files matching pattern and parses each file's time
// key from the first run of digits in its base name using layout. Files
// whose name carries no parseable key are skipped.
func Discover(dir, pattern, layout string) ([]Source, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("data path %s: %w", dir, err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", pattern, err)
	}
	var sources []Source
	for _, p := range paths {
		t, ok := parseKey(filepath.Base(p), layout)
		if !ok {
			log.Warn().Str("file", p).Str("layout", layout).Msg("skipping file without date key")
			continue
		}
		sources = append(sources, Source{Path: p, Time: t})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no dated files matching %q in %s", pattern, dir)
	}
	Sort(sources)
	return sources, nil
}

func parseKey(name, layout string) (time.Time, bool) {
	for _, run := range digitRun.FindAllString(name, -1) {
		if len(run) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, run); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Sort orders sources by time key, then by path.
func Sort(sources []Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Time.Equal(sources[j].Time) {
			return sources[i].Path < sources[j].Path
		}
		return sources[i].Time.Before(sources[j].Time)
	})
}

// Split partitions sources into train, validation and test subsets. Every
// validationFrequency-th distinct key of the train window, starting at index
// validationFrequency, is moved to validation.
func Split(sources []Source, train, test Window, validationFrequency int) (*Partitions, error) {
	if train.Start.After(train.End) {
		return nil, fmt.Errorf("%w: train start %s is after train end %s", ErrRange, day(train.Start), day(train.End))
	}
	if test.Start.After(test.End) {
		return nil, fmt.Errorf("%w: test start %s is after test end %s", ErrRange, day(test.Start), day(test.End))
	}
	if train.End.After(test.Start) {
		return nil, fmt.Errorf("%w: train and test periods overlap", ErrRange)
	}
	if validationFrequency < 2 {
		return nil, fmt.Errorf("%w: validation frequency must be at least 2, got %d", ErrRange, validationFrequency)
	}

	// A key equal to both train.End and test.Start belongs to test only.
	inTrain := func(t time.Time) bool { return train.contains(t) && !test.contains(t) }

	trainWindowKeys := distinctKeys(sources, inTrain)
	validation := make(map[int64]bool)
	var p Partitions
	for i, k := range trainWindowKeys {
		if i >= validationFrequency && i%validationFrequency == 0 {
			validation[k.UnixNano()] = true
			p.ValidationKeys = append(p.ValidationKeys, k)
		} else {
			p.TrainKeys = append(p.TrainKeys, k)
		}
	}
	p.TestKeys = distinctKeys(sources, test.contains)

	for _, s := range sources {
		switch {
		case test.contains(s.Time):
			p.Test = append(p.Test, s)
		case inTrain(s.Time) && validation[s.Time.UnixNano()]:
			p.Validation = append(p.Validation, s)
		case inTrain(s.Time):
			p.Train = append(p.Train, s)
		}
	}
	return &p, nil
}

func distinctKeys(sources []Source, keep func(time.Time) bool) []time.Time {
	seen := make(map[int64]bool)
	var keys []time.Time
	for _, s := range sources {
		if !keep(s.Time) || seen[s.Time.UnixNano()] {
			continue
		}
		seen[s.Time.UnixNano()] = true
		keys = append(keys, s.Time)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}
