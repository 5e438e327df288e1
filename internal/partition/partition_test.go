package partition_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/mpsearch/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jan(d int) time.Time {
	return time.Date(2020, time.January, d, 0, 0, 0, 0, time.UTC)
}

func daySources(n int) []partition.Source {
	sources := make([]partition.Source, 0, n)
	for d := 1; d <= n; d++ {
		sources = append(sources, partition.Source{Path: fmt.Sprintf("day%02d.csv", d), Time: jan(d)})
	}
	return sources
}

func days(keys []time.Time) []int {
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = k.Day()
	}
	return out
}

func TestSplitTenDays(t *testing.T) {
	p, err := partition.Split(daySources(10),
		partition.Window{Start: jan(1), End: jan(5)},
		partition.Window{Start: jan(6), End: jan(10)},
		3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 5}, days(p.TrainKeys))
	assert.Equal(t, []int{4}, days(p.ValidationKeys))
	assert.Equal(t, []int{6, 7, 8, 9, 10}, days(p.TestKeys))
	require.Len(t, p.Validation, 1)
	assert.Equal(t, "day04.csv", p.Validation[0].Path)
	assert.Len(t, p.Train, 4)
	assert.Len(t, p.Test, 5)
}

func TestSplitDisjoint(t *testing.T) {
	sources := daySources(31)
	// two files per day for a few days
	sources = append(sources, partition.Source{Path: "extra07.csv", Time: jan(7)}, partition.Source{Path: "extra12.csv", Time: jan(12)})
	partition.Sort(sources)

	for freq := 2; freq <= 6; freq++ {
		t.Run(fmt.Sprintf("freq=%d", freq), func(t *testing.T) {
			p, err := partition.Split(sources,
				partition.Window{Start: jan(1), End: jan(20)},
				partition.Window{Start: jan(20), End: jan(31)},
				freq)
			require.NoError(t, err)

			owner := map[string]string{}
			for name, set := range map[string][]partition.Source{"train": p.Train, "validation": p.Validation, "test": p.Test} {
				for _, s := range set {
					prev, dup := owner[s.Path]
					assert.False(t, dup, "%s in both %s and %s", s.Path, prev, name)
					owner[s.Path] = name
				}
			}
			union := len(p.TrainKeys) + len(p.ValidationKeys)
			// day 20 is shared by both windows and goes to test
			assert.Equal(t, 19, union)
			assert.InDelta(t, float64(union)/float64(freq), float64(len(p.ValidationKeys)), 1.0)
		})
	}
}

func TestSplitDeterministic(t *testing.T) {
	train := partition.Window{Start: jan(1), End: jan(15)}
	test := partition.Window{Start: jan(16), End: jan(20)}
	a, err := partition.Split(daySources(20), train, test, 4)
	require.NoError(t, err)
	b, err := partition.Split(daySources(20), train, test, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSplitRangeErrors(t *testing.T) {
	tests := []struct {
		name  string
		train partition.Window
		test  partition.Window
		freq  int
	}{
		{"train reversed", partition.Window{Start: jan(5), End: jan(1)}, partition.Window{Start: jan(6), End: jan(10)}, 3},
		{"test reversed", partition.Window{Start: jan(1), End: jan(5)}, partition.Window{Start: jan(10), End: jan(6)}, 3},
		{"overlap", partition.Window{Start: jan(1), End: jan(7)}, partition.Window{Start: jan(6), End: jan(10)}, 3},
		{"frequency too small", partition.Window{Start: jan(1), End: jan(5)}, partition.Window{Start: jan(6), End: jan(10)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := partition.Split(daySources(10), tt.train, tt.test, tt.freq)
			assert.ErrorIs(t, err, partition.ErrRange)
		})
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"cam.h1.20200103.csv", "cam.h1.20200101.csv", "cam.h1.20200102.csv", "notes.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("a\n1\n"), 0o644))
	}
	sources, err := partition.Discover(dir, "*.csv", "20060102")
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{sources[0].Time.Day(), sources[1].Time.Day(), sources[2].Time.Day()})
	assert.Equal(t, "cam.h1.20200101.csv", filepath.Base(sources[0].Path))
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := partition.Discover(filepath.Join(t.TempDir(), "nope"), "*.csv", "20060102")
	assert.Error(t, err)
}
