package stage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Frame is a loaded table restricted to the requested columns, in request
// order.
type Frame struct {
	Columns []string
	Rows    [][]float64
}

// Loader reads one data file into a Frame.
type Loader interface {
	Load(ctx context.Context, path string, columns []string) (*Frame, error)
}

// CSVLoader reads comma separated files with a header row.
type CSVLoader struct{}

func (CSVLoader) Load(ctx context.Context, path string, columns []string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	idx := make([]int, len(columns))
	for i, c := range columns {
		j, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("%w: column %q not found in %s", ErrSchema, c, path)
		}
		idx[i] = j
	}

	frame := &Frame{Columns: columns}
	for line := 2; ; line++ {
		if line%10000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		row := make([]float64, len(idx))
		for i, j := range idx {
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d column %q: %w", path, line, columns[i], err)
			}
			row[i] = v
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}
