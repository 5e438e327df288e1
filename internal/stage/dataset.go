package stage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// Dataset is a staged, row-aligned pair of input and output matrices.
// Once built it is read-only; every consumer shares the same instance.
type Dataset struct {
	InputCols  []string
	OutputCols []string
	Inputs     *mat.Dense
	Outputs    *mat.Dense
}

// Rows returns the number of examples.
func (d *Dataset) Rows() int {
	if d == nil || d.Inputs == nil {
		return 0
	}
	r, _ := d.Inputs.Dims()
	return r
}

type wireDataset struct {
	InputCols  []string  `msgpack:"inputCols"`
	OutputCols []string  `msgpack:"outputCols"`
	Rows       int       `msgpack:"rows"`
	Inputs     []float64 `msgpack:"inputs"`
	Outputs    []float64 `msgpack:"outputs"`
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (d *Dataset) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(wireDataset{
		InputCols:  d.InputCols,
		OutputCols: d.OutputCols,
		Rows:       d.Rows(),
		Inputs:     flatten(d.Inputs),
		Outputs:    flatten(d.Outputs),
	})
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (d *Dataset) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireDataset
	if err := dec.Decode(&w); err != nil {
		return err
	}
	d.InputCols = w.InputCols
	d.OutputCols = w.OutputCols
	if w.Rows == 0 {
		return nil
	}
	if len(w.Inputs) != w.Rows*len(w.InputCols) || len(w.Outputs) != w.Rows*len(w.OutputCols) {
		return fmt.Errorf("decoding dataset: %d rows do not match payload sizes %d/%d", w.Rows, len(w.Inputs), len(w.Outputs))
	}
	d.Inputs = mat.NewDense(w.Rows, len(w.InputCols), w.Inputs)
	d.Outputs = mat.NewDense(w.Rows, len(w.OutputCols), w.Outputs)
	return nil
}

func flatten(m *mat.Dense) []float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride == c {
		return raw.Data[:r*c]
	}
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+c]...)
	}
	return out
}
