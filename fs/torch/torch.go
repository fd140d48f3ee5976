// Package torch reads PyTorch checkpoints written with torch.save.
package torch

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/vanlab/van/ml"
)

// stateDictKey holds the parameters in training checkpoints that also carry
// optimizer state and epoch counters.
const stateDictKey = "state_dict"

// Read loads the state dict of a PyTorch checkpoint as float32 tensors.
func Read(path string) (map[string]*ml.Tensor, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	entries, err := stateDict(pt)
	if err != nil {
		return nil, err
	}

	tensors := make(map[string]*ml.Tensor, len(entries))
	for k, v := range entries {
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			// non tensor entries such as version numbers
			continue
		}

		tensors[k], err = decode(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
	}

	return tensors, nil
}

// stateDict flattens the top level dictionary, descending into a nested
// state_dict entry when there is one.
func stateDict(v any) (map[string]any, error) {
	entries := make(map[string]any)
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			name, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected key %v of type %T", k, k)
			}
			entries[name] = d.MustGet(k)
		}
	case *types.OrderedDict:
		for k, e := range d.Map {
			name, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected key %v of type %T", k, k)
			}
			entries[name] = e.Value
		}
	default:
		return nil, fmt.Errorf("unexpected checkpoint root %T", v)
	}

	if nested, ok := entries[stateDictKey]; ok {
		return stateDict(nested)
	}

	return entries, nil
}

// decode gathers the elements of a possibly strided tensor view in row-major order.
func decode(t *pytorch.Tensor) (*ml.Tensor, error) {
	var get func(int) float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		get = func(i int) float32 { return s.Data[i] }
	case *pytorch.HalfStorage:
		get = func(i int) float32 { return s.Data[i] }
	case *pytorch.BFloat16Storage:
		get = func(i int) float32 { return s.Data[i] }
	case *pytorch.DoubleStorage:
		get = func(i int) float32 { return float32(s.Data[i]) }
	case *pytorch.LongStorage:
		get = func(i int) float32 { return float32(s.Data[i]) }
	default:
		return nil, fmt.Errorf("unknown data type: %T", s)
	}

	shape := t.Size
	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	index := make([]int, len(shape))
	for i := range data {
		offset := t.StorageOffset
		for d, j := range index {
			offset += j * t.Stride[d]
		}
		data[i] = get(offset)

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < shape[d] {
				break
			}
			index[d] = 0
		}
	}

	return ml.FromFloats(data, shape...)
}
