// Package safetensors reads and writes the safetensors checkpoint format: an
// 8 byte little endian header length, a JSON header describing every tensor and
// the concatenated tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/vanlab/van/ml"
)

type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"

	// I64 only appears in bookkeeping buffers such as batch counters and is
	// read, never written.
	I64 DType = "I64"
)

func (d DType) size() (int, error) {
	switch d {
	case I64:
		return 8, nil
	case F32:
		return 4, nil
	case F16, BF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q", d)
	}
}

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header so a corrupt length cannot exhaust memory.
const maxHeaderSize = 100 << 20

var ErrInvalidHeader = errors.New("invalid safetensors header")

type tensorInfo struct {
	Type    DType    `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Read decodes every tensor of a safetensors stream into float32 tensors and
// returns them with the free form metadata.
func Read(r io.Reader) (map[string]*ml.Tensor, map[string]string, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}

	if n <= 0 || n > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	var metadata map[string]string
	if raw, ok := headers[metadataKey]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, nil, fmt.Errorf("%w: metadata: %w", ErrInvalidHeader, err)
		}
		delete(headers, metadataKey)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	tensors := make(map[string]*ml.Tensor, len(keys))
	for _, key := range keys {
		var info tensorInfo
		if err := json.Unmarshal(headers[key], &info); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidHeader, key, err)
		}

		t, err := info.decode(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", key, err)
		}

		tensors[key] = t
	}

	return tensors, metadata, nil
}

func (info tensorInfo) decode(data []byte) (*ml.Tensor, error) {
	size, err := info.Type.size()
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range info.Shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: shape %v", ErrInvalidHeader, info.Shape)
		}
		n *= d
	}

	begin, end := info.Offsets[0], info.Offsets[1]
	if begin < 0 || end < begin || end > int64(len(data)) || end-begin != int64(n*size) {
		return nil, fmt.Errorf("%w: offsets %v for %d %s values in %d bytes", ErrInvalidHeader, info.Offsets, n, info.Type, len(data))
	}

	raw := data[begin:end]
	f32s := make([]float32, n)
	switch info.Type {
	case F32:
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case F16:
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	case BF16:
		f32s = bfloat16.DecodeFloat32(raw)
	case I64:
		for i := range f32s {
			f32s[i] = float32(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	}

	return ml.FromFloats(f32s, info.Shape...)
}

// Write encodes tensors in sorted name order with the given data type. Header
// padding keeps the data section 8 byte aligned.
func Write(w io.Writer, tensors map[string]*ml.Tensor, dtype DType, metadata map[string]string) error {
	size, err := dtype.size()
	if err != nil {
		return err
	}
	if dtype != F32 && dtype != F16 {
		return fmt.Errorf("writing %s is not supported", dtype)
	}

	keys := maps.Keys(tensors)
	slices.Sort(keys)

	headers := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		headers[metadataKey] = metadata
	}

	var offset int64
	for _, key := range keys {
		t := tensors[key]
		n := int64(t.Len() * size)
		headers[key] = tensorInfo{Type: dtype, Shape: t.Shape(), Offsets: [2]int64{offset, offset + n}}
		offset += n
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, key := range keys {
		f32s := tensors[key].Floats()
		switch dtype {
		case F32:
			err = binary.Write(w, binary.LittleEndian, f32s)
		case F16:
			f16s := make([]uint16, len(f32s))
			for i := range f32s {
				f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
			}
			err = binary.Write(w, binary.LittleEndian, f16s)
		}
		if err != nil {
			return err
		}
	}

	return nil
}
