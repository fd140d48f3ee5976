package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense, row-major float32 array. Feature maps are laid out as
// (batch, channel, height, width) and token sequences as (batch, tokens, channel).
type Tensor struct {
	shape []int
	data  []float32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, numel(shape))}
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromFloats wraps s in a tensor of the given shape. The tensor takes ownership of s.
func FromFloats(s []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(s) {
		return nil, fmt.Errorf("%w: %d values cannot fill shape %v", ErrShapeMismatch, len(s), shape)
	}

	return &Tensor{shape: slices.Clone(shape), data: s}, nil
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Dim returns the size of dimension n. Negative n counts from the end.
func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	return t.shape[n]
}

func (t *Tensor) NumDims() int {
	return len(t.shape)
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Floats returns the backing slice. Writes through it modify the tensor.
func (t *Tensor) Floats() []float32 {
	return t.data
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Equal reports whether t and t2 have the same shape and bit-identical values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if !slices.Equal(t.shape, t2.shape) {
		return false
	}

	for i := range t.data {
		if math.Float32bits(t.data[i]) != math.Float32bits(t2.data[i]) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

func (t *Tensor) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprint(t.shape))
}

// Reshape returns a view of t with a new shape. At most one dimension may be -1,
// in which case it is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("%w: invalid reshape %v", ErrShapeMismatch, shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}

	if numel(shape) != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
	}

	return &Tensor{shape: shape, data: t.data}, nil
}

// broadcastable checks that t2 has the rank of t and that each of its
// dimensions either matches t or is 1 and is repeated.
func (t *Tensor) broadcastable(t2 *Tensor) error {
	if len(t.shape) != len(t2.shape) {
		return fmt.Errorf("%w: %v and %v", ErrShapeMismatch, t.shape, t2.shape)
	}

	for i, d := range t2.shape {
		if d != t.shape[i] && d != 1 {
			return fmt.Errorf("%w: %v and %v", ErrShapeMismatch, t.shape, t2.shape)
		}
	}
	return nil
}

func (t *Tensor) binary(ctx *Context, op string, t2 *Tensor, fn func(x, y *graph.Node) *graph.Node) (*Tensor, error) {
	if err := t.broadcastable(t2); err != nil {
		return nil, err
	}

	return ctx.compute1(op, func(inputs []*graph.Node) *graph.Node {
		return fn(inputs[0], inputs[1])
	}, t, t2)
}

// Add returns t + t2. Dimensions of size 1 in t2 are broadcast.
func (t *Tensor) Add(ctx *Context, t2 *Tensor) (*Tensor, error) {
	return t.binary(ctx, "add", t2, graph.Add)
}

// Mul returns the elementwise product t ⊙ t2 with the same broadcasting as Add.
func (t *Tensor) Mul(ctx *Context, t2 *Tensor) (*Tensor, error) {
	return t.binary(ctx, "mul", t2, graph.Mul)
}

// Scale returns t multiplied by s.
func (t *Tensor) Scale(ctx *Context, s float32) (*Tensor, error) {
	return ctx.compute1(fmt.Sprintf("scale %g", s), func(inputs []*graph.Node) *graph.Node {
		return graph.MulScalar(inputs[0], float64(s))
	}, t)
}

// GELU applies the exact (erf based) Gaussian error linear unit.
func (t *Tensor) GELU(ctx *Context) (*Tensor, error) {
	return ctx.compute1("gelu", func(inputs []*graph.Node) *graph.Node {
		x := inputs[0]
		cdf := graph.MulScalar(graph.AddScalar(graph.Erf(graph.MulScalar(x, 1/math.Sqrt2)), 1), 0.5)
		return graph.Mul(x, cdf)
	}, t)
}

// ScaleChannels multiplies every channel of a (B, C, ...) tensor by the matching
// entry of the length-C vector s.
func (t *Tensor) ScaleChannels(ctx *Context, s *Tensor) (*Tensor, error) {
	if len(t.shape) < 2 || s.Len() != t.shape[1] {
		return nil, fmt.Errorf("%w: channel scale %v for %v", ErrShapeMismatch, s.shape, t.shape)
	}

	r, c := len(t.shape), t.shape[1]
	return ctx.compute1("scale_channels", func(inputs []*graph.Node) *graph.Node {
		return graph.Mul(inputs[0], graph.Reshape(inputs[1], vectorShape(r, 1, c)...))
	}, t, s)
}

// Repeat tiles a 4-D tensor ry times along height and rx times along width, so
// that out[.., y, x] = t[.., y % h, x % w].
func (t *Tensor) Repeat(ctx *Context, ry, rx int) (*Tensor, error) {
	if len(t.shape) != 4 || ry <= 0 || rx <= 0 {
		return nil, fmt.Errorf("%w: cannot repeat %v by (%d, %d)", ErrShapeMismatch, t.shape, ry, rx)
	}

	b, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	return ctx.compute1(fmt.Sprintf("repeat %dx%d", ry, rx), func(inputs []*graph.Node) *graph.Node {
		x := graph.Reshape(inputs[0], b, c, 1, h, 1, w)
		x = graph.BroadcastToDims(x, b, c, ry, h, rx, w)
		return graph.Reshape(x, b, c, ry*h, rx*w)
	}, t)
}

// Mean averages t over dimension dim, removing it.
func (t *Tensor) Mean(ctx *Context, dim int) (*Tensor, error) {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("%w: mean over dimension %d of %v", ErrShapeMismatch, dim, t.shape)
	}

	return ctx.compute1(fmt.Sprintf("mean %d", dim), func(inputs []*graph.Node) *graph.Node {
		return graph.ReduceMean(inputs[0], dim)
	}, t)
}
