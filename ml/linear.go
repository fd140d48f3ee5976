package ml

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Mulmat multiplies the last dimension of t by the transpose of a (out, in)
// weight, so a (..., in) input becomes (..., out).
func (t *Tensor) Mulmat(ctx *Context, weight *Tensor) (*Tensor, error) {
	if len(t.shape) == 0 || len(weight.shape) != 2 || weight.shape[1] != t.shape[len(t.shape)-1] {
		return nil, fmt.Errorf("%w: mulmat %v by %v", ErrShapeMismatch, t.shape, weight.shape)
	}

	out, in := weight.shape[0], weight.shape[1]
	rows, err := t.Reshape(-1, in)
	if err != nil {
		return nil, err
	}

	y, err := ctx.compute1("mulmat", func(inputs []*graph.Node) *graph.Node {
		return graph.Einsum("ri,oi->ro", inputs[0], inputs[1])
	}, rows, weight)
	if err != nil {
		return nil, err
	}

	return y.Reshape(append(t.Shape()[:len(t.shape)-1], out)...)
}

// AddBias adds a vector to the last dimension of t.
func (t *Tensor) AddBias(ctx *Context, bias *Tensor) (*Tensor, error) {
	r := len(t.shape)
	if r == 0 || bias.Len() != t.shape[r-1] {
		return nil, fmt.Errorf("%w: bias %v for %v", ErrShapeMismatch, bias.shape, t.shape)
	}

	n := t.shape[r-1]
	return ctx.compute1("add_bias", func(inputs []*graph.Node) *graph.Node {
		return graph.Add(inputs[0], graph.Reshape(inputs[1], vectorShape(r, r-1, n)...))
	}, t, bias)
}

// Softmax normalizes the last dimension of t into probabilities.
func (t *Tensor) Softmax(ctx *Context) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, fmt.Errorf("%w: softmax of a scalar", ErrShapeMismatch)
	}

	return ctx.compute1("softmax", func(inputs []*graph.Node) *graph.Node {
		return graph.Softmax(inputs[0], -1)
	}, t)
}
