package ml

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

// ChannelMoments returns the per-channel mean and biased variance of a
// (B, C, H, W) tensor, taken over the batch and spatial dimensions.
func (t *Tensor) ChannelMoments(ctx *Context) (mean, variance *Tensor, err error) {
	if len(t.shape) != 4 {
		return nil, nil, fmt.Errorf("%w: channel moments of %v", ErrShapeMismatch, t.shape)
	}

	outputs, err := ctx.compute("channel_moments", func(inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		mean := graph.ReduceAndKeep(x, graph.ReduceMean, 0, 2, 3)
		variance := graph.ReduceMean(graph.Square(graph.Sub(x, mean)), 0, 2, 3)
		return []*graph.Node{graph.Reshape(mean, t.shape[1]), variance}
	}, t)
	if err != nil {
		return nil, nil, err
	}

	return outputs[0], outputs[1], nil
}

// BatchNorm normalizes every channel of a (B, C, H, W) tensor with the given
// statistics and applies the affine weight and bias. All four vectors have length C.
func (t *Tensor) BatchNorm(ctx *Context, weight, bias, mean, variance *Tensor, eps float32) (*Tensor, error) {
	if len(t.shape) != 4 {
		return nil, fmt.Errorf("%w: batch norm of %v", ErrShapeMismatch, t.shape)
	}

	c := t.shape[1]
	for _, v := range []*Tensor{weight, bias, mean, variance} {
		if v.Len() != c {
			return nil, fmt.Errorf("%w: batch norm parameter %v for %d channels", ErrShapeMismatch, v.shape, c)
		}
	}

	return ctx.compute1(fmt.Sprintf("batch_norm eps=%g", eps), func(inputs []*graph.Node) *graph.Node {
		x, params := inputs[0], make([]*graph.Node, 4)
		for i, v := range inputs[1:] {
			params[i] = graph.Reshape(v, vectorShape(4, 1, c)...)
		}

		weight, bias, mean, variance := params[0], params[1], params[2], params[3]
		normed := graph.Div(graph.Sub(x, mean), graph.Sqrt(graph.AddScalar(variance, float64(eps))))
		return graph.Add(graph.Mul(normed, weight), bias)
	}, t, weight, bias, mean, variance)
}

// LayerNorm normalizes t over its last dimension and applies weight and bias.
func (t *Tensor) LayerNorm(ctx *Context, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, fmt.Errorf("%w: layer norm of a scalar", ErrShapeMismatch)
	}

	r := len(t.shape)
	n := t.shape[r-1]
	if weight.Len() != n || bias.Len() != n {
		return nil, fmt.Errorf("%w: layer norm parameters %v, %v for %v", ErrShapeMismatch, weight.shape, bias.shape, t.shape)
	}

	return ctx.compute1(fmt.Sprintf("layer_norm eps=%g", eps), func(inputs []*graph.Node) *graph.Node {
		x := inputs[0]
		weight := graph.Reshape(inputs[1], vectorShape(r, r-1, n)...)
		bias := graph.Reshape(inputs[2], vectorShape(r, r-1, n)...)

		centered := graph.Sub(x, graph.ReduceAndKeep(x, graph.ReduceMean, r-1))
		variance := graph.ReduceAndKeep(graph.Square(centered), graph.ReduceMean, r-1)
		normed := graph.Div(centered, graph.Sqrt(graph.AddScalar(variance, float64(eps))))
		return graph.Add(graph.Mul(normed, weight), bias)
	}, t, weight, bias)
}
