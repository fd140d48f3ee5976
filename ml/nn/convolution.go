package nn

import (
	"math"
	"math/rand/v2"

	"github.com/vanlab/van/ml"
)

type Conv2D struct {
	Weight  *ml.Tensor
	Bias    *ml.Tensor
	Options ml.Conv2DOptions
}

// NewConv2D builds a square-kernel convolution with weights drawn from
// N(0, 2/fan_out), fan_out = k·k·out/groups, and a zero bias.
func NewConv2D(r *rand.Rand, in, out, kernel int, opts ml.Conv2DOptions) *Conv2D {
	groups := max(opts.Groups, 1)
	fanOut := kernel * kernel * out / groups
	return &Conv2D{
		Weight:  ml.Normal(r, float32(math.Sqrt(2/float64(fanOut))), out, in/groups, kernel, kernel),
		Bias:    ml.Zeros(out),
		Options: opts,
	}
}

func (m *Conv2D) Forward(ctx *ml.Context, t *ml.Tensor) (*ml.Tensor, error) {
	return t.Conv2D(ctx, m.Weight, m.Bias, m.Options)
}

func (m *Conv2D) Params(prefix string) []Param {
	return []Param{
		{Join(prefix, "weight"), m.Weight},
		{Join(prefix, "bias"), m.Bias},
	}
}
