package nn

import (
	"math/rand/v2"

	"github.com/vanlab/van/ml"
)

type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// NewLinear draws weights from a normal distribution with std 0.02 truncated to
// [-2, 2] and zeroes the bias.
func NewLinear(r *rand.Rand, in, out int) *Linear {
	return &Linear{
		Weight: ml.TruncNormal(r, .02, -2, 2, out, in),
		Bias:   ml.Zeros(out),
	}
}

func (m *Linear) Forward(ctx *ml.Context, t *ml.Tensor) (*ml.Tensor, error) {
	t, err := t.Mulmat(ctx, m.Weight)
	if err != nil {
		return nil, err
	}

	if m.Bias != nil {
		return t.AddBias(ctx, m.Bias)
	}
	return t, nil
}

func (m *Linear) Params(prefix string) []Param {
	return []Param{
		{Join(prefix, "weight"), m.Weight},
		{Join(prefix, "bias"), m.Bias},
	}
}
