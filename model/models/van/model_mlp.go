package van

import (
	"math/rand/v2"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
)

type feedForward struct {
	// normalizeExpansion places Norm1 and a GELU after FC1
	normalizeExpansion bool

	FC1    *nn.Conv2D
	Norm1  *nn.BatchNorm2D
	DWConv *nn.Conv2D
	Norm2  *nn.BatchNorm2D
	FC2    *nn.Conv2D
	Drop   nn.Dropout
}

// newFeedForward expands dim to hidden channels, mixes them spatially with a
// depthwise convolution and projects back. Stages after the first two also
// normalize the expansion.
func newFeedForward(r *rand.Rand, dim, hidden, stage int, drop float32) (*feedForward, error) {
	k, err := depthwiseKernelFor(stage)
	if err != nil {
		return nil, err
	}

	m := feedForward{
		normalizeExpansion: stage > 1,

		FC1:    nn.NewConv2D(r, dim, hidden, 1, ml.Conv2DOptions{}),
		DWConv: nn.NewConv2D(r, hidden, hidden, k, ml.Conv2DOptions{Padding: k / 2, Groups: hidden}),
		Norm2:  nn.NewBatchNorm2D(hidden),
		FC2:    nn.NewConv2D(r, hidden, dim, 1, ml.Conv2DOptions{}),
		Drop:   nn.Dropout{P: drop},
	}

	if m.normalizeExpansion {
		m.Norm1 = nn.NewBatchNorm2D(hidden)
	}

	return &m, nil
}

func (m *feedForward) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	x, err := m.FC1.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if m.normalizeExpansion {
		if x, err = m.Norm1.Forward(ctx, x); err != nil {
			return nil, err
		}
		if x, err = x.GELU(ctx); err != nil {
			return nil, err
		}
	}

	if x, err = m.DWConv.Forward(ctx, x); err != nil {
		return nil, err
	}

	if x, err = m.Norm2.Forward(ctx, x); err != nil {
		return nil, err
	}

	if x, err = x.GELU(ctx); err != nil {
		return nil, err
	}

	if x, err = m.FC2.Forward(ctx, x); err != nil {
		return nil, err
	}

	return m.Drop.Forward(ctx, x), nil
}

func (m *feedForward) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, m.FC1.Params(nn.Join(prefix, "fc1"))...)
	params = append(params, m.DWConv.Params(nn.Join(prefix, "dwconv.dwconv"))...)
	if m.normalizeExpansion {
		params = append(params, m.Norm1.Params(nn.Join(prefix, "norm1"))...)
	}
	params = append(params, m.Norm2.Params(nn.Join(prefix, "norm2"))...)
	return append(params, m.FC2.Params(nn.Join(prefix, "fc2"))...)
}
