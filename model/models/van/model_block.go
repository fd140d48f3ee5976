package van

import (
	"math/rand/v2"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
)

const layerScaleInit = 1e-2

type block struct {
	Norm1       *nn.BatchNorm2D
	Attention   *mixedAttention
	Norm2       *nn.BatchNorm2D
	FeedForward *feedForward
	LayerScale1 *ml.Tensor
	LayerScale2 *ml.Tensor
	DropPath    nn.DropPath
}

func newBlock(r *rand.Rand, c Config, stage int, retiled bool, dropPath float32) (*block, error) {
	dim := c.EmbedDims[stage]
	attn, err := newMixedAttention(r, dim, stage, retiled)
	if err != nil {
		return nil, err
	}

	mlp, err := newFeedForward(r, dim, int(float32(dim)*c.MLPRatios[stage]), stage, c.DropRate)
	if err != nil {
		return nil, err
	}

	return &block{
		Norm1:       nn.NewBatchNorm2D(dim),
		Attention:   attn,
		Norm2:       nn.NewBatchNorm2D(dim),
		FeedForward: mlp,
		LayerScale1: ml.Full(layerScaleInit, dim),
		LayerScale2: ml.Full(layerScaleInit, dim),
		DropPath:    nn.DropPath{P: dropPath},
	}, nil
}

type branch interface {
	Forward(*ml.Context, *ml.Tensor) (*ml.Tensor, error)
}

// residual computes x + DropPath(scale ⊙ f(norm(x))).
func (m *block) residual(ctx *ml.Context, x *ml.Tensor, norm *nn.BatchNorm2D, f branch, scale *ml.Tensor) (*ml.Tensor, error) {
	h, err := norm.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if h, err = f.Forward(ctx, h); err != nil {
		return nil, err
	}

	if h, err = h.ScaleChannels(ctx, scale); err != nil {
		return nil, err
	}

	return x.Add(ctx, m.DropPath.Forward(ctx, h))
}

func (m *block) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	x, err := m.residual(ctx, x, m.Norm1, m.Attention, m.LayerScale1)
	if err != nil {
		return nil, err
	}

	return m.residual(ctx, x, m.Norm2, m.FeedForward, m.LayerScale2)
}

func (m *block) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, m.Norm1.Params(nn.Join(prefix, "norm1"))...)
	params = append(params, m.Attention.Params(nn.Join(prefix, "attn"))...)
	params = append(params, m.Norm2.Params(nn.Join(prefix, "norm2"))...)
	params = append(params, m.FeedForward.Params(nn.Join(prefix, "mlp"))...)
	return append(params,
		nn.Param{Name: nn.Join(prefix, "layer_scale_1"), Tensor: m.LayerScale1},
		nn.Param{Name: nn.Join(prefix, "layer_scale_2"), Tensor: m.LayerScale2},
	)
}
