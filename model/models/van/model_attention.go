package van

import (
	"fmt"
	"math/rand/v2"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
)

// gatedSpatial approximates a large kernel attention with a 5x5 depthwise
// convolution, a 7x7 depthwise convolution dilated by 3 and a pointwise mix. The
// result gates its own input.
type gatedSpatial struct {
	Conv0       *nn.Conv2D
	ConvSpatial *nn.Conv2D
	Conv1       *nn.Conv2D
}

func newGatedSpatial(r *rand.Rand, dim int) *gatedSpatial {
	return &gatedSpatial{
		Conv0:       nn.NewConv2D(r, dim, dim, 5, ml.Conv2DOptions{Padding: 2, Groups: dim}),
		ConvSpatial: nn.NewConv2D(r, dim, dim, 7, ml.Conv2DOptions{Padding: 9, Dilation: 3, Groups: dim}),
		Conv1:       nn.NewConv2D(r, dim, dim, 1, ml.Conv2DOptions{}),
	}
}

func (m *gatedSpatial) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	attn, err := m.Conv0.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if attn, err = m.ConvSpatial.Forward(ctx, attn); err != nil {
		return nil, err
	}

	if attn, err = m.Conv1.Forward(ctx, attn); err != nil {
		return nil, err
	}

	return x.Mul(ctx, attn)
}

func (m *gatedSpatial) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, m.Conv0.Params(nn.Join(prefix, "conv0"))...)
	params = append(params, m.ConvSpatial.Params(nn.Join(prefix, "conv_spatial"))...)
	return append(params, m.Conv1.Params(nn.Join(prefix, "conv1"))...)
}

// mixedAttention averages a pointwise projection with a convolution over the
// retiled grid, gates the result spatially and projects it back onto the
// residual. Without retiling only the pointwise projection is used.
type mixedAttention struct {
	split attentionSplit

	Proj1  *nn.Conv2D
	Proj1c *nn.Conv2D
	Gate   *gatedSpatial
	Proj2  *nn.Conv2D
}

func newMixedAttention(r *rand.Rand, dim, stage int, retiled bool) (*mixedAttention, error) {
	s, err := attentionSplitFor(stage)
	if err != nil {
		return nil, err
	}

	m := mixedAttention{
		split: s,
		Proj1: nn.NewConv2D(r, dim, dim, 1, ml.Conv2DOptions{}),
		Gate:  newGatedSpatial(r, dim),
		Proj2: nn.NewConv2D(r, dim, dim, 1, ml.Conv2DOptions{}),
	}

	if retiled {
		if dim != s.c*s.h*s.w {
			return nil, fmt.Errorf("%w: stage %d attention splits %d channels as %dx%dx%d", ml.ErrShapeMismatch, stage, dim, s.c, s.h, s.w)
		}

		m.Proj1c = nn.NewConv2D(r, s.c, s.c, s.kernel, ml.Conv2DOptions{Padding: s.kernel / 2})
	}

	return &m, nil
}

func (m *mixedAttention) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	shortcut := x

	h, err := m.Proj1.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if m.Proj1c != nil {
		s := m.split
		if x.Dim(1) != s.c*s.h*s.w {
			return nil, fmt.Errorf("%w: attention expects %d channels, got %v", ml.ErrShapeMismatch, s.c*s.h*s.w, x)
		}

		branch, err := x.ChannelsToSpace(s.h, s.w)
		if err != nil {
			return nil, err
		}

		if branch, err = m.Proj1c.Forward(ctx, branch); err != nil {
			return nil, err
		}

		if branch, err = branch.SpaceToChannels(s.h, s.w); err != nil {
			return nil, err
		}

		if h, err = h.Add(ctx, branch); err != nil {
			return nil, err
		}

		if h, err = h.Scale(ctx, 0.5); err != nil {
			return nil, err
		}
	}

	if h, err = h.GELU(ctx); err != nil {
		return nil, err
	}

	if h, err = m.Gate.Forward(ctx, h); err != nil {
		return nil, err
	}

	if h, err = m.Proj2.Forward(ctx, h); err != nil {
		return nil, err
	}

	return h.Add(ctx, shortcut)
}

func (m *mixedAttention) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, m.Proj1.Params(nn.Join(prefix, "proj_1"))...)
	if m.Proj1c != nil {
		params = append(params, m.Proj1c.Params(nn.Join(prefix, "proj_1c"))...)
	}
	params = append(params, m.Gate.Params(nn.Join(prefix, "spatial_gating_unit"))...)
	return append(params, m.Proj2.Params(nn.Join(prefix, "proj_2"))...)
}
