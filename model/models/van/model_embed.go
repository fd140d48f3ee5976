package van

import (
	"fmt"
	"math/rand/v2"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
	"github.com/vanlab/van/model"
)

// patchEmbed downsamples a stage input by two and adds a learned positional bias
// tiled over the output grid.
//
// Stage 0 convolves the image with a 5x5 stride 2 kernel, then a 3x3 kernel
// down to a quarter of the width, and folds 2x2 tiles into channels. Later
// retiled stages unfold the incoming channels into an h×w finer grid, convolve
// it with c input channels, and fold 2h×2w tiles back into channels. Stages whose
// widths do not fit the split tables use a 3x3 stride 2 convolution instead.
type patchEmbed struct {
	stage   int
	retiled bool
	split   embedSplit
	grid    int

	Proj1    *nn.Conv2D
	Norm1    *nn.BatchNorm2D
	Proj2    *nn.Conv2D
	Norm2    *nn.BatchNorm2D
	PosEmbed *ml.Tensor
}

func newPatchEmbed(r *rand.Rand, c Config, stage int, retiled bool) (*patchEmbed, error) {
	if stage < 0 || stage >= numStages {
		return nil, fmt.Errorf("%w: patch embedding for stage %d", model.ErrUnknownConfiguration, stage)
	}

	dim := c.EmbedDims[stage]
	m := patchEmbed{stage: stage, retiled: retiled, grid: c.ImageSize >> (stage + 2)}
	switch {
	case stage == 0:
		m.Proj1 = nn.NewConv2D(r, c.InChannels, dim, 5, ml.Conv2DOptions{Stride: 2, Padding: 2})
		m.Proj2 = nn.NewConv2D(r, dim, dim/4, 3, ml.Conv2DOptions{Padding: 1})
		m.Norm1 = nn.NewBatchNorm2D(dim)
		m.Norm2 = nn.NewBatchNorm2D(dim / 4)
		m.PosEmbed = ml.TruncNormal(r, .02, -2, 2, 1, dim, 2, 2)
	case retiled:
		s, err := embedSplitFor(stage)
		if err != nil {
			return nil, err
		}

		m.split = s
		m.Proj2 = nn.NewConv2D(r, s.c, s.cout, s.kernel, ml.Conv2DOptions{Padding: s.kernel / 2})
		m.Norm2 = nn.NewBatchNorm2D(s.cout)
		m.PosEmbed = ml.TruncNormal(r, .02, -2, 2, 1, s.cout, 2*s.h, 2*s.w)
	default:
		m.Proj1 = nn.NewConv2D(r, c.EmbedDims[stage-1], dim, 3, ml.Conv2DOptions{Stride: 2, Padding: 1})
		m.Norm1 = nn.NewBatchNorm2D(dim)
		m.PosEmbed = ml.TruncNormal(r, .02, -2, 2, 1, dim, 1, 1)
	}

	return &m, nil
}

// addPosition adds the positional bias tiled grid times in each direction.
func (m *patchEmbed) addPosition(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	pos, err := m.PosEmbed.Repeat(ctx, m.grid, m.grid)
	if err != nil {
		return nil, err
	}

	return x.Add(ctx, pos)
}

func (m *patchEmbed) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	switch {
	case m.stage == 0:
		return m.forwardStem(ctx, x)
	case m.retiled:
		return m.forwardRetiled(ctx, x)
	default:
		return m.forwardStrided(ctx, x)
	}
}

func (m *patchEmbed) forwardStem(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	x, err := m.Proj1.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if x, err = m.addPosition(ctx, x); err != nil {
		return nil, err
	}

	if x, err = m.Norm1.Forward(ctx, x); err != nil {
		return nil, err
	}

	if x, err = x.GELU(ctx); err != nil {
		return nil, err
	}

	if x, err = m.Proj2.Forward(ctx, x); err != nil {
		return nil, err
	}

	if x, err = m.Norm2.Forward(ctx, x); err != nil {
		return nil, err
	}

	return x.SpaceToChannels(2, 2)
}

func (m *patchEmbed) forwardRetiled(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	s := m.split
	if x.NumDims() != 4 || x.Dim(1) != s.c*s.h*s.w {
		return nil, fmt.Errorf("%w: stage %d embedding expects %d channels, got %v", ml.ErrShapeMismatch, m.stage, s.c*s.h*s.w, x)
	}

	x, err := x.ChannelsToSpace(s.h, s.w)
	if err != nil {
		return nil, err
	}

	if x, err = m.Proj2.Forward(ctx, x); err != nil {
		return nil, err
	}

	if x, err = m.addPosition(ctx, x); err != nil {
		return nil, err
	}

	if x, err = m.Norm2.Forward(ctx, x); err != nil {
		return nil, err
	}

	return x.SpaceToChannels(2*s.h, 2*s.w)
}

func (m *patchEmbed) forwardStrided(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	x, err := m.Proj1.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	if x, err = m.addPosition(ctx, x); err != nil {
		return nil, err
	}

	return m.Norm1.Forward(ctx, x)
}

func (m *patchEmbed) Params(prefix string) []nn.Param {
	var params []nn.Param
	if m.Proj1 != nil {
		params = append(params, m.Proj1.Params(nn.Join(prefix, "proj1"))...)
	}
	if m.Proj2 != nil {
		params = append(params, m.Proj2.Params(nn.Join(prefix, "proj2"))...)
	}
	if m.Norm1 != nil {
		params = append(params, m.Norm1.Params(nn.Join(prefix, "norm1"))...)
	}
	if m.Norm2 != nil {
		params = append(params, m.Norm2.Params(nn.Join(prefix, "norm2"))...)
	}

	return append(params, nn.Param{Name: m.posEmbedName(prefix), Tensor: m.PosEmbed})
}

func (m *patchEmbed) posEmbedName(prefix string) string {
	return nn.Join(prefix, fmt.Sprintf("pos_embed%d", m.stage+1))
}
