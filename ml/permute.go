package ml

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// Permute returns a contiguous copy of t with its dimensions reordered so that
// output dimension i is input dimension axes[i].
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	if len(axes) != len(t.shape) {
		return nil, fmt.Errorf("%w: permutation %v for %v", ErrShapeMismatch, axes, t.shape)
	}

	seen := make([]bool, len(axes))
	shape := make([]int, len(axes))
	for i, a := range axes {
		if a < 0 || a >= len(axes) || seen[a] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShapeMismatch, axes)
		}
		seen[a] = true
		shape[i] = t.shape[a]
	}

	if slices.IsSorted(axes) {
		return t.Clone(), nil
	}

	dense := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	if err := dense.T(axes...); err != nil {
		return nil, err
	}

	if err := dense.Transpose(); err != nil {
		return nil, err
	}

	// flatten so the data can be read back as a vector
	if err := dense.Reshape(dense.Shape().TotalSize()); err != nil {
		return nil, err
	}

	data, err := native.VectorF32(dense)
	if err != nil {
		return nil, err
	}

	return &Tensor{shape: shape, data: data}, nil
}

// ChannelsToSpace moves groups of ph×pw channels into the spatial dimensions:
//
//	b (c p1 p2) n1 n2 -> b c (n1 p1) (n2 p2)
//
// The channel count must be divisible by ph·pw.
func (t *Tensor) ChannelsToSpace(ph, pw int) (*Tensor, error) {
	if len(t.shape) != 4 || ph <= 0 || pw <= 0 || t.shape[1]%(ph*pw) != 0 {
		return nil, fmt.Errorf("%w: cannot split channels of %v into (c, %d, %d)", ErrShapeMismatch, t.shape, ph, pw)
	}

	b, c, h, w := t.shape[0], t.shape[1]/(ph*pw), t.shape[2], t.shape[3]
	x, err := t.Reshape(b, c, ph, pw, h, w)
	if err != nil {
		return nil, err
	}

	x, err = x.Permute(0, 1, 4, 2, 5, 3)
	if err != nil {
		return nil, err
	}

	return x.Reshape(b, c, h*ph, w*pw)
}

// SpaceToChannels is the inverse of ChannelsToSpace:
//
//	b c (n1 p1) (n2 p2) -> b (c p1 p2) n1 n2
//
// Height and width must be divisible by ph and pw.
func (t *Tensor) SpaceToChannels(ph, pw int) (*Tensor, error) {
	if len(t.shape) != 4 || ph <= 0 || pw <= 0 || t.shape[2]%ph != 0 || t.shape[3]%pw != 0 {
		return nil, fmt.Errorf("%w: cannot split spatial dimensions of %v into (%d, %d) tiles", ErrShapeMismatch, t.shape, ph, pw)
	}

	b, c, h, w := t.shape[0], t.shape[1], t.shape[2]/ph, t.shape[3]/pw
	x, err := t.Reshape(b, c, h, ph, w, pw)
	if err != nil {
		return nil, err
	}

	x, err = x.Permute(0, 1, 3, 5, 2, 4)
	if err != nil {
		return nil, err
	}

	return x.Reshape(b, c*ph*pw, h, w)
}

// Tokens flattens a (B, C, H, W) feature map into a (B, H·W, C) token sequence.
func (t *Tensor) Tokens() (*Tensor, error) {
	if len(t.shape) != 4 {
		return nil, fmt.Errorf("%w: expected a feature map, got %v", ErrShapeMismatch, t.shape)
	}

	b, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	x, err := t.Permute(0, 2, 3, 1)
	if err != nil {
		return nil, err
	}

	return x.Reshape(b, h*w, c)
}

// FeatureMap is the inverse of Tokens for an h×w grid.
func (t *Tensor) FeatureMap(h, w int) (*Tensor, error) {
	if len(t.shape) != 3 || t.shape[1] != h*w {
		return nil, fmt.Errorf("%w: cannot lay out %v as a %dx%d grid", ErrShapeMismatch, t.shape, h, w)
	}

	x, err := t.Reshape(t.shape[0], h, w, t.shape[2])
	if err != nil {
		return nil, err
	}

	return x.Permute(0, 3, 1, 2)
}
