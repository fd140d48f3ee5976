package nn

import "github.com/vanlab/van/ml"

// Dropout zeroes elements with probability P during training and rescales the
// survivors by 1/(1-P). It is the identity in evaluation.
type Dropout struct {
	P float32
}

func (m Dropout) Forward(ctx *ml.Context, t *ml.Tensor) *ml.Tensor {
	if !ctx.Training() || m.P <= 0 {
		return t
	}

	out := ml.Zeros(t.Shape()...)
	if m.P >= 1 {
		return out
	}

	r, keep := ctx.Rand(), 1/(1-m.P)
	dst := out.Floats()
	for i, v := range t.Floats() {
		if r.Float32() >= m.P {
			dst[i] = v * keep
		}
	}
	return out
}

// DropPath drops the whole residual branch of a sample with probability P during
// training, rescaling kept samples by 1/(1-P). It is the identity in evaluation.
type DropPath struct {
	P float32
}

func (m DropPath) Forward(ctx *ml.Context, t *ml.Tensor) *ml.Tensor {
	if !ctx.Training() || m.P <= 0 {
		return t
	}

	out := ml.Zeros(t.Shape()...)
	if m.P >= 1 {
		return out
	}

	r, keep := ctx.Rand(), 1/(1-m.P)
	batch := t.Dim(0)
	n := t.Len() / batch
	src, dst := t.Floats(), out.Floats()
	for b := range batch {
		if r.Float32() < m.P {
			continue
		}
		for i := b * n; i < (b+1)*n; i++ {
			dst[i] = src[i] * keep
		}
	}
	return out
}
