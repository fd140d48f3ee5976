package nn

import "github.com/vanlab/van/ml"

// BatchNorm2D normalizes feature maps per channel. Evaluation uses the running
// statistics; training normalizes with the statistics of the current batch and
// leaves the running statistics untouched.
type BatchNorm2D struct {
	Weight      *ml.Tensor
	Bias        *ml.Tensor
	RunningMean *ml.Tensor
	RunningVar  *ml.Tensor
	Eps         float32
}

func NewBatchNorm2D(channels int) *BatchNorm2D {
	return &BatchNorm2D{
		Weight:      ml.Full(1, channels),
		Bias:        ml.Zeros(channels),
		RunningMean: ml.Zeros(channels),
		RunningVar:  ml.Full(1, channels),
		Eps:         1e-5,
	}
}

func (m *BatchNorm2D) Forward(ctx *ml.Context, t *ml.Tensor) (*ml.Tensor, error) {
	mean, variance := m.RunningMean, m.RunningVar
	if ctx.Training() {
		var err error
		mean, variance, err = t.ChannelMoments(ctx)
		if err != nil {
			return nil, err
		}
	}

	return t.BatchNorm(ctx, m.Weight, m.Bias, mean, variance, m.Eps)
}

func (m *BatchNorm2D) Params(prefix string) []Param {
	return []Param{
		{Join(prefix, "weight"), m.Weight},
		{Join(prefix, "bias"), m.Bias},
		{Join(prefix, "running_mean"), m.RunningMean},
		{Join(prefix, "running_var"), m.RunningVar},
	}
}

type LayerNorm struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
	Eps    float32
}

func NewLayerNorm(n int, eps float32) *LayerNorm {
	return &LayerNorm{Weight: ml.Full(1, n), Bias: ml.Zeros(n), Eps: eps}
}

func (m *LayerNorm) Forward(ctx *ml.Context, t *ml.Tensor) (*ml.Tensor, error) {
	return t.LayerNorm(ctx, m.Weight, m.Bias, m.Eps)
}

func (m *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Join(prefix, "weight"), m.Weight},
		{Join(prefix, "bias"), m.Bias},
	}
}
