package van

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
)

// perturb replaces every parameter with random values so that biases and
// normalization statistics take part in the computation. Variances stay positive.
func perturb(r *rand.Rand, params []nn.Param) {
	for _, p := range params {
		s := p.Tensor.Floats()
		for i := range s {
			if strings.HasSuffix(p.Name, "running_var") {
				s[i] = .5 + r.Float32()
			} else {
				s[i] = float32(r.NormFloat64()) * .3
			}
		}
	}
}

// elementwise applies f to the matching elements of same-shaped tensors.
func elementwise(t *testing.T, f func(v ...float32) float32, ts ...*ml.Tensor) *ml.Tensor {
	t.Helper()
	out := ml.Zeros(ts[0].Shape()...)
	args := make([]float32, len(ts))
	for i := range out.Floats() {
		for j, x := range ts {
			require.Equal(t, ts[0].Shape(), x.Shape())
			args[j] = x.Floats()[i]
		}
		out.Floats()[i] = f(args...)
	}
	return out
}

func gelu(v ...float32) float32 {
	x := float64(v[0])
	return float32(.5 * x * (1 + math.Erf(x/math.Sqrt2)))
}

func sum(v ...float32) float32 { return v[0] + v[1] }

func product(v ...float32) float32 { return v[0] * v[1] }

func mean(v ...float32) float32 { return (v[0] + v[1]) / 2 }

// batchNorm normalizes x with the running statistics of bn.
func batchNorm(x *ml.Tensor, bn *nn.BatchNorm2D) *ml.Tensor {
	c, hw := x.Dim(1), x.Dim(2)*x.Dim(3)
	out := x.Clone()
	for i, v := range out.Floats() {
		ch := i / hw % c
		mean, variance := bn.RunningMean.Floats()[ch], bn.RunningVar.Floats()[ch]
		out.Floats()[i] = (v-mean)/float32(math.Sqrt(float64(variance+bn.Eps)))*bn.Weight.Floats()[ch] + bn.Bias.Floats()[ch]
	}
	return out
}

// tiled adds a (1, C, ph, pw) bias to every ph×pw tile of x.
func tiled(x, pos *ml.Tensor) *ml.Tensor {
	c, h, w := x.Dim(1), x.Dim(2), x.Dim(3)
	ph, pw := pos.Dim(2), pos.Dim(3)
	out := x.Clone()
	for i := range out.Floats() {
		xx, y, ch := i%w, i/w%h, i/(w*h)%c
		out.Floats()[i] += pos.Floats()[(ch*ph+y%ph)*pw+xx%pw]
	}
	return out
}

func forward(t *testing.T, ctx *ml.Context, f branch, x *ml.Tensor) *ml.Tensor {
	t.Helper()
	y, err := f.Forward(ctx, x)
	require.NoError(t, err)
	return y
}

func assertClose(t *testing.T, want, got *ml.Tensor) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	if diff := cmp.Diff(want.Floats(), got.Floats(), cmpopts.EquateApprox(1e-4, 1e-4)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestGatedSpatial(t *testing.T) {
	r := rand.New(rand.NewPCG(10, 10))
	ctx := ml.NewContext()

	m := newGatedSpatial(r, 4)
	perturb(r, m.Params(""))
	x := randomImages(t, 11, 2, 4, 6, 6)

	attn := forward(t, ctx, m.Conv1, forward(t, ctx, m.ConvSpatial, forward(t, ctx, m.Conv0, x)))
	assertClose(t, elementwise(t, product, x, attn), forward(t, ctx, m, x))
}

func TestMixedAttention(t *testing.T) {
	ctx := ml.NewContext()

	t.Run("retiled", func(t *testing.T) {
		r := rand.New(rand.NewPCG(12, 12))
		m, err := newMixedAttention(r, 128, 1, true)
		require.NoError(t, err)
		perturb(r, m.Params(""))
		x := randomImages(t, 13, 1, 128, 4, 4)

		tiles, err := x.ChannelsToSpace(4, 4)
		require.NoError(t, err)
		tiles, err = forward(t, ctx, m.Proj1c, tiles).SpaceToChannels(4, 4)
		require.NoError(t, err)

		h := elementwise(t, mean, forward(t, ctx, m.Proj1, x), tiles)
		h = forward(t, ctx, m.Proj2, forward(t, ctx, m.Gate, elementwise(t, gelu, h)))
		assertClose(t, elementwise(t, sum, h, x), forward(t, ctx, m, x))
	})

	t.Run("pointwise", func(t *testing.T) {
		r := rand.New(rand.NewPCG(14, 14))
		m, err := newMixedAttention(r, 32, 0, false)
		require.NoError(t, err)
		perturb(r, m.Params(""))
		x := randomImages(t, 15, 2, 32, 4, 4)

		h := elementwise(t, gelu, forward(t, ctx, m.Proj1, x))
		h = forward(t, ctx, m.Proj2, forward(t, ctx, m.Gate, h))
		assertClose(t, elementwise(t, sum, h, x), forward(t, ctx, m, x))
	})
}

func TestFeedForward(t *testing.T) {
	ctx := ml.NewContext()

	for _, stage := range []int{0, 2} {
		r := rand.New(rand.NewPCG(16, uint64(stage)))
		m, err := newFeedForward(r, 8, 16, stage, 0)
		require.NoError(t, err)
		perturb(r, m.Params(""))
		x := randomImages(t, 17, 2, 8, 5, 5)

		h := forward(t, ctx, m.FC1, x)
		if stage > 1 {
			h = elementwise(t, gelu, batchNorm(h, m.Norm1))
		}
		h = elementwise(t, gelu, batchNorm(forward(t, ctx, m.DWConv, h), m.Norm2))
		assertClose(t, forward(t, ctx, m.FC2, h), forward(t, ctx, m, x))
	}
}

func TestPatchEmbedValues(t *testing.T) {
	ctx := ml.NewContext()
	c := Presets()["van_small"]
	c.ImageSize = 16

	t.Run("stem", func(t *testing.T) {
		r := rand.New(rand.NewPCG(18, 18))
		m, err := newPatchEmbed(r, c, 0, true)
		require.NoError(t, err)
		perturb(r, m.Params(""))
		x := randomImages(t, 19, 1, 3, 16, 16)

		h := batchNorm(tiled(forward(t, ctx, m.Proj1, x), m.PosEmbed), m.Norm1)
		h = batchNorm(forward(t, ctx, m.Proj2, elementwise(t, gelu, h)), m.Norm2)
		want, err := h.SpaceToChannels(2, 2)
		require.NoError(t, err)
		assertClose(t, want, forward(t, ctx, m, x))
	})

	t.Run("retiled", func(t *testing.T) {
		r := rand.New(rand.NewPCG(20, 20))
		m, err := newPatchEmbed(r, c, 1, true)
		require.NoError(t, err)
		perturb(r, m.Params(""))
		x := randomImages(t, 21, 1, 64, 4, 4)

		h, err := x.ChannelsToSpace(2, 2)
		require.NoError(t, err)
		h = batchNorm(tiled(forward(t, ctx, m.Proj2, h), m.PosEmbed), m.Norm2)
		want, err := h.SpaceToChannels(4, 4)
		require.NoError(t, err)
		assertClose(t, want, forward(t, ctx, m, x))
	})
}
