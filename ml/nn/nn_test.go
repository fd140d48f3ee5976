package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanlab/van/ml"
)

func TestConv2DInit(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 1))

	conv := NewConv2D(r, 64, 64, 5, ml.Conv2DOptions{Padding: 2, Groups: 64})
	assert.Equal(t, []int{64, 1, 5, 5}, conv.Weight.Shape())
	assert.Equal(t, make([]float32, 64), conv.Bias.Floats())

	var sumsq float64
	for _, v := range conv.Weight.Floats() {
		sumsq += float64(v) * float64(v)
	}
	std := math.Sqrt(sumsq / float64(conv.Weight.Len()))
	assert.InDelta(t, math.Sqrt(2.0/25), std, 0.05)

	names := []string{}
	for _, p := range conv.Params("attn.proj_1") {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"attn.proj_1.weight", "attn.proj_1.bias"}, names)
}

func TestBatchNorm2D(t *testing.T) {
	bn := NewBatchNorm2D(2)
	x, err := ml.FromFloats([]float32{1, 3, 10, 20}, 1, 2, 1, 2)
	require.NoError(t, err)

	// fresh running statistics are (0, 1)
	y, err := bn.Forward(ml.NewContext(), x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, x.Floats(), y.Floats(), 1e-3)

	y, err = bn.Forward(ml.NewContext().Train(0), x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, 1, -1, 1}, y.Floats(), 1e-4)
	assert.Equal(t, []float32{0, 0}, bn.RunningMean.Floats())
	assert.Equal(t, []float32{1, 1}, bn.RunningVar.Floats())

	assert.Len(t, bn.Params("norm1"), 4)
}

func TestLinear(t *testing.T) {
	r := rand.New(rand.NewPCG(2, 2))
	fc := NewLinear(r, 256, 10)
	assert.Equal(t, []int{10, 256}, fc.Weight.Shape())
	for _, v := range fc.Weight.Floats() {
		assert.LessOrEqual(t, math.Abs(float64(v)), 2.0)
	}

	y, err := fc.Forward(ml.NewContext(), ml.Zeros(3, 256))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 10}, y.Shape())
}

func TestDropout(t *testing.T) {
	x := ml.Full(1, 4, 8)

	assert.Same(t, x, Dropout{P: 0.5}.Forward(ml.NewContext(), x))
	assert.Same(t, x, Dropout{}.Forward(ml.NewContext().Train(3), x))

	y := Dropout{P: 0.5}.Forward(ml.NewContext().Train(3), x)
	for _, v := range y.Floats() {
		assert.Contains(t, []float32{0, 2}, v)
	}
}

func TestDropPath(t *testing.T) {
	x := ml.Full(1, 16, 3, 2, 2)

	assert.Same(t, x, DropPath{P: 0.3}.Forward(ml.NewContext(), x))
	assert.Same(t, x, DropPath{}.Forward(ml.NewContext().Train(5), x))

	y := DropPath{P: 0.5}.Forward(ml.NewContext().Train(5), x).Floats()
	n := 3 * 2 * 2
	for b := range 16 {
		sample := y[b*n : (b+1)*n]
		for _, v := range sample {
			assert.Equal(t, sample[0], v, "sample %d is not dropped as a whole", b)
		}
		assert.Contains(t, []float32{0, 2}, sample[0])
	}

	// same seed, same draws
	a := DropPath{P: 0.5}.Forward(ml.NewContext().Train(9), x)
	b := DropPath{P: 0.5}.Forward(ml.NewContext().Train(9), x)
	assert.True(t, a.Equal(b))
}
