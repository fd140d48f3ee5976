package ml

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arange(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(i)
	}
	return t
}

// scaled multiplies t by s in place.
func scaled(t *Tensor, s float32) *Tensor {
	for i := range t.data {
		t.data[i] *= s
	}
	return t
}

func TestReshape(t *testing.T) {
	x := arange(2, 3, 4)

	y, err := x.Reshape(6, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, y.Shape())

	_, err = x.Reshape(5, -1)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = x.Reshape(-1, -1)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBroadcast(t *testing.T) {
	ctx := NewContext()
	x := arange(2, 2)
	bias, err := FromFloats([]float32{10, 20}, 1, 2)
	require.NoError(t, err)

	y, err := x.Add(ctx, bias)
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{10, 21, 12, 23}, y.Floats()); diff != "" {
		t.Errorf("add mismatch (-want +got):\n%s", diff)
	}

	// a (B, 1) mask scales whole rows
	mask, err := FromFloats([]float32{0, 2}, 2, 1)
	require.NoError(t, err)
	y, err = x.Mul(ctx, mask)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 4, 6}, y.Floats())

	_, err = x.Add(ctx, arange(2, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = x.Mul(ctx, arange(4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestScale(t *testing.T) {
	ctx := NewContext()
	x := arange(1, 2, 1, 2)

	y, err := x.Scale(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5, 1, 1.5}, y.Floats())

	y, err = x.ScaleChannels(ctx, Full(3, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 6, 9}, y.Floats())

	_, err = x.ScaleChannels(ctx, Full(3, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRepeat(t *testing.T) {
	x, err := FromFloats([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)

	y, err := x.Repeat(NewContext(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4, 4}, y.Shape())
	if diff := cmp.Diff([]float32{
		1, 2, 1, 2,
		3, 4, 3, 4,
		1, 2, 1, 2,
		3, 4, 3, 4,
	}, y.Floats()); diff != "" {
		t.Errorf("repeat mismatch (-want +got):\n%s", diff)
	}
}

func TestMean(t *testing.T) {
	y, err := arange(2, 3, 2).Mean(NewContext(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape())
	if diff := cmp.Diff([]float32{2, 3, 8, 9}, y.Floats()); diff != "" {
		t.Errorf("mean mismatch (-want +got):\n%s", diff)
	}
}

func TestGELU(t *testing.T) {
	x, err := FromFloats([]float32{-1, 0, 1}, 3)
	require.NoError(t, err)

	gelu, err := x.GELU(NewContext())
	require.NoError(t, err)
	y := gelu.Floats()
	assert.InDelta(t, -0.158655, y[0], 1e-5)
	assert.Zero(t, y[1])
	assert.InDelta(t, 0.841345, y[2], 1e-5)
}

func TestPermute(t *testing.T) {
	x := arange(2, 3)

	y, err := x.Permute(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, y.Shape())
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, y.Floats()); diff != "" {
		t.Errorf("permute mismatch (-want +got):\n%s", diff)
	}

	_, err = x.Permute(0, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestChannelsToSpace(t *testing.T) {
	// four channels of a 1x1 map become a single 2x2 channel
	x := arange(1, 4, 1, 1)
	y, err := x.ChannelsToSpace(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape())
	if diff := cmp.Diff([]float32{0, 1, 2, 3}, y.Floats()); diff != "" {
		t.Errorf("channels to space mismatch (-want +got):\n%s", diff)
	}

	// tiles interleave: out[y, x] comes from channel (y%2)*2 + x%2 at (y/2, x/2)
	x = arange(1, 4, 2, 2)
	y, err = x.ChannelsToSpace(2, 2)
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{
		0, 4, 1, 5,
		8, 12, 9, 13,
		2, 6, 3, 7,
		10, 14, 11, 15,
	}, y.Floats()); diff != "" {
		t.Errorf("channels to space mismatch (-want +got):\n%s", diff)
	}
}

func TestRearrangeRoundTrip(t *testing.T) {
	cases := []struct{ c, h, w int }{
		{16, 2, 2},
		{8, 4, 4},
		{5, 8, 8},
		{2, 16, 16},
	}

	for _, tt := range cases {
		x := arange(2, tt.c*tt.h*tt.w, 3, 3)

		y, err := x.ChannelsToSpace(tt.h, tt.w)
		require.NoError(t, err)
		assert.Equal(t, []int{2, tt.c, 3 * tt.h, 3 * tt.w}, y.Shape())

		z, err := y.SpaceToChannels(tt.h, tt.w)
		require.NoError(t, err)
		assert.True(t, x.Equal(z), "round trip through (%d, %d, %d) changed the tensor", tt.c, tt.h, tt.w)
	}
}

func TestRearrangeMismatch(t *testing.T) {
	_, err := arange(1, 60, 2, 2).ChannelsToSpace(8, 8)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = arange(1, 1, 6, 6).SpaceToChannels(4, 4)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTokens(t *testing.T) {
	x := arange(2, 3, 2, 2)

	tokens, err := x.Tokens()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, tokens.Shape())
	if diff := cmp.Diff([]float32{0, 4, 8, 1, 5, 9}, tokens.Floats()[:6]); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	y, err := tokens.FeatureMap(2, 2)
	require.NoError(t, err)
	assert.True(t, x.Equal(y))

	_, err = tokens.FeatureMap(3, 3)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
