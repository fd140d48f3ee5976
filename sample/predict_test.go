package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanlab/van/ml"
)

func TestPredictions(t *testing.T) {
	logits, err := ml.FromFloats([]float32{
		0, 0, 0, 0,
		1, 3, 2, 0,
	}, 2, 4)
	require.NoError(t, err)

	preds, err := Predictions(ml.NewContext(), logits, 2)
	require.NoError(t, err)
	require.Len(t, preds, 2)

	// uniform logits tie everywhere, so the lowest indices win
	assert.Equal(t, 0, preds[0][0].Index)
	assert.Equal(t, 1, preds[0][1].Index)
	assert.InDelta(t, 0.25, preds[0][0].Score, 1e-6)

	assert.Equal(t, 1, preds[1][0].Index)
	assert.Equal(t, 2, preds[1][1].Index)
	assert.Greater(t, preds[1][0].Score, preds[1][1].Score)
	assert.InDelta(t, 0.6439, preds[1][0].Score, 1e-3)
}
