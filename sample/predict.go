package sample

import (
	"github.com/vanlab/van/api"
	"github.com/vanlab/van/ml"
)

// Predictions applies a softmax to each row of (B, classes) logits and returns
// the k most probable classes of every row.
func Predictions(ctx *ml.Context, logits *ml.Tensor, k int) ([][]api.Prediction, error) {
	probs, err := logits.Softmax(ctx)
	if err != nil {
		return nil, err
	}

	n := probs.Dim(-1)
	data := probs.Floats()

	preds := make([][]api.Prediction, probs.Dim(0))
	for i := range preds {
		row := data[i*n : (i+1)*n]
		for _, idx := range TopK(row, k) {
			preds[i] = append(preds[i], api.Prediction{Index: idx, Score: row[idx]})
		}
	}
	return preds, nil
}
