// Package sample selects the best scoring classes from a row of scores.
package sample

import (
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

type candidate struct {
	index int
	score float32
}

// worse orders candidates so the heap root is the weakest kept candidate. Equal
// scores prefer the lower index.
func worse(a, b candidate) int {
	switch {
	case a.score < b.score:
		return -1
	case a.score > b.score:
		return 1
	case a.index > b.index:
		return -1
	case a.index < b.index:
		return 1
	default:
		return 0
	}
}

// TopK returns the indices of the k highest scores in descending score order.
func TopK(scores []float32, k int) []int {
	k = min(k, len(scores))
	if k <= 0 {
		return nil
	}

	h := heap.NewWith(worse)
	for i, s := range scores {
		c := candidate{i, s}
		if h.Size() < k {
			h.Push(c)
			continue
		}

		if weakest, _ := h.Peek(); worse(c, weakest) > 0 {
			h.Pop()
			h.Push(c)
		}
	}

	indices := make([]int, h.Size())
	for i := len(indices) - 1; i >= 0; i-- {
		c, _ := h.Pop()
		indices[i] = c.index
	}
	return indices
}
