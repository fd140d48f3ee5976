package ml

import "math/rand/v2"

// Normal returns a tensor drawn from N(0, std²).
func Normal(r *rand.Rand, std float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(r.NormFloat64()) * std
	}
	return t
}

// TruncNormal returns a tensor drawn from N(0, std²) with samples outside
// [lo, hi] redrawn.
func TruncNormal(r *rand.Rand, std, lo, hi float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		for {
			v := float32(r.NormFloat64()) * std
			if v >= lo && v <= hi {
				t.data[i] = v
				break
			}
		}
	}
	return t
}
