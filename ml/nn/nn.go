// Package nn holds the parameterized layers models are assembled from. Every
// layer owns its tensors and lists them under their checkpoint names with Params.
package nn

import "github.com/vanlab/van/ml"

// Param is a named parameter or buffer of a layer.
type Param struct {
	Name   string
	Tensor *ml.Tensor
}

// Join builds a dotted parameter name, skipping an empty prefix.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
