package van

import (
	"fmt"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/model"
)

const numStages = 4

// Config describes a VAN backbone. Field names follow the checkpoint metadata
// and the keys accepted by model.New overrides.
type Config struct {
	ImageSize    int       `mapstructure:"image_size" json:"image_size"`
	InChannels   int       `mapstructure:"in_channels" json:"in_channels"`
	NumClasses   int       `mapstructure:"num_classes" json:"num_classes"`
	EmbedDims    []int     `mapstructure:"embed_dims" json:"embed_dims"`
	MLPRatios    []float32 `mapstructure:"mlp_ratios" json:"mlp_ratios"`
	Depths       []int     `mapstructure:"depths" json:"depths"`
	DropRate     float32   `mapstructure:"drop_rate" json:"drop_rate"`
	DropPathRate float32   `mapstructure:"drop_path_rate" json:"drop_path_rate"`
	NumStages    int       `mapstructure:"num_stages" json:"num_stages"`
	NormEps      float32   `mapstructure:"norm_eps" json:"norm_eps"`
	Seed         uint64    `mapstructure:"seed" json:"seed"`
}

func preset(dims, depths []int) Config {
	return Config{
		ImageSize:  224,
		InChannels: 3,
		NumClasses: 1000,
		EmbedDims:  dims,
		MLPRatios:  []float32{8, 8, 4, 4},
		Depths:     depths,
		NumStages:  numStages,
		NormEps:    1e-6,
	}
}

// Presets returns the named configurations. Each call returns fresh copies.
func Presets() map[string]Config {
	return map[string]Config{
		"van_tiny":  preset([]int{32, 64, 160, 256}, []int{3, 3, 5, 2}),
		"van_small": preset([]int{64, 128, 320, 512}, []int{2, 2, 4, 2}),
		"van_base":  preset([]int{64, 128, 320, 512}, []int{3, 3, 12, 3}),
		"van_large": preset([]int{64, 128, 320, 512}, []int{3, 5, 27, 3}),
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumStages != numStages:
		return fmt.Errorf("%w: num_stages must be %d, got %d", model.ErrUnknownConfiguration, numStages, c.NumStages)
	case len(c.EmbedDims) != numStages || len(c.MLPRatios) != numStages || len(c.Depths) != numStages:
		return fmt.Errorf("%w: embed_dims, mlp_ratios and depths need %d entries", model.ErrUnknownConfiguration, numStages)
	case c.ImageSize <= 0 || c.ImageSize%32 != 0:
		return fmt.Errorf("%w: image_size must be a positive multiple of 32, got %d", model.ErrUnknownConfiguration, c.ImageSize)
	case c.InChannels <= 0 || c.NumClasses < 0:
		return fmt.Errorf("%w: in_channels %d, num_classes %d", model.ErrUnknownConfiguration, c.InChannels, c.NumClasses)
	case c.EmbedDims[0]%4 != 0:
		return fmt.Errorf("%w: embed_dims[0] must be a multiple of 4, got %d", model.ErrUnknownConfiguration, c.EmbedDims[0])
	case c.DropRate < 0 || c.DropRate >= 1 || c.DropPathRate < 0 || c.DropPathRate >= 1:
		return fmt.Errorf("%w: drop rates must be in [0, 1)", model.ErrUnknownConfiguration)
	}

	for i := range numStages {
		if c.EmbedDims[i] <= 0 || c.Depths[i] < 0 || int(float32(c.EmbedDims[i])*c.MLPRatios[i]) <= 0 {
			return fmt.Errorf("%w: stage %d has width %d, depth %d, mlp ratio %g", model.ErrUnknownConfiguration, i, c.EmbedDims[i], c.Depths[i], c.MLPRatios[i])
		}
	}

	return nil
}

// dropPathRates spreads DropPathRate linearly over all blocks, from 0 at the
// first block to DropPathRate at the last.
func (c Config) dropPathRates() []float32 {
	var n int
	for _, d := range c.Depths {
		n += d
	}

	rates := make([]float32, n)
	for i := range rates {
		if n > 1 {
			rates[i] = float32(float64(c.DropPathRate) * float64(i) / float64(n-1))
		}
	}
	return rates
}

type attentionSplit struct {
	c, h, w, kernel int
}

type embedSplit struct {
	c, cout, h, w, kernel int
}

var (
	attentionSplits = [numStages]attentionSplit{
		{16, 2, 2, 1},
		{8, 4, 4, 3},
		{5, 8, 8, 5},
		{2, 16, 16, 7},
	}

	depthwiseKernels = [numStages]int{5, 5, 5, 3}

	// plainWidths are the van_tiny stage widths. Stages of exactly these widths
	// project embeddings and attention without retiling.
	plainWidths = [numStages]int{32, 64, 160, 256}

	embedSplits = map[int]embedSplit{
		1: {16, 8, 2, 2, 5},
		2: {8, 5, 4, 4, 7},
		3: {5, 2, 8, 8, 9},
	}
)

func attentionSplitFor(stage int) (attentionSplit, error) {
	if stage < 0 || stage >= numStages {
		return attentionSplit{}, fmt.Errorf("%w: no attention split for stage %d", model.ErrUnknownConfiguration, stage)
	}
	return attentionSplits[stage], nil
}

func depthwiseKernelFor(stage int) (int, error) {
	if stage < 0 || stage >= numStages {
		return 0, fmt.Errorf("%w: no depthwise kernel for stage %d", model.ErrUnknownConfiguration, stage)
	}
	return depthwiseKernels[stage], nil
}

func embedSplitFor(stage int) (embedSplit, error) {
	s, ok := embedSplits[stage]
	if !ok {
		return embedSplit{}, fmt.Errorf("%w: no embedding split for stage %d", model.ErrUnknownConfiguration, stage)
	}
	return s, nil
}

// retiled reports whether stage i uses the channel/space retiling path. The
// widths of the stage, and of its input for i > 0, must factor exactly into the
// stage's split tables. Only the van_tiny widths fall back to a strided
// embedding and a pointwise attention projection; any other width that does not
// factor is an ml.ErrShapeMismatch.
func (c Config) retiled(i int) (embed, attention bool, err error) {
	a, err := attentionSplitFor(i)
	if err != nil {
		return false, false, err
	}

	attention = c.EmbedDims[i] == a.c*a.h*a.w
	if !attention && c.EmbedDims[i] != plainWidths[i] {
		return false, false, fmt.Errorf("%w: stage %d attention splits %d channels as %dx%dx%d", ml.ErrShapeMismatch, i, c.EmbedDims[i], a.c, a.h, a.w)
	}

	if i == 0 {
		return true, attention, nil
	}

	e, err := embedSplitFor(i)
	if err != nil {
		return false, false, err
	}

	embed = c.EmbedDims[i-1] == e.c*e.h*e.w && c.EmbedDims[i] == e.cout*4*e.h*e.w
	if !embed && (c.EmbedDims[i-1] != plainWidths[i-1] || c.EmbedDims[i] != plainWidths[i]) {
		return false, false, fmt.Errorf("%w: stage %d embedding maps %d channels as %dx%dx%d to %d", ml.ErrShapeMismatch, i, c.EmbedDims[i-1], e.c, e.h, e.w, c.EmbedDims[i])
	}

	return embed, attention, nil
}
