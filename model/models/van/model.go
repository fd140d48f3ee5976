package van

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/mitchellh/mapstructure"

	"github.com/vanlab/van/logutil"
	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
	"github.com/vanlab/van/model"
)

type stage struct {
	Embed  *patchEmbed
	Blocks []*block
	Norm   *nn.LayerNorm
}

// Model is a four stage Visual Attention Network classifier.
type Model struct {
	Config

	stages [numStages]stage
	head   *nn.Linear
}

var (
	_ model.Model        = (*Model)(nil)
	_ model.Configurable = (*Model)(nil)
)

func New(c Config) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r := rand.New(rand.NewPCG(c.Seed, c.Seed))
	rates := c.dropPathRates()

	m := Model{Config: c}
	var cur int
	for i := range numStages {
		retiledEmbed, retiledAttention, err := c.retiled(i)
		if err != nil {
			return nil, err
		}

		slog.Debug("stage", "index", i, "width", c.EmbedDims[i], "depth", c.Depths[i],
			"mlp_ratio", c.MLPRatios[i], "retiled_embedding", retiledEmbed, "retiled_attention", retiledAttention)

		embed, err := newPatchEmbed(r, c, i, retiledEmbed)
		if err != nil {
			return nil, err
		}

		blocks := make([]*block, c.Depths[i])
		for j := range blocks {
			if blocks[j], err = newBlock(r, c, i, retiledAttention, rates[cur+j]); err != nil {
				return nil, err
			}
		}
		cur += c.Depths[i]

		m.stages[i] = stage{
			Embed:  embed,
			Blocks: blocks,
			Norm:   nn.NewLayerNorm(c.EmbedDims[i], c.NormEps),
		}
	}

	if c.NumClasses > 0 {
		m.head = nn.NewLinear(r, c.EmbedDims[numStages-1], c.NumClasses)
	}

	return &m, nil
}

// ForwardFeatures runs the four stages on a (B, C, S, S) batch and returns the
// (B, embed_dims[3]) mean of the final tokens.
func (m *Model) ForwardFeatures(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != m.InChannels || shape[2] != m.ImageSize || shape[3] != m.ImageSize {
		return nil, fmt.Errorf("%w: expected (B, %d, %d, %d) input, got %v", ml.ErrShapeMismatch, m.InChannels, m.ImageSize, m.ImageSize, shape)
	}

	var err error
	for i, s := range m.stages {
		if x, err = s.Embed.Forward(ctx, x); err != nil {
			return nil, fmt.Errorf("stage %d embedding: %w", i, err)
		}

		h, w := x.Dim(2), x.Dim(3)
		logutil.Trace("embedded", "stage", i, "shape", x)

		for j, b := range s.Blocks {
			if x, err = b.Forward(ctx, x); err != nil {
				return nil, fmt.Errorf("stage %d block %d: %w", i, j, err)
			}
		}

		if x, err = x.Tokens(); err != nil {
			return nil, err
		}

		if x, err = s.Norm.Forward(ctx, x); err != nil {
			return nil, err
		}

		if i < numStages-1 {
			if x, err = x.FeatureMap(h, w); err != nil {
				return nil, err
			}
		}
	}

	return x.Mean(ctx, 1)
}

func (m *Model) Forward(ctx *ml.Context, x *ml.Tensor) (*ml.Tensor, error) {
	x, err := m.ForwardFeatures(ctx, x)
	if err != nil {
		return nil, err
	}

	if m.head == nil {
		return x, nil
	}

	return m.head.Forward(ctx, x)
}

func (m *Model) InputSize() int {
	return m.ImageSize
}

// Configuration returns the resolved configuration keyed by option name.
func (m *Model) Configuration() (map[string]any, error) {
	var settings map[string]any
	if err := mapstructure.Decode(m.Config, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// StageSummary describes one stage of a built model.
type StageSummary struct {
	Width            int
	Depth            int
	MLPRatio         float32
	Grid             int
	RetiledEmbedding bool
	RetiledAttention bool
	Parameters       uint64
}

func (m *Model) Stages() []StageSummary {
	summaries := make([]StageSummary, numStages)
	for i, s := range m.stages {
		// validated in New
		_, attention, _ := m.retiled(i)
		summaries[i] = StageSummary{
			Width:            m.EmbedDims[i],
			Depth:            m.Depths[i],
			MLPRatio:         m.MLPRatios[i],
			Grid:             s.Embed.grid,
			RetiledEmbedding: s.Embed.retiled,
			RetiledAttention: attention,
			Parameters:       model.CountParams(s.params(i)),
		}
	}
	return summaries
}

// Head returns the classification head, or nil for a feature extractor.
func (m *Model) Head() *nn.Linear {
	return m.head
}

// ResetClassifier replaces the head with a freshly initialized one for n
// classes. n = 0 removes the head.
func (m *Model) ResetClassifier(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: num_classes %d", model.ErrUnknownConfiguration, n)
	}

	m.NumClasses = n
	m.head = nil
	if n > 0 {
		r := rand.New(rand.NewPCG(m.Seed, uint64(n)))
		m.head = nn.NewLinear(r, m.EmbedDims[numStages-1], n)
	}
	return nil
}

// NoWeightDecay lists the positional biases, which optimizers should not decay.
func (m *Model) NoWeightDecay() []string {
	names := make([]string, numStages)
	for i, s := range m.stages {
		names[i] = s.Embed.posEmbedName(fmt.Sprintf("patch_embed%d", i+1))
	}
	return names
}

func (s stage) params(i int) []nn.Param {
	params := s.Embed.Params(fmt.Sprintf("patch_embed%d", i+1))
	for j, b := range s.Blocks {
		params = append(params, b.Params(fmt.Sprintf("block%d.%d", i+1, j))...)
	}
	return append(params, s.Norm.Params(fmt.Sprintf("norm%d", i+1))...)
}

func (m *Model) Params() []nn.Param {
	var params []nn.Param
	for i, s := range m.stages {
		params = append(params, s.params(i)...)
	}

	if m.head != nil {
		params = append(params, m.head.Params(model.HeadPrefix)...)
	}
	return params
}

func init() {
	for name := range Presets() {
		model.Register(name, func(overrides map[string]any) (model.Model, error) {
			c := Presets()[name]
			if err := model.Decode(overrides, &c); err != nil {
				return nil, err
			}

			m, err := New(c)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
	}
}
