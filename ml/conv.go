package ml

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Conv2DOptions configure a 2D convolution. Zero values mean stride 1, no padding,
// dilation 1 and a single group.
type Conv2DOptions struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (o Conv2DOptions) withDefaults() Conv2DOptions {
	o.Stride = max(o.Stride, 1)
	o.Dilation = max(o.Dilation, 1)
	o.Groups = max(o.Groups, 1)
	return o
}

// inputs are (B, C, H, W) and kernels (Cout, Cin/groups, KH, KW)
var conv2DAxes = backends.ConvolveAxesConfig{
	InputBatch:           0,
	InputChannels:        1,
	InputSpatial:         []int{2, 3},
	KernelOutputChannels: 0,
	KernelInputChannels:  1,
	KernelSpatial:        []int{2, 3},
	OutputBatch:          0,
	OutputChannels:       1,
	OutputSpatial:        []int{2, 3},
}

// Conv2D convolves a (B, Cin, H, W) input with a (Cout, Cin/groups, KH, KW) weight
// and adds the optional length-Cout bias.
func (t *Tensor) Conv2D(ctx *Context, weight, bias *Tensor, opts Conv2DOptions) (*Tensor, error) {
	opts = opts.withDefaults()
	if len(t.shape) != 4 || len(weight.shape) != 4 {
		return nil, fmt.Errorf("%w: conv2d input %v, weight %v", ErrShapeMismatch, t.shape, weight.shape)
	}

	h, w := t.shape[2], t.shape[3]
	cin, cout, cinGroup, kh, kw := t.shape[1], weight.shape[0], weight.shape[1], weight.shape[2], weight.shape[3]
	groups := opts.Groups
	if cin%groups != 0 || cout%groups != 0 || cin/groups != cinGroup {
		return nil, fmt.Errorf("%w: conv2d input %v, weight %v, groups %d", ErrShapeMismatch, t.shape, weight.shape, groups)
	}

	if bias != nil && bias.Len() != cout {
		return nil, fmt.Errorf("%w: conv2d bias %v for %d output channels", ErrShapeMismatch, bias.shape, cout)
	}

	s, p, d := opts.Stride, opts.Padding, opts.Dilation
	if h+2*p < d*(kh-1)+1 || w+2*p < d*(kw-1)+1 {
		return nil, fmt.Errorf("%w: conv2d kernel %dx%d does not fit input %v", ErrShapeMismatch, kh, kw, t.shape)
	}

	inputs := []*Tensor{t, weight}
	if bias != nil {
		inputs = append(inputs, bias)
	}

	op := fmt.Sprintf("conv2d stride=%d padding=%d dilation=%d groups=%d", s, p, d, groups)
	return ctx.compute1(op, func(inputs []*graph.Node) *graph.Node {
		conv := graph.Convolve(inputs[0], inputs[1]).
			AxesConfig(conv2DAxes).
			StridePerAxis(s, s).
			DilationPerAxis(d, d).
			PaddingPerDim([][2]int{{p, p}, {p, p}})
		if groups > 1 {
			conv = conv.ChannelGroupCount(groups)
		}

		y := conv.Done()
		if len(inputs) > 2 {
			y = graph.Add(y, graph.Reshape(inputs[2], vectorShape(4, 1, cout)...))
		}
		return y
	}, inputs...)
}
