package model

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/maps"

	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/ml/nn"
)

var (
	ErrUnknownConfiguration   = errors.New("unknown configuration")
	ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")
)

// Model is an image classifier built from a named configuration.
type Model interface {
	// Forward maps a (B, C, S, S) image batch to (B, classes) logits, or to pooled
	// features when the model has no classification head.
	Forward(*ml.Context, *ml.Tensor) (*ml.Tensor, error)

	// Params lists every parameter and buffer under its checkpoint name.
	Params() []nn.Param

	// InputSize is the square image resolution Forward expects.
	InputSize() int
}

// Configurable is implemented by models that can report their resolved
// configuration as the option names accepted by New.
type Configurable interface {
	Configuration() (map[string]any, error)
}

// HeadPrefix names the parameters of the classification head. They are the only
// entries allowed to disagree between a checkpoint and a model.
const HeadPrefix = "head"

var models = make(map[string]func(map[string]any) (Model, error))

// Register registers a model constructor for the given preset name
func Register(name string, f func(overrides map[string]any) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New builds the named preset with overrides applied on top of its configuration.
func New(name string, overrides map[string]any) (Model, error) {
	f, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model %q", ErrUnknownConfiguration, name)
	}

	return f(overrides)
}

// Names returns the registered presets in sorted order.
func Names() []string {
	names := maps.Keys(models)
	slices.Sort(names)
	return names
}

// Decode applies overrides onto a configuration struct tagged for mapstructure.
// Values are weakly typed so command line strings such as "0" or "64,128,320,512"
// decode into numbers and lists.
func Decode(overrides map[string]any, config any) error {
	if len(overrides) == 0 {
		return nil
	}

	var md mapstructure.Metadata
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Metadata:         &md,
		Result:           config,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(overrides); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownConfiguration, err)
	}

	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		return fmt.Errorf("%w: unknown options %s", ErrUnknownConfiguration, strings.Join(md.Unused, ", "))
	}

	return nil
}

// Count returns the number of trainable values in m. Normalization running
// statistics are buffers and are not counted.
func Count(m Model) uint64 {
	return CountParams(m.Params())
}

// CountParams is Count for a subset of a model's parameters.
func CountParams(params []nn.Param) uint64 {
	var n uint64
	for _, p := range params {
		if !isBuffer(p.Name) {
			n += uint64(p.Tensor.Len())
		}
	}
	return n
}

func isBuffer(name string) bool {
	return strings.HasSuffix(name, ".running_mean") || strings.HasSuffix(name, ".running_var")
}

// Load copies checkpoint tensors into the parameters of m. Entries are matched
// by name and must have the same shape. When the checkpoint head does not fit
// the model, because the class counts differ or the model has no head, the head
// entries are dropped and the model keeps its own. Any other disagreement fails
// with ErrIncompatibleCheckpoint and leaves m unchanged.
func Load(m Model, tensors map[string]*ml.Tensor) error {
	params := make(map[string]*ml.Tensor)
	for _, p := range m.Params() {
		params[p.Name] = p.Tensor
	}

	if headMismatch(params, tensors) {
		slog.Debug("dropping checkpoint head", "shape", tensors[HeadPrefix+".weight"].Shape())
		for name := range params {
			if strings.HasPrefix(name, HeadPrefix+".") {
				delete(params, name)
			}
		}
	}

	var problems []string
	matched := make(map[string]*ml.Tensor)
	names := maps.Keys(tensors)
	slices.Sort(names)
	for _, name := range names {
		t := tensors[name]
		switch dst, ok := params[name]; {
		case strings.HasSuffix(name, ".num_batches_tracked"):
		case strings.HasPrefix(name, HeadPrefix+".") && !ok:
		case !ok:
			problems = append(problems, fmt.Sprintf("unexpected %s", name))
		case !slices.Equal(dst.Shape(), t.Shape()):
			problems = append(problems, fmt.Sprintf("%s has shape %v, want %v", name, t.Shape(), dst.Shape()))
		default:
			matched[name] = t
		}
	}

	names = maps.Keys(params)
	slices.Sort(names)
	for _, name := range names {
		if _, ok := tensors[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing %s", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompatibleCheckpoint, strings.Join(problems, "; "))
	}

	for name, t := range matched {
		copy(params[name].Floats(), t.Floats())
	}

	slog.Debug("loaded checkpoint", "tensors", len(matched))
	return nil
}

// headMismatch reports whether the checkpoint carries a head that cannot be
// loaded into the model's head.
func headMismatch(params, tensors map[string]*ml.Tensor) bool {
	src, ok := tensors[HeadPrefix+".weight"]
	if !ok {
		return false
	}

	dst, ok := params[HeadPrefix+".weight"]
	return !ok || !slices.Equal(dst.Shape(), src.Shape())
}
