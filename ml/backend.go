package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/logutil"
)

var ErrBackend = errors.New("backend")

// graphFn builds the outputs of an operation from its inputs.
type graphFn = func(inputs []*graph.Node) []*graph.Node

// Backend runs tensor operations as gomlx graphs. Every operation is compiled
// once per configuration and input shapes and the executable is reused after.
type Backend struct {
	config  string
	backend backends.Backend

	mu    sync.Mutex
	execs map[string]*graph.Exec
}

// NewBackend opens a gomlx backend. The configuration names the backend and its
// options, e.g. "go" for the pure Go backend.
func NewBackend(config string) (*Backend, error) {
	b, err := backends.NewWithConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrBackend, config, err)
	}

	return &Backend{config: config, backend: b, execs: make(map[string]*graph.Exec)}, nil
}

var defaultBackend = sync.OnceValues(func() (*Backend, error) {
	b, err := NewBackend(envconfig.Backend)
	if err == nil {
		slog.Debug("opened backend", "config", envconfig.Backend)
	}
	return b, err
})

func (b *Backend) String() string {
	return b.config
}

// Compiled returns the number of executables compiled so far.
func (b *Backend) Compiled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.execs)
}

func (b *Backend) exec(key string, fn graphFn) *graph.Exec {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.execs[key]
	if !ok {
		logutil.Trace("compiling", "op", key)
		e = graph.MustNewExec(b.backend, fn)
		b.execs[key] = e
	}
	return e
}

// compute runs fn on inputs. op names the operation and every parameter the
// graph closes over; together with the input shapes it identifies the executable.
func (b *Backend) compute(op string, fn graphFn, inputs ...*Tensor) ([]*Tensor, error) {
	var sb strings.Builder
	sb.WriteString(op)
	args := make([]any, len(inputs))
	for i, t := range inputs {
		fmt.Fprint(&sb, " ", t.shape)
		args[i] = tensors.FromFlatDataAndDimensions(t.data, t.shape...)
	}
	key := sb.String()

	defer func() {
		for _, a := range args {
			a.(*tensors.Tensor).FinalizeAll()
		}
	}()

	var outputs []*Tensor
	if err := exceptions.TryCatch[error](func() {
		results := b.exec(key, fn).MustExec(args...)
		outputs = make([]*Tensor, len(results))
		for i, r := range results {
			outputs[i] = fromGomlx(r)
			r.FinalizeAll()
		}
	}); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
	}

	return outputs, nil
}

// compute1 is compute for operations with a single output.
func (b *Backend) compute1(op string, fn func(inputs []*graph.Node) *graph.Node, inputs ...*Tensor) (*Tensor, error) {
	outputs, err := b.compute(op, func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{fn(inputs)}
	}, inputs...)
	if err != nil {
		return nil, err
	}

	return outputs[0], nil
}

func fromGomlx(t *tensors.Tensor) *Tensor {
	out := &Tensor{shape: slices.Clone(t.Shape().Dimensions)}
	tensors.MustConstFlatData(t, func(flat []float32) {
		out.data = slices.Clone(flat)
	})
	return out
}

// vectorShape is the shape that broadcasts a length-n vector along axis of a
// rank-r tensor.
func vectorShape(r, axis, n int) []int {
	shape := make([]int, r)
	for i := range shape {
		shape[i] = 1
	}
	shape[axis] = n
	return shape
}
