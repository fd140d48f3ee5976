package ml

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Context carries the execution mode of a forward pass and the backend its
// operations run on. An evaluation context is deterministic; a training context
// owns the random source used by dropout and stochastic depth.
type Context struct {
	training bool
	rng      *rand.Rand
	backend  *Backend
}

// NewContext returns an evaluation context on the default backend, configured
// by VAN_BACKEND.
func NewContext() *Context {
	return &Context{}
}

// Train returns a training-mode copy of c whose random draws are seeded with seed.
func (c *Context) Train(seed uint64) *Context {
	return &Context{
		training: true,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		backend:  c.backend,
	}
}

// WithBackend returns a copy of c that runs its operations on b.
func (c *Context) WithBackend(b *Backend) *Context {
	cc := *c
	cc.backend = b
	return &cc
}

func (c *Context) Training() bool {
	return c.training
}

// Rand returns the random source of a training context, or nil in evaluation mode.
func (c *Context) Rand() *rand.Rand {
	return c.rng
}

// Backend returns the backend operations of c run on.
func (c *Context) Backend() (*Backend, error) {
	if c.backend != nil {
		return c.backend, nil
	}
	return defaultBackend()
}

func (c *Context) compute(op string, fn graphFn, inputs ...*Tensor) ([]*Tensor, error) {
	b, err := c.Backend()
	if err != nil {
		return nil, err
	}
	return b.compute(op, fn, inputs...)
}

func (c *Context) compute1(op string, fn func(inputs []*graph.Node) *graph.Node, inputs ...*Tensor) (*Tensor, error) {
	b, err := c.Backend()
	if err != nil {
		return nil, err
	}
	return b.compute1(op, fn, inputs...)
}
