// Package nn implements the layers of the segmentation network. Every layer
// caches what it needs during a training forward pass and exposes an explicit
// Backward that returns the input gradient and accumulates parameter gradients.
package nn

import (
	"math"
	"math/rand"

	"clothseg/internal/tensor"
)

// Param is a named, flat array of learnable values and their gradients.
// Non-learnable state (normalization running statistics) uses the same type
// with a nil Grad.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

func newBuffer(name string, fill float64, shape ...int) *Param {
	p := newParam(name, shape...)
	p.Grad = nil
	for i := range p.Value {
		p.Value[i] = fill
	}
	return p
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// uniform fills v from U(-bound, bound).
func uniform(v []float64, bound float64, rng *rand.Rand) {
	for i := range v {
		v[i] = (rng.Float64()*2 - 1) * bound
	}
}

// kaimingBound is the default PyTorch-style bound for a layer with the given fan-in.
func kaimingBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}

// Layer is a differentiable transformation of one tensor.
type Layer interface {
	Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	Backward(dy *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	Buffers() []*Param
}
