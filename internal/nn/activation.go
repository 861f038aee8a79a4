package nn

import (
	"math"

	"github.com/pkg/errors"

	"clothseg/internal/tensor"
)

// ReLU is max(0, x).
type ReLU struct {
	mask []bool
}

func (r *ReLU) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape)
	var mask []bool
	if train {
		mask = make([]bool, len(x.Data))
	}
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			if mask != nil {
				mask[i] = true
			}
		}
	}
	r.mask = mask
	return out, nil
}

func (r *ReLU) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, errors.New("relu: backward without a training forward pass")
	}
	if len(dy.Data) != len(r.mask) {
		return nil, errors.Wrapf(tensor.ErrShape, "relu grad: %d values, cached %d", len(dy.Data), len(r.mask))
	}
	dx := tensor.New(dy.Shape)
	for i, on := range r.mask {
		if on {
			dx.Data[i] = dy.Data[i]
		}
	}
	r.mask = nil
	return dx, nil
}

func (r *ReLU) Params() []*Param  { return nil }
func (r *ReLU) Buffers() []*Param { return nil }

// Sigmoid returns the elementwise logistic function of x.
func Sigmoid(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	return out
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
