package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clothseg/internal/tensor"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// BatchNorm2D normalises each channel with batch statistics while training and
// with running statistics in inference mode.
type BatchNorm2D struct {
	C int

	Gamma       *Param
	Beta        *Param
	RunningMean *Param
	RunningVar  *Param

	xhat   *tensor.Tensor
	invStd []float64
}

// NewBatchNorm2D returns an identity-initialised normalisation layer.
func NewBatchNorm2D(name string, c int) *BatchNorm2D {
	bn := &BatchNorm2D{
		C:           c,
		Gamma:       newParam(name+".weight", c),
		Beta:        newParam(name+".bias", c),
		RunningMean: newBuffer(name+".running_mean", 0, c),
		RunningVar:  newBuffer(name+".running_var", 1, c),
	}
	for i := range bn.Gamma.Value {
		bn.Gamma.Value[i] = 1
	}
	return bn
}

func (bn *BatchNorm2D) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := x.Expect(tensor.Shape{N: -1, C: bn.C, H: -1, W: -1}, "batchnorm "+bn.Gamma.Name); err != nil {
		return nil, err
	}
	s := x.Shape
	out := tensor.New(s)
	m := float64(s.N * s.Plane())
	if !train {
		bn.xhat, bn.invStd = nil, nil
		for c := 0; c < s.C; c++ {
			inv := 1 / math.Sqrt(bn.RunningVar.Value[c]+bnEpsilon)
			scale := bn.Gamma.Value[c] * inv
			shift := bn.Beta.Value[c] - bn.RunningMean.Value[c]*scale
			for n := 0; n < s.N; n++ {
				src, dst := x.Channel(n, c), out.Channel(n, c)
				for i, v := range src {
					dst[i] = v*scale + shift
				}
			}
		}
		return out, nil
	}

	xhat := tensor.New(s)
	invStd := make([]float64, s.C)
	for c := 0; c < s.C; c++ {
		var sum float64
		for n := 0; n < s.N; n++ {
			sum += floats.Sum(x.Channel(n, c))
		}
		mean := sum / m
		var sq float64
		for n := 0; n < s.N; n++ {
			for _, v := range x.Channel(n, c) {
				d := v - mean
				sq += d * d
			}
		}
		variance := sq / m
		inv := 1 / math.Sqrt(variance+bnEpsilon)
		invStd[c] = inv
		g, b := bn.Gamma.Value[c], bn.Beta.Value[c]
		for n := 0; n < s.N; n++ {
			src, xh, dst := x.Channel(n, c), xhat.Channel(n, c), out.Channel(n, c)
			for i, v := range src {
				xh[i] = (v - mean) * inv
				dst[i] = g*xh[i] + b
			}
		}
		unbiased := variance
		if m > 1 {
			unbiased = sq / (m - 1)
		}
		bn.RunningMean.Value[c] = (1-bnMomentum)*bn.RunningMean.Value[c] + bnMomentum*mean
		bn.RunningVar.Value[c] = (1-bnMomentum)*bn.RunningVar.Value[c] + bnMomentum*unbiased
	}
	bn.xhat, bn.invStd = xhat, invStd
	return out, nil
}

func (bn *BatchNorm2D) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, errors.Errorf("batchnorm %s: backward without a training forward pass", bn.Gamma.Name)
	}
	s := bn.xhat.Shape
	if err := dy.Expect(s, "batchnorm grad "+bn.Gamma.Name); err != nil {
		return nil, err
	}
	dx := tensor.New(s)
	m := float64(s.N * s.Plane())
	for c := 0; c < s.C; c++ {
		var dgamma, dbeta float64
		for n := 0; n < s.N; n++ {
			d := dy.Channel(n, c)
			dgamma += floats.Dot(d, bn.xhat.Channel(n, c))
			dbeta += floats.Sum(d)
		}
		bn.Gamma.Grad[c] += dgamma
		bn.Beta.Grad[c] += dbeta
		k := bn.Gamma.Value[c] * bn.invStd[c] / m
		for n := 0; n < s.N; n++ {
			d, xh, dst := dy.Channel(n, c), bn.xhat.Channel(n, c), dx.Channel(n, c)
			for i := range d {
				dst[i] = k * (m*d[i] - dbeta - xh[i]*dgamma)
			}
		}
	}
	bn.xhat, bn.invStd = nil, nil
	return dx, nil
}

func (bn *BatchNorm2D) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }

func (bn *BatchNorm2D) Buffers() []*Param { return []*Param{bn.RunningMean, bn.RunningVar} }
