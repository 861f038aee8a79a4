package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"clothseg/internal/tensor"
)

// ConvTranspose2x2 is a learned 2x upsampling: a transposed convolution with
// kernel 2 and stride 2, so every input pixel expands into a 2x2 output block.
type ConvTranspose2x2 struct {
	InC, OutC int

	Weight *Param // [InC, OutC, 2, 2]
	Bias   *Param // [OutC]

	input *tensor.Tensor
}

// NewConvTranspose2x2 builds the layer with PyTorch default initialisation.
func NewConvTranspose2x2(name string, inC, outC int, rng *rand.Rand) *ConvTranspose2x2 {
	t := &ConvTranspose2x2{
		InC:    inC,
		OutC:   outC,
		Weight: newParam(name+".weight", inC, outC, 2, 2),
		Bias:   newParam(name+".bias", outC),
	}
	bound := kaimingBound(outC * 4)
	uniform(t.Weight.Value, bound, rng)
	uniform(t.Bias.Value, bound, rng)
	return t
}

func (t *ConvTranspose2x2) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := x.Expect(tensor.Shape{N: -1, C: t.InC, H: -1, W: -1}, "convtranspose "+t.Weight.Name); err != nil {
		return nil, err
	}
	s := x.Shape
	out := tensor.New(tensor.Shape{N: s.N, C: t.OutC, H: 2 * s.H, W: 2 * s.W})
	w := mat.NewDense(t.InC, t.OutC*4, t.Weight.Value)
	blocks := mat.NewDense(t.OutC*4, s.Plane(), nil)
	for n := 0; n < s.N; n++ {
		in := mat.NewDense(t.InC, s.Plane(), x.Sample(n))
		blocks.Mul(w.T(), in)
		raw := blocks.RawMatrix().Data
		for o := 0; o < t.OutC; o++ {
			dst := out.Channel(n, o)
			for k := 0; k < 4; k++ {
				a, b := k/2, k%2
				row := raw[(o*4+k)*s.Plane() : (o*4+k+1)*s.Plane()]
				for i := 0; i < s.H; i++ {
					for j := 0; j < s.W; j++ {
						dst[(2*i+a)*2*s.W+2*j+b] = row[i*s.W+j]
					}
				}
			}
			floats.AddConst(t.Bias.Value[o], dst)
		}
	}
	if train {
		t.input = x
	} else {
		t.input = nil
	}
	return out, nil
}

func (t *ConvTranspose2x2) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if t.input == nil {
		return nil, errors.Errorf("convtranspose %s: backward without a training forward pass", t.Weight.Name)
	}
	s := t.input.Shape
	if err := dy.Expect(tensor.Shape{N: s.N, C: t.OutC, H: 2 * s.H, W: 2 * s.W}, "convtranspose grad "+t.Weight.Name); err != nil {
		return nil, err
	}
	w := mat.NewDense(t.InC, t.OutC*4, t.Weight.Value)
	gw := mat.NewDense(t.InC, t.OutC*4, t.Weight.Grad)
	blocks := mat.NewDense(t.OutC*4, s.Plane(), nil)
	raw := blocks.RawMatrix().Data
	var step mat.Dense
	dx := tensor.New(s)
	for n := 0; n < s.N; n++ {
		for o := 0; o < t.OutC; o++ {
			src := dy.Channel(n, o)
			t.Bias.Grad[o] += floats.Sum(src)
			for k := 0; k < 4; k++ {
				a, b := k/2, k%2
				row := raw[(o*4+k)*s.Plane() : (o*4+k+1)*s.Plane()]
				for i := 0; i < s.H; i++ {
					for j := 0; j < s.W; j++ {
						row[i*s.W+j] = src[(2*i+a)*2*s.W+2*j+b]
					}
				}
			}
		}
		in := mat.NewDense(t.InC, s.Plane(), t.input.Sample(n))
		step.Mul(in, blocks.T())
		gw.Add(gw, &step)
		dst := mat.NewDense(t.InC, s.Plane(), dx.Sample(n))
		dst.Mul(w, blocks)
	}
	t.input = nil
	return dx, nil
}

func (t *ConvTranspose2x2) Params() []*Param  { return []*Param{t.Weight, t.Bias} }
func (t *ConvTranspose2x2) Buffers() []*Param { return nil }
