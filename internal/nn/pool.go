package nn

import (
	"github.com/pkg/errors"

	"clothseg/internal/tensor"
)

// MaxPool2D is a non-overlapping 2x2 max pool. Odd trailing rows and columns are dropped.
type MaxPool2D struct {
	inShape tensor.Shape
	argmax  []int
}

func (p *MaxPool2D) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	s := x.Shape
	outH, outW := s.H/2, s.W/2
	if outH == 0 || outW == 0 {
		return nil, errors.Wrapf(tensor.ErrShape, "maxpool: input %v too small", s)
	}
	out := tensor.New(tensor.Shape{N: s.N, C: s.C, H: outH, W: outW})
	var argmax []int
	if train {
		argmax = make([]int, len(out.Data))
	}
	o := 0
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			base := (n*s.C + c) * s.Plane()
			for y := 0; y < outH; y++ {
				for x0 := 0; x0 < outW; x0++ {
					corner := base + 2*y*s.W + 2*x0
					best := corner
					for _, off := range [3]int{1, s.W, s.W + 1} {
						if x.Data[corner+off] > x.Data[best] {
							best = corner + off
						}
					}
					out.Data[o] = x.Data[best]
					if argmax != nil {
						argmax[o] = best
					}
					o++
				}
			}
		}
	}
	p.inShape, p.argmax = s, argmax
	return out, nil
}

func (p *MaxPool2D) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, errors.New("maxpool: backward without a training forward pass")
	}
	if len(dy.Data) != len(p.argmax) {
		return nil, errors.Wrapf(tensor.ErrShape, "maxpool grad: %d values, cached %d", len(dy.Data), len(p.argmax))
	}
	dx := tensor.New(p.inShape)
	for i, src := range p.argmax {
		dx.Data[src] += dy.Data[i]
	}
	p.argmax = nil
	return dx, nil
}

func (p *MaxPool2D) Params() []*Param  { return nil }
func (p *MaxPool2D) Buffers() []*Param { return nil }
