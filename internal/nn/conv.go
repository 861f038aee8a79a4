package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"clothseg/internal/tensor"
)

// Conv2D is a square-kernel, stride-1 convolution lowered to a matrix product
// through im2col.
type Conv2D struct {
	InC, OutC int
	Kernel    int
	Pad       int

	Weight *Param // [OutC, InC, K, K]
	Bias   *Param // [OutC], nil when the layer has no bias

	input *tensor.Tensor
}

// NewConv2D builds a convolution with PyTorch default initialisation.
func NewConv2D(name string, inC, outC, kernel, pad int, bias bool, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InC:    inC,
		OutC:   outC,
		Kernel: kernel,
		Pad:    pad,
		Weight: newParam(name+".weight", outC, inC, kernel, kernel),
	}
	bound := kaimingBound(inC * kernel * kernel)
	uniform(c.Weight.Value, bound, rng)
	if bias {
		c.Bias = newParam(name+".bias", outC)
		uniform(c.Bias.Value, bound, rng)
	}
	return c
}

func (c *Conv2D) outSize(h, w int) (int, int) {
	return h + 2*c.Pad - c.Kernel + 1, w + 2*c.Pad - c.Kernel + 1
}

// Forward computes the convolution of x, which must have InC channels.
func (c *Conv2D) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := x.Expect(tensor.Shape{N: -1, C: c.InC, H: -1, W: -1}, "conv2d "+c.Weight.Name); err != nil {
		return nil, err
	}
	s := x.Shape
	outH, outW := c.outSize(s.H, s.W)
	if outH <= 0 || outW <= 0 {
		return nil, errors.Wrapf(tensor.ErrShape, "conv2d %s: input %v too small for kernel %d", c.Weight.Name, s, c.Kernel)
	}
	out := tensor.New(tensor.Shape{N: s.N, C: c.OutC, H: outH, W: outW})
	k := c.InC * c.Kernel * c.Kernel
	w := mat.NewDense(c.OutC, k, c.Weight.Value)
	cols := mat.NewDense(k, outH*outW, nil)
	for n := 0; n < s.N; n++ {
		c.im2col(x.Sample(n), s.H, s.W, outH, outW, cols.RawMatrix().Data)
		dst := mat.NewDense(c.OutC, outH*outW, out.Sample(n))
		dst.Mul(w, cols)
		if c.Bias != nil {
			for o := 0; o < c.OutC; o++ {
				floats.AddConst(c.Bias.Value[o], out.Channel(n, o))
			}
		}
	}
	if train {
		c.input = x
	} else {
		c.input = nil
	}
	return out, nil
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (c *Conv2D) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Errorf("conv2d %s: backward without a training forward pass", c.Weight.Name)
	}
	s := c.input.Shape
	outH, outW := c.outSize(s.H, s.W)
	if err := dy.Expect(tensor.Shape{N: s.N, C: c.OutC, H: outH, W: outW}, "conv2d grad "+c.Weight.Name); err != nil {
		return nil, err
	}
	k := c.InC * c.Kernel * c.Kernel
	plane := outH * outW
	w := mat.NewDense(c.OutC, k, c.Weight.Value)
	gw := mat.NewDense(c.OutC, k, c.Weight.Grad)
	cols := mat.NewDense(k, plane, nil)
	dcols := mat.NewDense(k, plane, nil)
	var step mat.Dense
	dx := tensor.New(s)
	for n := 0; n < s.N; n++ {
		d := mat.NewDense(c.OutC, plane, dy.Sample(n))
		c.im2col(c.input.Sample(n), s.H, s.W, outH, outW, cols.RawMatrix().Data)
		step.Mul(d, cols.T())
		gw.Add(gw, &step)
		dcols.Mul(w.T(), d)
		c.col2im(dcols.RawMatrix().Data, s.H, s.W, outH, outW, dx.Sample(n))
		if c.Bias != nil {
			for o := 0; o < c.OutC; o++ {
				c.Bias.Grad[o] += floats.Sum(dy.Channel(n, o))
			}
		}
	}
	c.input = nil
	return dx, nil
}

// im2col writes the (InC*K*K) x (outH*outW) patch matrix of one sample into cols.
func (c *Conv2D) im2col(src []float64, h, w, outH, outW int, cols []float64) {
	plane := outH * outW
	row := 0
	for ch := 0; ch < c.InC; ch++ {
		img := src[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.Kernel; ky++ {
			for kx := 0; kx < c.Kernel; kx++ {
				dst := cols[row*plane : (row+1)*plane]
				for oy := 0; oy < outH; oy++ {
					iy := oy + ky - c.Pad
					line := dst[oy*outW : (oy+1)*outW]
					if iy < 0 || iy >= h {
						for i := range line {
							line[i] = 0
						}
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox + kx - c.Pad
						if ix < 0 || ix >= w {
							line[ox] = 0
						} else {
							line[ox] = img[iy*w+ix]
						}
					}
				}
				row++
			}
		}
	}
}

// col2im scatters patch gradients back onto the input plane, accumulating overlaps.
func (c *Conv2D) col2im(cols []float64, h, w, outH, outW int, dst []float64) {
	plane := outH * outW
	row := 0
	for ch := 0; ch < c.InC; ch++ {
		img := dst[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.Kernel; ky++ {
			for kx := 0; kx < c.Kernel; kx++ {
				src := cols[row*plane : (row+1)*plane]
				for oy := 0; oy < outH; oy++ {
					iy := oy + ky - c.Pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox + kx - c.Pad
						if ix >= 0 && ix < w {
							img[iy*w+ix] += src[oy*outW+ox]
						}
					}
				}
				row++
			}
		}
	}
}

func (c *Conv2D) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}

func (c *Conv2D) Buffers() []*Param { return nil }

func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%d, %d, k=%d, p=%d)", c.InC, c.OutC, c.Kernel, c.Pad)
}
