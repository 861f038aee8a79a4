package nn

import (
	"math"

	"github.com/pkg/errors"

	"clothseg/internal/tensor"
)

// Resize bilinearly resamples the spatial dimensions of a tensor using
// half-pixel centres (align_corners=false).
type Resize struct {
	inShape tensor.Shape
	ys, xs  []tap
	cached  bool
}

// tap is the pair of source indices and the weight of the upper one.
type tap struct {
	lo, hi int
	frac   float64
}

func taps(in, out int) []tap {
	ts := make([]tap, out)
	scale := float64(in) / float64(out)
	for i := range ts {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(math.Floor(src))
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		ts[i] = tap{lo: lo, hi: hi, frac: src - float64(lo)}
	}
	return ts
}

// To resamples x to h x w. When x already has that size it is returned unchanged.
func (r *Resize) To(x *tensor.Tensor, h, w int, train bool) (*tensor.Tensor, error) {
	if h <= 0 || w <= 0 {
		return nil, errors.Wrapf(tensor.ErrShape, "resize: target %dx%d", h, w)
	}
	s := x.Shape
	r.inShape, r.cached = s, train
	r.ys, r.xs = nil, nil
	if s.H == h && s.W == w {
		return x, nil
	}
	r.ys, r.xs = taps(s.H, h), taps(s.W, w)
	out := tensor.New(tensor.Shape{N: s.N, C: s.C, H: h, W: w})
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			src, dst := x.Channel(n, c), out.Channel(n, c)
			for y, ty := range r.ys {
				for xi, tx := range r.xs {
					top := src[ty.lo*s.W+tx.lo]*(1-tx.frac) + src[ty.lo*s.W+tx.hi]*tx.frac
					bot := src[ty.hi*s.W+tx.lo]*(1-tx.frac) + src[ty.hi*s.W+tx.hi]*tx.frac
					dst[y*w+xi] = top*(1-ty.frac) + bot*ty.frac
				}
			}
		}
	}
	return out, nil
}

// Backward returns the gradient with respect to the input of the last To call.
func (r *Resize) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !r.cached {
		return nil, errors.New("resize: backward without a training forward pass")
	}
	r.cached = false
	s := r.inShape
	if r.ys == nil {
		if err := dy.Expect(s, "resize grad"); err != nil {
			return nil, err
		}
		return dy, nil
	}
	h, w := len(r.ys), len(r.xs)
	if err := dy.Expect(tensor.Shape{N: s.N, C: s.C, H: h, W: w}, "resize grad"); err != nil {
		return nil, err
	}
	dx := tensor.New(s)
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			src, dst := dy.Channel(n, c), dx.Channel(n, c)
			for y, ty := range r.ys {
				for xi, tx := range r.xs {
					g := src[y*w+xi]
					dst[ty.lo*s.W+tx.lo] += g * (1 - ty.frac) * (1 - tx.frac)
					dst[ty.lo*s.W+tx.hi] += g * (1 - ty.frac) * tx.frac
					dst[ty.hi*s.W+tx.lo] += g * ty.frac * (1 - tx.frac)
					dst[ty.hi*s.W+tx.hi] += g * ty.frac * tx.frac
				}
			}
		}
	}
	return dx, nil
}

// Concat joins a and b along the channel axis.
func Concat(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	sa, sb := a.Shape, b.Shape
	if sa.N != sb.N || !sa.SameSpatial(sb) {
		return nil, errors.Wrapf(tensor.ErrShape, "concat: %v and %v", sa, sb)
	}
	out := tensor.New(tensor.Shape{N: sa.N, C: sa.C + sb.C, H: sa.H, W: sa.W})
	for n := 0; n < sa.N; n++ {
		dst := out.Sample(n)
		copy(dst, a.Sample(n))
		copy(dst[len(a.Sample(n)):], b.Sample(n))
	}
	return out, nil
}

// SplitChannels undoes Concat: the first ca channels go to the first result.
func SplitChannels(d *tensor.Tensor, ca int) (*tensor.Tensor, *tensor.Tensor, error) {
	s := d.Shape
	if ca <= 0 || ca >= s.C {
		return nil, nil, errors.Wrapf(tensor.ErrShape, "split %v at channel %d", s, ca)
	}
	a := tensor.New(tensor.Shape{N: s.N, C: ca, H: s.H, W: s.W})
	b := tensor.New(tensor.Shape{N: s.N, C: s.C - ca, H: s.H, W: s.W})
	for n := 0; n < s.N; n++ {
		src := d.Sample(n)
		copy(a.Sample(n), src[:len(a.Sample(n))])
		copy(b.Sample(n), src[len(a.Sample(n)):])
	}
	return a, b, nil
}
