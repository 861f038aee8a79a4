// Package tensor holds the dense NCHW arrays that flow between the dataset,
// the network and the training loops.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShape is returned whenever a tensor does not have the shape an operation
// expects. Callers match it with errors.Is.
var ErrShape = errors.New("tensor: shape mismatch")

// Shape is the extent of a 4-D tensor in batch, channel, height, width order.
type Shape struct {
	N, C, H, W int
}

// Size returns the number of elements.
func (s Shape) Size() int {
	return s.N * s.C * s.H * s.W
}

// Plane returns H*W.
func (s Shape) Plane() int {
	return s.H * s.W
}

// SameSpatial reports whether s and o have the same height and width.
func (s Shape) SameSpatial(o Shape) bool {
	return s.H == o.H && s.W == o.W
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}

// Tensor is a contiguous float64 array laid out as NCHW.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// New allocates a zeroed tensor.
func New(shape Shape) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float64, shape.Size())}
}

// FromData wraps data without copying it.
func FromData(shape Shape, data []float64) (*Tensor, error) {
	if len(data) != shape.Size() {
		return nil, errors.Wrapf(ErrShape, "%d values for shape %v", len(data), shape)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full(shape Shape, v float64) *Tensor {
	t := New(shape)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Index returns the flat offset of (n, c, y, x).
func (t *Tensor) Index(n, c, y, x int) int {
	s := t.Shape
	return ((n*s.C+c)*s.H+y)*s.W + x
}

// At returns the element at (n, c, y, x).
func (t *Tensor) At(n, c, y, x int) float64 {
	return t.Data[t.Index(n, c, y, x)]
}

// Set stores v at (n, c, y, x).
func (t *Tensor) Set(n, c, y, x int, v float64) {
	t.Data[t.Index(n, c, y, x)] = v
}

// Sample returns the slice backing sample n.
func (t *Tensor) Sample(n int) []float64 {
	size := t.Shape.C * t.Shape.Plane()
	return t.Data[n*size : (n+1)*size]
}

// Channel returns the slice backing channel c of sample n.
func (t *Tensor) Channel(n, c int) []float64 {
	plane := t.Shape.Plane()
	start := (n*t.Shape.C + c) * plane
	return t.Data[start : start+plane]
}

// Expect returns an ErrShape-wrapped error unless t has the given shape.
// Negative fields in want are wildcards.
func (t *Tensor) Expect(want Shape, what string) error {
	if t == nil {
		return errors.Wrapf(ErrShape, "%s: nil tensor", what)
	}
	got := t.Shape
	if (want.N >= 0 && got.N != want.N) ||
		(want.C >= 0 && got.C != want.C) ||
		(want.H >= 0 && got.H != want.H) ||
		(want.W >= 0 && got.W != want.W) {
		return errors.Wrapf(ErrShape, "%s: got %v want %v", what, got, want)
	}
	return nil
}

// Stack concatenates single-sample tensors along N. All parts must share C, H and W.
func Stack(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrShape, "stack: no tensors")
	}
	first := parts[0].Shape
	out := New(Shape{N: 0, C: first.C, H: first.H, W: first.W})
	out.Data = make([]float64, 0, len(parts)*first.C*first.Plane())
	for i, p := range parts {
		if err := p.Expect(Shape{N: -1, C: first.C, H: first.H, W: first.W}, fmt.Sprintf("stack part %d", i)); err != nil {
			return nil, err
		}
		out.Data = append(out.Data, p.Data...)
		out.Shape.N += p.Shape.N
	}
	return out, nil
}
