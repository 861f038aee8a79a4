package tensor

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestIndexLayout(t *testing.T) {
	x := New(Shape{N: 2, C: 3, H: 4, W: 5})
	x.Set(1, 2, 3, 4, 7)
	assert.Equal(t, x.Data[len(x.Data)-1], 7.0)
	assert.Equal(t, x.Index(0, 1, 0, 0), 20)
	assert.Equal(t, len(x.Channel(1, 2)), 20)
	assert.Equal(t, x.Channel(1, 2)[19], 7.0)
	assert.Equal(t, len(x.Sample(1)), 60)
}

func TestExpectWildcards(t *testing.T) {
	x := New(Shape{N: 2, C: 1, H: 8, W: 8})
	assert.NilError(t, x.Expect(Shape{N: -1, C: 1, H: 8, W: 8}, "mask"))
	err := x.Expect(Shape{N: -1, C: 3, H: 8, W: 8}, "image")
	assert.Assert(t, errors.Is(err, ErrShape), "got %v", err)
}

func TestStack(t *testing.T) {
	a := Full(Shape{N: 1, C: 1, H: 2, W: 2}, 1)
	b := Full(Shape{N: 1, C: 1, H: 2, W: 2}, 2)
	out, err := Stack([]*Tensor{a, b})
	assert.NilError(t, err)
	assert.Equal(t, out.Shape, Shape{N: 2, C: 1, H: 2, W: 2})
	assert.Equal(t, out.At(1, 0, 1, 1), 2.0)

	c := Full(Shape{N: 1, C: 1, H: 3, W: 2}, 3)
	_, err = Stack([]*Tensor{a, c})
	assert.Assert(t, errors.Is(err, ErrShape))
}

func TestFromDataLength(t *testing.T) {
	_, err := FromData(Shape{N: 1, C: 1, H: 2, W: 2}, make([]float64, 3))
	assert.Assert(t, errors.Is(err, ErrShape))
}
