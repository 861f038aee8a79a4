package metrics

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"

	"clothseg/internal/tensor"
)

var maskShape = tensor.Shape{N: 1, C: 1, H: 32, W: 32}

func TestDiceIdentical(t *testing.T) {
	ones := tensor.Full(maskShape, 1)
	d, err := Dice(ones, ones.Clone())
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(d-1) < 1e-9, "dice %f", d)
}

func TestDiceDisjoint(t *testing.T) {
	d, err := Dice(tensor.Full(maskShape, 1), tensor.New(maskShape))
	assert.NilError(t, err)
	assert.Equal(t, d, 0.0)
}

func TestDiceComplement(t *testing.T) {
	a := tensor.New(maskShape)
	for i := range a.Data {
		if i%3 == 0 {
			a.Data[i] = 1
		}
	}
	inv := tensor.New(maskShape)
	for i, v := range a.Data {
		inv.Data[i] = 1 - v
	}
	self, err := Dice(a, a)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(self-1) < 1e-9)
	other, err := Dice(a, inv)
	assert.NilError(t, err)
	assert.Equal(t, other, 0.0)
}

func TestDiceBothEmpty(t *testing.T) {
	d, err := Dice(tensor.New(maskShape), tensor.New(maskShape))
	assert.NilError(t, err)
	assert.Equal(t, d, 0.0)
}

func TestPerfectPredictionAccuracy(t *testing.T) {
	target := tensor.New(tensor.Shape{N: 2, C: 1, H: 4, W: 4})
	for i := range target.Data {
		target.Data[i] = float64(i % 2)
	}
	var s Segmentation
	assert.NilError(t, s.Add(target.Clone(), target))
	res, err := s.Result()
	assert.NilError(t, err)
	assert.Equal(t, res.PixelAccuracy, 100.0)
	assert.Equal(t, res.Pixels, 32)
}

func TestSegmentationAveragesDicePerBatch(t *testing.T) {
	var s Segmentation
	ones := tensor.Full(maskShape, 1)
	assert.NilError(t, s.Add(ones, ones))
	assert.NilError(t, s.Add(ones, tensor.New(maskShape)))
	res, err := s.Result()
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(res.Dice-0.5) < 1e-9)
	assert.Equal(t, res.PixelAccuracy, 50.0)
	assert.Equal(t, res.Batches, 2)
}

func TestSegmentationEmpty(t *testing.T) {
	var s Segmentation
	_, err := s.Result()
	assert.ErrorContains(t, err, "no pixels")
}

func TestThreshold(t *testing.T) {
	p, _ := tensor.FromData(tensor.Shape{N: 1, C: 1, H: 1, W: 3}, []float64{0.2, 0.5, 0.9})
	assert.DeepEqual(t, Threshold(p).Data, []float64{0, 0, 1})
}
