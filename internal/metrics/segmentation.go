package metrics

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clothseg/internal/tensor"
)

// DiceEpsilon keeps the Dice score defined when both masks are empty.
const DiceEpsilon = 1e-8

// Threshold binarises probabilities: values above 0.5 become 1.
func Threshold(probs *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(probs.Shape)
	for i, p := range probs.Data {
		if p > 0.5 {
			out.Data[i] = 1
		}
	}
	return out
}

// Dice returns 2|P∩T| / (|P| + |T| + eps) over the whole batch.
func Dice(pred, target *tensor.Tensor) (float64, error) {
	if err := target.Expect(pred.Shape, "dice target"); err != nil {
		return 0, err
	}
	inter := floats.Dot(pred.Data, target.Data)
	return 2 * inter / (floats.Sum(pred.Data) + floats.Sum(target.Data) + DiceEpsilon), nil
}

// CorrectPixels counts the positions where pred equals target exactly.
func CorrectPixels(pred, target *tensor.Tensor) (int, error) {
	if err := target.Expect(pred.Shape, "accuracy target"); err != nil {
		return 0, err
	}
	n := 0
	for i, p := range pred.Data {
		if p == target.Data[i] {
			n++
		}
	}
	return n, nil
}

// Segmentation accumulates pixel accuracy and per-batch Dice over an evaluation pass.
type Segmentation struct {
	correct int
	pixels  int
	diceSum float64
	batches int
}

// Add scores one batch of binary predictions against its targets.
func (s *Segmentation) Add(pred, target *tensor.Tensor) error {
	correct, err := CorrectPixels(pred, target)
	if err != nil {
		return err
	}
	dice, err := Dice(pred, target)
	if err != nil {
		return err
	}
	s.correct += correct
	s.pixels += len(pred.Data)
	s.diceSum += dice
	s.batches++
	return nil
}

// Result is the outcome of an evaluation pass.
type Result struct {
	PixelAccuracy float64 // percent
	Dice          float64
	Correct       int
	Pixels        int
	Batches       int
}

// Result finalises the accumulated scores.
func (s *Segmentation) Result() (Result, error) {
	if s.pixels == 0 || s.batches == 0 {
		return Result{}, errors.New("metrics: no pixels evaluated")
	}
	return Result{
		PixelAccuracy: float64(s.correct) / float64(s.pixels) * 100,
		Dice:          s.diceSum / float64(s.batches),
		Correct:       s.correct,
		Pixels:        s.pixels,
		Batches:       s.batches,
	}, nil
}
