package nn

import (
	"math"

	"clothseg/internal/tensor"
)

// BCEWithLogits returns the mean binary cross-entropy between sigmoid(logits)
// and target, evaluated directly on the logits, and its gradient.
func BCEWithLogits(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := target.Expect(logits.Shape, "bce target"); err != nil {
		return 0, nil, err
	}
	m := float64(len(logits.Data))
	grad := tensor.New(logits.Shape)
	var total float64
	for i, x := range logits.Data {
		t := target.Data[i]
		total += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Data[i] = (sigmoid(x) - t) / m
	}
	return total / m, grad, nil
}
