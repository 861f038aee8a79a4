package model

import (
	"clothseg/internal/nn"
	"clothseg/internal/tensor"
)

// Batch is a minibatch of images and their ground-truth masks.
// Images is (N, 3, H, W), Masks is (N, 1, H, W) and Keys[i] names sample i.
type Batch struct {
	Images *tensor.Tensor
	Masks  *tensor.Tensor
	Keys   []string
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape.N
}

// Model is the functionality the training and evaluation loops need from a network.
type Model interface {
	Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	Backward(dy *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*nn.Param
	StateDict() map[string][]float64
	LoadStateDict(state map[string][]float64) error
}
