package nn

import (
	"clothseg/internal/tensor"
)

// Sequential chains layers; Backward walks them in reverse.
type Sequential []Layer

func (s Sequential) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	var err error
	for _, l := range s {
		if x, err = l.Forward(x, train); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s Sequential) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		if dy, err = s[i].Backward(dy); err != nil {
			return nil, err
		}
	}
	return dy, nil
}

func (s Sequential) Params() []*Param {
	var ps []*Param
	for _, l := range s {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (s Sequential) Buffers() []*Param {
	var bs []*Param
	for _, l := range s {
		bs = append(bs, l.Buffers()...)
	}
	return bs
}
