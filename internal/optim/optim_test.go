package optim

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"

	"clothseg/internal/nn"
)

func quadratic() *nn.Param {
	return &nn.Param{Name: "w", Shape: []int{2}, Value: []float64{3, -2}, Grad: make([]float64, 2)}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := quadratic()
	opt := NewAdam([]*nn.Param{p}, 0.1)
	p.Grad[0], p.Grad[1] = 6, -4
	opt.Step()
	// the first bias-corrected step is lr * sign(g)
	assert.Assert(t, math.Abs(p.Value[0]-2.9) < 1e-6)
	assert.Assert(t, math.Abs(p.Value[1]-(-1.9)) < 1e-6)
	assert.Equal(t, opt.Steps(), 1)
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := quadratic()
	opt := NewAdam([]*nn.Param{p}, 0.05)
	for i := 0; i < 2000; i++ {
		opt.ZeroGrad()
		for j, v := range p.Value {
			p.Grad[j] = 2 * v
		}
		opt.Step()
	}
	assert.Assert(t, math.Abs(p.Value[0]) < 1e-2, "w0=%f", p.Value[0])
	assert.Assert(t, math.Abs(p.Value[1]) < 1e-2, "w1=%f", p.Value[1])
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := quadratic()
	opt := NewAdam([]*nn.Param{p}, 0.1)
	p.Grad[0], p.Grad[1] = 1, 1
	opt.Step()
	opt.Step()

	q := quadratic()
	restored := NewAdam([]*nn.Param{q}, 0.1)
	assert.NilError(t, restored.LoadState(opt.State(), true))
	assert.Equal(t, restored.Steps(), 2)
	assert.DeepEqual(t, restored.State().M, opt.State().M)

	assert.NilError(t, restored.LoadState(opt.State(), false))
	assert.Equal(t, restored.Steps(), 0)

	other := NewAdam([]*nn.Param{{Name: "b", Value: make([]float64, 2), Grad: make([]float64, 2)}}, 0.1)
	assert.ErrorContains(t, other.LoadState(opt.State(), true), "no state for parameter b")
}

func TestStepLRHalvesEveryStep(t *testing.T) {
	opt := NewAdam(nil, 1e-4)
	sched := NewStepLR(opt, 10, 0.5)
	for epoch := 0; epoch < 9; epoch++ {
		sched.Step()
	}
	assert.Equal(t, sched.LR(), 1e-4)
	sched.Step()
	assert.Assert(t, math.Abs(sched.LR()-5e-5) < 1e-15)
	for epoch := 0; epoch < 10; epoch++ {
		sched.Step()
	}
	assert.Assert(t, math.Abs(sched.LR()-2.5e-5) < 1e-15)
}

func TestStepLRLoadState(t *testing.T) {
	opt := NewAdam(nil, 1e-3)
	sched := NewStepLR(opt, 2, 0.1)
	sched.LoadState(StepLRState{LastEpoch: 5})
	assert.Equal(t, sched.Epoch(), 5)
	assert.Assert(t, math.Abs(opt.LR-1e-5) < 1e-18)
}
