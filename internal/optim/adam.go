// Package optim holds the parameter update rule and the learning-rate schedule.
package optim

import (
	"math"

	"github.com/pkg/errors"

	"clothseg/internal/nn"
)

// Adam keeps exponential moving averages of gradients and squared gradients
// for every parameter it was built with.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*nn.Param
	step   int
	m, v   [][]float64
}

// AdamState is the serialisable part of Adam, keyed by parameter name.
type AdamState struct {
	Step int
	LR   float64
	M    map[string][]float64
	V    map[string][]float64
}

// NewAdam returns Adam with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*nn.Param, lr float64) *Adam {
	a := &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		params:  params,
		m:       make([][]float64, len(params)),
		v:       make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// ZeroGrad clears the gradients of every managed parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// Step applies one bias-corrected Adam update.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LR / c1
	sqrtC2 := math.Sqrt(c2)
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.Value[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtC2 + a.Epsilon)
		}
	}
}

// State snapshots the moments and step count.
func (a *Adam) State() AdamState {
	st := AdamState{
		Step: a.step,
		LR:   a.LR,
		M:    make(map[string][]float64, len(a.params)),
		V:    make(map[string][]float64, len(a.params)),
	}
	for i, p := range a.params {
		st.M[p.Name] = append([]float64(nil), a.m[i]...)
		st.V[p.Name] = append([]float64(nil), a.v[i]...)
	}
	return st
}

// LoadState restores moments by parameter name. When keepStep is false the
// step count restarts at zero, as a freshly built optimizer would.
func (a *Adam) LoadState(st AdamState, keepStep bool) error {
	for i, p := range a.params {
		m, okM := st.M[p.Name]
		v, okV := st.V[p.Name]
		if !okM || !okV {
			return errors.Errorf("adam: no state for parameter %s", p.Name)
		}
		if len(m) != len(p.Value) || len(v) != len(p.Value) {
			return errors.Errorf("adam: state for %s has %d values, want %d", p.Name, len(m), len(p.Value))
		}
		copy(a.m[i], m)
		copy(a.v[i], v)
	}
	if keepStep {
		a.step = st.Step
	} else {
		a.step = 0
	}
	return nil
}
