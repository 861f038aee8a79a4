package optim

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	opt      *Adam
	BaseLR   float64
	StepSize int
	Gamma    float64

	lastEpoch int
}

// StepLRState is the serialisable schedule position.
type StepLRState struct {
	BaseLR    float64
	StepSize  int
	Gamma     float64
	LastEpoch int
}

// NewStepLR takes the optimizer's current learning rate as the base rate.
func NewStepLR(opt *Adam, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepLR{opt: opt, BaseLR: opt.LR, StepSize: stepSize, Gamma: gamma}
}

// Step advances the schedule by one epoch and updates the optimizer.
func (s *StepLR) Step() {
	s.lastEpoch++
	s.apply()
}

// LR returns the learning rate in effect.
func (s *StepLR) LR() float64 { return s.opt.LR }

// Epoch returns how many times Step has been called.
func (s *StepLR) Epoch() int { return s.lastEpoch }

func (s *StepLR) apply() {
	lr := s.BaseLR
	for i := 0; i < s.lastEpoch/s.StepSize; i++ {
		lr *= s.Gamma
	}
	s.opt.LR = lr
}

func (s *StepLR) State() StepLRState {
	return StepLRState{BaseLR: s.BaseLR, StepSize: s.StepSize, Gamma: s.Gamma, LastEpoch: s.lastEpoch}
}

// LoadState restores the schedule position and recomputes the learning rate.
// The configured step size and decay factor are kept.
func (s *StepLR) LoadState(st StepLRState) {
	s.lastEpoch = st.LastEpoch
	s.apply()
}
