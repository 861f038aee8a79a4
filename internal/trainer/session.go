package trainer

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"clothseg/internal/checkpoint"
	"clothseg/internal/dataset"
	"clothseg/internal/history"
	"clothseg/internal/model"
	"clothseg/internal/optim"
)

// SessionConfig describes the network and optimizer a session is built with.
type SessionConfig struct {
	Model         model.Config
	LearningRate  float64
	ScheduleStep  int
	ScheduleGamma float64

	// CheckpointPath is read when Resume is set.
	CheckpointPath string
	Resume         bool
	// ResetScheduleOnResume restores only weights and optimizer moments;
	// the schedule and epoch counter start again from zero.
	ResetScheduleOnResume bool
}

// Session bundles everything a training or evaluation pass mutates.
type Session struct {
	Net   model.Model
	Opt   *optim.Adam
	Sched *optim.StepLR
	// Epoch is the number of completed training epochs.
	Epoch int

	Logger *zap.Logger
	// History is optional.
	History *history.Store
}

// NewSession builds a freshly initialised network and optimizer, then
// restores them from cfg.CheckpointPath when cfg.Resume is set.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("trainer: learning rate must be > 0 (got %g)", cfg.LearningRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	net, err := model.NewUNet(cfg.Model)
	if err != nil {
		return nil, err
	}
	opt := optim.NewAdam(net.Params(), cfg.LearningRate)
	sess := &Session{
		Net:    net,
		Opt:    opt,
		Sched:  optim.NewStepLR(opt, cfg.ScheduleStep, cfg.ScheduleGamma),
		Logger: logger,
	}
	logger.Info("model built",
		zap.Ints("features", net.Config().Features),
		zap.Int("in_channels", net.Config().InChannels),
		zap.Int("out_channels", net.Config().OutChannels),
		zap.Int("params", net.ParamCount()),
	)

	if !cfg.Resume {
		return sess, nil
	}
	if !checkpoint.Exists(cfg.CheckpointPath) {
		return nil, errors.Errorf("trainer: no checkpoint to resume from at %s", cfg.CheckpointPath)
	}
	ckpt, err := checkpoint.Load(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if err := sess.Restore(ckpt, cfg.ResetScheduleOnResume); err != nil {
		return nil, errors.Wrapf(err, "restore %s", cfg.CheckpointPath)
	}
	logger.Info("checkpoint loaded",
		zap.String("path", cfg.CheckpointPath),
		zap.Int("epoch", sess.Epoch),
		zap.Int("optimizer_steps", sess.Opt.Steps()),
		zap.Float64("lr", sess.Sched.LR()),
		zap.Bool("reset_schedule", cfg.ResetScheduleOnResume),
	)
	return sess, nil
}

// Restore loads ckpt into the session. With resetSchedule the epoch counter,
// the schedule position and the optimizer step count start again from zero.
func (s *Session) Restore(ckpt *checkpoint.Checkpoint, resetSchedule bool) error {
	if err := s.Net.LoadStateDict(ckpt.Model); err != nil {
		return err
	}
	if err := s.Opt.LoadState(ckpt.Optimizer, !resetSchedule); err != nil {
		return err
	}
	if resetSchedule {
		s.Epoch = 0
		s.Sched.LoadState(optim.StepLRState{})
		return nil
	}
	s.Sched.LoadState(ckpt.Scheduler)
	s.Epoch = ckpt.Epoch
	return nil
}

// Checkpoint snapshots the resumable state.
func (s *Session) Checkpoint() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		Version:   checkpoint.Version,
		Model:     s.Net.StateDict(),
		Optimizer: s.Opt.State(),
		Scheduler: s.Sched.State(),
		Epoch:     s.Epoch,
	}
}

// Save writes the current state to path.
func (s *Session) Save(path string) error {
	if err := checkpoint.Save(path, s.Checkpoint()); err != nil {
		return err
	}
	s.Logger.Info("checkpoint saved", zap.String("path", path), zap.Int("epoch", s.Epoch))
	return nil
}

// BuildTransform resizes every pair to height x width and, for training,
// mirrors it with probability hflipProb.
func BuildTransform(height, width int, hflipProb float64) dataset.JointTransform {
	resize := dataset.Resize{Height: height, Width: width}
	if hflipProb <= 0 {
		return resize
	}
	return dataset.Compose{resize, dataset.HorizontalFlip{P: hflipProb}}
}
