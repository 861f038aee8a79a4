package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"clothseg/internal/dataset"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainImages string `mapstructure:"train_images"`
	TrainMasks  string `mapstructure:"train_masks"`
	ValImages   string `mapstructure:"val_images"`
	ValMasks    string `mapstructure:"val_masks"`

	ImageHeight int     `mapstructure:"image_height"`
	ImageWidth  int     `mapstructure:"image_width"`
	HFlipProb   float64 `mapstructure:"hflip_prob"`
	MaskPolicy  string  `mapstructure:"mask_policy"`

	BatchSize     int     `mapstructure:"batch_size"`
	NumWorkers    int     `mapstructure:"num_workers"`
	Epochs        int     `mapstructure:"epochs"`
	LearningRate  float64 `mapstructure:"learning_rate"`
	ScheduleStep  int     `mapstructure:"schedule_step"`
	ScheduleGamma float64 `mapstructure:"schedule_gamma"`

	Features    []int `mapstructure:"features"`
	InChannels  int   `mapstructure:"in_channels"`
	OutChannels int   `mapstructure:"out_channels"`

	CheckpointPath        string `mapstructure:"checkpoint_path"`
	CheckpointEvery       int    `mapstructure:"checkpoint_every"`
	LoadCheckpoint        bool   `mapstructure:"load_checkpoint"`
	ResetScheduleOnResume bool   `mapstructure:"reset_schedule_on_resume"`

	PredictionDir string `mapstructure:"prediction_dir"`
	ExportBatches int    `mapstructure:"export_batches"`

	Seed        int64  `mapstructure:"seed"`
	LogEvery    int    `mapstructure:"log_every"`
	LogMode     string `mapstructure:"log_mode"`
	HistoryPath string `mapstructure:"history_path"`
}

// Overrides captures CLI supplied values. Zero values and nil pointers leave
// the configured value alone.
type Overrides struct {
	TrainImages    string
	TrainMasks     string
	ValImages      string
	ValMasks       string
	Epochs         *int
	BatchSize      int
	NumWorkers     int
	LearningRate   float64
	CheckpointPath string
	LoadCheckpoint *bool
	PredictionDir  string
	Seed           *int64
	LogEvery       int
	HistoryPath    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("train_images", "data/train_images")
	v.SetDefault("train_masks", "data/train_masks")
	v.SetDefault("val_images", "data/val_images")
	v.SetDefault("val_masks", "data/val_masks")

	v.SetDefault("image_height", 160)
	v.SetDefault("image_width", 240)
	v.SetDefault("hflip_prob", 0.0)
	v.SetDefault("mask_policy", string(dataset.MaskExact))

	v.SetDefault("batch_size", 16)
	v.SetDefault("num_workers", 2)
	v.SetDefault("epochs", 30)
	v.SetDefault("learning_rate", 1e-4)
	v.SetDefault("schedule_step", 10)
	v.SetDefault("schedule_gamma", 0.5)

	v.SetDefault("features", []int{64, 128, 256, 512})
	v.SetDefault("in_channels", 3)
	v.SetDefault("out_channels", 1)

	v.SetDefault("checkpoint_path", "checkpoints/unet.ckpt")
	v.SetDefault("checkpoint_every", 5)
	v.SetDefault("load_checkpoint", false)
	v.SetDefault("reset_schedule_on_resume", false)

	v.SetDefault("prediction_dir", "saved_images")
	v.SetDefault("export_batches", 5)

	v.SetDefault("seed", 42)
	v.SetDefault("log_every", 10)
	v.SetDefault("log_mode", "development")
	v.SetDefault("history_path", "")
}

// Load reads a YAML config on top of the defaults. An empty path yields the
// defaults alone. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyOverrides updates c using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainImages != "" {
		c.TrainImages = o.TrainImages
	}
	if o.TrainMasks != "" {
		c.TrainMasks = o.TrainMasks
	}
	if o.ValImages != "" {
		c.ValImages = o.ValImages
	}
	if o.ValMasks != "" {
		c.ValMasks = o.ValMasks
	}
	if o.Epochs != nil {
		c.Epochs = *o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.LoadCheckpoint != nil {
		c.LoadCheckpoint = *o.LoadCheckpoint
	}
	if o.PredictionDir != "" {
		c.PredictionDir = o.PredictionDir
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.HistoryPath != "" {
		c.HistoryPath = o.HistoryPath
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainImages == "" || c.TrainMasks == "" {
		return errors.New("train_images and train_masks must be set")
	}
	if c.ValImages == "" || c.ValMasks == "" {
		return errors.New("val_images and val_masks must be set")
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return errors.Errorf("image size must be > 0 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if c.HFlipProb < 0 || c.HFlipProb > 1 {
		return errors.Errorf("hflip_prob must be in [0, 1] (got %g)", c.HFlipProb)
	}
	if _, err := dataset.ParseMaskPolicy(c.MaskPolicy); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.Epochs < 0 {
		return errors.Errorf("epochs must be >= 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.ScheduleStep <= 0 {
		return errors.Errorf("schedule_step must be > 0 (got %d)", c.ScheduleStep)
	}
	if c.ScheduleGamma <= 0 {
		return errors.Errorf("schedule_gamma must be > 0 (got %g)", c.ScheduleGamma)
	}
	if len(c.Features) == 0 {
		return errors.New("features must list at least one width")
	}
	for _, f := range c.Features {
		if f <= 0 {
			return errors.Errorf("features must be positive (got %v)", c.Features)
		}
	}
	if min := 1 << len(c.Features); c.ImageHeight < min || c.ImageWidth < min {
		return errors.Errorf("image size %dx%d cannot be pooled %d times", c.ImageHeight, c.ImageWidth, len(c.Features))
	}
	if c.InChannels <= 0 || c.OutChannels <= 0 {
		return errors.Errorf("channels must be > 0 (got in=%d out=%d)", c.InChannels, c.OutChannels)
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint_path must be set")
	}
	if c.CheckpointEvery <= 0 {
		return errors.Errorf("checkpoint_every must be > 0 (got %d)", c.CheckpointEvery)
	}
	if c.ExportBatches < 0 {
		return errors.Errorf("export_batches must be >= 0 (got %d)", c.ExportBatches)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	return nil
}
