// Package config loads the training hyperparameters that are not set on
// the command line.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/sparsediff/internal/diffusion/loader"
	"github.com/banshee-data/sparsediff/internal/diffusion/noise"
	"github.com/banshee-data/sparsediff/internal/diffusion/optim"
	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

// DefaultConfigPath is the path to the canonical training defaults file.
const DefaultConfigPath = "config/training.defaults.json"

// TrainingConfig is the JSON training configuration. Every field is
// optional; the Get* methods fall back to the built-in defaults so
// partial files are safe.
type TrainingConfig struct {
	// Forward diffusion
	BetaMin      *float64 `json:"beta_min,omitempty"`
	BetaMax      *float64 `json:"beta_max,omitempty"`
	NSteps       *int     `json:"n_steps,omitempty"`
	ScheduleMode *string  `json:"schedule_mode,omitempty"`

	// Data
	VoxelSize  *float64 `json:"voxel_size,omitempty"`
	SampleSize *int     `json:"sample_size,omitempty"`
	BatchSize  *int     `json:"batch_size,omitempty"`
	NumWorkers *int     `json:"num_workers,omitempty"`
	Prefetch   *int     `json:"prefetch,omitempty"`

	// Optimisation
	WeightDecay    *float64 `json:"weight_decay,omitempty"`
	GradClip       *float64 `json:"grad_clip,omitempty"`
	PctStart       *float64 `json:"pct_start,omitempty"`
	DivFactor      *float64 `json:"div_factor,omitempty"`
	FinalDivFactor *float64 `json:"final_div_factor,omitempty"`

	Seed        *uint64 `json:"seed,omitempty"`
	Conditional *bool   `json:"conditional,omitempty"`
}

// Built-in defaults.
const (
	defaultBetaMin        = 1e-4
	defaultBetaMax        = 2e-2
	defaultNSteps         = 1000
	defaultScheduleMode   = string(noise.ModeLinear)
	defaultVoxelSize      = 1e-5
	defaultSampleSize     = 2048
	defaultBatchSize      = 32
	defaultNumWorkers     = 8
	defaultPrefetch       = 2
	defaultWeightDecay    = 0.05
	defaultGradClip       = 10.0
	defaultPctStart       = 0.3
	defaultDivFactor      = 25.0
	defaultFinalDivFactor = 1e4
)

// EmptyTrainingConfig returns a TrainingConfig with every field unset.
func EmptyTrainingConfig() *TrainingConfig {
	return &TrainingConfig{}
}

// LoadTrainingConfig loads a TrainingConfig from a JSON file.
// The file must have a .json extension and be at most 1 MiB.
func LoadTrainingConfig(path string) (*TrainingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrainingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from
// the working directory. It panics when the file is missing and is
// intended for test setup.
func MustLoadDefaultConfig() *TrainingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrainingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *TrainingConfig) Validate() error {
	if err := c.NoiseParams().Validate(); err != nil {
		return err
	}
	if v := c.GetVoxelSize(); !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("voxel_size must be positive and finite, got %g", v)
	}
	if n := c.GetSampleSize(); n < 1 {
		return fmt.Errorf("sample_size must be positive, got %d", n)
	}
	if n := c.GetBatchSize(); n < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", n)
	}
	if n := c.GetNumWorkers(); n < 1 {
		return fmt.Errorf("num_workers must be positive, got %d", n)
	}
	if n := c.GetPrefetch(); n < 0 {
		return fmt.Errorf("prefetch must be non-negative, got %d", n)
	}
	if v := c.GetWeightDecay(); v < 0 {
		return fmt.Errorf("weight_decay must be non-negative, got %g", v)
	}
	if v := c.GetGradClip(); v < 0 {
		return fmt.Errorf("grad_clip must be non-negative, got %g", v)
	}
	if v := c.GetPctStart(); !(v > 0 && v < 1) {
		return fmt.Errorf("pct_start must be in (0, 1), got %g", v)
	}
	if c.GetDivFactor() <= 0 || c.GetFinalDivFactor() <= 0 {
		return fmt.Errorf("div_factor and final_div_factor must be positive")
	}
	return nil
}

func (c *TrainingConfig) GetBetaMin() float64 {
	if c.BetaMin == nil {
		return defaultBetaMin
	}
	return *c.BetaMin
}

func (c *TrainingConfig) GetBetaMax() float64 {
	if c.BetaMax == nil {
		return defaultBetaMax
	}
	return *c.BetaMax
}

func (c *TrainingConfig) GetNSteps() int {
	if c.NSteps == nil {
		return defaultNSteps
	}
	return *c.NSteps
}

func (c *TrainingConfig) GetScheduleMode() string {
	if c.ScheduleMode == nil || *c.ScheduleMode == "" {
		return defaultScheduleMode
	}
	return *c.ScheduleMode
}

func (c *TrainingConfig) GetVoxelSize() float64 {
	if c.VoxelSize == nil {
		return defaultVoxelSize
	}
	return *c.VoxelSize
}

func (c *TrainingConfig) GetSampleSize() int {
	if c.SampleSize == nil {
		return defaultSampleSize
	}
	return *c.SampleSize
}

func (c *TrainingConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return defaultBatchSize
	}
	return *c.BatchSize
}

func (c *TrainingConfig) GetNumWorkers() int {
	if c.NumWorkers == nil {
		return defaultNumWorkers
	}
	return *c.NumWorkers
}

func (c *TrainingConfig) GetPrefetch() int {
	if c.Prefetch == nil {
		return defaultPrefetch
	}
	return *c.Prefetch
}

func (c *TrainingConfig) GetWeightDecay() float64 {
	if c.WeightDecay == nil {
		return defaultWeightDecay
	}
	return *c.WeightDecay
}

func (c *TrainingConfig) GetGradClip() float64 {
	if c.GradClip == nil {
		return defaultGradClip
	}
	return *c.GradClip
}

func (c *TrainingConfig) GetPctStart() float64 {
	if c.PctStart == nil {
		return defaultPctStart
	}
	return *c.PctStart
}

func (c *TrainingConfig) GetDivFactor() float64 {
	if c.DivFactor == nil {
		return defaultDivFactor
	}
	return *c.DivFactor
}

func (c *TrainingConfig) GetFinalDivFactor() float64 {
	if c.FinalDivFactor == nil {
		return defaultFinalDivFactor
	}
	return *c.FinalDivFactor
}

func (c *TrainingConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

func (c *TrainingConfig) GetConditional() bool {
	return c.Conditional != nil && *c.Conditional
}

// NoiseParams returns the forward diffusion hyperparameters.
func (c *TrainingConfig) NoiseParams() noise.Params {
	return noise.Params{
		BetaMin: c.GetBetaMin(),
		BetaMax: c.GetBetaMax(),
		Steps:   c.GetNSteps(),
		Mode:    noise.Mode(c.GetScheduleMode()),
	}
}

// LoaderConfig returns the loader settings for the training split
// (shuffled, trailing partial batch dropped) or the validation split
// (sequential, every example kept).
func (c *TrainingConfig) LoaderConfig(training bool) loader.Config {
	return loader.Config{
		BatchSize: c.GetBatchSize(),
		Workers:   c.GetNumWorkers(),
		Prefetch:  c.GetPrefetch(),
		Shuffle:   training,
		DropLast:  training,
		Seed:      c.GetSeed(),
	}
}

// TrainerConfig combines these settings with the command-line learning
// rate, epoch count and precision.
func (c *TrainingConfig) TrainerConfig(lr float64, epochs int, precision train.Precision) train.Config {
	oc := optim.DefaultOneCycle(lr)
	oc.PctStart = c.GetPctStart()
	oc.DivFactor = c.GetDivFactor()
	oc.FinalDivFactor = c.GetFinalDivFactor()
	return train.Config{
		LR:          lr,
		MaxEpochs:   epochs,
		WeightDecay: c.GetWeightDecay(),
		GradClip:    c.GetGradClip(),
		OneCycle:    oc,
		Precision:   precision,
	}
}
