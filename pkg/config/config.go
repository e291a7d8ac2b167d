// Package config provides configuration loading and management for mriatlas.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Failure policies for a subject whose registration fails.
const (
	FailureAbort = "abort"
	FailureSkip  = "skip"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	// Cohort layout
	Data struct {
		// Dir holds the subject volumes
		Dir string `yaml:"dir" toml:"dir"`

		// OutputDir receives every file the pipeline writes; empty means Dir
		OutputDir string `yaml:"outputDir" toml:"outputDir"`

		// SubjectCount is the number of subjects in the cohort, numbered from 1
		SubjectCount int `yaml:"subjectCount" toml:"subjectCount"`

		// Prefix, Suffix and IndexWidth build subject file names
		Prefix     string `yaml:"prefix" toml:"prefix"`
		Suffix     string `yaml:"suffix" toml:"suffix"`
		IndexWidth int    `yaml:"indexWidth" toml:"indexWidth"`

		// AffinePrefix is prepended to the names of affine-resampled subjects
		AffinePrefix string `yaml:"affinePrefix" toml:"affinePrefix"`
	} `yaml:"data" toml:"data"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many subjects are registered concurrently
		NumCores int `yaml:"numCores" toml:"numCores"`

		// FailurePolicy is "abort" or "skip"
		FailurePolicy string `yaml:"failurePolicy" toml:"failurePolicy"`

		// IncludeReference adds the reference subject to its own range
		IncludeReference bool `yaml:"includeReference" toml:"includeReference"`
	} `yaml:"processing" toml:"processing"`

	// Affine registration parameters
	Affine struct {
		Levels             int     `yaml:"levels" toml:"levels"`
		MaxStepLength      float64 `yaml:"maxStepLength" toml:"maxStepLength"`
		MinStepLength      float64 `yaml:"minStepLength" toml:"minStepLength"`
		MaxIterations      int     `yaml:"maxIterations" toml:"maxIterations"`
		RelaxationFactor   float64 `yaml:"relaxationFactor" toml:"relaxationFactor"`
		GradientTolerance  float64 `yaml:"gradientTolerance" toml:"gradientTolerance"`
		MinOverlapFraction float64 `yaml:"minOverlapFraction" toml:"minOverlapFraction"`
		TranslationScale   float64 `yaml:"translationScale" toml:"translationScale"`
		CenterAtFixed      bool    `yaml:"centerAtFixed" toml:"centerAtFixed"`
	} `yaml:"affine" toml:"affine"`

	// Histogram matching parameters
	Histogram struct {
		Levels          int  `yaml:"levels" toml:"levels"`
		MatchPoints     int  `yaml:"matchPoints" toml:"matchPoints"`
		ThresholdAtMean bool `yaml:"thresholdAtMean" toml:"thresholdAtMean"`
	} `yaml:"histogram" toml:"histogram"`

	// Demons registration parameters
	Demons struct {
		Iterations                   int     `yaml:"iterations" toml:"iterations"`
		StandardDeviation            float64 `yaml:"standardDeviation" toml:"standardDeviation"`
		IntensityDifferenceThreshold float64 `yaml:"intensityDifferenceThreshold" toml:"intensityDifferenceThreshold"`

		// SnapshotEvery is the interval of observer snapshots after the first iteration
		SnapshotEvery int `yaml:"snapshotEvery" toml:"snapshotEvery"`
	} `yaml:"demons" toml:"demons"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// LogFile, when set, receives a rotating copy of the log
		LogFile    string `yaml:"logFile" toml:"logFile"`
		MaxLogSize int    `yaml:"maxLogSize" toml:"maxLogSize"`
		MaxLogAge  int    `yaml:"maxLogAge" toml:"maxLogAge"`

		// SaveFields writes every subject's displacement field as .npy
		SaveFields bool `yaml:"saveFields" toml:"saveFields"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Dir = "."
	cfg.Data.SubjectCount = 21
	cfg.Data.Prefix = "KKI2009-"
	cfg.Data.Suffix = "-MPRAGE.nii.gz"
	cfg.Data.IndexWidth = 2
	cfg.Data.AffinePrefix = "af"

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.FailurePolicy = FailureAbort
	cfg.Processing.IncludeReference = true

	cfg.Affine.Levels = 3
	cfg.Affine.MaxStepLength = 0.0125
	cfg.Affine.MinStepLength = 0
	cfg.Affine.MaxIterations = 100
	cfg.Affine.RelaxationFactor = 0.5
	cfg.Affine.GradientTolerance = 1e-4
	cfg.Affine.MinOverlapFraction = 0.01
	cfg.Affine.TranslationScale = 1
	cfg.Affine.CenterAtFixed = true

	cfg.Histogram.Levels = 1024
	cfg.Histogram.MatchPoints = 7
	cfg.Histogram.ThresholdAtMean = true

	cfg.Demons.Iterations = 60
	cfg.Demons.StandardDeviation = 1.0
	cfg.Demons.IntensityDifferenceThreshold = 0.001
	cfg.Demons.SnapshotEvery = 20

	cfg.Output.MaxLogSize = 100
	cfg.Output.MaxLogAge = 30

	return cfg
}

// Validate checks the values a run depends on.
func (c *Config) Validate() error {
	switch {
	case c.Data.SubjectCount < 1:
		return fmt.Errorf("%w: subjectCount %d", ErrInvalidConfig, c.Data.SubjectCount)
	case c.Processing.FailurePolicy != FailureAbort && c.Processing.FailurePolicy != FailureSkip:
		return fmt.Errorf("%w: failurePolicy %q", ErrInvalidConfig, c.Processing.FailurePolicy)
	case c.Affine.Levels < 1:
		return fmt.Errorf("%w: affine levels %d", ErrInvalidConfig, c.Affine.Levels)
	case c.Affine.MaxStepLength <= 0 || c.Affine.MinStepLength < 0:
		return fmt.Errorf("%w: affine step bounds [%g, %g]", ErrInvalidConfig, c.Affine.MinStepLength, c.Affine.MaxStepLength)
	case c.Histogram.Levels < 1 || c.Histogram.MatchPoints < 0:
		return fmt.Errorf("%w: histogram levels %d, match points %d", ErrInvalidConfig, c.Histogram.Levels, c.Histogram.MatchPoints)
	case c.Demons.Iterations < 0 || c.Demons.StandardDeviation < 0:
		return fmt.Errorf("%w: demons iterations %d, sigma %g", ErrInvalidConfig, c.Demons.Iterations, c.Demons.StandardDeviation)
	}
	return nil
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by
// extension. If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	if isTOML(configPath) {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file, chosen by extension
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if isTOML(configPath) {
		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("error writing config file: %w", err)
		}
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			f.Close()
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return f.Close()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
