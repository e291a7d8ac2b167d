package pipeline

import (
	"runtime"

	"mriatlas/pkg/affine"
	"mriatlas/pkg/config"
	"mriatlas/pkg/demons"
	"mriatlas/pkg/histogram"
	"mriatlas/pkg/optimizer"
	"mriatlas/pkg/volio"
)

// Params holds the atlas-building parameters.
// These parameters control the cohort layout and the registration stages.
type Params struct {
	// Naming maps subject indices to file names
	Naming volio.Naming

	// SubjectCount is the number of subjects in the cohort, numbered from 1
	SubjectCount int

	// NumCores specifies how many subjects are registered concurrently.
	NumCores int

	// FailurePolicy decides whether a failed subject aborts the run or is skipped
	FailurePolicy string

	// IncludeReference adds the reference subject, unregistered, to a range containing it
	IncludeReference bool

	// Divisor overrides the number a divided output is divided by. Zero
	// divides by the number of contributions.
	Divisor float64

	Affine    affine.Options
	Histogram histogram.Options
	Demons    demons.Options

	// SnapshotEvery is the interval of observer snapshots after the first demons iteration
	SnapshotEvery int

	// SaveFields writes every subject's displacement field as .npy
	SaveFields bool
}

// DefaultParams returns the parameters of DefaultConfig.
func DefaultParams() *Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig converts a loaded configuration into pipeline parameters.
func ParamsFromConfig(cfg *config.Config) *Params {
	p := &Params{
		Naming: volio.Naming{
			Prefix:       cfg.Data.Prefix,
			Suffix:       cfg.Data.Suffix,
			IndexWidth:   cfg.Data.IndexWidth,
			AffinePrefix: cfg.Data.AffinePrefix,
		},
		SubjectCount:     cfg.Data.SubjectCount,
		NumCores:         cfg.Processing.NumCores,
		FailurePolicy:    cfg.Processing.FailurePolicy,
		IncludeReference: cfg.Processing.IncludeReference,
		SnapshotEvery:    cfg.Demons.SnapshotEvery,
		SaveFields:       cfg.Output.SaveFields,
	}
	if p.NumCores < 1 {
		p.NumCores = runtime.NumCPU()
	}

	p.Affine = affine.Options{
		Levels: cfg.Affine.Levels,
		Optimizer: optimizer.Options{
			MaxStepLength:     cfg.Affine.MaxStepLength,
			MinStepLength:     cfg.Affine.MinStepLength,
			MaxIterations:     cfg.Affine.MaxIterations,
			RelaxationFactor:  cfg.Affine.RelaxationFactor,
			GradientTolerance: cfg.Affine.GradientTolerance,
		},
		TranslationScale:   cfg.Affine.TranslationScale,
		MinOverlapFraction: cfg.Affine.MinOverlapFraction,
		CenterAtFixed:      cfg.Affine.CenterAtFixed,
	}
	p.Histogram = histogram.Options{
		Levels:          cfg.Histogram.Levels,
		MatchPoints:     cfg.Histogram.MatchPoints,
		ThresholdAtMean: cfg.Histogram.ThresholdAtMean,
	}
	p.Demons = demons.Options{
		Iterations:                   cfg.Demons.Iterations,
		StandardDeviation:            cfg.Demons.StandardDeviation,
		IntensityDifferenceThreshold: cfg.Demons.IntensityDifferenceThreshold,
	}
	return p
}

// volumeWorkers splits the CPUs between concurrently registered subjects.
func (p *Params) volumeWorkers() int {
	w := runtime.NumCPU() / p.NumCores
	if w < 1 {
		w = 1
	}
	return w
}
