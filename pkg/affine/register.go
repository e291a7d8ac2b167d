// Package affine registers a moving volume to a fixed volume with a
// multi-resolution affine search. Each pyramid level runs regular-step
// gradient descent on the mean-squares metric, seeded with the parameters
// the previous level converged to and with half its maximum step length.
package affine

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/filter"
	"mriatlas/pkg/metric"
	"mriatlas/pkg/optimizer"
	"mriatlas/pkg/transform"
)

var (
	// ErrIncompatibleGeometry is returned when the fixed and moving volumes
	// cannot be registered against each other.
	ErrIncompatibleGeometry = errors.New("incompatible image geometry")

	// ErrDidNotConverge reports that the final level ran out of iterations.
	// The transform in the result is still usable.
	ErrDidNotConverge = errors.New("registration did not converge")
)

// Options configures Register.
type Options struct {
	// Levels is the number of pyramid levels, coarsest first
	Levels int

	// Optimizer holds the bounds for level 0. MaxStepLength is halved on
	// entry to every later level.
	Optimizer optimizer.Options

	// TranslationScale divides the translation components of the gradient
	// relative to the matrix components
	TranslationScale float64

	// MinOverlapFraction is passed to the metric
	MinOverlapFraction float64

	// CenterAtFixed centres the transform on the fixed image instead of the
	// physical origin
	CenterAtFixed bool

	// Workers bounds per-volume parallelism; 0 means one per CPU
	Workers int

	// Observer, when set, receives every optimizer iteration
	Observer func(Event)

	// LevelObserver, when set, is called on entry to every level
	LevelObserver func(LevelStart)
}

// DefaultOptions returns three levels with the default optimizer bounds.
func DefaultOptions() Options {
	return Options{
		Levels:             3,
		Optimizer:          optimizer.DefaultOptions(),
		TranslationScale:   1,
		MinOverlapFraction: metric.DefaultMinOverlapFraction,
		CenterAtFixed:      true,
	}
}

// Event is an optimizer iteration tagged with its pyramid level.
type Event struct {
	Level int
	optimizer.Event
}

// LevelStart describes a level about to be optimised.
type LevelStart struct {
	Level         filter.Level
	Grid          models.Grid
	MaxStepLength float64
}

// LevelResult summarises one finished level.
type LevelResult struct {
	Level         filter.Level
	MaxStepLength float64
	Value         float64
	Iterations    int
	Stop          optimizer.StopCondition
}

// Result is the outcome of Register.
type Result struct {
	Transform *transform.Affine
	Value     float64
	Stop      optimizer.StopCondition
	Converged bool
	Levels    []LevelResult
}

// Err returns ErrDidNotConverge when the final level stopped on its
// iteration limit, and nil otherwise.
func (r *Result) Err() error {
	if r.Converged {
		return nil
	}
	return fmt.Errorf("%w: stopped with %v after %d levels", ErrDidNotConverge, r.Stop, len(r.Levels))
}

// Register estimates the affine transform mapping fixed-space points into
// the moving image. On failure the returned result, when non-nil, holds the
// last parameters reached.
func Register(ctx context.Context, fixed, moving *models.Volume, opts Options) (*Result, error) {
	if err := checkGeometry(fixed, moving); err != nil {
		return nil, err
	}
	if opts.Levels < 1 {
		opts.Levels = 1
	}

	center := r3.Vector{}
	if opts.CenterAtFixed {
		center = transform.Vec(fixed.Center())
	}
	tf := transform.NewIdentity(center)
	res := &Result{Transform: tf}

	levels := filter.Schedule(opts.Levels)
	fixedPyr, err := filter.Pyramid(ctx, fixed, levels, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("fixed pyramid: %w", err)
	}
	movingPyr, err := filter.Pyramid(ctx, moving, levels, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("moving pyramid: %w", err)
	}

	scales := make([]float64, transform.NumAffineParameters)
	for i := range scales {
		scales[i] = 1
	}
	if opts.TranslationScale > 0 {
		for i := 9; i < transform.NumAffineParameters; i++ {
			scales[i] = opts.TranslationScale
		}
	}

	for k, lv := range levels {
		ms, err := metric.NewMeanSquares(fixedPyr[k], movingPyr[k], opts.Workers)
		if err != nil {
			return res, fmt.Errorf("level %d: %w", k, err)
		}
		if opts.MinOverlapFraction > 0 {
			ms.MinOverlapFraction = opts.MinOverlapFraction
		}

		oo := opts.Optimizer
		oo.Scales = scales
		oo.MaxStepLength = opts.Optimizer.MaxStepLength * filter.StepScale(k)
		if opts.Observer != nil {
			level := k
			oo.Observer = func(e optimizer.Event) {
				opts.Observer(Event{Level: level, Event: e})
			}
		}
		if opts.LevelObserver != nil {
			opts.LevelObserver(LevelStart{Level: lv, Grid: fixedPyr[k].Grid, MaxStepLength: oo.MaxStepLength})
		}

		cost := func(p []float64) (float64, []float64, error) {
			trial := tf.Clone()
			if err := trial.SetParameters(p); err != nil {
				return 0, nil, err
			}
			return ms.ValueAndDerivative(trial)
		}
		or, err := optimizer.Run(ctx, cost, tf.Parameters(), oo)
		if or.Parameters != nil {
			if perr := tf.SetParameters(or.Parameters); perr != nil {
				return res, perr
			}
		}
		res.Levels = append(res.Levels, LevelResult{
			Level:         lv,
			MaxStepLength: oo.MaxStepLength,
			Value:         or.Value,
			Iterations:    or.Iterations,
			Stop:          or.Stop,
		})
		res.Value, res.Stop = or.Value, or.Stop
		if err != nil {
			return res, fmt.Errorf("level %d: %w", k, err)
		}
	}

	res.Converged = res.Stop != optimizer.MaxIterationsReached
	return res, nil
}

func checkGeometry(fixed, moving *models.Volume) error {
	for _, img := range []struct {
		name string
		v    *models.Volume
	}{{"fixed", fixed}, {"moving", moving}} {
		name, v := img.name, img.v
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s image: %v", ErrIncompatibleGeometry, name, err)
		}
		if v.Components != 1 {
			return fmt.Errorf("%w: %s image has %d components, want a scalar image",
				ErrIncompatibleGeometry, name, v.Components)
		}
	}
	return nil
}
