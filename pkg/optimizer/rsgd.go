// Package optimizer implements regular-step gradient descent: the step
// length is held constant while the gradient keeps its direction and is
// relaxed whenever the direction reverses.
package optimizer

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrCancelled is returned when the context is done before the optimiser
// reaches a stop condition.
var ErrCancelled = errors.New("optimization cancelled")

// StopCondition records why an optimisation ended.
type StopCondition int

const (
	Running StopCondition = iota
	StepTooSmall
	MaxIterationsReached
	GradientTolerance
	MetricError
	Cancelled
)

func (s StopCondition) String() string {
	switch s {
	case Running:
		return "Running"
	case StepTooSmall:
		return "StepTooSmall"
	case MaxIterationsReached:
		return "MaxIterationsReached"
	case GradientTolerance:
		return "GradientTolerance"
	case MetricError:
		return "MetricError"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("StopCondition(%d)", int(s))
	}
}

// CostFunction evaluates the objective and its gradient at a parameter vector.
type CostFunction func(params []float64) (float64, []float64, error)

// Event is delivered to the observer after every iteration.
type Event struct {
	Iteration  int
	Value      float64
	StepLength float64
	Parameters []float64
}

// Observer receives iteration events synchronously on the optimising
// goroutine. It must return quickly.
type Observer func(Event)

// Options bounds a single optimisation run.
type Options struct {
	MaxStepLength     float64
	MinStepLength     float64
	MaxIterations     int
	RelaxationFactor  float64
	GradientTolerance float64

	// Scales divides each gradient component and each step component. Nil means all ones.
	Scales []float64

	Maximize bool
	Observer Observer
}

// DefaultOptions returns the bounds used for affine registration.
func DefaultOptions() Options {
	return Options{
		MaxStepLength:     0.0125,
		MinStepLength:     0,
		MaxIterations:     100,
		RelaxationFactor:  0.5,
		GradientTolerance: 1e-4,
	}
}

// Result is the outcome of Run. Parameters always holds the last accepted
// position, even when Run returns an error.
type Result struct {
	Parameters []float64
	Value      float64
	Iterations int
	StepLength float64
	Stop       StopCondition
}

// Run minimises (or maximises) cost starting from initial.
func Run(ctx context.Context, cost CostFunction, initial []float64, opts Options) (Result, error) {
	n := len(initial)
	scales := opts.Scales
	if scales == nil {
		scales = make([]float64, n)
		for i := range scales {
			scales[i] = 1
		}
	}
	if len(scales) != n {
		return Result{}, fmt.Errorf("optimizer: %d scales for %d parameters", len(scales), n)
	}
	relax := opts.RelaxationFactor
	if relax <= 0 || relax >= 1 {
		relax = 0.5
	}
	direction := -1.0
	if opts.Maximize {
		direction = 1
	}

	res := Result{
		Parameters: append([]float64(nil), initial...),
		StepLength: opts.MaxStepLength,
		Stop:       Running,
	}
	prev := make([]float64, n)
	tg := make([]float64, n)

	for res.Stop == Running {
		if err := ctx.Err(); err != nil {
			res.Stop = Cancelled
			return res, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if res.Iterations >= opts.MaxIterations {
			res.Stop = MaxIterationsReached
			break
		}

		value, grad, err := cost(res.Parameters)
		if err != nil {
			res.Stop = MetricError
			return res, fmt.Errorf("iteration %d: %w", res.Iterations, err)
		}
		res.Value = value

		floats.DivTo(tg, grad, scales)
		mag := floats.Norm(tg, 2)
		if mag < opts.GradientTolerance {
			res.Stop = GradientTolerance
			break
		}
		if floats.Dot(tg, prev) < 0 {
			res.StepLength *= relax
		}
		if res.StepLength < opts.MinStepLength {
			res.Stop = StepTooSmall
			break
		}
		copy(prev, tg)

		factor := direction * res.StepLength / mag
		for j := range res.Parameters {
			res.Parameters[j] += factor * tg[j] / scales[j]
		}

		if opts.Observer != nil {
			opts.Observer(Event{
				Iteration:  res.Iterations,
				Value:      value,
				StepLength: res.StepLength,
				Parameters: append([]float64(nil), res.Parameters...),
			})
		}
		res.Iterations++
	}
	return res, nil
}
