// Package atlas reduces registered volumes into a population average.
//
// Partial sums from disjoint subject ranges can be produced independently,
// combined in any order and divided once. Floating-point addition is not
// associative, so results agree to within rounding but are not guaranteed to
// be bit-identical across orderings.
package atlas

import (
	"errors"
	"fmt"
	"sync"

	"mriatlas/internal/models"
)

var (
	// ErrGridMismatch is returned when a volume does not share the grid of
	// the volumes already accumulated.
	ErrGridMismatch = errors.New("grid mismatch")

	// ErrEmpty is returned when finalising an accumulator with no contributions.
	ErrEmpty = errors.New("accumulator is empty")

	// ErrInvalidDivisor is returned for a non-positive divisor.
	ErrInvalidDivisor = errors.New("invalid divisor")
)

// Accumulator keeps a running voxel-wise sum of volumes on a common grid. It
// is safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	sum   *models.Volume
	count int
}

// NewAccumulator returns an empty accumulator. Its grid is fixed by the first
// volume added.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds v into the sum. A volume on a different grid is rejected with
// ErrGridMismatch and the sum is left unchanged.
func (a *Accumulator) Add(v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(v, 1)
}

func (a *Accumulator) addLocked(v *models.Volume, count int) error {
	if a.sum == nil {
		a.sum = v.Clone()
		a.count = count
		return nil
	}
	if !a.sum.Grid.Equal(v.Grid) || a.sum.Components != v.Components {
		return fmt.Errorf("%w: have %v, got %v", ErrGridMismatch, a.sum.Grid, v.Grid)
	}
	for i, s := range v.Data {
		a.sum.Data[i] += s
	}
	a.count += count
	return nil
}

// Merge folds another accumulator's sum and count into a.
func (a *Accumulator) Merge(o *Accumulator) error {
	sum, n := o.Sum()
	if sum == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(sum, n)
}

// Count returns the number of contributions.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Sum returns a copy of the running sum and the number of contributions. The
// sum is nil when nothing has been added.
func (a *Accumulator) Sum() (*models.Volume, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sum == nil {
		return nil, 0
	}
	return a.sum.Clone(), a.count
}

// Finalize returns sum / divisor as a new volume. The accumulator is not
// modified, so accumulation may continue afterwards. The divisor need not
// equal Count.
func (a *Accumulator) Finalize(divisor float64) (*models.Volume, error) {
	if !(divisor > 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidDivisor, divisor)
	}
	sum, _ := a.Sum()
	if sum == nil {
		return nil, ErrEmpty
	}
	for i := range sum.Data {
		sum.Data[i] /= divisor
	}
	return sum, nil
}

// Average divides the sum by the number of contributions.
func (a *Accumulator) Average() (*models.Volume, error) {
	return a.Finalize(float64(a.Count()))
}

// Combine sums partial results and divides by divisor, as done when ranges
// of a cohort were processed separately.
func Combine(partials []*models.Volume, divisor float64) (*models.Volume, error) {
	acc := NewAccumulator()
	for i, p := range partials {
		if err := acc.Add(p); err != nil {
			return nil, fmt.Errorf("partial %d: %w", i, err)
		}
	}
	return acc.Finalize(divisor)
}
