// Package metric implements the mean-squares similarity used to drive affine
// registration.
package metric

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/resample"
	"mriatlas/pkg/transform"
)

// ErrMetricUndefined is returned when too few fixed samples map inside the
// moving image for the metric to be meaningful.
var ErrMetricUndefined = errors.New("metric undefined: insufficient overlap")

// DefaultMinOverlapFraction is the smallest share of fixed voxels that must
// map inside the moving image.
const DefaultMinOverlapFraction = 0.01

// MeanSquares is the mean of squared intensity differences between a fixed
// image and a linearly interpolated moving image, evaluated at every fixed
// voxel whose mapped point falls inside the moving image.
type MeanSquares struct {
	fixed       *models.Volume
	fixedMapper *transform.IndexMapper
	moving      *resample.LinearInterpolator
	gradient    *resample.LinearInterpolator

	// MinOverlapFraction is the share of fixed voxels that must be valid samples
	MinOverlapFraction float64

	// Workers bounds the slabs evaluated concurrently; 0 means one per CPU
	Workers int
}

// NewMeanSquares prepares the metric for a fixed/moving pair. The moving
// image's gradient is computed once here.
func NewMeanSquares(fixed, moving *models.Volume, workers int) (*MeanSquares, error) {
	fm, err := transform.NewIndexMapper(fixed.Grid)
	if err != nil {
		return nil, fmt.Errorf("fixed image: %w", err)
	}
	mi, err := resample.NewLinearInterpolator(moving)
	if err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}
	grad, err := resample.Gradient(moving, workers)
	if err != nil {
		return nil, fmt.Errorf("moving gradient: %w", err)
	}
	gi, err := resample.NewLinearInterpolator(grad)
	if err != nil {
		return nil, err
	}
	return &MeanSquares{
		fixed:              fixed,
		fixedMapper:        fm,
		moving:             mi,
		gradient:           gi,
		MinOverlapFraction: DefaultMinOverlapFraction,
		Workers:            workers,
	}, nil
}

// partial holds one worker's share of the sums.
type partial struct {
	ssd   float64
	count int
	deriv [transform.NumAffineParameters]float64
}

// Value returns the metric under tf.
func (m *MeanSquares) Value(tf *transform.Affine) (float64, error) {
	v, _, err := m.evaluate(tf, false)
	return v, err
}

// ValueAndDerivative returns the metric under tf and its derivative with
// respect to tf's parameters.
func (m *MeanSquares) ValueAndDerivative(tf *transform.Affine) (float64, []float64, error) {
	return m.evaluate(tf, true)
}

func (m *MeanSquares) evaluate(tf *transform.Affine, withDerivative bool) (float64, []float64, error) {
	f := m.fixed
	parts := make([]partial, f.Depth)
	n := resample.ForEachSlab(f.Depth, m.Workers, func(w, z0, z1 int) {
		acc := &parts[w]
		for z := z0; z < z1; z++ {
			for y := 0; y < f.Height; y++ {
				for x := 0; x < f.Width; x++ {
					p := m.fixedMapper.ToPhysical(float64(x), float64(y), float64(z))
					q := tf.TransformPoint(p)
					mv, ok := m.moving.Evaluate(q)
					if !ok {
						continue
					}
					diff := mv - f.At(x, y, z)
					acc.ssd += diff * diff
					acc.count++
					if !withDerivative {
						continue
					}
					g, _ := m.gradient.EvaluateVector(q)
					accumulateJacobian(&acc.deriv, diff, g, p.Sub(tf.Center))
				}
			}
		}
	})

	var total partial
	for _, p := range parts[:n] {
		total.ssd += p.ssd
		total.count += p.count
		for i := range total.deriv {
			total.deriv[i] += p.deriv[i]
		}
	}

	need := int(m.MinOverlapFraction * float64(f.NumVoxels()))
	if total.count == 0 || total.count < need {
		return 0, nil, fmt.Errorf("%w: %d of %d samples valid", ErrMetricUndefined, total.count, f.NumVoxels())
	}

	value := total.ssd / float64(total.count)
	if !withDerivative {
		return value, nil, nil
	}
	deriv := make([]float64, transform.NumAffineParameters)
	for i, d := range total.deriv {
		deriv[i] = 2 * d / float64(total.count)
	}
	return value, deriv, nil
}

// accumulateJacobian adds diff * dM/dtheta for the centred affine
// parameterisation: matrix entry (i, j) moves output i by (p - c)_j and
// translation i moves output i by one.
func accumulateJacobian(d *[transform.NumAffineParameters]float64, diff float64, g, rel r3.Vector) {
	gs := [3]float64{g.X * diff, g.Y * diff, g.Z * diff}
	r := [3]float64{rel.X, rel.Y, rel.Z}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d[3*i+j] += gs[i] * r[j]
		}
		d[9+i] += gs[i]
	}
}
