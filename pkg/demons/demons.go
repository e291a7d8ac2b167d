// Package demons estimates a dense displacement field aligning a moving
// volume to a fixed volume on the same grid with symmetric-forces demons.
//
// Each iteration computes, at every fixed voxel p with q = p + d(p),
//
//	speed = F(p) - M(q)
//	g     = grad F(p) + grad M(q)
//	u     = 2 * speed * g / (speed^2/K + |g|^2)
//
// where K is the mean squared voxel spacing, adds u to the field and then
// smooths every field component with a Gaussian. The algorithm runs for a
// fixed number of iterations; there is no convergence test.
package demons

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/filter"
	"mriatlas/pkg/resample"
	"mriatlas/pkg/transform"
)

// ErrGridMismatch is returned when the fixed and moving volumes are not
// sampled on the same grid.
var ErrGridMismatch = errors.New("demons: fixed and moving grids differ")

// denominatorThreshold suppresses updates where both speed and gradient vanish.
const denominatorThreshold = 1e-9

// Options configures Register.
type Options struct {
	// Iterations is the exact number of update/smooth steps
	Iterations int

	// StandardDeviation is the field smoothing sigma in voxels
	StandardDeviation float64

	// IntensityDifferenceThreshold skips voxels whose intensities already agree
	IntensityDifferenceThreshold float64

	// Workers bounds per-iteration parallelism; 0 means one per CPU
	Workers int

	// Observer, when set, is called after every iteration
	Observer func(*Event)
}

// DefaultOptions returns 60 iterations with unit smoothing.
func DefaultOptions() Options {
	return Options{
		Iterations:                   60,
		StandardDeviation:            1.0,
		IntensityDifferenceThreshold: 0.001,
	}
}

// Event reports one finished iteration. It is only valid during the
// observer call.
type Event struct {
	// Iteration counts completed iterations starting at 1
	Iteration int

	// Metric is the mean squared intensity difference seen while computing the update
	Metric float64

	// RMSChange is the root mean square length of the update
	RMSChange float64

	ctx    context.Context
	field  *models.Volume
	moving *models.Volume
	warper resample.Resampler
}

// Field returns a copy of the current displacement field.
func (e *Event) Field() *models.Volume {
	return e.field.Clone()
}

// Snapshot warps the moving volume with a copy of the current field. The
// registration state is not affected.
func (e *Event) Snapshot() (*models.Volume, error) {
	df, err := transform.NewDisplacementField(e.field.Clone())
	if err != nil {
		return nil, err
	}
	return e.warper.Warp(e.ctx, e.moving, df)
}

// Result is the outcome of Register.
type Result struct {
	Field      *transform.DisplacementField
	Iterations int
	Metric     float64
	RMSChange  float64
}

// engine holds the per-registration state shared by the iterations.
type engine struct {
	fixed      *models.Volume
	moving     *resample.LinearInterpolator
	fixedGrad  *models.Volume
	movingGrad *resample.LinearInterpolator
	mapper     *transform.IndexMapper
	normalizer float64
	opts       Options
}

// stats is one worker's share of an iteration's sums.
type stats struct {
	ssd    float64
	rms    float64
	pixels int
}

// Register runs the demons iterations and returns the final field.
func Register(ctx context.Context, fixed, moving *models.Volume, opts Options) (*Result, error) {
	if err := fixed.Validate(); err != nil {
		return nil, fmt.Errorf("fixed image: %w", err)
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}
	if !fixed.Grid.Equal(moving.Grid) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrGridMismatch, fixed.Grid, moving.Grid)
	}

	e, err := newEngine(fixed, moving, opts)
	if err != nil {
		return nil, err
	}

	field := models.NewVectorVolume(fixed.Grid, 3)
	update := models.NewVectorVolume(fixed.Grid, 3)
	res := &Result{}
	for it := 1; it <= opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("demons iteration %d: %w", it, err)
		}

		st := e.computeUpdate(field, update)
		for i, u := range update.Data {
			field.Data[i] += u
		}
		smoothed, err := filter.SmoothIsotropic(field, opts.StandardDeviation, opts.Workers)
		if err != nil {
			return nil, err
		}
		field = smoothed

		res.Iterations = it
		if st.pixels > 0 {
			res.Metric = st.ssd / float64(st.pixels)
		}
		res.RMSChange = math.Sqrt(st.rms / float64(fixed.NumVoxels()))

		if opts.Observer != nil {
			opts.Observer(&Event{
				Iteration: it,
				Metric:    res.Metric,
				RMSChange: res.RMSChange,
				ctx:       ctx,
				field:     field,
				moving:    moving,
				warper:    resample.Resampler{Workers: opts.Workers},
			})
		}
	}

	df, err := transform.NewDisplacementField(field)
	if err != nil {
		return nil, err
	}
	res.Field = df
	return res, nil
}

func newEngine(fixed, moving *models.Volume, opts Options) (*engine, error) {
	mi, err := resample.NewLinearInterpolator(moving)
	if err != nil {
		return nil, err
	}
	fg, err := resample.Gradient(fixed, opts.Workers)
	if err != nil {
		return nil, err
	}
	mg, err := resample.Gradient(moving, opts.Workers)
	if err != nil {
		return nil, err
	}
	mgi, err := resample.NewLinearInterpolator(mg)
	if err != nil {
		return nil, err
	}
	mapper, err := transform.NewIndexMapper(fixed.Grid)
	if err != nil {
		return nil, err
	}

	var norm float64
	for _, s := range fixed.Spacing {
		norm += s * s
	}
	return &engine{
		fixed:      fixed,
		moving:     mi,
		fixedGrad:  fg,
		movingGrad: mgi,
		mapper:     mapper,
		normalizer: norm / 3,
		opts:       opts,
	}, nil
}

// computeUpdate fills update with the demons force for the current field and
// returns the iteration statistics.
func (e *engine) computeUpdate(field, update *models.Volume) stats {
	f := e.fixed
	parts := make([]stats, f.Depth)
	n := resample.ForEachSlab(f.Depth, e.opts.Workers, func(w, z0, z1 int) {
		acc := &parts[w]
		for z := z0; z < z1; z++ {
			for y := 0; y < f.Height; y++ {
				for x := 0; x < f.Width; x++ {
					u := e.force(field, x, y, z, acc)
					update.SetVector(x, y, z, u)
					acc.rms += u[0]*u[0] + u[1]*u[1] + u[2]*u[2]
				}
			}
		}
	})

	var total stats
	for _, p := range parts[:n] {
		total.ssd += p.ssd
		total.rms += p.rms
		total.pixels += p.pixels
	}
	return total
}

// force returns the update vector at voxel (x, y, z).
func (e *engine) force(field *models.Volume, x, y, z int, acc *stats) [3]float64 {
	p := e.mapper.ToPhysical(float64(x), float64(y), float64(z))
	q := p.Add(transform.Vec(field.Vector(x, y, z)))

	mv, ok := e.moving.Evaluate(q)
	if !ok {
		return [3]float64{}
	}
	mg, _ := e.movingGrad.EvaluateVector(q)
	g := transform.Vec(e.fixedGrad.Vector(x, y, z)).Add(mg)

	speed := e.fixed.At(x, y, z) - mv
	acc.ssd += speed * speed
	acc.pixels++

	denom := speed*speed/e.normalizer + g.Norm2()
	if math.Abs(speed) < e.opts.IntensityDifferenceThreshold || denom < denominatorThreshold {
		return [3]float64{}
	}
	u := g.Mul(2 * speed / denom)
	return vecArray(u)
}

func vecArray(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
