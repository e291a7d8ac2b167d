// Package resample maps volumes through spatial transforms onto target
// grids, and derives gradient images used by the registration forces.
package resample

import (
	"context"
	"fmt"

	"mriatlas/internal/models"
	"mriatlas/pkg/transform"
)

// Resampler produces a new volume on a target grid by sampling a source
// volume at transformed points. A Resampler holds no mutable state and may be
// shared between goroutines.
type Resampler struct {
	// Background is written to voxels that map outside the source
	Background float64

	// Workers bounds the number of slabs resampled concurrently; 0 means one per CPU
	Workers int
}

// Resample samples src at tf(p) for every lattice point p of target.
func (r Resampler) Resample(ctx context.Context, src *models.Volume, target models.Grid, tf transform.Transform) (*models.Volume, error) {
	li, err := NewLinearInterpolator(src)
	if err != nil {
		return nil, fmt.Errorf("resample source: %w", err)
	}
	tm, err := transform.NewIndexMapper(target)
	if err != nil {
		return nil, fmt.Errorf("resample target: %w", err)
	}

	// Fields defined on the target grid are applied voxel by voxel.
	field, direct := tf.(*transform.DisplacementField)
	direct = direct && field.Field.Grid.Equal(target)

	nc := src.Components
	out := models.NewVectorVolume(target, nc)
	ForEachSlab(target.Depth, r.Workers, func(_, z0, z1 int) {
		buf := make([]float64, nc)
		for z := z0; z < z1; z++ {
			if ctx.Err() != nil {
				return
			}
			for y := 0; y < target.Height; y++ {
				for x := 0; x < target.Width; x++ {
					var ok bool
					if direct {
						_, q := field.AtVoxel(x, y, z)
						ok = li.EvaluateInto(q, buf)
					} else {
						p := tm.ToPhysical(float64(x), float64(y), float64(z))
						ok = li.EvaluateInto(tf.TransformPoint(p), buf)
					}
					off := target.Index(x, y, z) * nc
					if !ok {
						for k := 0; k < nc; k++ {
							out.Data[off+k] = r.Background
						}
						continue
					}
					copy(out.Data[off:off+nc], buf)
				}
			}
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Warp resamples src through a displacement field onto the field's grid.
func (r Resampler) Warp(ctx context.Context, src *models.Volume, field *transform.DisplacementField) (*models.Volume, error) {
	return r.Resample(ctx, src, field.Field.Grid, field)
}
