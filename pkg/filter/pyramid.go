package filter

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/resample"
	"mriatlas/pkg/transform"
)

// Level describes one resolution of a multi-resolution pyramid.
type Level struct {
	// Index is 0 at the coarsest resolution and increases toward full resolution
	Index int

	// ShrinkFactor is the integer downsampling factor along every axis
	ShrinkFactor int

	// Sigma is the smoothing standard deviation in voxels applied before shrinking
	Sigma float64
}

// Schedule returns the default pyramid of n levels: shrink factors
// 2^(n-1), ..., 2, 1 with smoothing sigma of half the factor. The full
// resolution level is left unsmoothed.
func Schedule(n int) []Level {
	if n < 1 {
		n = 1
	}
	levels := make([]Level, n)
	for k := range levels {
		f := 1 << uint(n-1-k)
		levels[k] = Level{Index: k, ShrinkFactor: f}
		if f > 1 {
			levels[k].Sigma = 0.5 * float64(f)
		}
	}
	return levels
}

// ShrinkGrid returns the grid sampled every f voxels of g. The new voxels are
// centred on the blocks they summarise, so the physical extent is preserved.
func ShrinkGrid(g models.Grid, f int) models.Grid {
	if f <= 1 {
		return g
	}
	out := g
	size := g.Size()
	var shift [3]float64
	for i := 0; i < 3; i++ {
		n := size[i] / f
		if n < 1 {
			n = 1
		}
		size[i] = n
		out.Spacing[i] = g.Spacing[i] * float64(f)
		shift[i] = float64(f-1) / 2
	}
	out.Width, out.Height, out.Depth = size[0], size[1], size[2]
	out.Origin = g.IndexToPhysical(shift[0], shift[1], shift[2])
	return out
}

// Pyramid smooths and shrinks v once per level. The returned slice is
// ordered like levels.
func Pyramid(ctx context.Context, v *models.Volume, levels []Level, workers int) ([]*models.Volume, error) {
	out := make([]*models.Volume, len(levels))
	r := resample.Resampler{Workers: workers}
	identity := transform.NewIdentity(r3.Vector{})
	for i, lv := range levels {
		if lv.ShrinkFactor <= 1 && lv.Sigma <= 0 {
			out[i] = v
			continue
		}
		smoothed, err := SmoothIsotropic(v, lv.Sigma, workers)
		if err != nil {
			return nil, fmt.Errorf("pyramid level %d: %w", lv.Index, err)
		}
		if lv.ShrinkFactor <= 1 {
			out[i] = smoothed
			continue
		}
		shrunk, err := r.Resample(ctx, smoothed, ShrinkGrid(v.Grid, lv.ShrinkFactor), identity)
		if err != nil {
			return nil, fmt.Errorf("pyramid level %d: %w", lv.Index, err)
		}
		out[i] = shrunk
	}
	return out, nil
}

// StepScale returns the factor applied to the maximum step length on entry
// to level k: 1 / 2^k.
func StepScale(k int) float64 {
	return math.Ldexp(1, -k)
}
