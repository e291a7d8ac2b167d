package transform

import (
	"math"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
)

// InsideBuffer reports whether a continuous index falls inside the sampled
// region of the grid. A voxel covers half a voxel on each side of its centre.
func InsideBuffer(g models.Grid, c r3.Vector) bool {
	return c.X >= -0.5 && c.X < float64(g.Width)-0.5 &&
		c.Y >= -0.5 && c.Y < float64(g.Height)-0.5 &&
		c.Z >= -0.5 && c.Z < float64(g.Depth)-0.5
}

// Trilinear interpolates all components of v at continuous index c into out,
// which must hold v.Components values. Neighbours past the border are
// clamped to the edge voxel. It returns false, leaving out untouched, when c
// lies outside the buffer.
func Trilinear(v *models.Volume, c r3.Vector, out []float64) bool {
	if !InsideBuffer(v.Grid, c) {
		return false
	}

	x0, fx := split(c.X, v.Width)
	y0, fy := split(c.Y, v.Height)
	z0, fz := split(c.Z, v.Depth)
	x1, y1, z1 := clampIndex(x0+1, v.Width), clampIndex(y0+1, v.Height), clampIndex(z0+1, v.Depth)
	x0, y0, z0 = clampIndex(x0, v.Width), clampIndex(y0, v.Height), clampIndex(z0, v.Depth)

	nc := v.Components
	for k := range out[:nc] {
		out[k] = 0
	}
	corners := [8]struct {
		x, y, z int
		w       float64
	}{
		{x0, y0, z0, (1 - fx) * (1 - fy) * (1 - fz)},
		{x1, y0, z0, fx * (1 - fy) * (1 - fz)},
		{x0, y1, z0, (1 - fx) * fy * (1 - fz)},
		{x1, y1, z0, fx * fy * (1 - fz)},
		{x0, y0, z1, (1 - fx) * (1 - fy) * fz},
		{x1, y0, z1, fx * (1 - fy) * fz},
		{x0, y1, z1, (1 - fx) * fy * fz},
		{x1, y1, z1, fx * fy * fz},
	}
	for _, cn := range corners {
		if cn.w == 0 {
			continue
		}
		off := v.Index(cn.x, cn.y, cn.z) * nc
		for k := 0; k < nc; k++ {
			out[k] += cn.w * v.Data[off+k]
		}
	}
	return true
}

// split returns the lower lattice neighbour of coordinate c and the
// fractional distance to it.
func split(c float64, n int) (int, float64) {
	f := math.Floor(c)
	i := int(f)
	if n == 1 {
		return 0, 0
	}
	return i, c - f
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
