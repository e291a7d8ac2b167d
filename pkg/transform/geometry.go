package transform

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"mriatlas/internal/models"
)

// ErrSingularGeometry is returned when a grid's direction and spacing do not
// form an invertible index-to-physical matrix.
var ErrSingularGeometry = errors.New("singular grid geometry")

// IndexMapper converts between continuous voxel indices of a grid and
// physical points.
type IndexMapper struct {
	origin     r3.Vector
	toPhysical [9]float64
	toIndex    [9]float64
}

// NewIndexMapper precomputes the index-to-physical matrix Direction*diag(Spacing)
// of the grid and its inverse.
func NewIndexMapper(g models.Grid) (*IndexMapper, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[3*r+c]*g.Spacing[c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularGeometry, err)
	}

	im := &IndexMapper{
		origin: r3.Vector{X: g.Origin[0], Y: g.Origin[1], Z: g.Origin[2]},
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			im.toPhysical[3*r+c] = m.At(r, c)
			im.toIndex[3*r+c] = inv.At(r, c)
		}
	}
	return im, nil
}

// ToPhysical maps a continuous index to a physical point.
func (m *IndexMapper) ToPhysical(i, j, k float64) r3.Vector {
	return m.origin.Add(mul3(&m.toPhysical, r3.Vector{X: i, Y: j, Z: k}))
}

// ToIndex maps a physical point to a continuous index.
func (m *IndexMapper) ToIndex(p r3.Vector) r3.Vector {
	return mul3(&m.toIndex, p.Sub(m.origin))
}

// GradientToPhysical converts a gradient taken with respect to voxel indices
// into a gradient with respect to physical coordinates.
func (m *IndexMapper) GradientToPhysical(g r3.Vector) r3.Vector {
	t := &m.toIndex
	return r3.Vector{
		X: t[0]*g.X + t[3]*g.Y + t[6]*g.Z,
		Y: t[1]*g.X + t[4]*g.Y + t[7]*g.Z,
		Z: t[2]*g.X + t[5]*g.Y + t[8]*g.Z,
	}
}

func mul3(m *[9]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Vec converts a coordinate array to an r3.Vector.
func Vec(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}
