package resample

import (
	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/transform"
)

// Gradient returns the three-component image of physical-space intensity
// gradients of the first component of v, estimated with central differences.
// Along an axis where a neighbour is missing the partial derivative is zero.
func Gradient(v *models.Volume, workers int) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	m, err := transform.NewIndexMapper(v.Grid)
	if err != nil {
		return nil, err
	}

	out := models.NewVectorVolume(v.Grid, 3)
	ForEachSlab(v.Depth, workers, func(_, z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < v.Height; y++ {
				for x := 0; x < v.Width; x++ {
					g := IndexGradientAt(v, x, y, z)
					out.SetVector(x, y, z, toArray(m.GradientToPhysical(transform.Vec(g))))
				}
			}
		}
	})
	return out, nil
}

// IndexGradientAt returns the central-difference derivative of v at voxel
// (x, y, z) with respect to voxel index.
func IndexGradientAt(v *models.Volume, x, y, z int) [3]float64 {
	var g [3]float64
	if x > 0 && x < v.Width-1 {
		g[0] = (v.At(x+1, y, z) - v.At(x-1, y, z)) / 2
	}
	if y > 0 && y < v.Height-1 {
		g[1] = (v.At(x, y+1, z) - v.At(x, y-1, z)) / 2
	}
	if z > 0 && z < v.Depth-1 {
		g[2] = (v.At(x, y, z+1) - v.At(x, y, z-1)) / 2
	}
	return g
}

func toArray(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
