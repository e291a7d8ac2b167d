// Package filter provides the image filters shared by the registration
// stages: separable Gaussian smoothing and the multi-resolution pyramid.
package filter

import (
	"math"

	"mriatlas/internal/models"
	"mriatlas/pkg/resample"
)

// maxKernelRadius caps the half-width of a Gaussian kernel in voxels.
const maxKernelRadius = 14

// Kernel returns a normalised, sampled Gaussian of standard deviation sigma
// (in voxels). The returned slice has odd length with the centre tap in the
// middle. A non-positive sigma yields the unit kernel.
func Kernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigma))
	if radius > maxKernelRadius {
		radius = maxKernelRadius
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// Smooth convolves every component of v with a separable Gaussian whose
// standard deviation along each axis is given in voxels. Samples beyond the
// border repeat the edge voxel. The input is not modified.
func Smooth(v *models.Volume, sigma [3]float64, workers int) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := v.Clone()
	scratch := make([]float64, len(v.Data))
	for axis := 0; axis < 3; axis++ {
		k := Kernel(sigma[axis])
		if len(k) == 1 {
			continue
		}
		convolveAxis(out, scratch, axis, k, workers)
		out.Data, scratch = scratch, out.Data
	}
	return out, nil
}

// SmoothIsotropic is Smooth with the same sigma on all axes.
func SmoothIsotropic(v *models.Volume, sigma float64, workers int) (*models.Volume, error) {
	return Smooth(v, [3]float64{sigma, sigma, sigma}, workers)
}

// convolveAxis writes the convolution of src along one axis into dst.
func convolveAxis(src *models.Volume, dst []float64, axis int, k []float64, workers int) {
	radius := len(k) / 2
	size := src.Size()
	n := size[axis]
	nc := src.Components
	stride := [3]int{1, src.Width, src.Width * src.Height}[axis] * nc

	resample.ForEachSlab(src.Depth, workers, func(_, z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < src.Height; y++ {
				for x := 0; x < src.Width; x++ {
					pos := [3]int{x, y, z}[axis]
					base := src.Index(x, y, z)*nc - pos*stride
					for c := 0; c < nc; c++ {
						var acc float64
						for t := -radius; t <= radius; t++ {
							j := pos + t
							if j < 0 {
								j = 0
							} else if j >= n {
								j = n - 1
							}
							acc += k[t+radius] * src.Data[base+j*stride+c]
						}
						dst[src.Index(x, y, z)*nc+c] = acc
					}
				}
			}
		}
	})
}
