package resample

import (
	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/transform"
)

// LinearInterpolator samples a volume at arbitrary physical points.
type LinearInterpolator struct {
	vol    *models.Volume
	mapper *transform.IndexMapper
}

// NewLinearInterpolator prepares v for sampling.
func NewLinearInterpolator(v *models.Volume) (*LinearInterpolator, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	m, err := transform.NewIndexMapper(v.Grid)
	if err != nil {
		return nil, err
	}
	return &LinearInterpolator{vol: v, mapper: m}, nil
}

// Evaluate returns the first component at p and whether p is inside the
// volume's buffer.
func (li *LinearInterpolator) Evaluate(p r3.Vector) (float64, bool) {
	var out [1]float64
	if li.vol.Components == 1 {
		ok := transform.Trilinear(li.vol, li.mapper.ToIndex(p), out[:])
		return out[0], ok
	}
	buf := make([]float64, li.vol.Components)
	ok := transform.Trilinear(li.vol, li.mapper.ToIndex(p), buf)
	return buf[0], ok
}

// EvaluateVector samples a three-component volume at p.
func (li *LinearInterpolator) EvaluateVector(p r3.Vector) (r3.Vector, bool) {
	var out [3]float64
	if !transform.Trilinear(li.vol, li.mapper.ToIndex(p), out[:]) {
		return r3.Vector{}, false
	}
	return transform.Vec(out), true
}

// EvaluateInto writes all components at p into out.
func (li *LinearInterpolator) EvaluateInto(p r3.Vector, out []float64) bool {
	return transform.Trilinear(li.vol, li.mapper.ToIndex(p), out)
}
