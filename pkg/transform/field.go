package transform

import (
	"fmt"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
)

// DisplacementField maps a point p to p + d(p), where d is a three-component
// volume of physical offsets sampled on the fixed grid. Offsets between
// voxels are linearly interpolated; outside the field the offset is zero.
type DisplacementField struct {
	Field  *models.Volume
	mapper *IndexMapper
}

// NewDisplacementField wraps a three-component volume as a transform. The
// volume is not copied.
func NewDisplacementField(field *models.Volume) (*DisplacementField, error) {
	if err := field.Validate(); err != nil {
		return nil, err
	}
	if field.Components != 3 {
		return nil, fmt.Errorf("%w: displacement field has %d components, want 3",
			models.ErrInvalidVolume, field.Components)
	}
	m, err := NewIndexMapper(field.Grid)
	if err != nil {
		return nil, err
	}
	return &DisplacementField{Field: field, mapper: m}, nil
}

// NewZeroField allocates an all-zero displacement field on g.
func NewZeroField(g models.Grid) (*DisplacementField, error) {
	return NewDisplacementField(models.NewVectorVolume(g, 3))
}

// Displacement returns the interpolated offset at physical point p.
func (d *DisplacementField) Displacement(p r3.Vector) r3.Vector {
	var v [3]float64
	if !Trilinear(d.Field, d.mapper.ToIndex(p), v[:]) {
		return r3.Vector{}
	}
	return Vec(v)
}

// TransformPoint applies the field to p.
func (d *DisplacementField) TransformPoint(p r3.Vector) r3.Vector {
	return p.Add(d.Displacement(p))
}

// AtVoxel returns p + d at lattice point (x, y, z) of the field grid without
// interpolation, along with the physical position of the voxel.
func (d *DisplacementField) AtVoxel(x, y, z int) (p, q r3.Vector) {
	p = d.mapper.ToPhysical(float64(x), float64(y), float64(z))
	return p, p.Add(Vec(d.Field.Vector(x, y, z)))
}

// MaxMagnitude returns the largest displacement length over the field.
func (d *DisplacementField) MaxMagnitude() float64 {
	var max float64
	data := d.Field.Data
	for i := 0; i+2 < len(data); i += 3 {
		n := r3.Vector{X: data[i], Y: data[i+1], Z: data[i+2]}.Norm()
		if n > max {
			max = n
		}
	}
	return max
}

// Clone returns a field transform over a deep copy of the offsets.
func (d *DisplacementField) Clone() *DisplacementField {
	return &DisplacementField{Field: d.Field.Clone(), mapper: d.mapper}
}
