package models

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidVolume is returned when a volume's geometry or buffer is inconsistent.
	ErrInvalidVolume = errors.New("invalid volume")

	// ErrInvalidRange is returned when a subject range falls outside the cohort.
	ErrInvalidRange = errors.New("invalid subject range")
)

// geometryTolerance is the relative tolerance used when comparing grid geometry.
const geometryTolerance = 1e-6

// Grid describes the sampling lattice of a volume in physical space
type Grid struct {
	// Width, Height, Depth are the dimensions of the grid in voxels
	Width, Height, Depth int

	// Spacing is the physical size of each voxel in mm along the x, y and z axes
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0)
	Origin [3]float64

	// Direction is the row-major 3x3 orientation matrix. Column j is the
	// physical direction of increasing index along axis j.
	Direction [9]float64
}

// IdentityDirection is the axis-aligned orientation matrix.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewGrid returns a grid of the given extent with unit spacing, zero origin
// and identity orientation.
func NewGrid(width, height, depth int) Grid {
	return Grid{
		Width:     width,
		Height:    height,
		Depth:     depth,
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
	}
}

// Size returns the grid extent as an array indexed by axis.
func (g Grid) Size() [3]int {
	return [3]int{g.Width, g.Height, g.Depth}
}

// NumVoxels returns the number of lattice points of the grid.
func (g Grid) NumVoxels() int {
	return g.Width * g.Height * g.Depth
}

// Index returns the linear voxel offset of (x, y, z); x varies fastest.
func (g Grid) Index(x, y, z int) int {
	return (z*g.Height+y)*g.Width + x
}

// Contains reports whether (x, y, z) is a voxel of the grid.
func (g Grid) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Width && y < g.Height && z < g.Depth
}

// IndexToPhysical maps a continuous index to its physical point:
// origin + Direction * (spacing ⊙ index).
func (g Grid) IndexToPhysical(i, j, k float64) [3]float64 {
	s := [3]float64{i * g.Spacing[0], j * g.Spacing[1], k * g.Spacing[2]}
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = g.Origin[r] + g.Direction[3*r]*s[0] + g.Direction[3*r+1]*s[1] + g.Direction[3*r+2]*s[2]
	}
	return p
}

// Center returns the physical point at the geometric centre of the grid.
func (g Grid) Center() [3]float64 {
	return g.IndexToPhysical(float64(g.Width-1)/2, float64(g.Height-1)/2, float64(g.Depth-1)/2)
}

// Validate checks that the grid has a positive extent and strictly positive spacing.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.Depth <= 0 {
		return fmt.Errorf("%w: extent %dx%dx%d", ErrInvalidVolume, g.Width, g.Height, g.Depth)
	}
	for i, s := range g.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: spacing[%d] = %g", ErrInvalidVolume, i, s)
		}
	}
	return nil
}

// Equal reports whether two grids share extent, spacing, origin and direction
// within a small relative tolerance.
func (g Grid) Equal(o Grid) bool {
	if g.Width != o.Width || g.Height != o.Height || g.Depth != o.Depth {
		return false
	}
	for i := 0; i < 3; i++ {
		if !closeEnough(g.Spacing[i], o.Spacing[i]) || !closeEnough(g.Origin[i], o.Origin[i]) {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if !closeEnough(g.Direction[i], o.Direction[i]) {
			return false
		}
	}
	return true
}

// String summarises the grid for log messages.
func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d @ %.3gx%.3gx%.3g mm", g.Width, g.Height, g.Depth,
		g.Spacing[0], g.Spacing[1], g.Spacing[2])
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= geometryTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Volume is a dense 3D grid of floating-point samples. Scalar intensity
// volumes have one component per voxel; displacement fields have three.
type Volume struct {
	Grid

	// Components is the number of samples stored per voxel
	Components int

	// Data holds the samples in x-fastest order with components interleaved
	Data []float64
}

// NewVolume allocates a zero-filled scalar volume on the grid.
func NewVolume(g Grid) *Volume {
	return NewVectorVolume(g, 1)
}

// NewVectorVolume allocates a zero-filled volume with the given number of
// components per voxel.
func NewVectorVolume(g Grid, components int) *Volume {
	return &Volume{
		Grid:       g,
		Components: components,
		Data:       make([]float64, g.NumVoxels()*components),
	}
}

// At returns the first component of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)*v.Components]
}

// Set stores the first component of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)*v.Components] = value
}

// Vector returns the three components of voxel (x, y, z) of a vector volume.
func (v *Volume) Vector(x, y, z int) [3]float64 {
	off := v.Index(x, y, z) * v.Components
	return [3]float64{v.Data[off], v.Data[off+1], v.Data[off+2]}
}

// SetVector stores the three components of voxel (x, y, z) of a vector volume.
func (v *Volume) SetVector(x, y, z int, vec [3]float64) {
	off := v.Index(x, y, z) * v.Components
	copy(v.Data[off:off+3], vec[:])
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Components: v.Components, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Validate checks the grid and that the buffer length matches the grid
// extent times the number of components.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrInvalidVolume)
	}
	if err := v.Grid.Validate(); err != nil {
		return err
	}
	if v.Components <= 0 {
		return fmt.Errorf("%w: %d components", ErrInvalidVolume, v.Components)
	}
	if want := v.NumVoxels() * v.Components; len(v.Data) != want {
		return fmt.Errorf("%w: buffer holds %d samples, grid needs %d", ErrInvalidVolume, len(v.Data), want)
	}
	return nil
}

// SizeInBytes returns the in-memory size of the sample buffer.
func (v *Volume) SizeInBytes() uint64 {
	return uint64(len(v.Data)) * 8
}
