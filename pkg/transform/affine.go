package transform

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// NumAffineParameters is the number of free parameters of a 3D affine
// transform: nine matrix entries followed by three translations.
const NumAffineParameters = 12

// ErrParameterCount is returned when a parameter vector has the wrong length.
var ErrParameterCount = errors.New("wrong number of transform parameters")

// Transform maps a physical point of the fixed space to a physical point of
// the moving space.
type Transform interface {
	TransformPoint(p r3.Vector) r3.Vector
}

// Affine is a centred affine transform q = M(p - c) + c + t. The centre is a
// fixed property, not an optimised parameter.
type Affine struct {
	// Matrix is the row-major linear part
	Matrix [9]float64

	// Translation is applied after the linear part
	Translation r3.Vector

	// Center is the point the linear part rotates and scales about
	Center r3.Vector
}

// NewIdentity returns the identity affine transform centred at c.
func NewIdentity(c r3.Vector) *Affine {
	return &Affine{Matrix: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, Center: c}
}

// Parameters returns the optimisable parameters: matrix entries row by row,
// then the translation.
func (a *Affine) Parameters() []float64 {
	p := make([]float64, NumAffineParameters)
	copy(p, a.Matrix[:])
	p[9], p[10], p[11] = a.Translation.X, a.Translation.Y, a.Translation.Z
	return p
}

// SetParameters replaces the matrix and translation from a parameter vector
// laid out as returned by Parameters.
func (a *Affine) SetParameters(p []float64) error {
	if len(p) != NumAffineParameters {
		return fmt.Errorf("%w: got %d, want %d", ErrParameterCount, len(p), NumAffineParameters)
	}
	copy(a.Matrix[:], p[:9])
	a.Translation = r3.Vector{X: p[9], Y: p[10], Z: p[11]}
	return nil
}

// TransformPoint applies the transform to p.
func (a *Affine) TransformPoint(p r3.Vector) r3.Vector {
	return mul3(&a.Matrix, p.Sub(a.Center)).Add(a.Center).Add(a.Translation)
}

// Offset returns the total translation c + t - Mc, so that q = Mp + offset.
func (a *Affine) Offset() r3.Vector {
	return a.Center.Add(a.Translation).Sub(mul3(&a.Matrix, a.Center))
}

// Inverse returns the transform mapping moving points back to fixed points.
func (a *Affine) Inverse() (*Affine, error) {
	m := mat.NewDense(3, 3, a.Matrix[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("affine matrix not invertible: %w", err)
	}
	out := &Affine{Center: a.Center}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Matrix[3*r+c] = inv.At(r, c)
		}
	}
	// p = M^-1 (q - c - t) + c
	out.Translation = mul3(&out.Matrix, a.Translation).Mul(-1)
	return out, nil
}

// IsIdentity reports whether the transform is the identity within tol.
func (a *Affine) IsIdentity(tol float64) bool {
	for i, v := range a.Matrix {
		want := 0.0
		if i%4 == 0 {
			want = 1
		}
		if math.Abs(v-want) > tol {
			return false
		}
	}
	t := a.Translation
	return math.Abs(t.X) <= tol && math.Abs(t.Y) <= tol && math.Abs(t.Z) <= tol
}

// Clone returns a copy of the transform.
func (a *Affine) Clone() *Affine {
	c := *a
	return &c
}

func (a *Affine) String() string {
	m := a.Matrix
	return fmt.Sprintf("[%.4f %.4f %.4f; %.4f %.4f %.4f; %.4f %.4f %.4f] + (%.4f, %.4f, %.4f)",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8],
		a.Translation.X, a.Translation.Y, a.Translation.Z)
}
