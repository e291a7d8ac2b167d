package metric

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/transform"
)

// createRampX builds a volume whose intensity equals the x index
func createRampX(n int) *models.Volume {
	v := models.NewVolume(models.NewGrid(n, n, n))
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				v.Set(x, y, z, float64(x))
			}
		}
	}
	return v
}

func TestIdenticalImages(t *testing.T) {
	v := createRampX(6)
	m, err := NewMeanSquares(v, v.Clone(), 2)
	if err != nil {
		t.Fatalf("NewMeanSquares failed: %v", err)
	}
	value, deriv, err := m.ValueAndDerivative(transform.NewIdentity(transform.Vec(v.Center())))
	if err != nil {
		t.Fatalf("ValueAndDerivative failed: %v", err)
	}
	if value != 0 {
		t.Errorf("value = %g, want 0", value)
	}
	for i, d := range deriv {
		if d != 0 {
			t.Errorf("derivative[%d] = %g, want 0", i, d)
		}
	}
}

func TestTranslationDerivative(t *testing.T) {
	v := createRampX(10)
	m, err := NewMeanSquares(v, v, 0)
	if err != nil {
		t.Fatalf("NewMeanSquares failed: %v", err)
	}
	tf := transform.NewIdentity(transform.Vec(v.Center()))
	tf.Translation = r3.Vector{X: 0.3}

	value, deriv, err := m.ValueAndDerivative(tf)
	if err != nil {
		t.Fatalf("ValueAndDerivative failed: %v", err)
	}
	if value <= 0.05 || value > 0.09+1e-9 {
		t.Errorf("value = %g, want about 0.09", value)
	}
	if deriv[9] <= 0 {
		t.Errorf("d/dtx = %g, want positive", deriv[9])
	}
	if math.Abs(deriv[10]) > 1e-12 || math.Abs(deriv[11]) > 1e-12 {
		t.Errorf("off-axis translation derivatives = %g, %g", deriv[10], deriv[11])
	}

	plain, err := m.Value(tf)
	if err != nil || plain != value {
		t.Errorf("Value = %g, %v; want %g", plain, err, value)
	}
}

func TestNoOverlap(t *testing.T) {
	v := createRampX(4)
	m, err := NewMeanSquares(v, v, 1)
	if err != nil {
		t.Fatalf("NewMeanSquares failed: %v", err)
	}
	tf := transform.NewIdentity(r3.Vector{})
	tf.Translation = r3.Vector{X: 100}
	if _, _, err := m.ValueAndDerivative(tf); !errors.Is(err, ErrMetricUndefined) {
		t.Errorf("Expected ErrMetricUndefined, got %v", err)
	}
}
