package histogram

import (
	"math"
	"testing"

	"mriatlas/internal/models"
)

// createRamp builds a volume with intensities 0..n^3-1 in scan order
func createRamp(n int, scale, offset float64) *models.Volume {
	v := models.NewVolume(models.NewGrid(n, n, n))
	for i := range v.Data {
		v.Data[i] = scale*float64(i) + offset
	}
	return v
}

func TestMatchIdentical(t *testing.T) {
	for _, threshold := range []bool{true, false} {
		src := createRamp(6, 1, 0)
		opts := DefaultOptions()
		opts.ThresholdAtMean = threshold

		out, err := Match(src, src.Clone(), opts)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		for i := range src.Data {
			if math.Abs(out.Data[i]-src.Data[i]) > 1e-6 {
				t.Fatalf("threshold=%v: sample %d mapped %f -> %f", threshold, i, src.Data[i], out.Data[i])
			}
		}
	}
}

func TestMatchLinearRelation(t *testing.T) {
	src := createRamp(6, 1, 0)
	ref := createRamp(6, 2, 10)

	out, err := Match(src, ref, DefaultOptions())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	for i, v := range src.Data {
		if want := 2*v + 10; math.Abs(out.Data[i]-want) > 1e-6 {
			t.Fatalf("sample %d: %f mapped to %f, want %f", i, v, out.Data[i], want)
		}
	}
	if src.Data[5] != 5 {
		t.Error("Match modified its source")
	}
}

func TestMappingMonotonic(t *testing.T) {
	src := createRamp(5, 1, 0)
	ref := models.NewVolume(src.Grid)
	for i := range ref.Data {
		x := float64(i) / float64(len(ref.Data))
		ref.Data[i] = 1000 * x * x
	}
	m, err := NewMapping(src, ref, DefaultOptions())
	if err != nil {
		t.Fatalf("NewMapping failed: %v", err)
	}
	prev := math.Inf(-1)
	for v := 0.0; v < float64(len(src.Data)); v += 0.5 {
		got := m.Map(v)
		if got < prev-1e-9 {
			t.Fatalf("Map not monotonic at %f: %f < %f", v, got, prev)
		}
		prev = got
	}
}

func TestConstantSourceUnchanged(t *testing.T) {
	src := models.NewVolume(models.NewGrid(4, 4, 4))
	for i := range src.Data {
		src.Data[i] = 42
	}
	out, err := Match(src, createRamp(4, 1, 0), DefaultOptions())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	for i, v := range out.Data {
		if v != 42 {
			t.Fatalf("sample %d = %f, want 42", i, v)
		}
	}
}

func TestQuantile(t *testing.T) {
	counts := []float64{1, 1, 1, 1}
	tests := []struct {
		p, want float64
	}{
		{0.25, 1},
		{0.5, 2},
		{0.6, 2.4},
		{1, 4},
	}
	for _, tt := range tests {
		if got := quantile(counts, 0, 1, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("quantile(%g) = %g, want %g", tt.p, got, tt.want)
		}
	}
}

func TestInvalidOptions(t *testing.T) {
	v := createRamp(2, 1, 0)
	if _, err := Match(v, v, Options{Levels: 0, MatchPoints: 7}); err == nil {
		t.Error("Expected an error for zero histogram levels")
	}
}
