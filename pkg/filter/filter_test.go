package filter

import (
	"context"
	"math"
	"testing"

	"mriatlas/internal/models"
)

func TestKernel(t *testing.T) {
	tests := []struct {
		sigma  float64
		length int
	}{
		{0, 1},
		{1, 7},
		{2.5, 17},
		{20, 2*maxKernelRadius + 1},
	}
	for _, tt := range tests {
		k := Kernel(tt.sigma)
		if len(k) != tt.length {
			t.Errorf("sigma %g: kernel length %d, want %d", tt.sigma, len(k), tt.length)
		}
		var sum float64
		for _, w := range k {
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("sigma %g: kernel sums to %f", tt.sigma, sum)
		}
		if r := len(k) / 2; r > 0 && k[r] <= k[r-1] {
			t.Errorf("sigma %g: centre tap is not the peak", tt.sigma)
		}
	}
}

func TestSmoothConstantIsUnchanged(t *testing.T) {
	v := models.NewVectorVolume(models.NewGrid(6, 5, 4), 3)
	for i := range v.Data {
		v.Data[i] = float64(i%3) + 1
	}
	out, err := SmoothIsotropic(v, 1.5, 2)
	if err != nil {
		t.Fatalf("Smooth failed: %v", err)
	}
	for i := range out.Data {
		if math.Abs(out.Data[i]-v.Data[i]) > 1e-12 {
			t.Fatalf("sample %d: %f, want %f", i, out.Data[i], v.Data[i])
		}
	}
}

func TestSmoothSpreadsImpulse(t *testing.T) {
	v := models.NewVolume(models.NewGrid(9, 9, 9))
	v.Set(4, 4, 4, 1)
	out, err := SmoothIsotropic(v, 1, 0)
	if err != nil {
		t.Fatalf("Smooth failed: %v", err)
	}
	var total float64
	for _, s := range out.Data {
		total += s
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("mass not preserved: %f", total)
	}
	if out.At(4, 4, 4) >= 1 || out.At(5, 4, 4) <= 0 {
		t.Errorf("impulse not spread: centre %f, neighbour %f", out.At(4, 4, 4), out.At(5, 4, 4))
	}
	if v.At(5, 4, 4) != 0 {
		t.Error("Smooth modified its input")
	}
}

func TestSchedule(t *testing.T) {
	levels := Schedule(3)
	want := []Level{{0, 4, 2}, {1, 2, 1}, {2, 1, 0}}
	if len(levels) != len(want) {
		t.Fatalf("Expected %d levels, got %d", len(want), len(levels))
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("level %d = %+v, want %+v", i, levels[i], want[i])
		}
	}
}

func TestStepScaleHalvesPerLevel(t *testing.T) {
	s := 0.0125
	for k := 0; k < 3; k++ {
		if got, want := s*StepScale(k), s/math.Pow(2, float64(k)); got != want {
			t.Errorf("level %d: step %g, want %g", k, got, want)
		}
	}
}

func TestShrinkGrid(t *testing.T) {
	g := models.NewGrid(9, 8, 1)
	g.Spacing = [3]float64{1, 2, 1}
	s := ShrinkGrid(g, 2)

	if s.Width != 4 || s.Height != 4 || s.Depth != 1 {
		t.Errorf("shrunk extent %dx%dx%d", s.Width, s.Height, s.Depth)
	}
	if s.Spacing != [3]float64{2, 4, 2} {
		t.Errorf("shrunk spacing %v", s.Spacing)
	}
	if s.Origin != [3]float64{0.5, 1, 0.5} {
		t.Errorf("shrunk origin %v", s.Origin)
	}
	if ShrinkGrid(g, 1) != g {
		t.Error("factor 1 changed the grid")
	}
}

func TestPyramid(t *testing.T) {
	v := models.NewVolume(models.NewGrid(8, 8, 8))
	for i := range v.Data {
		v.Data[i] = 7
	}
	vols, err := Pyramid(context.Background(), v, Schedule(3), 0)
	if err != nil {
		t.Fatalf("Pyramid failed: %v", err)
	}
	sizes := []int{2, 4, 8}
	for i, pv := range vols {
		if pv.Width != sizes[i] {
			t.Errorf("level %d width %d, want %d", i, pv.Width, sizes[i])
		}
		for _, s := range pv.Data {
			if math.Abs(s-7) > 1e-9 {
				t.Fatalf("level %d: constant image changed to %f", i, s)
			}
		}
	}
	if vols[2] != v {
		t.Error("full-resolution level should reuse the input")
	}
}
