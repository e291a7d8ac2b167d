package resample

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/golang/geo/r3"

	"mriatlas/internal/models"
	"mriatlas/pkg/transform"
)

// createRamp builds a volume whose intensity is a linear function of the voxel index
func createRamp(w, h, d int) *models.Volume {
	v := models.NewVolume(models.NewGrid(w, h, d))
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v.Set(x, y, z, float64(x)+2*float64(y)+3*float64(z))
			}
		}
	}
	return v
}

func TestForEachSlab(t *testing.T) {
	for _, workers := range []int{0, 1, 3, 64} {
		var covered int64
		seen := make([]int32, 10)
		ForEachSlab(10, workers, func(_, z0, z1 int) {
			for z := z0; z < z1; z++ {
				atomic.AddInt32(&seen[z], 1)
				atomic.AddInt64(&covered, 1)
			}
		})
		if covered != 10 {
			t.Errorf("workers=%d: covered %d slices, want 10", workers, covered)
		}
		for z, n := range seen {
			if n != 1 {
				t.Errorf("workers=%d: slice %d visited %d times", workers, z, n)
			}
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	src := createRamp(5, 4, 3)
	r := Resampler{Workers: 2}
	out, err := r.Resample(context.Background(), src, src.Grid, transform.NewIdentity(r3.Vector{}))
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	for i := range src.Data {
		if math.Abs(out.Data[i]-src.Data[i]) > 1e-12 {
			t.Fatalf("voxel %d: got %f, want %f", i, out.Data[i], src.Data[i])
		}
	}
}

func TestResampleTranslationAndBackground(t *testing.T) {
	src := createRamp(6, 6, 6)
	tf := transform.NewIdentity(r3.Vector{})
	tf.Translation = r3.Vector{X: 1}

	r := Resampler{Background: -1}
	out, err := r.Resample(context.Background(), src, src.Grid, tf)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	// sampling at x+1 shifts the ramp by one
	if got := out.At(2, 1, 1); math.Abs(got-src.At(3, 1, 1)) > 1e-12 {
		t.Errorf("out(2,1,1) = %f, want %f", got, src.At(3, 1, 1))
	}
	// x = 5 maps to 6, past the half-voxel border
	if got := out.At(5, 0, 0); got != -1 {
		t.Errorf("outside voxel = %f, want background -1", got)
	}
}

func TestWarpZeroField(t *testing.T) {
	src := createRamp(4, 4, 4)
	field, err := transform.NewZeroField(src.Grid)
	if err != nil {
		t.Fatalf("NewZeroField failed: %v", err)
	}
	out, err := Resampler{}.Warp(context.Background(), src, field)
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}
	for i := range src.Data {
		if out.Data[i] != src.Data[i] {
			t.Fatalf("voxel %d changed: %f -> %f", i, src.Data[i], out.Data[i])
		}
	}
}

func TestResampleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := createRamp(4, 4, 4)
	if _, err := (Resampler{}).Resample(ctx, src, src.Grid, transform.NewIdentity(r3.Vector{})); err == nil {
		t.Error("Expected an error from a cancelled context")
	}
}

func TestGradient(t *testing.T) {
	src := createRamp(5, 5, 5)
	src.Spacing = [3]float64{2, 1, 1}
	g, err := Gradient(src, 0)
	if err != nil {
		t.Fatalf("Gradient failed: %v", err)
	}
	got := g.Vector(2, 2, 2)
	want := [3]float64{0.5, 2, 3}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("gradient[%d] = %f, want %f", i, got[i], want[i])
		}
	}
	if b := g.Vector(0, 2, 2); b[0] != 0 {
		t.Errorf("border x-derivative = %f, want 0", b[0])
	}
}
