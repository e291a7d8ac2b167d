package affine

import (
	"context"
	"errors"
	"math"
	"testing"

	"mriatlas/internal/models"
	"mriatlas/pkg/metric"
	"mriatlas/pkg/optimizer"
	"mriatlas/pkg/transform"
)

// createBlob builds an n^3 volume holding a Gaussian blob centred at c (voxels)
func createBlob(n int, c [3]float64) *models.Volume {
	v := models.NewVolume(models.NewGrid(n, n, n))
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx, dy, dz := float64(x)-c[0], float64(y)-c[1], float64(z)-c[2]
				v.Set(x, y, z, 100*math.Exp(-(dx*dx+dy*dy+dz*dz)/8))
			}
		}
	}
	return v
}

func TestIdentityConvergence(t *testing.T) {
	fixed := createBlob(16, [3]float64{7.5, 7.5, 7.5})
	res, err := Register(context.Background(), fixed, fixed.Clone(), DefaultOptions())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !res.Converged || res.Err() != nil {
		t.Errorf("expected convergence, stop = %v", res.Stop)
	}
	if !res.Transform.IsIdentity(1e-9) {
		t.Errorf("transform is not identity: %v", res.Transform)
	}
	if res.Value > 1e-12 {
		t.Errorf("final metric = %g, want 0", res.Value)
	}
	if len(res.Levels) != 3 {
		t.Errorf("ran %d levels, want 3", len(res.Levels))
	}
}

func TestStepLengthHalvesPerLevel(t *testing.T) {
	fixed := createBlob(16, [3]float64{7.5, 7.5, 7.5})
	moving := createBlob(16, [3]float64{8, 7.5, 7.5})

	opts := DefaultOptions()
	opts.Optimizer.MaxIterations = 5
	var starts []LevelStart
	opts.LevelObserver = func(l LevelStart) { starts = append(starts, l) }

	res, err := Register(context.Background(), fixed, moving, opts)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s := opts.Optimizer.MaxStepLength
	for k, lr := range res.Levels {
		want := s / math.Pow(2, float64(k))
		if lr.MaxStepLength != want {
			t.Errorf("level %d max step %g, want %g", k, lr.MaxStepLength, want)
		}
		if starts[k].MaxStepLength != want || starts[k].Level.Index != k {
			t.Errorf("level %d start event %+v", k, starts[k])
		}
	}
	if starts[0].Grid.Width != 4 || starts[2].Grid.Width != 16 {
		t.Errorf("level grids %d and %d, want 4 and 16", starts[0].Grid.Width, starts[2].Grid.Width)
	}
}

func TestRegistrationReducesMetric(t *testing.T) {
	fixed := createBlob(16, [3]float64{7.5, 7.5, 7.5})
	moving := createBlob(16, [3]float64{8.5, 7.5, 7.5})

	ms, err := metric.NewMeanSquares(fixed, moving, 0)
	if err != nil {
		t.Fatalf("NewMeanSquares failed: %v", err)
	}
	before, err := ms.Value(transform.NewIdentity(transform.Vec(fixed.Center())))
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	opts := DefaultOptions()
	opts.Levels = 1
	opts.Optimizer.MaxStepLength = 0.1
	opts.Optimizer.MaxIterations = 60
	events := 0
	opts.Observer = func(e Event) { events++ }

	res, err := Register(context.Background(), fixed, moving, opts)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	after, err := ms.Value(res.Transform)
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if after >= before {
		t.Errorf("metric went from %g to %g", before, after)
	}
	if res.Transform.Translation.X <= 0 {
		t.Errorf("translation %v should move toward +x", res.Transform.Translation)
	}
	if events != res.Levels[0].Iterations {
		t.Errorf("%d events for %d iterations", events, res.Levels[0].Iterations)
	}
}

func TestIncompatibleGeometry(t *testing.T) {
	fixed := createBlob(8, [3]float64{4, 4, 4})
	field := models.NewVectorVolume(fixed.Grid, 3)
	if _, err := Register(context.Background(), fixed, field, DefaultOptions()); !errors.Is(err, ErrIncompatibleGeometry) {
		t.Errorf("Expected ErrIncompatibleGeometry, got %v", err)
	}

	broken := fixed.Clone()
	broken.Data = broken.Data[:10]
	if _, err := Register(context.Background(), broken, fixed, DefaultOptions()); !errors.Is(err, ErrIncompatibleGeometry) {
		t.Errorf("Expected ErrIncompatibleGeometry, got %v", err)
	}
}

func TestCancelledRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fixed := createBlob(8, [3]float64{4, 4, 4})
	_, err := Register(ctx, fixed, fixed, DefaultOptions())
	if err == nil {
		t.Fatal("Expected an error from a cancelled registration")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}

func TestDidNotConverge(t *testing.T) {
	r := &Result{Stop: optimizer.MaxIterationsReached}
	if !errors.Is(r.Err(), ErrDidNotConverge) {
		t.Errorf("Expected ErrDidNotConverge, got %v", r.Err())
	}
}
