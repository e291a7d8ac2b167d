package volio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"mriatlas/internal/models"
)

// createTestVolume builds a small volume with a rotated, anisotropic grid
func createTestVolume(components int) *models.Volume {
	g := models.NewGrid(4, 3, 2)
	g.Spacing = [3]float64{0.5, 1.25, 2}
	g.Origin = [3]float64{-12.5, 30, 4}
	g.Direction = [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	v := models.NewVectorVolume(g, components)
	for i := range v.Data {
		v.Data[i] = float64(i)*0.25 - 3
	}
	return v
}

func sameVolume(t *testing.T, got, want *models.Volume) {
	t.Helper()
	if !got.Grid.Equal(want.Grid) {
		t.Fatalf("grid %+v, want %+v", got.Grid, want.Grid)
	}
	if got.Components != want.Components {
		t.Fatalf("%d components, want %d", got.Components, want.Components)
	}
	for i := range want.Data {
		if math.Abs(got.Data[i]-want.Data[i]) > 1e-6 {
			t.Fatalf("sample %d = %f, want %f", i, got.Data[i], want.Data[i])
		}
	}
}

func TestNiftiRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"scalar.nii", "scalar.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			v := createTestVolume(1)
			path := filepath.Join(dir, name)
			if err := WriteVolume(path, v); err != nil {
				t.Fatalf("WriteVolume failed: %v", err)
			}
			got, err := ReadVolume(path)
			if err != nil {
				t.Fatalf("ReadVolume failed: %v", err)
			}
			sameVolume(t, got, v)
		})
	}

	t.Run("vector", func(t *testing.T) {
		v := createTestVolume(3)
		path := filepath.Join(dir, "field.nii.gz")
		if err := WriteVolume(path, v); err != nil {
			t.Fatalf("WriteVolume failed: %v", err)
		}
		got, err := ReadVolume(path)
		if err != nil {
			t.Fatalf("ReadVolume failed: %v", err)
		}
		sameVolume(t, got, v)
	})
}

func TestQformOnly(t *testing.T) {
	g := createTestVolume(1).Grid
	h := headerFromGrid(g, 1)
	h.SformCode = 0
	got, _, err := gridFromHeader(&h)
	if err != nil {
		t.Fatalf("gridFromHeader failed: %v", err)
	}
	if !got.Equal(g) {
		t.Errorf("qform grid %+v, want %+v", got, g)
	}

	// a reflected orientation needs qfac = -1
	g.Direction = [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}
	h = headerFromGrid(g, 1)
	h.SformCode = 0
	if got, _, _ = gridFromHeader(&h); !got.Equal(g) {
		t.Errorf("reflected qform grid %+v, want %+v", got.Direction, g.Direction)
	}
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadVolume(filepath.Join(dir, "missing.nii.gz")); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound, got %v", err)
	}

	junk := filepath.Join(dir, "junk.nii")
	if err := os.WriteFile(junk, []byte("not a nifti file"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadVolume(junk); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFieldRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDirStore(dir, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	v := createTestVolume(3)
	if err := store.SaveField(FieldName(3), v); err != nil {
		t.Fatalf("SaveField failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "field03.yaml")); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}
	got, err := store.LoadField(FieldName(3))
	if err != nil {
		t.Fatalf("LoadField failed: %v", err)
	}
	sameVolume(t, got, v)
}

func TestDirStore(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	store, err := NewDirStore(dir, out)
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}

	input := createTestVolume(1)
	if err := WriteVolume(filepath.Join(dir, "in.nii.gz"), input); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("in.nii.gz"); err != nil {
		t.Errorf("Load from input directory failed: %v", err)
	}

	if err := store.Save("result.nii.gz", input); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "result.nii.gz")); err != nil {
		t.Errorf("Save did not write to the output directory: %v", err)
	}
	if _, err := store.Load("result.nii.gz"); err != nil {
		t.Errorf("Load of saved output failed: %v", err)
	}
	if _, err := store.Load("nothing.nii.gz"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound, got %v", err)
	}
}

func TestNaming(t *testing.T) {
	n := DefaultNaming()
	if got := n.SubjectFileName(5); got != "KKI2009-05-MPRAGE.nii.gz" {
		t.Errorf("SubjectFileName(5) = %q", got)
	}
	if got := n.AffineFileName(12); got != "afKKI2009-12-MPRAGE.nii.gz" {
		t.Errorf("AffineFileName(12) = %q", got)
	}

	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"KKI2009-12-MPRAGE.nii.gz", 12, true},
		{"/data/KKI2009-07-MPRAGE.nii.gz", 7, true},
		{"afKKI2009-03-MPRAGE.nii.gz", 3, true},
		{"randomFixedImage14.nii.gz", 14, true},
		{"affineTemplate.nii.gz", models.NoReference, false},
		{"KKI2009-xx-MPRAGE.nii.gz", models.NoReference, false},
	}
	for _, tt := range tests {
		got, ok := n.ParseSubjectIndex(tt.name)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseSubjectIndex(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}

	r := models.SubjectRange{Lower: 1, Upper: 11}
	names := map[string]string{
		AffineOutputName(r, true):      "1_11affineTemplate.nii.gz",
		AffineOutputName(r, false):     "a1_11intermediate.nii.gz",
		DeformableOutputName(r, true):  "1_11deformableAtlas.nii.gz",
		DeformableOutputName(r, false): "d1_11intermediate.nii.gz",
		SnapshotName(4, 20):            "out04_20.nii.gz",
		RandomFixedName(9):             "randomFixedImage9.nii.gz",
	}
	for got, want := range names {
		if got != want {
			t.Errorf("name %q, want %q", got, want)
		}
	}
}
