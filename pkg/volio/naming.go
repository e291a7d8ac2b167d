package volio

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"mriatlas/internal/models"
)

// Output file names shared by the pipeline stages.
const (
	InitialTemplateName = "initialTemplate.nii.gz"
	AffineTemplateName  = "affineTemplate.nii.gz"
	DeformableAtlasName = "deformableAtlas.nii.gz"

	randomFixedPrefix = "randomFixedImage"
)

// Naming maps subject indices to cohort file names such as
// KKI2009-05-MPRAGE.nii.gz.
type Naming struct {
	Prefix       string
	Suffix       string
	IndexWidth   int
	AffinePrefix string
}

// DefaultNaming returns the KKI2009 cohort convention.
func DefaultNaming() Naming {
	return Naming{Prefix: "KKI2009-", Suffix: "-MPRAGE.nii.gz", IndexWidth: 2, AffinePrefix: "af"}
}

// SubjectFileName returns the raw volume name of subject i.
func (n Naming) SubjectFileName(i int) string {
	return fmt.Sprintf("%s%0*d%s", n.Prefix, n.IndexWidth, i, n.Suffix)
}

// AffineFileName returns the name of subject i's affine-resampled volume.
func (n Naming) AffineFileName(i int) string {
	return n.AffinePrefix + n.SubjectFileName(i)
}

// ParseSubjectIndex extracts the subject index from a cohort file name, an
// affine-resampled name, or a randomFixedImage<N> name. Directories are
// ignored. It returns false for names that do not identify a subject.
func (n Naming) ParseSubjectIndex(name string) (int, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, randomFixedPrefix) {
		digits := strings.TrimSuffix(strings.TrimPrefix(base, randomFixedPrefix), ".nii.gz")
		digits = strings.TrimSuffix(digits, ".nii")
		i, err := strconv.Atoi(digits)
		return i, err == nil
	}

	if n.AffinePrefix != "" && strings.HasPrefix(base, n.AffinePrefix+n.Prefix) {
		base = strings.TrimPrefix(base, n.AffinePrefix)
	}
	if !strings.HasPrefix(base, n.Prefix) || !strings.HasSuffix(base, n.Suffix) {
		return models.NoReference, false
	}
	digits := base[len(n.Prefix) : len(base)-len(n.Suffix)]
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 {
		return models.NoReference, false
	}
	return i, true
}

// RandomFixedName returns the name Setup gives the randomly chosen reference.
func RandomFixedName(i int) string {
	return fmt.Sprintf("%s%d.nii.gz", randomFixedPrefix, i)
}

// AffineOutputName names the affine stage output of a range: the divided
// template or the raw partial sum.
func AffineOutputName(r models.SubjectRange, divided bool) string {
	if divided {
		return r.String() + "affineTemplate.nii.gz"
	}
	return "a" + r.String() + "intermediate.nii.gz"
}

// DeformableOutputName names the deformable stage output of a range.
func DeformableOutputName(r models.SubjectRange, divided bool) string {
	if divided {
		return r.String() + "deformableAtlas.nii.gz"
	}
	return "d" + r.String() + "intermediate.nii.gz"
}

// SnapshotName names the warped snapshot of subject i at a demons iteration.
func SnapshotName(i, iteration int) string {
	return fmt.Sprintf("out%02d_%d.nii.gz", i, iteration)
}

// FieldName names the exported displacement field of subject i.
func FieldName(i int) string {
	return fmt.Sprintf("field%02d.npy", i)
}
