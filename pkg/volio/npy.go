package volio

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/yaml.v3"

	"mriatlas/internal/models"
)

// FieldGeometry is the YAML sidecar stored next to an .npy displacement
// field, carrying the grid the array does not.
type FieldGeometry struct {
	Size      [3]int     `yaml:"size"`
	Spacing   [3]float64 `yaml:"spacing"`
	Origin    [3]float64 `yaml:"origin"`
	Direction [9]float64 `yaml:"direction"`
}

// SidecarPath returns the geometry file name belonging to an .npy path.
func SidecarPath(npyPath string) string {
	return strings.TrimSuffix(npyPath, ".npy") + ".yaml"
}

// WriteField saves a multi-component volume as a float64 array of shape
// (depth, height, width, components) plus its geometry sidecar.
func WriteField(path string, field *models.Volume) error {
	if err := field.Validate(); err != nil {
		return err
	}

	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("write field %s: %w", path, err)
	}
	w.Shape = []int{field.Depth, field.Height, field.Width, field.Components}
	w.Version = 2
	if err := w.WriteFloat64(field.Data); err != nil {
		return fmt.Errorf("write field %s: %w", path, err)
	}

	geo := FieldGeometry{
		Size:      field.Size(),
		Spacing:   field.Spacing,
		Origin:    field.Origin,
		Direction: field.Direction,
	}
	out, err := yaml.Marshal(&geo)
	if err != nil {
		return err
	}
	return os.WriteFile(SidecarPath(path), out, 0644)
}

// ReadField loads a field written by WriteField.
func ReadField(path string) (*models.Volume, error) {
	raw, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, SidecarPath(path))
		}
		return nil, err
	}
	var geo FieldGeometry
	if err := yaml.Unmarshal(raw, &geo); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, SidecarPath(path), err)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}
	if len(r.Shape) != 4 || r.Shape[0] != geo.Size[2] || r.Shape[1] != geo.Size[1] || r.Shape[2] != geo.Size[0] {
		return nil, fmt.Errorf("%w: %s: shape %v does not match sidecar size %v",
			ErrUnsupportedFormat, path, r.Shape, geo.Size)
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}

	g := models.Grid{
		Width:     geo.Size[0],
		Height:    geo.Size[1],
		Depth:     geo.Size[2],
		Spacing:   geo.Spacing,
		Origin:    geo.Origin,
		Direction: geo.Direction,
	}
	v := &models.Volume{Grid: g, Components: r.Shape[3], Data: data}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
