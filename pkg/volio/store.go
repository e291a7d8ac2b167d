package volio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mriatlas/internal/models"
)

// Store loads and saves named volumes. Names are file names such as
// those produced by Naming.
type Store interface {
	Load(name string) (*models.Volume, error)
	Save(name string, v *models.Volume) error
}

// DirStore keeps volumes as NIfTI files. Relative names are read from Dir
// and written to OutputDir; absolute names are used as given.
type DirStore struct {
	Dir       string
	OutputDir string
}

// NewDirStore returns a store reading from dir and writing to outputDir,
// creating outputDir if needed. An empty outputDir writes into dir.
func NewDirStore(dir, outputDir string) (*DirStore, error) {
	if outputDir == "" {
		outputDir = dir
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return &DirStore{Dir: dir, OutputDir: outputDir}, nil
}

// Load reads name, looking first in OutputDir so that files written by an
// earlier stage are found, then in Dir.
func (s *DirStore) Load(name string) (*models.Volume, error) {
	if filepath.IsAbs(name) {
		return ReadVolume(name)
	}
	if s.OutputDir != s.Dir {
		v, err := ReadVolume(filepath.Join(s.OutputDir, name))
		if err == nil || !errors.Is(err, ErrFileNotFound) {
			return v, err
		}
	}
	return ReadVolume(filepath.Join(s.Dir, name))
}

// Save writes v under OutputDir.
func (s *DirStore) Save(name string, v *models.Volume) error {
	return WriteVolume(s.outputPath(name), v)
}

// SaveField writes a displacement field as .npy under OutputDir.
func (s *DirStore) SaveField(name string, field *models.Volume) error {
	return WriteField(s.outputPath(name), field)
}

// LoadField reads a displacement field written by SaveField.
func (s *DirStore) LoadField(name string) (*models.Volume, error) {
	return ReadField(s.outputPath(name))
}

func (s *DirStore) outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.OutputDir, name)
}
