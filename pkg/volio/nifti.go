// Package volio reads and writes volumes and displacement fields, and maps
// subject indices to the file names used across a cohort.
//
// Volumes are stored as NIfTI-1 single files (.nii, or .nii.gz when
// gzipped). Coordinates are kept in the file's RAS+ convention.
package volio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mriatlas/internal/models"
)

var (
	// ErrFileNotFound is returned when a volume file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrUnsupportedFormat is returned for files that are not NIfTI-1 volumes
	// this package can decode.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// header is the 348-byte NIfTI-1 header.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

const (
	headerSize = 348
	dataOffset = 352

	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768

	intentVector = 1007
	xformScanner = 1
	unitsMM      = 2
)

// ReadVolume loads a NIfTI-1 volume. Files ending in .gz are decompressed.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
		}
		defer zr.Close()
		r = zr
	}
	v, err := DecodeNifti(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// WriteVolume stores v as a float32 NIfTI-1 file, gzipped when path ends
// in .gz.
func WriteVolume(path string, v *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := EncodeNifti(w, v); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DecodeNifti reads a single-file NIfTI-1 stream.
func DecodeNifti(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrUnsupportedFormat, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("%w: bad header size", ErrUnsupportedFormat)
		}
	}
	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q, only single-file NIfTI-1 is supported", ErrUnsupportedFormat, h.Magic[:3])
	}

	g, components, err := gridFromHeader(&h)
	if err != nil {
		return nil, err
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %g", ErrUnsupportedFormat, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	n := g.NumVoxels() * components
	samples, err := readSamples(r, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		for i := range samples {
			samples[i] = samples[i]*float64(h.SclSlope) + float64(h.SclInter)
		}
	}

	v := models.NewVectorVolume(g, components)
	if components == 1 {
		v.Data = samples
		return v, nil
	}
	// files store each component as its own volume
	nv := g.NumVoxels()
	for c := 0; c < components; c++ {
		for i := 0; i < nv; i++ {
			v.Data[i*components+c] = samples[c*nv+i]
		}
	}
	return v, nil
}

// EncodeNifti writes v as a single-file NIfTI-1 stream with float32 samples.
func EncodeNifti(w io.Writer, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	h := headerFromGrid(v.Grid, v.Components)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	nv := v.NumVoxels()
	nc := v.Components
	buf := make([]byte, 4*nv)
	for c := 0; c < nc; c++ {
		for i := 0; i < nv; i++ {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v.Data[i*nc+c])))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readSamples(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	var size int
	switch datatype {
	case dtUint8, dtInt8:
		size = 1
	case dtInt16, dtUint16:
		size = 2
	case dtInt32, dtUint32, dtFloat32:
		size = 4
	case dtFloat64:
		size = 8
	default:
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupportedFormat, datatype)
	}

	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: truncated data: %v", ErrUnsupportedFormat, err)
	}
	out := make([]float64, n)
	for i := range out {
		b := raw[i*size:]
		switch datatype {
		case dtUint8:
			out[i] = float64(b[0])
		case dtInt8:
			out[i] = float64(int8(b[0]))
		case dtInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			out[i] = float64(order.Uint16(b))
		case dtInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case dtUint32:
			out[i] = float64(order.Uint32(b))
		case dtFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}
