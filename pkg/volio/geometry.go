package volio

import (
	"fmt"
	"math"

	"mriatlas/internal/models"
)

// gridFromHeader derives extent, spacing, origin and orientation from a
// header, preferring the sform, then the qform, then pixdim alone.
func gridFromHeader(h *header) (models.Grid, int, error) {
	nd := int(h.Dim[0])
	if nd < 1 || nd > 7 {
		return models.Grid{}, 0, fmt.Errorf("%w: %d dimensions", ErrUnsupportedFormat, nd)
	}
	dim := func(i int) int {
		if i > nd || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	if dim(4) > 1 || dim(6) > 1 || dim(7) > 1 {
		return models.Grid{}, 0, fmt.Errorf("%w: time series and higher dimensions", ErrUnsupportedFormat)
	}

	g := models.NewGrid(dim(1), dim(2), dim(3))
	for i := 0; i < 3; i++ {
		if s := math.Abs(float64(h.Pixdim[i+1])); s > 0 {
			g.Spacing[i] = s
		}
	}

	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for c := 0; c < 3; c++ {
			var n float64
			for r := 0; r < 3; r++ {
				n += float64(rows[r][c]) * float64(rows[r][c])
			}
			n = math.Sqrt(n)
			if n == 0 {
				return models.Grid{}, 0, fmt.Errorf("%w: degenerate sform", ErrUnsupportedFormat)
			}
			g.Spacing[c] = n
			for r := 0; r < 3; r++ {
				g.Direction[3*r+c] = float64(rows[r][c]) / n
			}
		}
		g.Origin = [3]float64{float64(h.SrowX[3]), float64(h.SrowY[3]), float64(h.SrowZ[3])}
	case h.QformCode > 0:
		g.Direction = quaternToDirection(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD), float64(h.Pixdim[0]))
		g.Origin = [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}
	}
	return g, dim(5), nil
}

// headerFromGrid builds a float32 header describing g with both sform and
// qform set.
func headerFromGrid(g models.Grid, components int) header {
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XyztUnits: unitsMM,
		QformCode: xformScanner,
		SformCode: xformScanner,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(g.Width), int16(g.Height), int16(g.Depth), 1, 1, 1, 1}
	if components > 1 {
		h.Dim[0] = 5
		h.Dim[5] = int16(components)
		h.IntentCode = intentVector
	}
	copy(h.Descrip[:], "mriatlas")

	srow := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			srow[r][c] = float32(g.Direction[3*r+c] * g.Spacing[c])
		}
		srow[r][3] = float32(g.Origin[r])
	}

	b, c, d, qfac := directionToQuatern(g.Direction)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(g.Origin[0]), float32(g.Origin[1]), float32(g.Origin[2])
	h.Pixdim = [8]float32{float32(qfac), float32(g.Spacing[0]), float32(g.Spacing[1]), float32(g.Spacing[2]), 1, 1, 1, 1}
	return h
}

// quaternToDirection expands a NIfTI quaternion (b, c, d) and handedness
// factor into a row-major direction matrix.
func quaternToDirection(b, c, d, qfac float64) [9]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	if qfac < 0 {
		qfac = -1
	} else {
		qfac = 1
	}
	return [9]float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac,
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac,
		2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - c*c - b*b) * qfac,
	}
}

// directionToQuatern is the inverse of quaternToDirection for a proper or
// improper rotation matrix.
func directionToQuatern(m [9]float64) (b, c, d, qfac float64) {
	qfac = 1
	det := m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
	if det < 0 {
		qfac = -1
		m[2], m[5], m[8] = -m[2], -m[5], -m[8]
	}
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[3], m[4], m[5]
	r20, r21, r22 := m[6], m[7], m[8]

	var a float64
	if t := r00 + r11 + r22 + 1; t > 0.5 {
		a = 0.5 * math.Sqrt(t)
		b = 0.25 * (r21 - r12) / a
		c = 0.25 * (r02 - r20) / a
		d = 0.25 * (r10 - r01) / a
	} else {
		xd := 1 + r00 - (r11 + r22)
		yd := 1 + r11 - (r00 + r22)
		zd := 1 + r22 - (r00 + r11)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r01 + r10) / b
			d = 0.25 * (r02 + r20) / b
			a = 0.25 * (r21 - r12) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r01 + r10) / c
			d = 0.25 * (r12 + r21) / c
			a = 0.25 * (r02 - r20) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r02 + r20) / d
			c = 0.25 * (r12 + r21) / d
			a = 0.25 * (r10 - r01) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}
