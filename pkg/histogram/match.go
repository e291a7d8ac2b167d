// Package histogram normalises intensities by matching a source image's
// cumulative histogram to a reference image's at a few quantiles and
// interpolating linearly between them.
package histogram

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mriatlas/internal/models"
)

// Options configures histogram matching.
type Options struct {
	// Levels is the number of histogram bins
	Levels int

	// MatchPoints is the number of interior quantiles matched
	MatchPoints int

	// ThresholdAtMean ignores intensities below each image's mean, which
	// keeps the background out of the histograms
	ThresholdAtMean bool
}

// DefaultOptions returns 1024 bins, 7 match points and mean thresholding.
func DefaultOptions() Options {
	return Options{Levels: 1024, MatchPoints: 7, ThresholdAtMean: true}
}

// summary holds the statistics of one image needed to build a mapping.
type summary struct {
	min, max, mean float64
	lower          float64
	quantiles      []float64
}

// Mapping is a piecewise-linear intensity map from source to reference
// intensities.
type Mapping struct {
	src, ref      summary
	gradients     []float64
	lowerGradient float64
	upperGradient float64

	// identity is set when the source has a single intensity
	identity bool
}

// NewMapping builds the intensity map taking source's distribution onto
// reference's.
func NewMapping(source, reference *models.Volume, opts Options) (*Mapping, error) {
	if opts.Levels < 1 || opts.MatchPoints < 0 {
		return nil, fmt.Errorf("histogram: invalid options %+v", opts)
	}
	for _, v := range []*models.Volume{source, reference} {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	m := &Mapping{
		src: summarize(source.Data, opts),
		ref: summarize(reference.Data, opts),
	}
	if m.src.max <= m.src.min {
		m.identity = true
		return m, nil
	}

	sq, rq := m.src.quantiles, m.ref.quantiles
	m.gradients = make([]float64, len(sq)-1)
	for j := range m.gradients {
		if d := sq[j+1] - sq[j]; d != 0 {
			m.gradients[j] = (rq[j+1] - rq[j]) / d
		}
	}
	if d := sq[0] - m.src.min; d != 0 {
		m.lowerGradient = (rq[0] - m.ref.min) / d
	}
	last := len(sq) - 1
	if d := m.src.max - sq[last]; d != 0 {
		m.upperGradient = (m.ref.max - rq[last]) / d
	}
	return m, nil
}

// Map returns the reference-space intensity for a source intensity.
func (m *Mapping) Map(v float64) float64 {
	if m.identity {
		return v
	}
	sq, rq := m.src.quantiles, m.ref.quantiles
	last := len(sq) - 1
	switch {
	case v < sq[0]:
		return rq[0] + (v-sq[0])*m.lowerGradient
	case v > sq[last]:
		return rq[last] + (v-sq[last])*m.upperGradient
	}
	// first quantile strictly above v, clamped to the last segment
	j := sort.SearchFloat64s(sq, v)
	for j < len(sq) && sq[j] <= v {
		j++
	}
	if j > last {
		j = last
	}
	if j == 0 {
		j = 1
	}
	return rq[j-1] + (v-sq[j-1])*m.gradients[j-1]
}

// Apply maps every sample of v into a new volume.
func (m *Mapping) Apply(v *models.Volume) *models.Volume {
	out := v.Clone()
	if m.identity {
		return out
	}
	for i, s := range out.Data {
		out.Data[i] = m.Map(s)
	}
	return out
}

// Match returns a copy of source with intensities remapped so that its
// cumulative histogram follows reference's. The inputs are not modified.
func Match(source, reference *models.Volume, opts Options) (*models.Volume, error) {
	m, err := NewMapping(source, reference, opts)
	if err != nil {
		return nil, err
	}
	return m.Apply(source), nil
}

// summarize computes range, mean and the quantile table of data: the lower
// threshold, MatchPoints interior quantiles, then the maximum.
func summarize(data []float64, opts Options) summary {
	s := summary{
		min:  floats.Min(data),
		max:  floats.Max(data),
		mean: stat.Mean(data, nil),
	}
	s.lower = s.min
	if opts.ThresholdAtMean {
		s.lower = s.mean
	}

	n := opts.MatchPoints
	s.quantiles = make([]float64, n+2)
	s.quantiles[0] = s.lower
	s.quantiles[n+1] = s.max
	if s.max <= s.lower {
		for j := 1; j <= n; j++ {
			s.quantiles[j] = s.lower
		}
		return s
	}

	counts, width := histogram(data, s.lower, s.max, opts.Levels)
	delta := 1 / float64(n+1)
	for j := 1; j <= n; j++ {
		s.quantiles[j] = quantile(counts, s.lower, width, float64(j)*delta)
	}
	return s
}

// histogram bins the samples in [lo, hi] into levels equal-width bins and
// returns the counts and the bin width.
func histogram(data []float64, lo, hi float64, levels int) ([]float64, float64) {
	kept := make([]float64, 0, len(data))
	for _, v := range data {
		if v >= lo && v <= hi {
			kept = append(kept, v)
		}
	}
	sort.Float64s(kept)

	dividers := floats.Span(make([]float64, levels+1), lo, hi)
	dividers[levels] = math.Nextafter(hi, math.Inf(1))
	return stat.Histogram(nil, dividers, kept, nil), (hi - lo) / float64(levels)
}

// quantile returns the intensity below which fraction p of the counted
// samples lie, interpolating linearly inside the bin that crosses p.
func quantile(counts []float64, lo, width, p float64) float64 {
	total := floats.Sum(counts)
	if total == 0 {
		return lo
	}
	var cum, pn, prev, fn float64
	n := 0
	for {
		fn = counts[n]
		cum += fn
		prev = pn
		pn = cum / total
		n++
		if n >= len(counts) || pn >= p {
			break
		}
	}
	if fn == 0 {
		return lo + float64(n)*width
	}
	return lo + float64(n-1)*width + (p-prev)/(fn/total)*width
}
