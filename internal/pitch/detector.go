package pitch

import (
	"math"

	"github.com/0xlemi/pitchpro/internal/dsp"
)

// Detector estimates the fundamental of a frame with the McLeod pitch
// method: the normalized square difference function is derived from an
// FFT autocorrelation and its first key maximum close enough to the
// highest one gives the period.
type Detector struct {
	size          int
	sampleRate    float64
	peakThreshold float64 // Minimum key maximum height as fraction of the highest
	minRMS        float64 // Frames quieter than this are not analysed

	ac   *dsp.Autocorrelator
	corr []float64
	nsdf []float64
	keys []int
}

// NewDetector creates a detector for frames of size samples
func NewDetector(size, sampleRate int) *Detector {
	return &Detector{
		size:          size,
		sampleRate:    float64(sampleRate),
		peakThreshold: 0.8,
		ac:            dsp.NewAutocorrelator(size),
		corr:          make([]float64, size),
		nsdf:          make([]float64, size),
		keys:          make([]int, 0, 64),
	}
}

// Size returns the frame size
func (d *Detector) Size() int { return d.size }

// SetPeakThreshold sets the fraction of the highest key maximum the chosen
// maximum must reach
func (d *Detector) SetPeakThreshold(k float64) {
	if k > 0 && k <= 1 {
		d.peakThreshold = k
	}
}

// SetMinRMS sets the level below which frames are treated as silence
func (d *Detector) SetMinRMS(rms float64) {
	d.minRMS = math.Max(0, rms)
}

// FindPitch returns the frequency and clarity of frame, or 0, 0 when no
// periodicity is found. Only the first Size() samples are used.
func (d *Detector) FindPitch(frame []float32) (frequency, clarity float64) {
	n := d.size
	if len(frame) < n || n < 4 {
		return 0, 0
	}
	frame = frame[:n]

	if d.minRMS > 0 && dsp.RMS(frame) < d.minRMS {
		return 0, 0
	}

	d.ac.Compute(frame, d.corr)
	if d.corr[0] <= 0 {
		return 0, 0
	}

	// m(tau) = sum over the overlap of x[i]^2 + x[i+tau]^2
	m := 2 * d.corr[0]
	d.nsdf[0] = 1
	for tau := 1; tau < n; tau++ {
		a := float64(frame[tau-1])
		b := float64(frame[n-tau])
		m -= a*a + b*b
		if m > 0 {
			d.nsdf[tau] = 2 * d.corr[tau] / m
		} else {
			d.nsdf[tau] = 0
		}
	}

	key := d.pickKeyMaximum()
	if key <= 0 {
		return 0, 0
	}

	// Use quadratic interpolation for more accurate peak location
	period := float64(key)
	peak := d.nsdf[key]
	if key+1 < n {
		prev, current, next := d.nsdf[key-1], d.nsdf[key], d.nsdf[key+1]
		if den := prev - 2*current + next; den != 0 {
			delta := 0.5 * (prev - next) / den
			period += delta
			peak = current - 0.25*(prev-next)*delta
		}
	}
	if period <= 0 {
		return 0, 0
	}

	return d.sampleRate / period, math.Min(peak, 1)
}

// pickKeyMaximum returns the lag of the first key maximum within the
// threshold of the highest, or -1. Lags beyond half the frame are too
// poorly supported to be trusted.
func (d *Detector) pickKeyMaximum() int {
	limit := d.size / 2
	keys := d.keys[:0]

	// skip the lobe around zero lag
	i := 1
	for i < limit && d.nsdf[i] > 0 {
		i++
	}
	for i < limit {
		for i < limit && d.nsdf[i] <= 0 {
			i++
		}
		best := -1
		for i < limit && d.nsdf[i] > 0 {
			if best < 0 || d.nsdf[i] > d.nsdf[best] {
				best = i
			}
			i++
		}
		if best > 0 {
			keys = append(keys, best)
		}
	}
	d.keys = keys

	if len(keys) == 0 {
		return -1
	}
	highest := 0.0
	for _, k := range keys {
		highest = math.Max(highest, d.nsdf[k])
	}
	threshold := d.peakThreshold * highest
	for _, k := range keys {
		if d.nsdf[k] >= threshold {
			return k
		}
	}
	return -1
}
