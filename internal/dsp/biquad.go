// Package dsp holds the signal processing primitives of the pitch engine:
// second-order filter stages, loudness measurement and FFT autocorrelation.
package dsp

import (
	"math"
	"math/cmplx"
	"sync"
)

// FilterType selects the transfer function of a Biquad
type FilterType int

const (
	Highpass FilterType = iota
	Lowpass
	Notch
)

func (t FilterType) String() string {
	switch t {
	case Highpass:
		return "highpass"
	case Lowpass:
		return "lowpass"
	case Notch:
		return "notch"
	default:
		return "unknown"
	}
}

// Biquad is a second-order IIR filter stage (RBJ cookbook coefficients).
// Parameters may be changed while audio is flowing; the delay line is kept
// so retuning does not click.
type Biquad struct {
	mu         sync.Mutex
	typ        FilterType
	sampleRate float64
	freq       float64
	q          float64

	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewBiquad creates a filter stage of type typ
func NewBiquad(typ FilterType, sampleRate, freq, q float64) *Biquad {
	f := &Biquad{typ: typ, sampleRate: sampleRate}
	f.SetParams(freq, q)
	return f
}

// Type returns the filter type
func (f *Biquad) Type() FilterType { return f.typ }

// Params returns the current cutoff (or center) frequency and Q
func (f *Biquad) Params() (freq, q float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freq, f.q
}

// SetParams retunes the stage. The frequency is clamped below Nyquist and
// a non-positive Q falls back to 1/sqrt(2).
func (f *Biquad) SetParams(freq, q float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nyquist := f.sampleRate / 2
	if freq <= 0 {
		freq = 1
	}
	if freq >= nyquist {
		freq = nyquist * 0.999
	}
	if q <= 0 {
		q = math.Sqrt2 / 2
	}
	f.freq, f.q = freq, q

	w0 := 2 * math.Pi * freq / f.sampleRate
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)

	var b0, b1, b2 float64
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	switch f.typ {
	case Highpass:
		b0 = (1 + cosW0) / 2
		b1 = -(1 + cosW0)
		b2 = (1 + cosW0) / 2
	case Lowpass:
		b0 = (1 - cosW0) / 2
		b1 = 1 - cosW0
		b2 = (1 - cosW0) / 2
	case Notch:
		b0 = 1
		b1 = -2 * cosW0
		b2 = 1
	}

	f.b0, f.b1, f.b2 = b0/a0, b1/a0, b2/a0
	f.a1, f.a2 = a1/a0, a2/a0
}

// Process filters src into dst. dst and src may be the same slice; dst
// must be at least len(src) long.
func (f *Biquad) Process(dst, src []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range src {
		x := float64(s)
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		dst[i] = float32(y)
	}
}

// Reset clears the delay line
func (f *Biquad) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// Response returns the magnitude of the transfer function at freq Hz
func (f *Biquad) Response(freq float64) float64 {
	return cmplx.Abs(f.Transfer(freq))
}

// Transfer evaluates the transfer function H(e^jw) at freq Hz
func (f *Biquad) Transfer(freq float64) complex128 {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := 2 * math.Pi * freq / f.sampleRate
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	num := complex(f.b0, 0) + complex(f.b1, 0)*z1 + complex(f.b2, 0)*z2
	den := 1 + complex(f.a1, 0)*z1 + complex(f.a2, 0)*z2
	return num / den
}
