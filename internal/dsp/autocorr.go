package dsp

import (
	"github.com/mjibson/go-dsp/fft"
)

// Autocorrelator computes the linear autocorrelation of fixed-size frames
// through a zero-padded FFT.
type Autocorrelator struct {
	size    int
	fftSize int
	padded  []float64
	power   []complex128
}

// NewAutocorrelator creates an autocorrelator for frames of size samples
func NewAutocorrelator(size int) *Autocorrelator {
	fftSize := nextPow2(2 * size)
	return &Autocorrelator{
		size:    size,
		fftSize: fftSize,
		padded:  make([]float64, fftSize),
		power:   make([]complex128, fftSize),
	}
}

// Size returns the frame size
func (a *Autocorrelator) Size() int { return a.size }

// Compute writes r[tau] = sum x[i]*x[i+tau] for tau in [0, size) into out.
// Only the first Size() samples of frame are used.
func (a *Autocorrelator) Compute(frame []float32, out []float64) {
	n := a.size
	if len(frame) < n {
		n = len(frame)
	}
	for i := range a.padded {
		a.padded[i] = 0
	}
	for i := 0; i < n; i++ {
		a.padded[i] = float64(frame[i])
	}

	spectrum := fft.FFTReal(a.padded)
	for i, c := range spectrum {
		re, im := real(c), imag(c)
		a.power[i] = complex(re*re+im*im, 0)
	}
	corr := fft.IFFT(a.power)

	for tau := 0; tau < a.size && tau < len(out); tau++ {
		out[tau] = real(corr[tau])
	}
}

// nextPow2 returns the smallest power of two >= n
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
