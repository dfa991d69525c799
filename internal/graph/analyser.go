package graph

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// AnalyserOptions configure an Analyser
type AnalyserOptions struct {
	// Size is the number of samples kept and analysed
	Size int

	// Smoothing averages each spectrum with the previous one, 0..1
	Smoothing float64

	MinDecibels float64
	MaxDecibels float64
}

// Analyser keeps the most recent Size samples pushed into it and derives
// time and frequency domain snapshots on demand.
type Analyser struct {
	sampleRate int
	opts       AnalyserOptions
	win        []float64

	mu     sync.Mutex
	ring   []float32
	pos    int
	filled bool

	specMu   sync.Mutex
	frame    []float64
	smoothed []float64
}

// NewAnalyser creates an analyser at sampleRate. Size is rounded up to a
// power of two.
func NewAnalyser(sampleRate int, opts AnalyserOptions) *Analyser {
	size := 32
	for size < opts.Size {
		size <<= 1
	}
	opts.Size = size
	if opts.MaxDecibels <= opts.MinDecibels {
		opts.MinDecibels, opts.MaxDecibels = -100, -30
	}

	return &Analyser{
		sampleRate: sampleRate,
		opts:       opts,
		win:        window.Blackman(size),
		ring:       make([]float32, size),
		frame:      make([]float64, size),
		smoothed:   make([]float64, size/2),
	}
}

// Size returns the number of samples per snapshot
func (a *Analyser) Size() int { return a.opts.Size }

// Options returns the effective options
func (a *Analyser) Options() AnalyserOptions { return a.opts }

// SampleRate returns the sample rate of the analysed signal
func (a *Analyser) SampleRate() int { return a.sampleRate }

// Process appends block to the ring buffer
func (a *Analyser) Process(block []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Only the tail of an oversized block can survive
	if len(block) > len(a.ring) {
		block = block[len(block)-len(a.ring):]
	}
	n := copy(a.ring[a.pos:], block)
	if n < len(block) {
		copy(a.ring, block[n:])
	}
	a.pos += len(block)
	if a.pos >= len(a.ring) {
		a.pos -= len(a.ring)
		a.filled = true
	}
}

// Reset forgets all samples and spectral history
func (a *Analyser) Reset() {
	a.mu.Lock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	a.pos = 0
	a.filled = false
	a.mu.Unlock()

	a.specMu.Lock()
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.specMu.Unlock()
}

// TimeDomain copies the most recent samples into dst oldest first and
// returns the number copied. Samples not yet received read as zero.
func (a *Analyser) TimeDomain(dst []float32) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(dst)
	if n > len(a.ring) {
		n = len(a.ring)
	}
	// start n samples before the write position
	start := a.pos - n
	if start < 0 {
		start += len(a.ring)
	}
	m := copy(dst[:n], a.ring[start:])
	if m < n {
		copy(dst[m:n], a.ring)
	}
	return n
}

// FrequencyData writes the Blackman windowed, time smoothed magnitude
// spectrum in dB into dst, one value per bin up to Size()/2. Silent bins
// read as MinDecibels.
func (a *Analyser) FrequencyData(dst []float64) int {
	samples := make([]float32, a.opts.Size)
	a.TimeDomain(samples)

	a.specMu.Lock()
	defer a.specMu.Unlock()

	for i, s := range samples {
		a.frame[i] = float64(s) * a.win[i]
	}
	spectrum := fft.FFTReal(a.frame)

	n := len(dst)
	if n > len(a.smoothed) {
		n = len(a.smoothed)
	}
	scale := 1 / float64(a.opts.Size)
	k := a.opts.Smoothing
	for i := range a.smoothed {
		mag := cmplx.Abs(spectrum[i]) * scale
		a.smoothed[i] = k*a.smoothed[i] + (1-k)*mag
	}
	for i := 0; i < n; i++ {
		db := a.opts.MinDecibels
		if a.smoothed[i] > 0 {
			db = math.Max(db, 20*math.Log10(a.smoothed[i]))
		}
		dst[i] = db
	}
	return n
}

// ByteFrequencyData maps FrequencyData onto 0..255 between MinDecibels and
// MaxDecibels.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	db := make([]float64, len(dst))
	n := a.FrequencyData(db)
	span := a.opts.MaxDecibels - a.opts.MinDecibels
	for i := 0; i < n; i++ {
		v := 255 * (db[i] - a.opts.MinDecibels) / span
		dst[i] = byte(math.Max(0, math.Min(255, v)))
	}
	return n
}

// BinFrequency returns the center frequency of spectrum bin i
func (a *Analyser) BinFrequency(i int) float64 {
	return float64(i) * float64(a.sampleRate) / float64(a.opts.Size)
}
