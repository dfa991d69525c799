package dsp

import "math"

// RMS returns the root mean square of samples, 0 for an empty slice
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	sumSquares := 0.0
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

// Decibels converts an amplitude to dBFS, -100 for silence
func Decibels(amplitude float64) float64 {
	if amplitude <= 0.0000001 { // Avoid log(0)
		return -100
	}
	return 20 * math.Log10(amplitude)
}

// VolumeParams are the device-tuned constants of the volume mapping
type VolumeParams struct {
	GainCompensation float64
	Divisor          float64
	NoiseThreshold   float64
}

// Volume maps an RMS level to the 0-100 display scale:
// clamp(rms*gain*100/divisor*6 - noiseThreshold, 0, 100).
func Volume(rms float64, p VolumeParams) float64 {
	divisor := p.Divisor
	if divisor <= 0 {
		divisor = 1
	}
	v := rms*p.GainCompensation*100/divisor*6 - p.NoiseThreshold
	return math.Max(0, math.Min(100, v))
}

// MovingAverage keeps the mean of the last n values
type MovingAverage struct {
	values []float64
	next   int
	full   bool
}

// NewMovingAverage creates an average over n values
func NewMovingAverage(n int) *MovingAverage {
	if n < 1 {
		n = 1
	}
	return &MovingAverage{values: make([]float64, n)}
}

// Add records v and returns the current mean
func (m *MovingAverage) Add(v float64) float64 {
	m.values[m.next] = v
	m.next++
	if m.next == len(m.values) {
		m.next = 0
		m.full = true
	}
	return m.Mean()
}

// Mean returns the mean of the recorded values, 0 when empty
func (m *MovingAverage) Mean() float64 {
	n := m.next
	if m.full {
		n = len(m.values)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m.values[:n] {
		sum += v
	}
	return sum / float64(n)
}

// Reset forgets all values
func (m *MovingAverage) Reset() {
	m.next = 0
	m.full = false
}
