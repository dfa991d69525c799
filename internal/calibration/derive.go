package calibration

import (
	"math"
	"sort"

	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/filter"
)

// Spectrum maps a frequency in whole Hz to a level in dB
type Spectrum map[int]float64

// VolumeCalibration is the outcome of the volume window
type VolumeCalibration struct {
	// Offset places the median RMS sample on the 0.3 target
	Offset float64 `json:"offset"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// DeviceAdjustments compensate a microphone's uneven response
type DeviceAdjustments struct {
	LowFreqCompensation  float64 `json:"lowFreqCompensation"`
	HighFreqCompensation float64 `json:"highFreqCompensation"`
}

// Settings are what calibration recommends for the detector
type Settings struct {
	Sensitivity  float64           `json:"sensitivity"`
	NoiseGate    float64           `json:"noiseGate"`
	VolumeOffset float64           `json:"volumeOffset"`
	Filter       filter.Params     `json:"filterSettings"`
	Adjustments  DeviceAdjustments `json:"deviceAdjustments"`
}

const (
	volumeTarget     = 0.3
	defaultNoiseDb   = -60.0
	noiseBandLow     = 100
	noiseBandHigh    = 800
	weakLowMarginDb  = 5.0
	strongHighMargin = 3.0
)

// DefaultSettings returns the uncalibrated settings of a device profile.
// base supplies the filter cutoffs, typically the configured preset.
func DefaultSettings(p device.Profile, base filter.Params) Settings {
	return Settings{
		Sensitivity: p.Sensitivity,
		NoiseGate:   p.NoiseGate,
		Filter:      base,
		Adjustments: DeviceAdjustments{LowFreqCompensation: 1, HighFreqCompensation: 1},
	}
}

// Derive turns the three measurements into recommended settings
func Derive(p device.Profile, base filter.Params, noise Spectrum, volume VolumeCalibration, response Spectrum) Settings {
	s := DefaultSettings(p, base)

	scale := clamp(1-volume.Offset, 0.5, 2)
	s.Sensitivity = math.Round(p.Sensitivity*scale*10) / 10
	s.VolumeOffset = volume.Offset

	var band []float64
	for hz, db := range noise {
		if hz >= noiseBandLow && hz <= noiseBandHigh {
			band = append(band, db)
		}
	}
	floor := math.Max(-20, meanOr(band, defaultNoiseDb)+10)
	s.NoiseGate = math.Round(math.Max(p.NoiseGate, math.Abs(floor)/1000)*1000) / 1000

	low, mid, high := responseBands(response)
	if low < mid-weakLowMarginDb {
		s.Filter.HighpassFreq = 100
	} else {
		s.Filter.HighpassFreq = 80
	}
	if high > mid+strongHighMargin {
		s.Filter.LowpassFreq = 600
	} else {
		s.Filter.LowpassFreq = 800
	}
	s.Filter.HighpassQ, s.Filter.LowpassQ = 0.7, 0.7

	s.Adjustments = DeviceAdjustments{
		LowFreqCompensation:  clamp(mid/nonZero(low), 0.8, 1.5),
		HighFreqCompensation: clamp(mid/nonZero(high), 0.8, 1.2),
	}
	return s
}

// responseBands splits the response, ordered by frequency, at 30% and 70%
// and returns the mean level of each part.
func responseBands(r Spectrum) (low, mid, high float64) {
	keys := make([]int, 0, len(r))
	for hz := range r {
		keys = append(keys, hz)
	}
	sort.Ints(keys)
	levels := make([]float64, len(keys))
	for i, hz := range keys {
		levels[i] = r[hz]
	}

	a := len(levels) * 3 / 10
	b := len(levels) * 7 / 10
	return meanOr(levels[:a], defaultNoiseDb),
		meanOr(levels[a:b], defaultNoiseDb),
		meanOr(levels[b:], defaultNoiseDb)
}

// VolumeFromSamples derives the volume calibration from RMS samples
func VolumeFromSamples(rms []float64) VolumeCalibration {
	if len(rms) == 0 {
		return VolumeCalibration{Offset: volumeTarget - 0.5, Min: 0, Max: 1}
	}
	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	return VolumeCalibration{
		Offset: volumeTarget - sorted[len(sorted)/2],
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

func meanOr(v []float64, fallback float64) float64 {
	if len(v) == 0 {
		return fallback
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func nonZero(v float64) float64 {
	if v == 0 {
		return defaultNoiseDb
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
