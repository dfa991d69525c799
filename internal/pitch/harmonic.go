package pitch

import (
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Harmonic correction tuning
const (
	HarmonicWindow        = time.Second
	harmonicMinHistory    = 3
	harmonicMeanSpan      = 5
	harmonicTolerance     = 0.1
	harmonicMinConfidence = 0.7
)

// HistoryEntry is one accepted estimate remembered by the corrector
type HistoryEntry struct {
	Frequency  float64
	Confidence float64
	Time       time.Time
}

// HarmonicCorrector folds octave errors back onto the recent pitch. When
// an estimate is half or double the mean of a confident history it is
// replaced by the matching octave.
type HarmonicCorrector struct {
	log      logrus.FieldLogger
	history  []HistoryEntry
	previous float64
}

// NewHarmonicCorrector creates a corrector with empty history
func NewHarmonicCorrector(log logrus.FieldLogger) *HarmonicCorrector {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &HarmonicCorrector{log: log}
}

// Correct returns frequency, or its octave neighbour when the history
// strongly suggests an octave error. volume is the smoothed volume on the
// 0..100 scale.
func (h *HarmonicCorrector) Correct(frequency, volume float64, now time.Time) float64 {
	h.prune(now)
	confidence := h.confidence(frequency, volume)

	corrected := frequency
	if len(h.history) >= harmonicMinHistory {
		recent := h.history[max(0, len(h.history)-harmonicMeanSpan):]
		var meanFreq, meanConf float64
		for _, e := range recent {
			meanFreq += e.Frequency
			meanConf += e.Confidence
		}
		meanFreq /= float64(len(recent))
		meanConf /= float64(len(recent))

		if meanConf > harmonicMinConfidence {
			switch {
			case near(frequency/2, meanFreq):
				corrected = frequency / 2
			case near(frequency*2, meanFreq):
				corrected = frequency * 2
			}
		}
		if corrected != frequency {
			h.log.WithFields(logrus.Fields{
				"from": frequency,
				"to":   corrected,
				"mean": meanFreq,
			}).Debug("Octave error corrected")
		}
	}

	h.history = append(h.history, HistoryEntry{Frequency: frequency, Confidence: confidence, Time: now})
	h.previous = corrected
	return corrected
}

// Reset forgets the history
func (h *HarmonicCorrector) Reset() {
	h.history = h.history[:0]
	h.previous = 0
}

// History returns a copy of the current history
func (h *HarmonicCorrector) History() []HistoryEntry {
	out := make([]HistoryEntry, len(h.history))
	copy(out, h.history)
	return out
}

func (h *HarmonicCorrector) prune(now time.Time) {
	cutoff := now.Add(-HarmonicWindow)
	i := 0
	for i < len(h.history) && h.history[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.history = append(h.history[:0], h.history[i:]...)
	}
}

// confidence averages a loudness term and a continuity term. Without a
// previous estimate continuity is neutral.
func (h *HarmonicCorrector) confidence(frequency, volume float64) float64 {
	loud := math.Min(volume/100*1.5, 1)
	continuity := 0.5
	if h.previous > 0 {
		continuity = math.Max(0, 1-math.Abs(frequency-h.previous)/h.previous)
	}
	return (math.Max(0, loud) + continuity) / 2
}

func near(candidate, mean float64) bool {
	return mean > 0 && math.Abs(candidate-mean)/mean < harmonicTolerance
}
