package pitch

import (
	"math"
	"testing"
	"time"

	"github.com/0xlemi/pitchpro/internal/audio/audiotest"
)

func TestFrequencyToNote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		freq  float64
		name  string
		cents float64
	}{
		{440, "A4", 0},
		{261.6256, "C4", 0},
		{27.5, "A0", 0},
		{4186.009, "C8", 0},
		{466.1638, "A#4", 0},
		{445, "A4", 19.56},
		{435, "A4", -19.79},
		{82.4069, "E2", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			n := FrequencyToNote(tt.freq)
			if n.String() != tt.name {
				t.Errorf("FrequencyToNote(%v) = %s, want %s", tt.freq, n, tt.name)
			}
			if math.Abs(n.Cents-tt.cents) > 0.05 {
				t.Errorf("FrequencyToNote(%v).Cents = %.2f, want %.2f", tt.freq, n.Cents, tt.cents)
			}
		})
	}
}

func TestFrequencyToNote_Silence(t *testing.T) {
	t.Parallel()

	for _, f := range []float64{0, -10} {
		if n := FrequencyToNote(f); n.String() != SilenceName {
			t.Errorf("FrequencyToNote(%v) = %s, want %s", f, n, SilenceName)
		}
	}
}

func TestMIDIRoundTrip(t *testing.T) {
	t.Parallel()

	for m := 21; m <= 108; m++ {
		f := MIDIToFrequency(m)
		n := FrequencyToNote(f)
		if n.MIDI != m {
			t.Errorf("MIDI %d -> %.3fHz -> MIDI %d", m, f, n.MIDI)
		}
		if math.Abs(n.Cents) > 1e-6 {
			t.Errorf("MIDI %d: cents = %v, want 0", m, n.Cents)
		}
		if got := FrequencyToMIDI(f); math.Abs(got-float64(m)) > 1e-9 {
			t.Errorf("FrequencyToMIDI(%v) = %v, want %d", f, got, m)
		}
	}
}

func TestDetector_Sine(t *testing.T) {
	t.Parallel()

	const rate = 44100
	for _, freq := range []float64{82.41, 110, 220, 329.63, 440, 880} {
		freq := freq
		t.Run(FrequencyToNote(freq).String(), func(t *testing.T) {
			t.Parallel()
			d := NewDetector(2048, rate)
			got, clarity := d.FindPitch(audiotest.Sine(freq, 0.5, rate, 2048, 0))
			if math.Abs(got-freq) > 1 {
				t.Errorf("FindPitch = %.2fHz, want %.2fHz", got, freq)
			}
			if clarity < 0.9 || clarity > 1 {
				t.Errorf("clarity = %.3f, want in [0.9, 1]", clarity)
			}
		})
	}
}

func TestDetector_Silence(t *testing.T) {
	t.Parallel()

	d := NewDetector(1024, 44100)
	if f, c := d.FindPitch(make([]float32, 1024)); f != 0 || c != 0 {
		t.Errorf("zeros: got %v, %v", f, c)
	}
	if f, _ := d.FindPitch(make([]float32, 100)); f != 0 {
		t.Errorf("short frame: got %v", f)
	}
}

func TestDetector_NoiseGate(t *testing.T) {
	t.Parallel()

	frame := audiotest.Sine(220, 0.01, 44100, 2048, 0)
	d := NewDetector(2048, 44100)
	if f, _ := d.FindPitch(frame); math.Abs(f-220) > 1 {
		t.Fatalf("ungated: got %.2fHz", f)
	}
	d.SetMinRMS(0.02)
	if f, _ := d.FindPitch(frame); f != 0 {
		t.Errorf("gated: got %.2fHz, want 0", f)
	}
}

func TestHarmonicCorrector_FoldsOctaveJump(t *testing.T) {
	t.Parallel()

	h := NewHarmonicCorrector(nil)
	start := time.Unix(1000, 0)
	var got float64
	for i, f := range []float64{440, 440, 440, 880} {
		got = h.Correct(f, 80, start.Add(time.Duration(i)*50*time.Millisecond))
	}
	if math.Abs(got-440) > 1e-9 {
		t.Errorf("corrected = %v, want 440", got)
	}
}

func TestHarmonicCorrector_ModerateVolumeOnset(t *testing.T) {
	t.Parallel()

	// volume 40: confidences 0.55, 0.8, 0.8 average just above 0.7
	h := NewHarmonicCorrector(nil)
	start := time.Unix(1000, 0)
	var got float64
	for i, f := range []float64{440, 440, 440, 880} {
		got = h.Correct(f, 40, start.Add(time.Duration(i)*50*time.Millisecond))
	}
	if math.Abs(got-440) > 1e-9 {
		t.Errorf("corrected = %v, want 440", got)
	}
	if c := h.History()[0].Confidence; math.Abs(c-0.55) > 1e-9 {
		t.Errorf("first confidence = %v, want 0.55", c)
	}
}

func TestHarmonicCorrector_FoldsSubharmonic(t *testing.T) {
	t.Parallel()

	h := NewHarmonicCorrector(nil)
	start := time.Unix(1000, 0)
	var got float64
	for i, f := range []float64{440, 440, 440, 220} {
		got = h.Correct(f, 80, start.Add(time.Duration(i)*50*time.Millisecond))
	}
	if math.Abs(got-440) > 1e-9 {
		t.Errorf("corrected = %v, want 440", got)
	}
}

func TestHarmonicCorrector_IsolatedSample(t *testing.T) {
	t.Parallel()

	h := NewHarmonicCorrector(nil)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		h.Correct(440, 80, now.Add(time.Duration(i)*50*time.Millisecond))
	}
	h.Reset()

	if got := h.Correct(880, 80, now.Add(200*time.Millisecond)); got != 880 {
		t.Errorf("after silence: corrected = %v, want 880", got)
	}
}

func TestHarmonicCorrector_PrunesOldHistory(t *testing.T) {
	t.Parallel()

	h := NewHarmonicCorrector(nil)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		h.Correct(440, 80, now.Add(time.Duration(i)*50*time.Millisecond))
	}

	later := now.Add(2 * time.Second)
	if got := h.Correct(880, 80, later); got != 880 {
		t.Errorf("stale history: corrected = %v, want 880", got)
	}
	if n := len(h.History()); n != 1 {
		t.Errorf("history length = %d, want 1", n)
	}
}

func TestHarmonicCorrector_QuietHistoryNotTrusted(t *testing.T) {
	t.Parallel()

	h := NewHarmonicCorrector(nil)
	now := time.Unix(1000, 0)
	var got float64
	for i, f := range []float64{440, 440, 440, 880} {
		got = h.Correct(f, 5, now.Add(time.Duration(i)*50*time.Millisecond))
	}
	if got != 880 {
		t.Errorf("low confidence history: corrected = %v, want 880", got)
	}
}
