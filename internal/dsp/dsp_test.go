package dsp

import (
	"math"
	"testing"
)

func sine(freq, amp, rate float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestBiquad_Response(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     FilterType
		freq, q float64
		at      float64
		min     float64
		max     float64
	}{
		{"highpass passes voice", Highpass, 80, 0.7, 1000, 0.95, 1.05},
		{"highpass rejects rumble", Highpass, 80, 0.7, 20, 0, 0.1},
		{"lowpass passes fundamental", Lowpass, 800, 0.7, 100, 0.95, 1.05},
		{"lowpass rejects hiss", Lowpass, 800, 0.7, 4000, 0, 0.1},
		{"notch kills hum", Notch, 60, 10, 60, 0, 0.01},
		{"notch leaves neighbours", Notch, 60, 10, 220, 0.95, 1.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := NewBiquad(tt.typ, 44100, tt.freq, tt.q)
			got := f.Response(tt.at)
			if got < tt.min || got > tt.max {
				t.Errorf("Response(%v) = %v, want in [%v, %v]", tt.at, got, tt.min, tt.max)
			}
		})
	}
}

func TestBiquad_Process(t *testing.T) {
	t.Parallel()

	const rate = 44100
	in := sine(2000, 0.5, rate, 8192)
	out := make([]float32, len(in))

	f := NewBiquad(Lowpass, rate, 200, 0.7)
	f.Process(out, in)

	// skip the transient
	if got, want := RMS(out[4096:]), RMS(in[4096:])*0.05; got > want {
		t.Errorf("lowpass output RMS = %v, want < %v", got, want)
	}
}

func TestBiquad_SetParamsClamps(t *testing.T) {
	t.Parallel()

	f := NewBiquad(Lowpass, 8000, 800, 0.7)
	f.SetParams(10000, -1)

	freq, q := f.Params()
	if freq >= 4000 {
		t.Errorf("freq = %v, want below Nyquist", freq)
	}
	if q <= 0 {
		t.Errorf("q = %v, want positive fallback", q)
	}
}

func TestVolume(t *testing.T) {
	t.Parallel()

	desktop := VolumeParams{GainCompensation: 1, Divisor: 6, NoiseThreshold: 15}
	phone := VolumeParams{GainCompensation: 1.5, Divisor: 4, NoiseThreshold: 12}

	tests := []struct {
		name string
		rms  float64
		p    VolumeParams
		want float64
	}{
		{"desktop below threshold", 0.1, desktop, 0},
		{"desktop mid", 0.5, desktop, 35},
		{"phone mid", 0.2, phone, 33},
		{"phone clipped", 1, phone, 100},
		{"silence", 0, desktop, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Volume(tt.rms, tt.p); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Volume(%v) = %v, want %v", tt.rms, got, tt.want)
			}
		})
	}
}

func TestVolume_Monotonic(t *testing.T) {
	t.Parallel()

	p := VolumeParams{GainCompensation: 1, Divisor: 6, NoiseThreshold: 15}
	prev := -1.0
	for rms := 0.0; rms <= 2; rms += 0.01 {
		v := Volume(rms, p)
		if v < prev {
			t.Fatalf("Volume(%v) = %v < Volume of smaller rms %v", rms, v, prev)
		}
		prev = v
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	// full periods of a sine have RMS amp/sqrt(2)
	got := RMS(sine(100, 0.8, 8000, 800))
	if want := 0.8 / math.Sqrt2; math.Abs(got-want) > 1e-3 {
		t.Errorf("RMS(sine) = %v, want %v", got, want)
	}
}

func TestMovingAverage(t *testing.T) {
	t.Parallel()

	m := NewMovingAverage(3)
	if got := m.Mean(); got != 0 {
		t.Errorf("empty Mean() = %v, want 0", got)
	}
	m.Add(3)
	if got := m.Add(6); got != 4.5 {
		t.Errorf("Mean after 2 = %v, want 4.5", got)
	}
	m.Add(9)
	if got := m.Add(12); got != 9 {
		t.Errorf("Mean after wrap = %v, want 9", got)
	}
	m.Reset()
	if got := m.Mean(); got != 0 {
		t.Errorf("Mean after Reset = %v, want 0", got)
	}
}

func TestAutocorrelator_MatchesDirectSum(t *testing.T) {
	t.Parallel()

	const n = 300
	frame := sine(440, 0.7, 8000, n)
	for i := range frame {
		frame[i] += float32(0.1 * math.Cos(float64(i)*0.37))
	}

	got := make([]float64, n)
	NewAutocorrelator(n).Compute(frame, got)

	for tau := 0; tau < n; tau++ {
		want := 0.0
		for i := 0; i+tau < n; i++ {
			want += float64(frame[i]) * float64(frame[i+tau])
		}
		if math.Abs(got[tau]-want) > 1e-6 {
			t.Fatalf("r[%d] = %v, want %v", tau, got[tau], want)
		}
	}
}

func TestNextPow2(t *testing.T) {
	t.Parallel()

	for in, want := range map[int]int{1: 1, 2: 2, 3: 4, 600: 1024, 4096: 4096} {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
