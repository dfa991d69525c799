package wavreplay

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jonboulle/clockwork"

	"github.com/0xlemi/pitchpro/internal/audio"
)

// writeWAV writes n frames of a 16-bit sine at freq with the given channels
func writeWAV(t *testing.T, rate, channels, n int, freq float64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "take.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	data := make([]int, n*channels)
	for i := 0; i < n; i++ {
		v := int(math.Round(16384 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))))
		for ch := 0; ch < channels; ch++ {
			data[i*channels+ch] = v
		}
	}

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func TestDecode_Mixdown(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 2, 400, 440)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	samples, rate, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rate != 8000 {
		t.Errorf("rate = %d, want 8000", rate)
	}
	if len(samples) != 400 {
		t.Fatalf("len(samples) = %d, want 400", len(samples))
	}

	peak := float32(0)
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 0.49 || peak > 0.51 {
		t.Errorf("peak = %v, want about 0.5", peak)
	}
}

func TestOpen_NotWav(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.wav")
	if err := os.WriteFile(path, []byte("definitely not RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewBackend(path).Open(context.Background(), audio.DefaultConstraints())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open() error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestStream_PacedPlayback(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, 250, 220)
	clock := clockwork.NewFakeClock()

	st, err := NewBackend(path, WithClock(clock)).Open(context.Background(), audio.Constraints{FramesPerBuffer: 100})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer st.Close()

	if got := st.Tracks()[0].State(); got != audio.TrackPending {
		t.Errorf("state before Start = %v, want pending", got)
	}

	blocks := make(chan int, 8)
	if err := st.Start(func(b []float32) { blocks <- len(b) }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	period := 100 * time.Second / 8000
	for _, want := range []int{100, 100, 50} {
		clock.BlockUntil(1)
		clock.Advance(period)
		select {
		case got := <-blocks:
			if got != want {
				t.Errorf("block len = %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for block")
		}
	}

	clock.BlockUntil(1)
	clock.Advance(period)
	deadline := time.Now().Add(time.Second)
	for st.Active() {
		if time.Now().After(deadline) {
			t.Fatal("stream still active after end of file")
		}
		time.Sleep(time.Millisecond)
	}
	if got := audio.CheckStream(st).Reason; got != audio.ReasonInactive {
		t.Errorf("health reason = %q, want %q", got, audio.ReasonInactive)
	}
}
