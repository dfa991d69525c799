// Package wavreplay implements audio.Backend by playing a WAV file back in
// real time, posing as a microphone. Useful for demos and for reproducing
// detection problems with a recorded take.
package wavreplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/0xlemi/pitchpro/internal/audio"
)

// ErrNotWav is returned when the file is not a valid WAV file
var ErrNotWav = errors.New("not a valid WAV file")

// Backend replays one WAV file per opened stream
type Backend struct {
	path  string
	loop  bool
	clock clockwork.Clock
	log   logrus.FieldLogger
}

// Option configures a Backend
type Option func(*Backend)

// WithLoop restarts playback at the end of the file instead of ending the track
func WithLoop(loop bool) Option {
	return func(b *Backend) { b.loop = loop }
}

// WithClock paces playback with c
func WithClock(c clockwork.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Backend) { b.log = l }
}

// NewBackend creates a replay backend for the WAV file at path
func NewBackend(path string, opts ...Option) *Backend {
	b := &Backend{
		path:  path,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		b.log = l
	}
	b.log = b.log.WithField("component", "wavreplay")
	return b
}

// Name returns "wav"
func (b *Backend) Name() string { return "wav" }

// Open decodes the whole file. The stream runs at the file's sample rate;
// c.SampleRate is ignored, c.FramesPerBuffer sets the block size.
func (b *Backend) Open(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	defer f.Close()

	samples, rate, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", audio.ErrDeviceUnavailable, b.path, err)
	}

	block := c.FramesPerBuffer
	if block <= 0 {
		block = audio.DefaultConstraints().FramesPerBuffer
	}

	b.log.WithFields(logrus.Fields{
		"file":     b.path,
		"rate":     rate,
		"duration": time.Duration(float64(len(samples)) / float64(rate) * float64(time.Second)),
	}).Info("Replay stream opened")

	return &Stream{
		samples: samples,
		rate:    rate,
		block:   block,
		loop:    b.loop,
		clock:   b.clock,
		track:   &track{label: b.path},
	}, nil
}

// Decode reads a WAV file and mixes it down to mono float32 in [-1, 1]
func Decode(r io.ReadSeeker) ([]float32, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, ErrNotWav
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}

	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	return mixdown(buf, channels, int(d.BitDepth)), int(d.SampleRate), nil
}

func mixdown(buf *goaudio.IntBuffer, channels, bitDepth int) []float32 {
	maxVal := float64(int(1) << uint(bitDepth-1))
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := range out {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch])
		}
		out[i] = float32(sum / float64(channels) / maxVal)
	}
	return out
}

// Stream is a paced replay of decoded samples
type Stream struct {
	samples []float32
	rate    int
	block   int
	loop    bool
	clock   clockwork.Clock
	track   *track

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Active reports whether playback has not ended
func (s *Stream) Active() bool {
	return s.track.State() != audio.TrackEnded
}

// Tracks returns the single replay track
func (s *Stream) Tracks() []audio.Track {
	return []audio.Track{s.track}
}

// SampleRate returns the file's sample rate
func (s *Stream) SampleRate() int {
	return s.rate
}

// Start begins delivering one block per block period
func (s *Stream) Start(h audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("replay already started")
	}
	if s.track.State() == audio.TrackEnded {
		return errors.New("replay stream closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.track.setLive()

	go s.run(ctx, h)
	return nil
}

func (s *Stream) run(ctx context.Context, h audio.Handler) {
	defer close(s.done)

	period := time.Duration(float64(s.block) / float64(s.rate) * float64(time.Second))
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if pos >= len(s.samples) {
			if !s.loop || len(s.samples) == 0 {
				s.track.end()
				return
			}
			pos = 0
		}

		end := pos + s.block
		if end > len(s.samples) {
			end = len(s.samples)
		}
		if s.track.Enabled() {
			h(s.samples[pos:end])
		}
		pos = end
	}
}

// Close stops playback and ends the track
func (s *Stream) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	s.track.end()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

type track struct {
	label string

	mu    sync.Mutex
	live  bool
	ended bool
}

func (t *track) Kind() string  { return audio.KindAudio }
func (t *track) Label() string { return t.label }
func (t *track) Enabled() bool { return true }
func (t *track) Muted() bool   { return false }

func (t *track) State() audio.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.ended:
		return audio.TrackEnded
	case t.live:
		return audio.TrackLive
	default:
		return audio.TrackPending
	}
}

func (t *track) setLive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = true
}

func (t *track) Stop() { t.end() }

func (t *track) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}
