// Package audiotest provides a scriptable in-memory audio backend and
// waveform helpers for tests.
package audiotest

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/0xlemi/pitchpro/internal/audio"
)

// Backend is a fake audio.Backend. Every Open creates a Stream with one
// live audio track unless OpenErr is set.
type Backend struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil
	OpenErr error

	// Gate, when non-nil, blocks Open until it is closed, modelling a
	// permission prompt the user has not answered yet.
	Gate chan struct{}

	Rate int

	openCalls atomic.Int32
	streams   []*Stream
}

// NewBackend creates a fake backend delivering samples at sampleRate
func NewBackend(sampleRate int) *Backend {
	return &Backend{Rate: sampleRate}
}

// Name returns "fake"
func (b *Backend) Name() string { return "fake" }

// Open returns a new fake stream
func (b *Backend) Open(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	b.openCalls.Add(1)

	b.mu.Lock()
	gate := b.Gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	rate := b.Rate
	if rate == 0 {
		rate = c.SampleRate
	}
	s := NewStream(rate)
	b.streams = append(b.streams, s)
	return s, nil
}

// SetOpenErr changes the error returned by subsequent Open calls
func (b *Backend) SetOpenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenErr = err
}

// OpenCalls returns how many times Open was called
func (b *Backend) OpenCalls() int {
	return int(b.openCalls.Load())
}

// Streams returns every stream opened so far
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.streams))
	copy(out, b.streams)
	return out
}

// Last returns the most recently opened stream, or nil
func (b *Backend) Last() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// Stream is a fake audio.Stream whose samples are pushed by the test
type Stream struct {
	mu      sync.Mutex
	rate    int
	tracks  []*Track
	handler audio.Handler
	closed  int
	inert   bool
}

// NewStream creates a stream with a single live audio track
func NewStream(sampleRate int) *Stream {
	return &Stream{
		rate:   sampleRate,
		tracks: []*Track{NewTrack(audio.KindAudio)},
	}
}

// SetTracks replaces the stream's tracks
func (s *Stream) SetTracks(tracks ...*Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = tracks
}

// SetInactive forces Active to report false regardless of track state
func (s *Stream) SetInactive(inactive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inert = inactive
}

// Track returns the i-th track
func (s *Stream) Track(i int) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[i]
}

func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inert {
		return false
	}
	for _, t := range s.tracks {
		if t.State() != audio.TrackEnded {
			return true
		}
	}
	return false
}

func (s *Stream) Tracks() []audio.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) SampleRate() int { return s.rate }

func (s *Stream) Start(h audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.handler = nil
	return nil
}

// Closed returns how many times Close was called
func (s *Stream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers a block to the started handler synchronously. It reports
// false when the stream is not started or already closed.
func (s *Stream) Push(block []float32) bool {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(block)
	return true
}

// Track is a fake audio.Track with settable state
type Track struct {
	mu      sync.Mutex
	kind    string
	enabled bool
	muted   bool
	state   audio.TrackState
	stops   int
}

// NewTrack creates an enabled, unmuted, live track of the given kind
func NewTrack(kind string) *Track {
	return &Track{kind: kind, enabled: true, state: audio.TrackLive}
}

func (t *Track) Kind() string  { return t.kind }
func (t *Track) Label() string { return "fake " + t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *Track) State() audio.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != audio.TrackEnded {
		t.stops++
	}
	t.state = audio.TrackEnded
}

// Stops returns how many times the track was stopped while not ended
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// SetEnabled changes the enabled flag
func (t *Track) SetEnabled(v bool) *Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
	return t
}

// SetMuted changes the muted flag
func (t *Track) SetMuted(v bool) *Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = v
	return t
}

// SetState changes the ready state
func (t *Track) SetState(s audio.TrackState) *Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	return t
}

// Sine returns n samples of a sine wave starting at sample offset
func Sine(freq, amplitude float64, sampleRate, n, offset int) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(offset+i) / float64(sampleRate)
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

// Noise returns n samples of deterministic white noise in [-amplitude, amplitude]
func Noise(amplitude float64, n int, seed uint32) []float32 {
	state := seed
	out := make([]float32, n)
	for i := range out {
		// Numerical Recipes LCG
		state = state*1664525 + 1013904223
		out[i] = float32(amplitude * ((float64(state)/float64(0xFFFFFFFF))*2.0 - 1.0))
	}
	return out
}

// Feed pushes total samples of a sine wave to s in blocks of blockSize
func Feed(s *Stream, freq, amplitude float64, total, blockSize int) {
	for off := 0; off < total; off += blockSize {
		s.Push(Sine(freq, amplitude, s.SampleRate(), blockSize, off))
	}
}
