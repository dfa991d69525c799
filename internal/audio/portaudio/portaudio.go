// Package portaudio implements audio.Backend on top of PortAudio
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/0xlemi/pitchpro/internal/audio"
)

// stallTimeout is how long a started stream may go without a callback
// before its track reports itself muted.
const stallTimeout = 2 * time.Second

// Backend opens the default PortAudio input device
type Backend struct{}

// NewBackend creates a PortAudio backend
func NewBackend() *Backend {
	return &Backend{}
}

// Name returns "portaudio"
func (*Backend) Name() string { return "portaudio" }

// Open initializes PortAudio and opens the default input device. Every
// stream holds its own PortAudio initialization, released by Close.
func (*Backend) Open(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Initialize PortAudio
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	device, err := pa.DefaultInputDevice()
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if device.MaxInputChannels < 1 {
		pa.Terminate()
		return nil, fmt.Errorf("%w: %s has no input channels", audio.ErrDeviceUnavailable, device.Name)
	}

	channels := c.ChannelCount
	if channels < 1 {
		channels = 1
	}
	if channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}

	s := &Stream{
		sampleRate: c.SampleRate,
		channels:   channels,
		track:      &track{label: device.Name},
	}
	s.track.owner = s

	params := pa.LowLatencyParameters(device, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.FramesPerBuffer
	if c.Latency > 0 {
		params.Input.Latency = c.Latency
	}

	s.stream, err = pa.OpenStream(params, s.processAudio)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	return s, nil
}

// Stream is an open PortAudio input stream
type Stream struct {
	stream     *pa.Stream
	sampleRate int
	channels   int
	track      *track

	handlerMu sync.Mutex
	handler   audio.Handler
	mono      []float32

	started      atomic.Bool
	closed       atomic.Bool
	lastCallback atomic.Int64
}

// Active reports whether the track is still running
func (s *Stream) Active() bool {
	return s.track.State() != audio.TrackEnded
}

// Tracks returns the single microphone track
func (s *Stream) Tracks() []audio.Track {
	return []audio.Track{s.track}
}

// SampleRate returns the requested sample rate
func (s *Stream) SampleRate() int {
	return s.sampleRate
}

// Start begins audio capture
func (s *Stream) Start(h audio.Handler) error {
	if s.closed.Load() {
		return errors.New("audio stream closed")
	}
	if s.started.Load() {
		return errors.New("audio capture already started")
	}

	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()

	s.lastCallback.Store(time.Now().UnixNano())
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.started.Store(true)
	return nil
}

// Close stops and closes the stream and terminates PortAudio
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.track.end()

	var errs []error
	if s.started.Load() {
		errs = append(errs, s.stream.Stop())
	}
	errs = append(errs, s.stream.Close(), pa.Terminate())
	return errors.Join(errs...)
}

// processAudio is the callback function for audio processing
func (s *Stream) processAudio(in, _ []float32) {
	s.lastCallback.Store(time.Now().UnixNano())

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if s.handler == nil || s.track.State() != audio.TrackLive || !s.track.Enabled() {
		return
	}

	// If we have multi-channel input, we'll average the channels
	frames := len(in) / s.channels
	if cap(s.mono) < frames {
		s.mono = make([]float32, frames)
	}
	mono := s.mono[:frames]
	if s.channels > 1 {
		for i := range mono {
			sum := float32(0)
			for ch := 0; ch < s.channels; ch++ {
				sum += in[i*s.channels+ch]
			}
			mono[i] = sum / float32(s.channels)
		}
	} else {
		copy(mono, in)
	}

	s.handler(mono)
}

func (s *Stream) stalled() bool {
	if !s.started.Load() {
		return false
	}
	last := time.Unix(0, s.lastCallback.Load())
	return time.Since(last) > stallTimeout
}

// track is the microphone track of a Stream
type track struct {
	owner *Stream
	label string

	mu       sync.Mutex
	ended    bool
	disabled bool
}

func (t *track) Kind() string  { return audio.KindAudio }
func (t *track) Label() string { return t.label }

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disabled
}

// Muted reports true when the device stopped calling back, which is how
// PortAudio surfaces a microphone taken away by the system.
func (t *track) Muted() bool {
	return t.owner.stalled()
}

func (t *track) State() audio.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.ended:
		return audio.TrackEnded
	case !t.owner.started.Load():
		return audio.TrackPending
	default:
		return audio.TrackLive
	}
}

func (t *track) Stop() {
	t.end()
}

func (t *track) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}
