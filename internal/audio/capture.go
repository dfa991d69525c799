// Package audio defines the boundary between the pitch engine and the
// platform's audio input: backends hand out live streams, streams deliver
// blocks of mono float32 samples and expose their tracks for health checks.
package audio

import (
	"context"
	"time"
)

// Track kinds reported by Track.Kind.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// TrackState mirrors the ready state of a capture track
type TrackState int

const (
	// TrackLive means the track is producing samples
	TrackLive TrackState = iota
	// TrackPending means the track exists but has not started producing samples
	TrackPending
	// TrackEnded means the track was stopped or the device went away
	TrackEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackPending:
		return "pending"
	case TrackEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Track is a single capture track of a stream
type Track interface {
	// Kind returns KindAudio for microphone tracks
	Kind() string

	// Label is a human readable device label
	Label() string

	// Enabled reports whether the track is allowed to deliver samples
	Enabled() bool

	// Muted reports whether the platform muted the track (for example
	// because another application grabbed the device)
	Muted() bool

	// State returns the ready state of the track
	State() TrackState

	// Stop ends the track. Stopping an ended track is a no-op.
	Stop()
}

// Handler receives captured sample blocks. The block is only valid for the
// duration of the call.
type Handler func(block []float32)

// Stream is a live, controllable input stream
type Stream interface {
	// Active reports whether at least one track is not ended
	Active() bool

	// Tracks returns the stream's tracks
	Tracks() []Track

	// SampleRate is the rate of the blocks delivered to the handler
	SampleRate() int

	// Start begins delivering mono sample blocks to h
	Start(h Handler) error

	// Close releases the underlying device
	Close() error
}

// Constraints describe the stream a caller asks the platform for
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Latency          time.Duration
	FramesPerBuffer  int
}

// DefaultConstraints returns the constraints the pool uses when none are
// configured. Platform processing stays off because the engine filters the
// signal itself.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:      44100,
		ChannelCount:    1,
		Latency:         100 * time.Millisecond,
		FramesPerBuffer: 1024,
	}
}

// Backend acquires input streams from the platform
type Backend interface {
	// Name identifies the backend in logs
	Name() string

	// Open requests microphone access. It may block for as long as the
	// platform's permission step takes and honours ctx cancellation.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// NopBackend is the fallback backend used when no platform audio is
// available. Every Open fails with ErrDeviceUnavailable.
type NopBackend struct{}

// NewNopBackend creates a backend without any input devices
func NewNopBackend() *NopBackend {
	return &NopBackend{}
}

// Name returns "nop"
func (NopBackend) Name() string { return "nop" }

// Open always fails with ErrDeviceUnavailable
func (NopBackend) Open(ctx context.Context, _ Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrDeviceUnavailable
}

// QueryPermission reports PermissionDenied: there is nothing to grant.
func (NopBackend) QueryPermission(context.Context) (PermissionState, error) {
	return PermissionDenied, nil
}
