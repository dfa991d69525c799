package audio_test

import (
	"testing"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/audio/audiotest"
)

func TestCheckStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		stream     func() audio.Stream
		wantHealth bool
		wantReason string
	}{
		{
			name:       "no stream",
			stream:     func() audio.Stream { return nil },
			wantReason: audio.ReasonNoStream,
		},
		{
			name: "inactive stream",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.SetInactive(true)
				return s
			},
			wantReason: audio.ReasonInactive,
		},
		{
			name: "no tracks",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.SetTracks()
				return activeWithoutTracks{s}
			},
			wantReason: audio.ReasonNoTracks,
		},
		{
			name: "no audio track",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.SetTracks(audiotest.NewTrack(audio.KindVideo))
				return s
			},
			wantReason: audio.ReasonNoAudioTrack,
		},
		{
			name: "ended track",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.SetTracks(
					audiotest.NewTrack(audio.KindAudio).SetState(audio.TrackEnded),
					audiotest.NewTrack(audio.KindVideo),
				)
				return s
			},
			wantReason: audio.ReasonTrackEnded,
		},
		{
			name: "disabled track",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.Track(0).SetEnabled(false)
				return s
			},
			wantReason: audio.ReasonTrackDisabled,
		},
		{
			name: "muted but active track",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.Track(0).SetMuted(true)
				return s
			},
			wantReason: audio.ReasonTrackMuted,
		},
		{
			name: "active but not live track",
			stream: func() audio.Stream {
				s := audiotest.NewStream(44100)
				s.Track(0).SetState(audio.TrackPending)
				return s
			},
			wantReason: audio.ReasonTrackNotLive,
		},
		{
			name:       "nominal live track",
			stream:     func() audio.Stream { return audiotest.NewStream(44100) },
			wantHealth: true,
			wantReason: audio.ReasonHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := audio.CheckStream(tt.stream())
			if got.Healthy != tt.wantHealth {
				t.Errorf("CheckStream().Healthy = %v, want %v", got.Healthy, tt.wantHealth)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("CheckStream().Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestCheckStream_TrackSnapshot(t *testing.T) {
	t.Parallel()

	s := audiotest.NewStream(48000)
	s.SetTracks(
		audiotest.NewTrack(audio.KindVideo),
		audiotest.NewTrack(audio.KindAudio).SetMuted(true),
	)

	got := audio.CheckStream(s)
	if len(got.Tracks) != 2 {
		t.Fatalf("len(Tracks) = %d, want 2", len(got.Tracks))
	}
	if !got.Tracks[1].Muted || got.Tracks[1].Kind != audio.KindAudio {
		t.Errorf("Tracks[1] = %+v, want muted audio track", got.Tracks[1])
	}
	if !got.StreamActive {
		t.Error("StreamActive = false, want true")
	}
}

// activeWithoutTracks reports an active stream that has no tracks, a state
// some platforms expose briefly while a device is being swapped.
type activeWithoutTracks struct {
	*audiotest.Stream
}

func (activeWithoutTracks) Active() bool { return true }
