package audio

// TrackStatus is a snapshot of one track taken during a health check
type TrackStatus struct {
	Kind    string
	Label   string
	Enabled bool
	Muted   bool
	State   TrackState
}

// HealthCheckResult is the outcome of a stream health classification.
// It is derived on demand and never persisted.
type HealthCheckResult struct {
	StreamActive bool
	ContextState string
	Tracks       []TrackStatus
	Healthy      bool
	Reason       string
	RefCount     int
}

// Reasons reported by CheckStream
const (
	ReasonNoStream      = "no stream"
	ReasonInactive      = "stream inactive"
	ReasonNoTracks      = "stream has no tracks"
	ReasonNoAudioTrack  = "stream has no audio track"
	ReasonTrackEnded    = "audio track ended"
	ReasonTrackDisabled = "audio track disabled"
	ReasonTrackMuted    = "audio track muted"
	ReasonTrackNotLive  = "audio track not live"
	ReasonHealthy       = "healthy"
)

// CheckStream classifies a stream. The first audio track decides; the
// stream is healthy only if none of the unhealthy conditions hold.
func CheckStream(s Stream) HealthCheckResult {
	if s == nil {
		return HealthCheckResult{Reason: ReasonNoStream}
	}
	if !s.Active() {
		return HealthCheckResult{Reason: ReasonInactive}
	}

	tracks := s.Tracks()
	result := HealthCheckResult{StreamActive: true}
	if len(tracks) == 0 {
		result.Reason = ReasonNoTracks
		return result
	}

	var audioTrack Track
	result.Tracks = make([]TrackStatus, 0, len(tracks))
	for _, t := range tracks {
		result.Tracks = append(result.Tracks, TrackStatus{
			Kind:    t.Kind(),
			Label:   t.Label(),
			Enabled: t.Enabled(),
			Muted:   t.Muted(),
			State:   t.State(),
		})
		if audioTrack == nil && t.Kind() == KindAudio {
			audioTrack = t
		}
	}

	switch {
	case audioTrack == nil:
		result.Reason = ReasonNoAudioTrack
	case audioTrack.State() == TrackEnded:
		result.Reason = ReasonTrackEnded
	case !audioTrack.Enabled():
		result.Reason = ReasonTrackDisabled
	case audioTrack.Muted():
		result.Reason = ReasonTrackMuted
	case audioTrack.State() != TrackLive:
		result.Reason = ReasonTrackNotLive
	default:
		result.Healthy = true
		result.Reason = ReasonHealthy
	}
	return result
}
