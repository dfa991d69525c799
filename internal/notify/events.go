package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
)

const (
	permissionHint = "Allow microphone access for this program in your system privacy settings, then start it again."
	deviceHint     = "Connect a microphone, or select an input device in your sound settings."
	audioHint      = "Check that no other program holds the microphone exclusively, then restart."
	recoveryHint   = "Reconnect the microphone and restart monitoring."
	calibrateHint  = "Keep quiet during the first two seconds, then sing a steady note."
)

// MicrophoneError reports a failure to acquire the microphone. where names
// the operation that failed and may be empty.
func MicrophoneError(err error, where string) Event {
	hint := deviceHint
	if errors.Is(err, audio.ErrPermissionDenied) {
		hint = permissionHint
	}
	var details []string
	if where != "" {
		details = append(details, "during "+where)
	}
	return Event{
		Kind:     KindMicrophone,
		Severity: Error,
		Title:    "Microphone error",
		Message:  fmt.Sprintf("the microphone could not be opened: %v", err),
		Details:  details,
		Hint:     hint,
	}
}

// AudioSystemError reports a failure to build the audio processing graph
func AudioSystemError(err error) Event {
	return Event{
		Kind:     KindAudioSystem,
		Severity: Error,
		Title:    "Audio system error",
		Message:  fmt.Sprintf("audio processing could not start: %v", err),
		Details:  []string{"the audio device may be in use or misconfigured"},
		Hint:     audioHint,
	}
}

// RecoveryExhausted reports that automatic recovery gave up
func RecoveryExhausted(err error, attempts int) Event {
	return Event{
		Kind:     KindRecoveryExhausted,
		Severity: Error,
		Title:    "Microphone lost",
		Message:  fmt.Sprintf("the stream could not be restored after %d attempts: %v", attempts, err),
		Hint:     recoveryHint,
	}
}

// CalibrationComplete reports the settings a calibration produced
func CalibrationComplete(sensitivity, noiseGate float64) Event {
	return Event{
		Kind:     KindCalibration,
		Severity: Success,
		Title:    "Calibration complete",
		Message:  fmt.Sprintf("sensitivity %.1fx, noise gate %.3f", sensitivity, noiseGate),
		Duration: 3 * time.Second,
	}
}

// CalibrationFailed reports a calibration that did not finish
func CalibrationFailed(err error) Event {
	return Event{
		Kind:     KindCalibration,
		Severity: Warning,
		Title:    "Calibration failed",
		Message:  err.Error(),
		Hint:     calibrateHint,
		Duration: 8 * time.Second,
	}
}

// FromError turns an error surfaced by the engine or the supervisor into
// an event. Recoverable stream errors are handled silently and yield false.
func FromError(err error, attempts int) (Event, bool) {
	switch {
	case err == nil:
		return Event{}, false
	case errors.Is(err, lifecycle.ErrMaxRecoveryAttempts):
		return RecoveryExhausted(err, attempts), true
	case errors.Is(err, audio.ErrGraphConstruction):
		return AudioSystemError(err), true
	case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, audio.ErrDeviceUnavailable):
		return MicrophoneError(err, "initialization"), true
	case audio.IsRecoverable(err):
		return Event{}, false
	default:
		return Event{
			Kind:     KindGeneric,
			Severity: Warning,
			Title:    "Audio warning",
			Message:  err.Error(),
		}, true
	}
}
