package audio

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrPermissionDenied means the user or the platform refused microphone
	// access. Fatal, never retried.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable means no compatible input device exists. Fatal.
	ErrDeviceUnavailable = errors.New("no compatible audio input device")

	// ErrStreamHealth means a live stream turned unhealthy after it was
	// acquired. Recoverable.
	ErrStreamHealth = errors.New("audio stream unhealthy")

	// ErrGraphConstruction means wiring the filter or analysis graph failed.
	// Fatal.
	ErrGraphConstruction = errors.New("audio graph construction failed")

	// ErrNotReady means an operation ran before initialization completed.
	ErrNotReady = errors.New("audio resources not initialized")
)

// HealthError reports an unhealthy stream together with the check that
// found it.
type HealthError struct {
	Result HealthCheckResult
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("%v: %s", ErrStreamHealth, e.Result.Reason)
}

// Unwrap lets errors.Is match ErrStreamHealth
func (e *HealthError) Unwrap() error {
	return ErrStreamHealth
}

// IsFatal reports whether err must be surfaced to the user immediately
// instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrGraphConstruction)
}

// IsRecoverable reports whether err can be handled by re-acquiring the stream
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrStreamHealth)
}
